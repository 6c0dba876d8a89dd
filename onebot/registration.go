package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"time"
)

const (
	// discordGuildMembersPageSize is the maximum page size allowed by the
	// list guild members endpoint
	discordGuildMembersPageSize = 1000

	// discordUserGuildsPageSize is the maximum page size allowed by the
	// list current user guilds endpoint
	discordUserGuildsPageSize = 200
)

// MemberSource lists the guilds the bot is in, and the members of a
// guild. DiscordSessionHandler satisfies it.
type MemberSource interface {
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)
}

// ReconcileResult summarizes a reconciliation run
type ReconcileResult struct {
	Guilds     int `json:"guilds"`
	Members    int `json:"members"`
	Registered int `json:"registered"`
	Bots       int `json:"bots"`
	Failed     int `json:"failed"`
}

func (r *ReconcileResult) add(other ReconcileResult) {
	r.Guilds += other.Guilds
	r.Members += other.Members
	r.Registered += other.Registered
	r.Bots += other.Bots
	r.Failed += other.Failed
}

func (r ReconcileResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("guilds", r.Guilds),
		slog.Int("members", r.Members),
		slog.Int("registered", r.Registered),
		slog.Int("bots", r.Bots),
		slog.Int("failed", r.Failed),
	)
}

// Registrar makes sure every non-bot guild member has exactly one
// MemberLevel record.
type Registrar struct {
	store       *Store
	source      MemberSource
	logger      *slog.Logger
	concurrency int
	metrics     *Metrics
}

// NewRegistrar returns a Registrar. concurrency bounds the number of
// guilds reconciled at once by ReconcileAll.
func NewRegistrar(
	store *Store,
	source MemberSource,
	concurrency int,
	logger *slog.Logger,
) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = DefaultReconcileConcurrency
	}
	return &Registrar{
		store:       store,
		source:      source,
		concurrency: concurrency,
		logger:      logger.With(loggerNameKey, "registrar"),
	}
}

// Register creates a record with SeedXP for the member, if they aren't
// a bot and don't already have one. It returns true if a record was
// created. Calling it for an already-registered member is a no-op.
func (r *Registrar) Register(ctx context.Context, member *discordgo.Member) (bool, error) {
	if member == nil || member.User == nil {
		return false, errors.New("member has no user")
	}
	logger := r.logger.With(
		columnMemberLevelMemberID, member.User.ID,
		columnMemberLevelGuildID, member.GuildID,
	)
	if member.User.Bot {
		logger.DebugContext(ctx, "member is a bot, skipping")
		return false, nil
	}
	if member.GuildID == "" {
		return false, fmt.Errorf("member %s has no guild ID", member.User.ID)
	}

	_, err := r.store.Experience(ctx, member.User.ID, member.GuildID)
	switch {
	case err == nil:
		logger.DebugContext(ctx, "member already registered")
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	_, err = CreateLedger(ctx, r.store, member.User.ID, member.GuildID, SeedXP)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "registered member")
		if r.metrics != nil {
			r.metrics.MembersRegistered.Inc()
		}
		return true, nil
	case errors.Is(err, ErrAlreadyExists):
		// registered concurrently, between the lookup and insert
		logger.DebugContext(ctx, "member already registered")
		return false, nil
	default:
		return false, err
	}
}

// Unregister deletes a member's record. A member with no record is not
// an error.
func (r *Registrar) Unregister(ctx context.Context, memberID, guildID string) error {
	err := r.store.DeleteMemberLevel(ctx, memberID, guildID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	r.logger.InfoContext(
		ctx,
		"unregistered member",
		columnMemberLevelMemberID, memberID,
		columnMemberLevelGuildID, guildID,
		"existed", err == nil,
	)
	return nil
}

// Reconcile registers every current non-bot member of the guild,
// repairing drift from members who joined while the bot was offline.
// Individual registration failures are logged and counted, and
// returned together once every page has been processed.
func (r *Registrar) Reconcile(ctx context.Context, guildID string) (ReconcileResult, error) {
	result := ReconcileResult{Guilds: 1}
	logger := r.logger.With(columnMemberLevelGuildID, guildID)
	start := time.Now()

	var errs []error
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		members, err := r.source.GuildMembers(
			guildID,
			after,
			discordGuildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return result, fmt.Errorf("error listing members for guild %s: %w", guildID, err)
		}
		for _, m := range members {
			if m == nil || m.User == nil {
				continue
			}
			result.Members++
			if m.User.Bot {
				result.Bots++
				continue
			}
			if m.GuildID == "" {
				m.GuildID = guildID
			}
			created, regErr := r.Register(ctx, m)
			if regErr != nil {
				result.Failed++
				logger.ErrorContext(
					ctx,
					"error registering member",
					tint.Err(regErr),
					columnMemberLevelMemberID, m.User.ID,
				)
				errs = append(errs, regErr)
				continue
			}
			if created {
				result.Registered++
			}
		}
		if len(members) < discordGuildMembersPageSize {
			break
		}
		last := members[len(members)-1]
		if last == nil || last.User == nil {
			break
		}
		after = last.User.ID
	}

	tracked, countErr := r.store.CountGuildMembers(ctx, guildID)
	if countErr != nil {
		logger.WarnContext(ctx, "error counting tracked members", tint.Err(countErr))
	}
	logger.InfoContext(
		ctx,
		"reconciled guild",
		"result", result,
		"tracked", tracked,
		"duration", time.Since(start),
	)
	return result, errors.Join(errs...)
}

// guildIDs pages through every guild the bot is a member of
func (r *Registrar) guildIDs(ctx context.Context) ([]string, error) {
	var ids []string
	after := ""
	for {
		guilds, err := r.source.UserGuilds(
			discordUserGuildsPageSize,
			"",
			after,
			false,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return ids, fmt.Errorf("error listing guilds: %w", err)
		}
		for _, g := range guilds {
			ids = append(ids, g.ID)
		}
		if len(guilds) < discordUserGuildsPageSize {
			return ids, nil
		}
		after = guilds[len(guilds)-1].ID
	}
}

// ReconcileAll runs Reconcile for every guild the bot is in, with at
// most r.concurrency guilds in flight. If the guild list can't be fetched
// from discord, the guilds already in the store are reconciled instead,
// and the listing error is returned along with any others.
func (r *Registrar) ReconcileAll(ctx context.Context) (ReconcileResult, error) {
	var total ReconcileResult
	var mu sync.Mutex
	var errs []error

	guildIDs, err := r.guildIDs(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "error listing guilds, using stored guilds", tint.Err(err))
		stored, storeErr := r.store.GuildIDs(ctx)
		if storeErr != nil {
			return total, errors.Join(err, storeErr)
		}
		guildIDs = stored
		errs = append(errs, err)
	}
	r.logger.InfoContext(ctx, "reconciling guilds", "guild_count", len(guildIDs))

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, guildID := range guildIDs {
		g.Go(
			func() error {
				res, rErr := r.Reconcile(ctx, guildID)
				mu.Lock()
				defer mu.Unlock()
				total.add(res)
				if rErr != nil {
					errs = append(errs, rErr)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	if r.metrics != nil {
		r.metrics.Reconciles.Inc()
	}
	r.logger.InfoContext(ctx, "reconciled all guilds", "result", total)
	return total, errors.Join(errs...)
}
