package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

// reasons a grant was dropped, used as the "reason" label on
// GrantsDropped
const (
	dropReasonBot           = "bot"
	dropReasonDirectMessage = "direct_message"
	dropReasonPaused        = "paused"
	dropReasonZeroAmount    = "zero_amount"
	dropReasonCooldown      = "cooldown"
	dropReasonUnregistered  = "unregistered"
	dropReasonStoreError    = "store_error"

	levelUpReplyTemplate = "GG! You've advanced to level %d"
	levelUpLogTemplate   = "%s advanced to level %d"
)

// EventHandler pairs a gateway event handler with a name for logging.
// Handler is passed to [discordgo.Session.AddHandler] as-is, so it must
// be one of the func types discordgo recognizes.
type EventHandler struct {
	Name    string
	Handler any
}

// GrantResult describes the outcome of a single XP grant
type GrantResult struct {
	Granted     bool
	Dropped     string
	Amount      int64
	LevelBefore int
	LevelAfter  int
	Experience  int64
}

func (g GrantResult) LeveledUp() bool {
	return g.Granted && g.LevelAfter > g.LevelBefore
}

func (g GrantResult) LogValue() slog.Value {
	if !g.Granted {
		return slog.GroupValue(slog.String("dropped", g.Dropped))
	}
	return slog.GroupValue(
		slog.Int64("amount", g.Amount),
		slog.Int64(columnMemberLevelExperience, g.Experience),
		slog.Int("level_before", g.LevelBefore),
		slog.Int("level_after", g.LevelAfter),
	)
}

// ActivityTracker turns guild activity into XP. Messages and profile or
// presence updates grant XP to registered members, joins and leaves
// register and unregister them, and a gateway Ready reconciles every
// guild.
type ActivityTracker struct {
	store     *Store
	registrar *Registrar
	session   DiscordSessionHandler
	purposes  *PurposeRegistry
	config    func() RuntimeConfig
	metrics   *Metrics
	logger    *slog.Logger

	cooldown *keyedLimiter

	// run executes an event handler's work. OneBot tracks these on its
	// runtime wait group. Defaults to a bare goroutine.
	run func(fn func())
}

func NewActivityTracker(
	store *Store,
	registrar *Registrar,
	session DiscordSessionHandler,
	purposes *PurposeRegistry,
	config func() RuntimeConfig,
	metrics *Metrics,
	logger *slog.Logger,
) *ActivityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = newMetrics()
	}
	return &ActivityTracker{
		store:     store,
		registrar: registrar,
		session:   session,
		purposes:  purposes,
		config:    config,
		metrics:   metrics,
		logger:    logger.With(loggerNameKey, "activity_tracker"),
		cooldown:  newKeyedLimiter(0, 1, time.Minute),
		run: func(fn func()) {
			go fn()
		},
	}
}

// Handlers returns the gateway event handlers to register on the
// session. Work is handed off to t.run, and uses ctx as its parent.
func (t *ActivityTracker) Handlers(ctx context.Context) []EventHandler {
	return []EventHandler{
		{
			Name: "message_create",
			Handler: func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				t.run(func() { t.handleMessageCreate(ctx, m) })
			},
		},
		{
			Name: "guild_member_update",
			Handler: func(_ *discordgo.Session, u *discordgo.GuildMemberUpdate) {
				t.run(func() { t.handleGuildMemberUpdate(ctx, u) })
			},
		},
		{
			Name: "presence_update",
			Handler: func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
				t.run(func() { t.handlePresenceUpdate(ctx, p) })
			},
		},
		{
			Name: "guild_member_add",
			Handler: func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				t.run(func() { t.handleGuildMemberAdd(ctx, m) })
			},
		},
		{
			Name: "guild_member_remove",
			Handler: func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				t.run(func() { t.handleGuildMemberRemove(ctx, m) })
			},
		},
		{
			Name: "ready",
			Handler: func(_ *discordgo.Session, r *discordgo.Ready) {
				t.run(func() { t.handleReady(ctx, r) })
			},
		},
	}
}

func (t *ActivityTracker) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	// webhook messages carry a synthetic author
	if m.WebhookID != "" {
		t.drop(ctx, dropReasonBot)
		return
	}
	cfg := t.config()
	result, err := t.Grant(ctx, m.Author, m.GuildID, cfg.MessageXP, grantSourceMessage)
	if err != nil || !result.LeveledUp() {
		return
	}
	t.announceLevelUp(ctx, m.GuildID, m.Author.ID, result.LevelAfter, m.Message, cfg)
}

func (t *ActivityTracker) handleGuildMemberUpdate(ctx context.Context, u *discordgo.GuildMemberUpdate) {
	if u == nil || u.Member == nil || u.User == nil {
		return
	}
	cfg := t.config()
	result, err := t.Grant(ctx, u.User, u.GuildID, cfg.PresenceXP, grantSourcePresence)
	if err != nil || !result.LeveledUp() {
		return
	}
	t.announceLevelUp(ctx, u.GuildID, u.User.ID, result.LevelAfter, nil, cfg)
}

// handlePresenceUpdate grants XP for a presence change. Presence users
// are often partial (ID only), so a bot can't always be recognized
// here, but bots are never registered, so the grant is dropped as
// unregistered instead.
func (t *ActivityTracker) handlePresenceUpdate(ctx context.Context, p *discordgo.PresenceUpdate) {
	if p == nil || p.User == nil {
		return
	}
	cfg := t.config()
	result, err := t.Grant(ctx, p.User, p.GuildID, cfg.PresenceXP, grantSourcePresence)
	if err != nil || !result.LeveledUp() {
		return
	}
	t.announceLevelUp(ctx, p.GuildID, p.User.ID, result.LevelAfter, nil, cfg)
}

func (t *ActivityTracker) handleGuildMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil {
		return
	}
	if _, err := t.registrar.Register(ctx, m.Member); err != nil {
		t.logger.ErrorContext(ctx, "error registering new member", tint.Err(err))
	}
}

func (t *ActivityTracker) handleGuildMemberRemove(ctx context.Context, m *discordgo.GuildMemberRemove) {
	if m == nil || m.Member == nil || m.User == nil {
		return
	}
	if err := t.registrar.Unregister(ctx, m.User.ID, m.GuildID); err != nil {
		t.logger.ErrorContext(
			ctx,
			"error unregistering member",
			tint.Err(err),
			columnMemberLevelMemberID, m.User.ID,
			columnMemberLevelGuildID, m.GuildID,
		)
	}
}

func (t *ActivityTracker) handleReady(ctx context.Context, r *discordgo.Ready) {
	if r != nil {
		t.logger.InfoContext(ctx, "gateway ready", "guild_count", len(r.Guilds))
	}
	if _, err := t.registrar.ReconcileAll(ctx); err != nil {
		t.logger.ErrorContext(ctx, "error reconciling guilds", tint.Err(err))
	}
}

// Grant adds amount XP to a registered, non-bot member in a guild.
// Bots, DMs, a paused bot and members still cooling down are skipped
// without error. A member with no record is skipped, and the returned
// error wraps ErrNotFound: the member isn't registered mid-grant, that's
// left to joins and reconciliation.
func (t *ActivityTracker) Grant(
	ctx context.Context,
	user *discordgo.User,
	guildID string,
	amount int64,
	source string,
) (GrantResult, error) {
	var result GrantResult
	if user == nil {
		return result, errors.New("grant: no user")
	}
	logger := t.logger.With(
		columnMemberLevelMemberID, user.ID,
		columnMemberLevelGuildID, guildID,
		"source", source,
	)

	switch {
	case user.Bot:
		result.Dropped = dropReasonBot
	case guildID == "":
		result.Dropped = dropReasonDirectMessage
	case t.config().Paused:
		result.Dropped = dropReasonPaused
	case amount <= 0:
		result.Dropped = dropReasonZeroAmount
	}
	if result.Dropped != "" {
		t.drop(ctx, result.Dropped)
		logger.DebugContext(ctx, "grant skipped", "result", result)
		return result, nil
	}

	// the cooldown is only charged once the member is known to be
	// registered
	ledger, err := LoadLedger(ctx, t.store, user.ID, guildID)
	if err == nil {
		if !t.allow(source, guildID, user.ID) {
			result.Dropped = dropReasonCooldown
			t.drop(ctx, result.Dropped)
			logger.DebugContext(ctx, "grant skipped", "result", result)
			return result, nil
		}
		result.LevelBefore, result.LevelAfter, err = ledger.AddXP(ctx, amount)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		result.Dropped = dropReasonUnregistered
		t.drop(ctx, result.Dropped)
		logger.WarnContext(ctx, "member not registered, dropping grant")
		return result, err
	case err != nil:
		result.Dropped = dropReasonStoreError
		t.drop(ctx, result.Dropped)
		logger.ErrorContext(ctx, "error granting xp", tint.Err(err))
		return result, err
	}

	result.Granted = true
	result.Amount = amount
	result.Experience = ledger.XPRaw()
	t.metrics.XPGranted.WithLabelValues(source).Add(float64(amount))
	if result.LeveledUp() {
		t.metrics.LevelUps.Inc()
		logger.InfoContext(ctx, "member leveled up", "result", result)
	} else {
		logger.DebugContext(ctx, "granted xp", "result", result)
	}
	return result, nil
}

// allow applies the runtime-configured cooldown to message grants.
// Other sources aren't rate limited.
func (t *ActivityTracker) allow(source, guildID, memberID string) bool {
	if source != grantSourceMessage {
		return true
	}
	interval := t.config().MessageXPCooldown.Duration
	if interval <= 0 {
		return true
	}
	if t.cooldown.SetInterval(interval) {
		t.logger.Info("xp cooldown changed", "cooldown", interval)
	}
	return t.cooldown.Allow(guildID + ":" + memberID)
}

func (t *ActivityTracker) drop(_ context.Context, reason string) {
	t.metrics.GrantsDropped.WithLabelValues(reason).Inc()
}

// announceLevelUp replies to the message that caused a level up (if
// replies are enabled and there's a message), and posts to the guild's
// log channels.
func (t *ActivityTracker) announceLevelUp(
	ctx context.Context,
	guildID string,
	memberID string,
	level int,
	msg *discordgo.Message,
	cfg RuntimeConfig,
) {
	if msg != nil && cfg.LevelUpReplies {
		_, err := t.session.ChannelMessageSendReply(
			msg.ChannelID,
			fmt.Sprintf(levelUpReplyTemplate, level),
			msg.Reference(),
			discordgo.WithContext(ctx),
		)
		if err != nil {
			t.logger.ErrorContext(ctx, "error sending level up reply", tint.Err(err))
		}
	}
	if t.purposes == nil {
		return
	}
	err := t.purposes.SendLogs(
		ctx,
		t.session,
		guildID,
		fmt.Sprintf(levelUpLogTemplate, userMention(memberID), level),
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "error sending level up log", tint.Err(err))
	}
}
