package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sync/atomic"
)

// purposeSnapshot is an immutable view of every purpose mapping. It's
// replaced as a whole on reload, never modified.
type purposeSnapshot struct {
	channels map[string]GuildChannel
	roles    map[string]GuildRole
}

// ChannelMessageSender sends a plain message to a channel
type ChannelMessageSender interface {
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// PurposeRegistry maps guild channels and roles to their configured
// purposes. Reads are served from an in-memory snapshot, which is
// reloaded after every change.
type PurposeRegistry struct {
	db       DBI
	snapshot atomic.Pointer[purposeSnapshot]
	logger   *slog.Logger

	// onChange is called after a mapping is added or removed
	onChange func(ctx context.Context)
}

func NewPurposeRegistry(db DBI, logger *slog.Logger) *PurposeRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PurposeRegistry{db: db, logger: logger.With(loggerNameKey, "purposes")}
	p.snapshot.Store(&purposeSnapshot{
		channels: map[string]GuildChannel{},
		roles:    map[string]GuildRole{},
	})
	return p
}

// Load replaces the snapshot with the current database contents.
// Rows with a purpose that's no longer defined are skipped.
func (p *PurposeRegistry) Load(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var channels []GuildChannel
	if err := p.db.DB().WithContext(ctx).Find(&channels).Error; err != nil {
		return fmt.Errorf("error loading channel purposes: %w", err)
	}
	var roles []GuildRole
	if err := p.db.DB().WithContext(ctx).Find(&roles).Error; err != nil {
		return fmt.Errorf("error loading role purposes: %w", err)
	}

	snap := &purposeSnapshot{
		channels: make(map[string]GuildChannel, len(channels)),
		roles:    make(map[string]GuildRole, len(roles)),
	}
	for _, c := range channels {
		if !c.Purpose.Valid() {
			p.logger.WarnContext(ctx, "skipping unknown channel purpose", "channel", c)
			continue
		}
		snap.channels[c.ChannelID] = c
	}
	for _, r := range roles {
		if !r.Purpose.Valid() {
			p.logger.WarnContext(ctx, "skipping unknown role purpose", "role", r)
			continue
		}
		snap.roles[r.RoleID] = r
	}
	p.snapshot.Store(snap)
	p.logger.DebugContext(
		ctx,
		"loaded purposes",
		"channels", len(snap.channels),
		"roles", len(snap.roles),
	)
	return nil
}

func (p *PurposeRegistry) changed(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	if p.onChange != nil {
		p.onChange(ctx)
	}
	return nil
}

// SetChannelPurpose assigns a purpose to a channel. If the channel
// already has a purpose, the returned error wraps ErrAlreadyExists.
func (p *PurposeRegistry) SetChannelPurpose(
	ctx context.Context,
	guildID string,
	channelID string,
	purpose ChannelPurpose,
) error {
	if !purpose.Valid() {
		return fmt.Errorf("unknown channel purpose: %q", purpose)
	}
	_, err := p.db.Create(
		ctx,
		&GuildChannel{ChannelID: channelID, GuildID: guildID, Purpose: purpose},
	)
	if err != nil {
		return storeErr("set channel purpose", "", guildID, err)
	}
	p.logger.InfoContext(
		ctx,
		"set channel purpose",
		columnGuildChannelChannelID, channelID,
		columnMemberLevelGuildID, guildID,
		columnPurpose, purpose,
	)
	return p.changed(ctx)
}

// RemoveChannelPurpose clears a channel's purpose. ErrNotFound is
// returned if it had none.
func (p *PurposeRegistry) RemoveChannelPurpose(ctx context.Context, guildID, channelID string) error {
	rows, err := p.db.Delete(
		ctx,
		&GuildChannel{},
		"channel_id = ? AND guild_id = ?",
		channelID,
		guildID,
	)
	if err != nil {
		return storeErr("remove channel purpose", "", guildID, err)
	}
	if rows == 0 {
		return fmt.Errorf("remove channel purpose: %w", ErrNotFound)
	}
	return p.changed(ctx)
}

// SetRolePurpose assigns a purpose to a role. If the role already has a
// purpose, the returned error wraps ErrAlreadyExists.
func (p *PurposeRegistry) SetRolePurpose(
	ctx context.Context,
	guildID string,
	roleID string,
	purpose RolePurpose,
) error {
	if !purpose.Valid() {
		return fmt.Errorf("unknown role purpose: %q", purpose)
	}
	_, err := p.db.Create(ctx, &GuildRole{RoleID: roleID, GuildID: guildID, Purpose: purpose})
	if err != nil {
		return storeErr("set role purpose", "", guildID, err)
	}
	p.logger.InfoContext(
		ctx,
		"set role purpose",
		columnGuildRoleRoleID, roleID,
		columnMemberLevelGuildID, guildID,
		columnPurpose, purpose,
	)
	return p.changed(ctx)
}

func (p *PurposeRegistry) RemoveRolePurpose(ctx context.Context, guildID, roleID string) error {
	rows, err := p.db.Delete(ctx, &GuildRole{}, "role_id = ? AND guild_id = ?", roleID, guildID)
	if err != nil {
		return storeErr("remove role purpose", "", guildID, err)
	}
	if rows == 0 {
		return fmt.Errorf("remove role purpose: %w", ErrNotFound)
	}
	return p.changed(ctx)
}

// ChannelPurposeOf returns the purpose assigned to a channel, if any
func (p *PurposeRegistry) ChannelPurposeOf(channelID string) (ChannelPurpose, bool) {
	c, ok := p.snapshot.Load().channels[channelID]
	return c.Purpose, ok
}

// ChannelsForPurpose returns the IDs of channels with the given purpose
// in a guild, sorted. An empty guildID matches every guild.
func (p *PurposeRegistry) ChannelsForPurpose(guildID string, purpose ChannelPurpose) []string {
	var ids []string
	for id, c := range p.snapshot.Load().channels {
		if c.Purpose == purpose && (guildID == "" || c.GuildID == guildID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// GuildChannels returns every purposed channel in the guild, sorted
// by channel ID
func (p *PurposeRegistry) GuildChannels(guildID string) []GuildChannel {
	var channels []GuildChannel
	for _, c := range p.snapshot.Load().channels {
		if c.GuildID == guildID {
			channels = append(channels, c)
		}
	}
	slices.SortFunc(
		channels, func(a, b GuildChannel) int {
			switch {
			case a.ChannelID < b.ChannelID:
				return -1
			case a.ChannelID > b.ChannelID:
				return 1
			}
			return 0
		},
	)
	return channels
}

// RolesForPurpose returns the IDs of roles with the given purpose in a
// guild, sorted
func (p *PurposeRegistry) RolesForPurpose(guildID string, purpose RolePurpose) []string {
	var ids []string
	for id, r := range p.snapshot.Load().roles {
		if r.Purpose == purpose && (guildID == "" || r.GuildID == guildID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// SendLogs posts msg to every channel purposed for logs in the guild,
// or in every guild if guildID is empty. Failures for individual
// channels are logged and returned together.
func (p *PurposeRegistry) SendLogs(
	ctx context.Context,
	sender ChannelMessageSender,
	guildID string,
	msg string,
) error {
	msg = truncate(msg, discordMaxMessageLength)
	var errs []error
	for _, channelID := range p.ChannelsForPurpose(guildID, ChannelPurposeLogs) {
		_, err := sender.ChannelMessageSend(
			channelID,
			msg,
			discordgo.WithContext(ctx),
			discordgo.WithRetryOnRatelimit(false),
		)
		if err != nil {
			p.logger.ErrorContext(
				ctx,
				"error sending to log channel",
				tint.Err(err),
				columnGuildChannelChannelID, channelID,
			)
			errs = append(errs, fmt.Errorf("channel %s: %w", channelID, err))
		}
	}
	return errors.Join(errs...)
}
