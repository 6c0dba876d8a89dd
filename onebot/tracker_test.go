package onebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// newTestTracker returns a tracker over a fresh store. cfg is read on
// every grant, so tests can modify it between calls.
func newTestTracker(t testing.TB) (*ActivityTracker, *mockDiscordSession, *RuntimeConfig) {
	t.Helper()
	session := newMockDiscordSession(t)
	store := newTestStore(t)
	registrar := NewRegistrar(store, session, 1, nil)
	purposes := NewPurposeRegistry(store.DBI(), nil)

	cfg := DefaultRuntimeConfig()
	tracker := NewActivityTracker(
		store,
		registrar,
		session,
		purposes,
		func() RuntimeConfig { return cfg },
		newMetrics(),
		nil,
	)
	tracker.run = func(fn func()) { fn() }
	return tracker, session, &cfg
}

func messageCreate(guildID, userID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg_" + userID,
			ChannelID: "channel_1",
			GuildID:   guildID,
			Author:    &discordgo.User{ID: userID},
			Content:   "hello",
		},
	}
}

func TestActivityTracker_Grant(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)

	result, err := tracker.Grant(ctx, &discordgo.User{ID: "m1"}, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.True(t, result.Granted)
	assert.Equal(t, int64(36), result.Experience)
	assert.Equal(t, 0, result.LevelBefore)
	assert.Equal(t, 1, result.LevelAfter)
	assert.True(t, result.LeveledUp())

	assert.Equal(t, 35.0, testutil.ToFloat64(tracker.metrics.XPGranted.WithLabelValues(grantSourceMessage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tracker.metrics.LevelUps))
}

func TestActivityTracker_Grant_Dropped(t *testing.T) {
	tracker, _, cfg := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)

	tests := []struct {
		name    string
		user    *discordgo.User
		guildID string
		amount  int64
		paused  bool
		reason  string
	}{
		{
			name:    "bot",
			user:    &discordgo.User{ID: "m1", Bot: true},
			guildID: testGuildID,
			amount:  35,
			reason:  dropReasonBot,
		},
		{
			name:   "direct message",
			user:   &discordgo.User{ID: "m1"},
			amount: 35,
			reason: dropReasonDirectMessage,
		},
		{
			name:    "paused",
			user:    &discordgo.User{ID: "m1"},
			guildID: testGuildID,
			amount:  35,
			paused:  true,
			reason:  dropReasonPaused,
		},
		{
			name:    "zero amount",
			user:    &discordgo.User{ID: "m1"},
			guildID: testGuildID,
			reason:  dropReasonZeroAmount,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg.Paused = tc.paused
				result, err := tracker.Grant(ctx, tc.user, tc.guildID, tc.amount, grantSourceMessage)
				require.NoError(t, err)
				assert.False(t, result.Granted)
				assert.Equal(t, tc.reason, result.Dropped)
				assert.Equal(
					t,
					1.0,
					testutil.ToFloat64(tracker.metrics.GrantsDropped.WithLabelValues(tc.reason)),
				)
			},
		)
	}
	cfg.Paused = false

	xp, err := tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP, xp)
}

func TestActivityTracker_Grant_Unregistered(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	result, err := tracker.Grant(ctx, &discordgo.User{ID: "ghost"}, testGuildID, 35, grantSourceMessage)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, dropReasonUnregistered, result.Dropped)

	// the grant doesn't register them
	_, err = tracker.store.Experience(ctx, "ghost", testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivityTracker_Grant_Cooldown(t *testing.T) {
	tracker, _, cfg := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)
	insertMember(t, tracker.store, "m2", testGuildID, SeedXP)
	cfg.MessageXPCooldown = Duration{time.Hour}

	user := &discordgo.User{ID: "m1"}
	first, err := tracker.Grant(ctx, user, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.True(t, first.Granted)

	second, err := tracker.Grant(ctx, user, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.Equal(t, dropReasonCooldown, second.Dropped)

	// other members, and non-message grants, aren't affected
	other, err := tracker.Grant(ctx, &discordgo.User{ID: "m2"}, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.True(t, other.Granted)

	presence, err := tracker.Grant(ctx, user, testGuildID, 150, grantSourcePresence)
	require.NoError(t, err)
	assert.True(t, presence.Granted)

	xp, err := tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP+35+150, xp)
}

func TestActivityTracker_Grant_CooldownAfterRegistration(t *testing.T) {
	tracker, _, cfg := newTestTracker(t)
	ctx := context.Background()
	cfg.MessageXPCooldown = Duration{time.Hour}
	user := &discordgo.User{ID: "m1"}

	result, err := tracker.Grant(ctx, user, testGuildID, 35, grantSourceMessage)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, dropReasonUnregistered, result.Dropped)

	// the dropped grant didn't start a cooldown
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)
	result, err = tracker.Grant(ctx, user, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.True(t, result.Granted)

	result, err = tracker.Grant(ctx, user, testGuildID, 35, grantSourceMessage)
	require.NoError(t, err)
	assert.Equal(t, dropReasonCooldown, result.Dropped)
}

func TestActivityTracker_MessageCreate(t *testing.T) {
	tracker, session, _ := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)
	require.NoError(
		t,
		tracker.purposes.SetChannelPurpose(ctx, testGuildID, "log_channel", ChannelPurposeLogs),
	)

	handlers := tracker.Handlers(ctx)
	var onMessage func(*discordgo.Session, *discordgo.MessageCreate)
	for _, h := range handlers {
		if h.Name == "message_create" {
			onMessage = h.Handler.(func(*discordgo.Session, *discordgo.MessageCreate))
		}
	}
	require.NotNil(t, onMessage)

	for i := 0; i < 10; i++ {
		onMessage(nil, messageCreate(testGuildID, "m1"))
	}

	l, err := LoadLedger(ctx, tracker.store, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(351), l.XPRaw())
	assert.Equal(t, 2, l.Level())

	replies := session.sentReplies()
	require.Len(t, replies, 2)
	assert.Equal(t, fmt.Sprintf(levelUpReplyTemplate, 1), replies[0].Content)
	assert.Equal(t, fmt.Sprintf(levelUpReplyTemplate, 2), replies[1].Content)
	assert.Equal(t, "channel_1", replies[0].ChannelID)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, "msg_m1", replies[0].Reference.MessageID)

	logs := session.sentMessages()
	require.Len(t, logs, 2)
	assert.Equal(t, "log_channel", logs[0].ChannelID)
	assert.Equal(t, fmt.Sprintf(levelUpLogTemplate, userMention("m1"), 1), logs[0].Content)
}

func TestActivityTracker_MessageCreate_Ignored(t *testing.T) {
	tracker, session, cfg := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)
	cfg.LevelUpReplies = false

	webhook := messageCreate(testGuildID, "m1")
	webhook.WebhookID = "hook"
	tracker.handleMessageCreate(ctx, webhook)
	tracker.handleMessageCreate(ctx, &discordgo.MessageCreate{Message: &discordgo.Message{}})
	tracker.handleMessageCreate(ctx, nil)

	xp, err := tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP, xp)

	// levels up, without a reply
	tracker.handleMessageCreate(ctx, messageCreate(testGuildID, "m1"))
	xp, err = tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP+DefaultMessageXP, xp)
	assert.Empty(t, session.sentReplies())
}

func TestActivityTracker_PresenceAndMemberUpdate(t *testing.T) {
	tracker, session, _ := newTestTracker(t)
	ctx := context.Background()
	insertMember(t, tracker.store, "m1", testGuildID, SeedXP)

	tracker.handlePresenceUpdate(
		ctx,
		&discordgo.PresenceUpdate{
			GuildID:  testGuildID,
			Presence: discordgo.Presence{User: &discordgo.User{ID: "m1"}},
		},
	)
	tracker.handleGuildMemberUpdate(
		ctx,
		&discordgo.GuildMemberUpdate{
			Member: &discordgo.Member{
				GuildID: testGuildID,
				User:    &discordgo.User{ID: "m1"},
			},
		},
	)

	xp, err := tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP+2*DefaultPresenceXP, xp)

	// level ups without a message aren't replied to
	assert.Empty(t, session.sentReplies())

	// partial presence for an unknown user is dropped
	tracker.handlePresenceUpdate(
		ctx,
		&discordgo.PresenceUpdate{
			GuildID:  testGuildID,
			Presence: discordgo.Presence{User: &discordgo.User{ID: "unknown"}},
		},
	)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(tracker.metrics.GrantsDropped.WithLabelValues(dropReasonUnregistered)),
	)
}

func TestActivityTracker_JoinAndLeave(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	member := &discordgo.Member{GuildID: testGuildID, User: &discordgo.User{ID: "m1"}}
	tracker.handleGuildMemberAdd(ctx, &discordgo.GuildMemberAdd{Member: member})

	xp, err := tracker.store.Experience(ctx, "m1", testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP, xp)

	tracker.handleGuildMemberAdd(
		ctx,
		&discordgo.GuildMemberAdd{
			Member: &discordgo.Member{
				GuildID: testGuildID,
				User:    &discordgo.User{ID: "b1", Bot: true},
			},
		},
	)
	_, err = tracker.store.Experience(ctx, "b1", testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)

	tracker.handleGuildMemberRemove(ctx, &discordgo.GuildMemberRemove{Member: member})
	_, err = LoadLedger(ctx, tracker.store, "m1", testGuildID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivityTracker_Ready(t *testing.T) {
	tracker, session, _ := newTestTracker(t)
	ctx := context.Background()
	session.addMember(testGuildID, "m1", false)
	session.addMember(testOtherGuildID, "m2", false)

	tracker.handleReady(ctx, &discordgo.Ready{})

	for _, key := range [][2]string{{"m1", testGuildID}, {"m2", testOtherGuildID}} {
		_, err := tracker.store.Experience(ctx, key[0], key[1])
		assert.NoError(t, err)
	}
}
