package onebot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func newTestPurposeRegistry(t testing.TB) *PurposeRegistry {
	t.Helper()
	return NewPurposeRegistry(newTestStore(t).DBI(), nil)
}

func TestPurposeRegistry_Channels(t *testing.T) {
	p := newTestPurposeRegistry(t)
	ctx := context.Background()

	var changes int
	p.onChange = func(context.Context) { changes++ }

	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c2", ChannelPurposeLogs))
	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c1", ChannelPurposeLogs))
	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c3", ChannelPurposeAnnouncements))
	require.NoError(t, p.SetChannelPurpose(ctx, testOtherGuildID, "c4", ChannelPurposeLogs))
	assert.Equal(t, 4, changes)

	assert.Equal(t, []string{"c1", "c2"}, p.ChannelsForPurpose(testGuildID, ChannelPurposeLogs))
	assert.Equal(
		t,
		[]string{"c1", "c2", "c4"},
		p.ChannelsForPurpose("", ChannelPurposeLogs),
	)

	purpose, ok := p.ChannelPurposeOf("c3")
	assert.True(t, ok)
	assert.Equal(t, ChannelPurposeAnnouncements, purpose)

	channels := p.GuildChannels(testGuildID)
	require.Len(t, channels, 3)
	assert.Equal(t, "c1", channels[0].ChannelID)
	assert.Equal(t, "c3", channels[2].ChannelID)

	t.Run(
		"a channel has one purpose", func(t *testing.T) {
			err := p.SetChannelPurpose(ctx, testGuildID, "c1", ChannelPurposeAnnouncements)
			assert.ErrorIs(t, err, ErrAlreadyExists)
		},
	)

	t.Run(
		"unknown purpose", func(t *testing.T) {
			err := p.SetChannelPurpose(ctx, testGuildID, "c9", ChannelPurpose("bogus"))
			assert.Error(t, err)
			_, ok := p.ChannelPurposeOf("c9")
			assert.False(t, ok)
		},
	)

	t.Run(
		"remove", func(t *testing.T) {
			require.NoError(t, p.RemoveChannelPurpose(ctx, testGuildID, "c1"))
			_, ok := p.ChannelPurposeOf("c1")
			assert.False(t, ok)
			assert.Equal(t, []string{"c2"}, p.ChannelsForPurpose(testGuildID, ChannelPurposeLogs))

			assert.ErrorIs(t, p.RemoveChannelPurpose(ctx, testGuildID, "c1"), ErrNotFound)
			// channel IDs are scoped to the guild they were set in
			assert.ErrorIs(t, p.RemoveChannelPurpose(ctx, testGuildID, "c4"), ErrNotFound)
		},
	)
}

func TestPurposeRegistry_Roles(t *testing.T) {
	p := newTestPurposeRegistry(t)
	ctx := context.Background()

	require.NoError(t, p.SetRolePurpose(ctx, testGuildID, "r1", RolePurposeModerator))
	require.NoError(t, p.SetRolePurpose(ctx, testGuildID, "r2", RolePurposeMute))
	assert.Equal(t, []string{"r1"}, p.RolesForPurpose(testGuildID, RolePurposeModerator))

	assert.ErrorIs(t, p.SetRolePurpose(ctx, testGuildID, "r1", RolePurposeMute), ErrAlreadyExists)
	assert.Error(t, p.SetRolePurpose(ctx, testGuildID, "r3", RolePurpose("bogus")))

	require.NoError(t, p.RemoveRolePurpose(ctx, testGuildID, "r1"))
	assert.Empty(t, p.RolesForPurpose(testGuildID, RolePurposeModerator))
	assert.ErrorIs(t, p.RemoveRolePurpose(ctx, testGuildID, "r1"), ErrNotFound)
}

func TestPurposeRegistry_Load_SkipsUnknown(t *testing.T) {
	p := newTestPurposeRegistry(t)
	ctx := context.Background()

	gdb := p.db.DB()
	require.NoError(
		t,
		gdb.Create(&GuildChannel{ChannelID: "c1", GuildID: testGuildID, Purpose: "retired"}).Error,
	)
	require.NoError(
		t,
		gdb.Create(&GuildChannel{ChannelID: "c2", GuildID: testGuildID, Purpose: ChannelPurposeLogs}).Error,
	)
	require.NoError(
		t,
		gdb.Create(&GuildRole{RoleID: "r1", GuildID: testGuildID, Purpose: "retired"}).Error,
	)

	require.NoError(t, p.Load(ctx))
	_, ok := p.ChannelPurposeOf("c1")
	assert.False(t, ok)
	assert.Equal(t, []string{"c2"}, p.ChannelsForPurpose(testGuildID, ChannelPurposeLogs))
	assert.Empty(t, p.RolesForPurpose(testGuildID, RolePurpose("retired")))
}

type failingSender struct {
	failChannel string
	sent        []string
}

func (f *failingSender) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if channelID == f.failChannel {
		return nil, errors.New("missing access")
	}
	f.sent = append(f.sent, channelID)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func TestPurposeRegistry_SendLogs(t *testing.T) {
	p := newTestPurposeRegistry(t)
	ctx := context.Background()

	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c1", ChannelPurposeLogs))
	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c2", ChannelPurposeLogs))
	require.NoError(t, p.SetChannelPurpose(ctx, testGuildID, "c3", ChannelPurposeAnnouncements))
	require.NoError(t, p.SetChannelPurpose(ctx, testOtherGuildID, "c4", ChannelPurposeLogs))

	sender := &failingSender{}
	require.NoError(t, p.SendLogs(ctx, sender, testGuildID, "hello"))
	assert.Equal(t, []string{"c1", "c2"}, sender.sent)

	sender = &failingSender{}
	require.NoError(t, p.SendLogs(ctx, sender, "", "hello"))
	assert.Equal(t, []string{"c1", "c2", "c4"}, sender.sent)

	// one failing channel doesn't stop the rest
	sender = &failingSender{failChannel: "c1"}
	err := p.SendLogs(ctx, sender, testGuildID, "hello")
	assert.ErrorContains(t, err, "channel c1")
	assert.Equal(t, []string{"c2"}, sender.sent)
}

func TestParsePurpose(t *testing.T) {
	c, err := ParseChannelPurpose("logs")
	require.NoError(t, err)
	assert.Equal(t, ChannelPurposeLogs, c)
	_, err = ParseChannelPurpose("nope")
	assert.Error(t, err)

	r, err := ParseRolePurpose("moderator")
	require.NoError(t, err)
	assert.Equal(t, RolePurposeModerator, r)
	_, err = ParseRolePurpose("nope")
	assert.Error(t, err)
}
