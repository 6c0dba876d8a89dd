package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const (
	testUserID    = "400000000000000001"
	testChannelID = "500000000000000001"
)

type sentComplex struct {
	channelID string
	data      *discordgo.MessageSend
}

// stubInteractionHandler implements InteractionHandler, recording every
// response instead of sending it
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	deleted   int
	complex   []sentComplex
}

func newStubInteractionHandler(t testing.TB, i *discordgo.InteractionCreate) *stubInteractionHandler {
	t.Helper()
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.Default().With("test_name", t.Name()),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, i *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, i)
	return nil
}

func (s *stubInteractionHandler) GetResponse(context.Context) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
}

func (s *stubInteractionHandler) ChannelMessageSendComplex(
	_ context.Context,
	channelID string,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complex = append(s.complex, sentComplex{channelID: channelID, data: data})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// lastResponse returns the content of the most recent initial response
func (s *stubInteractionHandler) lastResponse(t testing.TB) *discordgo.InteractionResponseData {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.responses)
	data := s.responses[len(s.responses)-1].Data
	require.NotNil(t, data)
	return data
}

// lastEdit returns the content of the most recent edit
func (s *stubInteractionHandler) lastEdit(t testing.TB) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.edits)
	e := s.edits[len(s.edits)-1]
	require.NotNil(t, e.Content)
	return *e.Content
}

func commandInteraction(
	guildID string,
	userID string,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	i := &discordgo.Interaction{
		ID:        "interaction_" + data.Name,
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   guildID,
		ChannelID: testChannelID,
		Data:      data,
	}
	if guildID == "" {
		i.User = &discordgo.User{ID: userID}
	} else {
		i.Member = &discordgo.Member{User: &discordgo.User{ID: userID}}
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

func slashCommand(name string, options ...*discordgo.ApplicationCommandInteractionDataOption) discordgo.ApplicationCommandInteractionData {
	return discordgo.ApplicationCommandInteractionData{
		ID:          "command_" + name,
		Name:        name,
		CommandType: discordgo.ChatApplicationCommand,
		Options:     options,
	}
}

func option(
	name string,
	typ discordgo.ApplicationCommandOptionType,
	value any,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: typ, Value: value}
}

func userOption(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return option(name, discordgo.ApplicationCommandOptionUser, userID)
}

// intOption holds the value the way it's decoded from JSON
func intOption(name string, v int64) *discordgo.ApplicationCommandInteractionDataOption {
	return option(name, discordgo.ApplicationCommandOptionInteger, float64(v))
}

func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func subcommandGroup(
	name string,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommandGroup,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{sub},
	}
}

// runCommand routes a command from userID in the test guild, and returns
// the handler it was responded to with
func runCommand(
	t testing.TB,
	bot *OneBot,
	userID string,
	data discordgo.ApplicationCommandInteractionData,
) *stubInteractionHandler {
	t.Helper()
	h := newStubInteractionHandler(t, commandInteraction(testGuildID, userID, data))
	bot.handleInteraction(context.Background(), h)
	return h
}

func TestCommandRank(t *testing.T) {
	bot, session := newTestBot(t)
	renderer := bot.renderer.(*stubRenderer)
	session.addMember(testGuildID, testUserID, false)
	session.setPresence(testGuildID, testUserID, discordgo.StatusIdle)
	session.colors[testUserID] = 0xff0000
	insertMember(t, bot.store, testUserID, testGuildID, 1251)
	insertMember(t, bot.store, "other", testGuildID, 5000)

	h := runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandRank))

	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, h.responses[0].Type)
	assert.Zero(t, h.responses[0].Data.Flags)

	require.Len(t, h.edits, 1)
	require.Len(t, h.edits[0].Files, 1)
	assert.Equal(t, testUserID+".png", h.edits[0].Files[0].Name)
	assert.Empty(t, *h.edits[0].Content)

	require.Len(t, renderer.cards, 1)
	card := renderer.cards[0]
	assert.Equal(t, testUserID, card.MemberID)
	assert.Equal(t, "user_"+testUserID, card.DisplayName)
	assert.Equal(t, int64(1250), card.XP)
	assert.Equal(t, Level(1250), card.Level)
	assert.Equal(t, Rank(2), card.Rank)
	assert.Equal(t, StatusIdle, card.Status)
	assert.Equal(t, 0xff0000, card.AccentColor)

	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.CommandsHandled.WithLabelValues(DiscordSlashCommandRank)),
	)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.CardsRendered.WithLabelValues("card", "ok")),
	)
}

func TestCommandRank_Options(t *testing.T) {
	bot, session := newTestBot(t)
	renderer := bot.renderer.(*stubRenderer)
	session.addMember(testGuildID, "target", false)
	insertMember(t, bot.store, "target", testGuildID, SeedXP)

	h := runCommand(
		t,
		bot,
		testUserID,
		slashCommand(
			DiscordSlashCommandRank,
			userOption(optionMember, "target"),
			option(optionEphemeral, discordgo.ApplicationCommandOptionBoolean, true),
		),
	)
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)
	require.Len(t, renderer.cards, 1)
	assert.Equal(t, "target", renderer.cards[0].MemberID)
	// no presence data
	assert.Equal(t, StatusOffline, renderer.cards[0].Status)
}

func TestCommandGetRank(t *testing.T) {
	bot, session := newTestBot(t)
	renderer := bot.renderer.(*stubRenderer)
	session.addMember(testGuildID, "target", false)
	insertMember(t, bot.store, "target", testGuildID, SeedXP)

	h := runCommand(
		t,
		bot,
		testUserID,
		discordgo.ApplicationCommandInteractionData{
			ID:          "command_get_rank",
			Name:        DiscordUserCommandGetRank,
			CommandType: discordgo.UserApplicationCommand,
			TargetID:    "target",
		},
	)
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)
	require.Len(t, renderer.cards, 1)
	assert.Equal(t, "target", renderer.cards[0].MemberID)
}

func TestCommandRank_NotRegistered(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember(testGuildID, testUserID, false)

	h := runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandRank))
	assert.Equal(t, fmt.Sprintf(msgMemberNotRegistered, userMention(testUserID)), h.lastEdit(t))

	xp, err := bot.store.Experience(context.Background(), testUserID, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, SeedXP, xp)

	// asking again draws the card
	h = runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandRank))
	require.Len(t, h.edits, 1)
	assert.Len(t, h.edits[0].Files, 1)
}

func TestCommandRank_ResolvedMember(t *testing.T) {
	bot, _ := newTestBot(t)
	insertMember(t, bot.store, "departed", testGuildID, SeedXP)

	data := slashCommand(DiscordSlashCommandRank, userOption(optionMember, "departed"))
	data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Users: map[string]*discordgo.User{
			"departed": {ID: "departed", Username: "gone"},
		},
		Members: map[string]*discordgo.Member{
			"departed": {Nick: "Gone Fishing"},
		},
	}
	runCommand(t, bot, testUserID, data)

	renderer := bot.renderer.(*stubRenderer)
	require.Len(t, renderer.cards, 1)
	assert.Equal(t, "Gone Fishing", renderer.cards[0].DisplayName)
}

func TestCommandRank_Errors(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember(testGuildID, "b1", true)
	session.addMember(testGuildID, testUserID, false)
	insertMember(t, bot.store, testUserID, testGuildID, SeedXP)

	t.Run(
		"bot", func(t *testing.T) {
			h := runCommand(
				t,
				bot,
				testUserID,
				slashCommand(DiscordSlashCommandRank, userOption(optionMember, "b1")),
			)
			assert.Equal(t, fmt.Sprintf(msgBotHasNoRank, "user_b1"), h.lastEdit(t))
		},
	)

	t.Run(
		"unknown member", func(t *testing.T) {
			h := runCommand(
				t,
				bot,
				testUserID,
				slashCommand(DiscordSlashCommandRank, userOption(optionMember, "nobody")),
			)
			assert.Equal(t, msgSomethingWentWrong, h.lastEdit(t))
		},
	)

	t.Run(
		"render failure", func(t *testing.T) {
			bot.renderer.(*stubRenderer).err = &RenderError{Target: "card", Err: errors.New("boom")}
			h := runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandRank))
			assert.Equal(t, msgRenderFailed, h.lastEdit(t))
			assert.Equal(
				t,
				1.0,
				testutil.ToFloat64(bot.metrics.CardsRendered.WithLabelValues("card", "error")),
			)
		},
	)
}

func TestCommandScoreboard(t *testing.T) {
	bot, session := newTestBot(t)
	renderer := bot.renderer.(*stubRenderer)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	bot.now = func() time.Time { return now }

	for memberID, xp := range map[string]int64{"a": 500, "b": 900, "c": 900, "d": 1} {
		session.addMember(testGuildID, memberID, false)
		insertMember(t, bot.store, memberID, testGuildID, xp)
	}
	// ranked, but no longer in the guild
	insertMember(t, bot.store, "e", testGuildID, 10000)

	h := runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandScoreboard))

	estimate := now.Add(bot.config.Renderer.ScoreboardEstimatePerRow * scoreboardDefaultLength)
	assert.Equal(t, fmt.Sprintf(msgScoreboardDrawing, estimate.Unix()), h.lastResponse(t).Content)
	assert.Equal(t, 1, h.deleted)

	require.Len(t, renderer.scoreboards, 1)
	var ids []string
	for _, c := range renderer.scoreboards[0] {
		ids = append(ids, c.MemberID)
	}
	assert.Equal(t, []string{"e", "b", "c"}, ids)
	assert.Equal(t, "e", renderer.scoreboards[0][0].DisplayName)
	assert.Equal(t, Rank(2), renderer.scoreboards[0][2].Rank)

	require.Len(t, h.complex, 1)
	assert.Equal(t, testChannelID, h.complex[0].channelID)
	assert.Equal(t, userMention(testUserID), h.complex[0].data.Content)
	assert.Len(t, h.complex[0].data.Files, 1)

	t.Run(
		"length", func(t *testing.T) {
			h := runCommand(
				t,
				bot,
				testUserID,
				slashCommand(DiscordSlashCommandScoreboard, intOption(optionLength, 30)),
			)
			require.Len(t, h.complex, 1)
			assert.Len(t, renderer.scoreboards[len(renderer.scoreboards)-1], 5)
		},
	)

	t.Run(
		"out of range", func(t *testing.T) {
			for _, length := range []int64{2, 31} {
				h := runCommand(
					t,
					bot,
					testUserID,
					slashCommand(DiscordSlashCommandScoreboard, intOption(optionLength, length)),
				)
				assert.Equal(t, msgScoreboardLength, h.lastResponse(t).Content)
				assert.Empty(t, h.complex)
			}
		},
	)
}

func TestCommandScoreboard_Empty(t *testing.T) {
	bot, _ := newTestBot(t)
	h := runCommand(t, bot, testUserID, slashCommand(DiscordSlashCommandScoreboard))
	assert.Equal(t, msgScoreboardEmpty, h.lastResponse(t).Content)
	assert.Empty(t, bot.renderer.(*stubRenderer).scoreboards)
}

func TestCommandRankAdmin_ValidateMembers(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember(testGuildID, "m1", false)
	session.addMember(testGuildID, "m2", false)
	session.addMember(testGuildID, "b1", true)

	h := runCommand(
		t,
		bot,
		testUserID,
		slashCommand(DiscordSlashCommandRankAdmin, subcommand(subcommandValidateMembers)),
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)
	assert.Equal(t, msgValidationComplete, h.lastEdit(t))

	n, err := bot.store.CountGuildMembers(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCommandRankAdmin_XP(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, "m1", false)
	session.addMember(testGuildID, "m2", false)
	session.addMember(testGuildID, "b1", true)
	insertMember(t, bot.store, "m1", testGuildID, SeedXP)

	xpCommand := func(sub, target string, xp int64) discordgo.ApplicationCommandInteractionData {
		return slashCommand(
			DiscordSlashCommandRankAdmin,
			subcommand(sub, userOption(optionTarget, target), intOption(optionXP, xp)),
		)
	}

	t.Run(
		"owner only", func(t *testing.T) {
			for _, sub := range []string{subcommandAddXP, subcommandSetXP} {
				h := runCommand(t, bot, testUserID, xpCommand(sub, "m1", 100))
				data := h.lastResponse(t)
				assert.Equal(t, msgOwnerOnly, data.Content)
				assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
			}
			xp, err := bot.store.Experience(ctx, "m1", testGuildID)
			require.NoError(t, err)
			assert.Equal(t, SeedXP, xp)
		},
	)

	t.Run(
		"add", func(t *testing.T) {
			h := runCommand(t, bot, testOwnerID, xpCommand(subcommandAddXP, "m1", 500))
			assert.Equal(t, fmt.Sprintf(msgAddedXP, 500, userMention("m1")), h.lastResponse(t).Content)
			xp, err := bot.store.Experience(ctx, "m1", testGuildID)
			require.NoError(t, err)
			assert.Equal(t, SeedXP+500, xp)
			assert.Equal(
				t,
				500.0,
				testutil.ToFloat64(bot.metrics.XPGranted.WithLabelValues(grantSourceAdmin)),
			)
		},
	)

	t.Run(
		"set", func(t *testing.T) {
			h := runCommand(t, bot, testOwnerID, xpCommand(subcommandSetXP, "m1", 42))
			assert.Equal(t, fmt.Sprintf(msgSetXP, userMention("m1"), 42), h.lastResponse(t).Content)
			xp, err := bot.store.Experience(ctx, "m1", testGuildID)
			require.NoError(t, err)
			assert.Equal(t, int64(42), xp)
		},
	)

	t.Run(
		"unregistered target", func(t *testing.T) {
			h := runCommand(t, bot, testOwnerID, xpCommand(subcommandAddXP, "m2", 10))
			assert.Equal(t, fmt.Sprintf(msgMemberNotRegistered, userMention("m2")), h.lastResponse(t).Content)
			xp, err := bot.store.Experience(ctx, "m2", testGuildID)
			require.NoError(t, err)
			assert.Equal(t, SeedXP, xp)
		},
	)

	t.Run(
		"bot target", func(t *testing.T) {
			h := runCommand(t, bot, testOwnerID, xpCommand(subcommandSetXP, "b1", 10))
			assert.Equal(t, fmt.Sprintf(msgBotHasNoRank, "user_b1"), h.lastResponse(t).Content)
		},
	)

	t.Run(
		"negative", func(t *testing.T) {
			h := runCommand(t, bot, testOwnerID, xpCommand(subcommandSetXP, "m1", -1))
			assert.Equal(t, msgInvalidXP, h.lastResponse(t).Content)
		},
	)
}

func TestCommandPurpose_Channels(t *testing.T) {
	bot, _ := newTestBot(t)

	channelCommand := func(sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) discordgo.ApplicationCommandInteractionData {
		return slashCommand(
			DiscordSlashCommandPurpose,
			subcommandGroup(subcommandGroupChannels, subcommand(sub, opts...)),
		)
	}
	channel := option(optionChannel, discordgo.ApplicationCommandOptionChannel, "600")
	logs := option(optionPurpose, discordgo.ApplicationCommandOptionString, string(ChannelPurposeLogs))

	h := runCommand(t, bot, testUserID, channelCommand(subcommandList))
	assert.Equal(t, msgNoChannels, h.lastResponse(t).Content)

	h = runCommand(t, bot, testUserID, channelCommand(subcommandSet, channel, logs))
	assert.Equal(
		t,
		fmt.Sprintf(msgChannelPurposed, channelMention("600"), ChannelPurposeLogs),
		h.lastResponse(t).Content,
	)
	assert.Equal(t, []string{"600"}, bot.purposes.ChannelsForPurpose(testGuildID, ChannelPurposeLogs))

	h = runCommand(t, bot, testUserID, channelCommand(subcommandSet, channel, logs))
	assert.Equal(t, msgChannelHasPurpose, h.lastResponse(t).Content)

	h = runCommand(t, bot, testUserID, channelCommand(subcommandList))
	embeds := h.lastResponse(t).Embeds
	require.Len(t, embeds, 1)
	assert.Contains(t, embeds[0].Description, channelMention("600")+": logs")

	// removing is idempotent
	for i := 0; i < 2; i++ {
		h = runCommand(t, bot, testUserID, channelCommand(subcommandRemove, channel))
		assert.Equal(t, fmt.Sprintf(msgChannelRemoved, channelMention("600")), h.lastResponse(t).Content)
	}
	assert.Empty(t, bot.purposes.ChannelsForPurpose(testGuildID, ChannelPurposeLogs))
}

func TestCommandPurpose_Roles(t *testing.T) {
	bot, _ := newTestBot(t)

	roleCommand := func(sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) discordgo.ApplicationCommandInteractionData {
		return slashCommand(
			DiscordSlashCommandPurpose,
			subcommandGroup(subcommandGroupRoles, subcommand(sub, opts...)),
		)
	}
	role := option(optionRole, discordgo.ApplicationCommandOptionRole, "700")
	mod := option(optionPurpose, discordgo.ApplicationCommandOptionString, string(RolePurposeModerator))

	h := runCommand(t, bot, testUserID, roleCommand(subcommandSet, role, mod))
	assert.Equal(
		t,
		fmt.Sprintf(msgRolePurposed, roleMention("700"), RolePurposeModerator),
		h.lastResponse(t).Content,
	)
	assert.Equal(t, []string{"700"}, bot.purposes.RolesForPurpose(testGuildID, RolePurposeModerator))

	h = runCommand(t, bot, testUserID, roleCommand(subcommandSet, role, mod))
	assert.Equal(t, msgRoleHasPurpose, h.lastResponse(t).Content)

	h = runCommand(t, bot, testUserID, roleCommand(subcommandRemove, role))
	assert.Equal(t, fmt.Sprintf(msgRoleRemoved, roleMention("700")), h.lastResponse(t).Content)
	assert.Empty(t, bot.purposes.RolesForPurpose(testGuildID, RolePurposeModerator))

	bogus := option(optionPurpose, discordgo.ApplicationCommandOptionString, "janitor")
	h = runCommand(t, bot, testUserID, roleCommand(subcommandSet, role, bogus))
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.lastResponse(t).Flags)
}

func TestHandleInteraction(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()

	t.Run(
		"ping", func(t *testing.T) {
			h := newStubInteractionHandler(
				t,
				&discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{
						Type: discordgo.InteractionPing,
						User: &discordgo.User{ID: testUserID},
					},
				},
			)
			bot.handleInteraction(ctx, h)
			require.Len(t, h.responses, 1)
			assert.Equal(t, discordgo.InteractionResponsePong, h.responses[0].Type)
		},
	)

	t.Run(
		"direct message", func(t *testing.T) {
			h := newStubInteractionHandler(
				t,
				commandInteraction("", testUserID, slashCommand(DiscordSlashCommandRank)),
			)
			bot.handleInteraction(ctx, h)
			data := h.lastResponse(t)
			assert.Equal(t, msgGuildOnly, data.Content)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
		},
	)

	t.Run(
		"bot user", func(t *testing.T) {
			i := commandInteraction(testGuildID, "b1", slashCommand(DiscordSlashCommandRank))
			i.Member.User.Bot = true
			h := newStubInteractionHandler(t, i)
			bot.handleInteraction(ctx, h)
			assert.Empty(t, h.responses)
		},
	)

	t.Run(
		"no user", func(t *testing.T) {
			h := newStubInteractionHandler(
				t,
				&discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing},
				},
			)
			bot.handleInteraction(ctx, h)
			assert.Empty(t, h.responses)
		},
	)

	t.Run(
		"unknown command", func(t *testing.T) {
			h := runCommand(t, bot, testUserID, slashCommand("dance"))
			assert.Equal(t, msgSomethingWentWrong, h.lastResponse(t).Content)
		},
	)
}

func TestApplicationCommands(t *testing.T) {
	cmds := applicationCommands()
	var names []string
	for _, c := range cmds {
		names = append(names, c.Name)
		require.NotNil(t, c.Contexts)
		assert.Equal(t, []discordgo.InteractionContextType{discordgo.InteractionContextGuild}, *c.Contexts)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandRank,
			DiscordUserCommandGetRank,
			DiscordSlashCommandScoreboard,
			DiscordSlashCommandRankAdmin,
			DiscordSlashCommandPurpose,
		},
		names,
	)
}
