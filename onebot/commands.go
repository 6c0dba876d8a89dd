package onebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"slices"
	"time"
)

const (
	DiscordSlashCommandRank       = "rank"
	DiscordUserCommandGetRank     = "Get Rank"
	DiscordSlashCommandScoreboard = "scoreboard"
	DiscordSlashCommandRankAdmin  = "rank-admin"
	DiscordSlashCommandPurpose    = "purpose"

	subcommandValidateMembers = "validate-members"
	subcommandAddXP           = "add-xp"
	subcommandSetXP           = "set-xp"
	subcommandGroupChannels   = "channels"
	subcommandGroupRoles      = "roles"
	subcommandSet             = "set"
	subcommandRemove          = "remove"
	subcommandList            = "list"

	optionMember    = "member"
	optionEphemeral = "ephemeral"
	optionLength    = "length"
	optionTarget    = "target"
	optionXP        = "xp"
	optionChannel   = "channel"
	optionRole      = "role"
	optionPurpose   = "purpose"

	scoreboardDefaultLength = 3
	scoreboardMinLength     = 3
	scoreboardMaxLength     = 30

	msgSomethingWentWrong  = "Something went wrong, please try again."
	msgRenderFailed        = "I couldn't draw that card, please try again."
	msgGuildOnly           = "This command can only be used in a server."
	msgOwnerOnly           = "Only the bot owner can use this command."
	msgBotHasNoRank        = "Sorry, %s is a bot and can't have a rank!"
	msgMemberNotRegistered = "I couldn't find %s in the database.\nI've corrected this now, please try again."
	msgScoreboardLength    = "Length must be between 3 and 30"
	msgScoreboardDrawing   = "Drawing scoreboard...\nEstimated time: <t:%d:R>"
	msgScoreboardEmpty     = "Nobody in this server has a rank yet."
	msgValidationComplete  = "Validation Complete!"
	msgAddedXP             = "Added %d xp to %s"
	msgSetXP               = "Set %s's xp to %d"
	msgInvalidXP           = "XP must be 0 or more."
	msgChannelPurposed     = "%s has been purposed for %s"
	msgChannelHasPurpose   = "This channel already has a purpose"
	msgChannelRemoved      = "Channel %s no longer has a purpose with me"
	msgNoChannels          = "No channels are configured for this guild"
	msgRolePurposed        = "%s has been purposed for %s"
	msgRoleHasPurpose      = "This role is already configured for a purpose"
	msgRoleRemoved         = "Role %s is no longer configured"
)

// applicationCommands returns every command the bot registers
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		appCommandRank(),
		appCommandGetRank(),
		appCommandScoreboard(),
		appCommandRankAdmin(),
		appCommandPurpose(),
	}
}

func guildContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func moderatorPermissions() *int64 {
	var perm int64 = discordgo.PermissionModerateMembers
	return &perm
}

func appCommandRank() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRank,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Get the level card of a server member",
		Contexts:    guildContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionMember,
				Description: "The member to see the rank of",
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        optionEphemeral,
				Description: "Hide the bot response from other users",
			},
		},
	}
}

func appCommandGetRank() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:     DiscordUserCommandGetRank,
		Type:     discordgo.UserApplicationCommand,
		Contexts: guildContexts(),
	}
}

func appCommandScoreboard() *discordgo.ApplicationCommand {
	minLength := float64(scoreboardMinLength)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandScoreboard,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Get a scoreboard of the top members by rank",
		Contexts:    guildContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionLength,
				Description: "The amount of members to show in the scoreboard",
				MinValue:    &minLength,
				MaxValue:    scoreboardMaxLength,
			},
		},
	}
}

func appCommandRankAdmin() *discordgo.ApplicationCommand {
	var minXP float64
	xpOptions := func(verb string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionTarget,
				Description: "The member to " + verb + " xp for",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionXP,
				Description: "The amount of xp",
				Required:    true,
				MinValue:    &minXP,
			},
		}
	}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandRankAdmin,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Admin commands for the rank system",
		Contexts:                 guildContexts(),
		DefaultMemberPermissions: moderatorPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandValidateMembers,
				Description: "Register every member of this server",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandAddXP,
				Description: "Add xp to a member, only the bot owner can use this",
				Options:     xpOptions("add"),
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandSetXP,
				Description: "Set the xp of a member, only the bot owner can use this",
				Options:     xpOptions("set"),
			},
		},
	}
}

func appCommandPurpose() *discordgo.ApplicationCommand {
	channelChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(ChannelPurposes))
	for _, p := range ChannelPurposes {
		channelChoices = append(
			channelChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: string(p), Value: string(p)},
		)
	}
	roleChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(RolePurposes))
	for _, p := range RolePurposes {
		roleChoices = append(
			roleChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: string(p), Value: string(p)},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandPurpose,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Configure what channels and roles are used for",
		Contexts:                 guildContexts(),
		DefaultMemberPermissions: moderatorPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        subcommandGroupChannels,
				Description: "Channel purposes",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        subcommandSet,
						Description: "Set the purpose of a channel",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:         discordgo.ApplicationCommandOptionChannel,
								Name:         optionChannel,
								Description:  "The channel",
								Required:     true,
								ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
							},
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        optionPurpose,
								Description: "What the channel is used for",
								Required:    true,
								Choices:     channelChoices,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        subcommandRemove,
						Description: "Remove the purpose of a channel",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionChannel,
								Name:        optionChannel,
								Description: "The channel",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        subcommandList,
						Description: "List all configured guild channels",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        subcommandGroupRoles,
				Description: "Role purposes",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        subcommandSet,
						Description: "Set the purpose of a role",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionRole,
								Name:        optionRole,
								Description: "The role",
								Required:    true,
							},
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        optionPurpose,
								Description: "What the role is used for",
								Required:    true,
								Choices:     roleChoices,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        subcommandRemove,
						Description: "Remove the purpose of a role",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionRole,
								Name:        optionRole,
								Description: "The role",
								Required:    true,
							},
						},
					},
				},
			},
		},
	}
}

// handleInteraction routes an interaction to its command handler.
func (d *OneBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	user := interactionUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	case discordgo.InteractionApplicationCommand:
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	data := i.ApplicationCommandData()
	logger.InfoContext(ctx, "received command", "user", structToSlogValue(user))

	if i.GuildID == "" {
		_ = respondMessage(ctx, handler, msgGuildOnly, true)
		return
	}

	switch data.Name {
	case DiscordSlashCommandRank:
		opts := discordInteractionOptions(data.Options)
		targetID := user.ID
		if opt, ok := opts[optionMember]; ok {
			targetID = opt.UserValue(nil).ID
		}
		ephemeral := false
		if opt, ok := opts[optionEphemeral]; ok {
			ephemeral = opt.BoolValue()
		}
		d.commandRank(ctx, handler, targetID, ephemeral)
	case DiscordUserCommandGetRank:
		d.commandRank(ctx, handler, data.TargetID, true)
	case DiscordSlashCommandScoreboard:
		length := int64(scoreboardDefaultLength)
		if opt, ok := discordInteractionOptions(data.Options)[optionLength]; ok {
			length = opt.IntValue()
		}
		d.commandScoreboard(ctx, handler, length)
	case DiscordSlashCommandRankAdmin:
		d.commandRankAdmin(ctx, handler, data.Options)
	case DiscordSlashCommandPurpose:
		d.commandPurpose(ctx, handler, data.Options)
	default:
		logger.WarnContext(ctx, "unknown command")
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	d.metrics.CommandsHandled.WithLabelValues(data.Name).Inc()
}

func messageFlags(ephemeral bool) discordgo.MessageFlags {
	if ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

// respondMessage sends a message as the initial interaction response
func respondMessage(
	ctx context.Context,
	handler InteractionHandler,
	content string,
	ephemeral bool,
) error {
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   messageFlags(ephemeral),
			},
		},
	)
}

// deferResponse acknowledges the interaction, showing a "thinking"
// state until the response is edited
func deferResponse(ctx context.Context, handler InteractionHandler, ephemeral bool) error {
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: messageFlags(ephemeral)},
		},
	)
}

// editContent replaces the (deferred) response with a text message
func editContent(ctx context.Context, handler InteractionHandler, content string) {
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// isOwner reports whether userID is one of the configured bot owners
func (d *OneBot) isOwner(userID string) bool {
	return slices.Contains(d.config.Discord.OwnerIDs, userID)
}

// lookupMember returns a guild member from the state cache or the API,
// falling back to the interaction's resolved data when neither has them
// (for example, when they've just left).
func (d *OneBot) lookupMember(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	userID string,
) (*discordgo.Member, error) {
	member, err := d.discord.session.GuildMember(i.GuildID, userID, discordgo.WithContext(ctx))
	if err == nil && member != nil && member.User != nil {
		if member.GuildID == "" {
			member.GuildID = i.GuildID
		}
		return member, nil
	}
	if resolved := resolvedMember(i, userID); resolved != nil {
		return resolved, nil
	}
	if err == nil {
		err = fmt.Errorf("member %s not found", userID)
	}
	return nil, err
}

// resolvedMember builds a member from an application command's
// resolved data. Resolved members don't include the user, so it's
// joined from the resolved users.
func resolvedMember(i *discordgo.InteractionCreate, userID string) *discordgo.Member {
	if i.Type != discordgo.InteractionApplicationCommand {
		return nil
	}
	resolved := i.ApplicationCommandData().Resolved
	if resolved == nil {
		return nil
	}
	user, ok := resolved.Users[userID]
	if !ok {
		if u := interactionUser(i); u != nil && u.ID == userID && i.Member != nil {
			m := *i.Member
			m.GuildID = i.GuildID
			return &m
		}
		return nil
	}
	member := &discordgo.Member{User: user, GuildID: i.GuildID}
	if m, ok := resolved.Members[userID]; ok && m != nil {
		member.Nick = m.Nick
		member.Roles = m.Roles
		member.Avatar = m.Avatar
	}
	return member
}

// cardData gathers everything drawn on a member's level card. Missing
// presence data is shown as offline.
func (d *OneBot) cardData(
	member *discordgo.Member,
	ledger *Ledger,
	rank Rank,
	channelID string,
) CardData {
	status := StatusOffline
	if p, err := d.discord.session.Presence(ledger.GuildID, member.User.ID); err == nil && p != nil {
		status = presenceStatus(p.Status)
	}
	accent := d.discord.session.UserColor(member.User.ID, channelID)
	return NewCardData(
		member.User,
		memberDisplayName(member),
		ledger,
		rank,
		status,
		accent,
		d.config.Renderer.DarkMode,
	)
}

// render runs fn, recording its duration and outcome
func (d *OneBot) render(kind string, fn func() (*Artifact, error)) (*Artifact, error) {
	start := time.Now()
	artifact, err := fn()
	d.metrics.RenderDuration.Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.CardsRendered.WithLabelValues(kind, result).Inc()
	return artifact, err
}

func (d *OneBot) commandLogger(ctx context.Context, handler InteractionHandler) *slog.Logger {
	return loggerFromContext(ctx, handler.Logger())
}
