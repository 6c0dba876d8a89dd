package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

// commandPurpose handles the /purpose channels and /purpose roles
// subcommand groups
func (d *OneBot) commandPurpose(
	ctx context.Context,
	handler InteractionHandler,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := d.commandLogger(ctx, handler)
	if len(options) == 0 || len(options[0].Options) == 0 {
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	group := options[0]
	sub := group.Options[0]
	opts := discordInteractionOptions(sub.Options)
	guildID := handler.GetInteraction().GuildID
	logger = logger.With("group", group.Name, "subcommand", sub.Name)
	ctx = WithLogger(ctx, logger)

	switch group.Name + " " + sub.Name {
	case subcommandGroupChannels + " " + subcommandSet:
		channelID := opts[optionChannel].ChannelValue(nil).ID
		purpose, err := ParseChannelPurpose(opts[optionPurpose].StringValue())
		if err != nil {
			_ = respondMessage(ctx, handler, err.Error(), true)
			return
		}
		err = d.purposes.SetChannelPurpose(ctx, guildID, channelID, purpose)
		switch {
		case errors.Is(err, ErrAlreadyExists):
			_ = respondMessage(ctx, handler, msgChannelHasPurpose, false)
		case err != nil:
			logger.ErrorContext(ctx, "error setting channel purpose", tint.Err(err))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		default:
			_ = respondMessage(
				ctx,
				handler,
				fmt.Sprintf(msgChannelPurposed, channelMention(channelID), purpose),
				false,
			)
		}
	case subcommandGroupChannels + " " + subcommandRemove:
		channelID := opts[optionChannel].ChannelValue(nil).ID
		err := d.purposes.RemoveChannelPurpose(ctx, guildID, channelID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			logger.ErrorContext(ctx, "error removing channel purpose", tint.Err(err))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
			return
		}
		_ = respondMessage(
			ctx,
			handler,
			fmt.Sprintf(msgChannelRemoved, channelMention(channelID)),
			false,
		)
	case subcommandGroupChannels + " " + subcommandList:
		d.commandListChannels(ctx, handler, guildID)
	case subcommandGroupRoles + " " + subcommandSet:
		roleID := opts[optionRole].RoleValue(nil, guildID).ID
		purpose, err := ParseRolePurpose(opts[optionPurpose].StringValue())
		if err != nil {
			_ = respondMessage(ctx, handler, err.Error(), true)
			return
		}
		err = d.purposes.SetRolePurpose(ctx, guildID, roleID, purpose)
		switch {
		case errors.Is(err, ErrAlreadyExists):
			_ = respondMessage(ctx, handler, msgRoleHasPurpose, false)
		case err != nil:
			logger.ErrorContext(ctx, "error setting role purpose", tint.Err(err))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		default:
			_ = respondMessage(
				ctx,
				handler,
				fmt.Sprintf(msgRolePurposed, roleMention(roleID), purpose),
				false,
			)
		}
	case subcommandGroupRoles + " " + subcommandRemove:
		roleID := opts[optionRole].RoleValue(nil, guildID).ID
		err := d.purposes.RemoveRolePurpose(ctx, guildID, roleID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			logger.ErrorContext(ctx, "error removing role purpose", tint.Err(err))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
			return
		}
		_ = respondMessage(ctx, handler, fmt.Sprintf(msgRoleRemoved, roleMention(roleID)), false)
	default:
		logger.WarnContext(ctx, "unknown subcommand")
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
	}
}

func (d *OneBot) commandListChannels(ctx context.Context, handler InteractionHandler, guildID string) {
	channels := d.purposes.GuildChannels(guildID)
	if len(channels) == 0 {
		_ = respondMessage(ctx, handler, msgNoChannels, false)
		return
	}

	var b strings.Builder
	for _, c := range channels {
		_, _ = fmt.Fprintf(&b, "%s: %s\n", channelMention(c.ChannelID), c.Purpose)
	}
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       "Configured Channels",
						Description: b.String(),
						Color:       0x5865f2,
					},
				},
			},
		},
	)
}
