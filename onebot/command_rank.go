package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// commandRank responds with the level card of the member targetID.
// The interaction is deferred first, since drawing a card involves
// downloading the member's avatar.
func (d *OneBot) commandRank(
	ctx context.Context,
	handler InteractionHandler,
	targetID string,
	ephemeral bool,
) {
	logger := d.commandLogger(ctx, handler).With("target_id", targetID)
	i := handler.GetInteraction()

	if err := deferResponse(ctx, handler, ephemeral); err != nil {
		return
	}

	member, err := d.lookupMember(ctx, i, targetID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up member", tint.Err(err))
		editContent(ctx, handler, msgSomethingWentWrong)
		return
	}
	if member.User.Bot {
		editContent(ctx, handler, fmt.Sprintf(msgBotHasNoRank, memberDisplayName(member)))
		return
	}

	ledger, err := LoadLedger(ctx, d.store, member.User.ID, i.GuildID)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.WarnContext(ctx, "member not registered, registering now")
		if _, regErr := d.registrar.Register(ctx, member); regErr != nil {
			logger.ErrorContext(ctx, "error registering member", tint.Err(regErr))
			editContent(ctx, handler, msgSomethingWentWrong)
			return
		}
		editContent(ctx, handler, fmt.Sprintf(msgMemberNotRegistered, userMention(member.User.ID)))
		return
	case err != nil:
		logger.ErrorContext(ctx, "error loading ledger", tint.Err(err))
		editContent(ctx, handler, msgSomethingWentWrong)
		return
	}

	rank, err := ledger.Rank(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error getting rank", tint.Err(err))
	}

	card := d.cardData(member, ledger, rank, i.ChannelID)
	artifact, err := d.render(
		"card", func() (*Artifact, error) {
			return d.renderer.RenderCard(ctx, card)
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error rendering level card", tint.Err(err))
		editContent(ctx, handler, msgRenderFailed)
		return
	}

	empty := ""
	_, _ = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &empty,
			Files:   []*discordgo.File{artifact.File()},
		},
	)
}
