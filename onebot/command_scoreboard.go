package onebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

// commandScoreboard draws the top length members of the guild. The
// initial response shows an estimate of when it'll be done, and is
// replaced by a new channel message with the image, mentioning the
// user who asked.
func (d *OneBot) commandScoreboard(ctx context.Context, handler InteractionHandler, length int64) {
	logger := d.commandLogger(ctx, handler).With("length", length)
	i := handler.GetInteraction()

	if length < scoreboardMinLength || length > scoreboardMaxLength {
		_ = respondMessage(ctx, handler, msgScoreboardLength, false)
		return
	}

	ranked, err := d.store.Scoreboard(ctx, i.GuildID, int(length))
	if err != nil {
		logger.ErrorContext(ctx, "error getting scoreboard", tint.Err(err))
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	if len(ranked) == 0 {
		_ = respondMessage(ctx, handler, msgScoreboardEmpty, false)
		return
	}

	estimate := d.now().Add(d.config.Renderer.ScoreboardEstimatePerRow * time.Duration(len(ranked)))
	if err = respondMessage(
		ctx,
		handler,
		fmt.Sprintf(msgScoreboardDrawing, estimate.Unix()),
		false,
	); err != nil {
		return
	}

	cards := make([]CardData, 0, len(ranked))
	for _, r := range ranked {
		member, lookupErr := d.lookupMember(ctx, i, r.MemberID)
		if lookupErr != nil {
			logger.WarnContext(
				ctx,
				"member not found, drawing without profile",
				tint.Err(lookupErr),
				columnMemberLevelMemberID, r.MemberID,
			)
			member = &discordgo.Member{
				GuildID: i.GuildID,
				User:    &discordgo.User{ID: r.MemberID, Username: r.MemberID},
			}
		}
		ledger := newLedger(d.store, r.MemberID, r.GuildID, r.Experience)
		cards = append(cards, d.cardData(member, ledger, r.Rank, i.ChannelID))
	}

	artifact, err := d.render(
		"scoreboard", func() (*Artifact, error) {
			return d.renderer.RenderScoreboard(ctx, cards)
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error rendering scoreboard", tint.Err(err))
		editContent(ctx, handler, msgRenderFailed)
		return
	}

	handler.Delete(ctx)

	mention := ""
	if u := interactionUser(i); u != nil {
		mention = userMention(u.ID)
	}
	if _, err = handler.ChannelMessageSendComplex(
		ctx,
		i.ChannelID,
		&discordgo.MessageSend{
			Content: mention,
			Files:   []*discordgo.File{artifact.File()},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error sending scoreboard", tint.Err(err))
	}
}
