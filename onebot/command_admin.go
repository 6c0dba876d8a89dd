package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// commandRankAdmin handles the /rank-admin subcommands. Discord limits
// the command to moderators, and add-xp/set-xp are further limited to
// the configured owners.
func (d *OneBot) commandRankAdmin(
	ctx context.Context,
	handler InteractionHandler,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := d.commandLogger(ctx, handler)
	if len(options) == 0 {
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	sub := options[0]
	logger = logger.With("subcommand", sub.Name)

	switch sub.Name {
	case subcommandValidateMembers:
		d.commandValidateMembers(WithLogger(ctx, logger), handler)
	case subcommandAddXP, subcommandSetXP:
		user := interactionUser(handler.GetInteraction())
		if !d.isOwner(user.ID) {
			logger.WarnContext(ctx, "non-owner attempted owner-only command")
			_ = respondMessage(ctx, handler, msgOwnerOnly, true)
			return
		}
		opts := discordInteractionOptions(sub.Options)
		target, targetOK := opts[optionTarget]
		xp, xpOK := opts[optionXP]
		if !targetOK || !xpOK {
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
			return
		}
		targetID := target.UserValue(nil).ID
		if sub.Name == subcommandAddXP {
			d.commandAddXP(WithLogger(ctx, logger), handler, targetID, xp.IntValue())
		} else {
			d.commandSetXP(WithLogger(ctx, logger), handler, targetID, xp.IntValue())
		}
	default:
		logger.WarnContext(ctx, "unknown subcommand")
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
	}
}

func (d *OneBot) commandValidateMembers(ctx context.Context, handler InteractionHandler) {
	logger := d.commandLogger(ctx, handler)
	if err := deferResponse(ctx, handler, true); err != nil {
		return
	}
	result, err := d.registrar.Reconcile(ctx, handler.GetInteraction().GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error validating members", tint.Err(err), "result", result)
		if result.Members == 0 {
			editContent(ctx, handler, msgSomethingWentWrong)
			return
		}
	}
	editContent(ctx, handler, msgValidationComplete)
}

// loadAdminTarget loads the target member's ledger. If they aren't
// registered, they're registered and the user is asked to try again.
func (d *OneBot) loadAdminTarget(
	ctx context.Context,
	handler InteractionHandler,
	targetID string,
) (*Ledger, bool) {
	logger := d.commandLogger(ctx, handler)
	i := handler.GetInteraction()

	ledger, err := LoadLedger(ctx, d.store, targetID, i.GuildID)
	switch {
	case err == nil:
		return ledger, true
	case errors.Is(err, ErrNotFound):
		member, lookupErr := d.lookupMember(ctx, i, targetID)
		if lookupErr != nil {
			logger.ErrorContext(ctx, "error looking up member", tint.Err(lookupErr))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
			return nil, false
		}
		if member.User.Bot {
			_ = respondMessage(
				ctx,
				handler,
				fmt.Sprintf(msgBotHasNoRank, memberDisplayName(member)),
				true,
			)
			return nil, false
		}
		if _, regErr := d.registrar.Register(ctx, member); regErr != nil {
			logger.ErrorContext(ctx, "error registering member", tint.Err(regErr))
			_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
			return nil, false
		}
		_ = respondMessage(
			ctx,
			handler,
			fmt.Sprintf(msgMemberNotRegistered, userMention(targetID)),
			true,
		)
	default:
		logger.ErrorContext(ctx, "error loading ledger", tint.Err(err))
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
	}
	return nil, false
}

func (d *OneBot) commandAddXP(
	ctx context.Context,
	handler InteractionHandler,
	targetID string,
	xp int64,
) {
	logger := d.commandLogger(ctx, handler)
	if xp < 0 {
		_ = respondMessage(ctx, handler, msgInvalidXP, true)
		return
	}
	ledger, ok := d.loadAdminTarget(ctx, handler, targetID)
	if !ok {
		return
	}
	before, after, err := ledger.AddXP(ctx, xp)
	if err != nil {
		logger.ErrorContext(ctx, "error adding xp", tint.Err(err))
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	d.metrics.XPGranted.WithLabelValues(grantSourceAdmin).Add(float64(xp))
	logger.InfoContext(ctx, "added xp", "ledger", ledger, "amount", xp)

	_ = respondMessage(ctx, handler, fmt.Sprintf(msgAddedXP, xp, userMention(targetID)), false)

	if after > before {
		d.metrics.LevelUps.Inc()
		d.tracker.announceLevelUp(ctx, ledger.GuildID, targetID, after, nil, d.RuntimeConfig())
	}
}

// commandSetXP overwrites the member's stored experience. Unlike grants,
// this isn't an increment: a grant landing at the same time is lost.
func (d *OneBot) commandSetXP(
	ctx context.Context,
	handler InteractionHandler,
	targetID string,
	xp int64,
) {
	logger := d.commandLogger(ctx, handler)
	if xp < 0 {
		_ = respondMessage(ctx, handler, msgInvalidXP, true)
		return
	}
	ledger, ok := d.loadAdminTarget(ctx, handler, targetID)
	if !ok {
		return
	}
	ledger.SetXP(xp)
	if err := ledger.Persist(ctx); err != nil {
		logger.ErrorContext(ctx, "error setting xp", tint.Err(err))
		_ = respondMessage(ctx, handler, msgSomethingWentWrong, true)
		return
	}
	logger.InfoContext(ctx, "set xp", "ledger", ledger)
	_ = respondMessage(ctx, handler, fmt.Sprintf(msgSetXP, userMention(targetID), xp), false)
}
