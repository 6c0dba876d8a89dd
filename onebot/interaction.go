package onebot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionHandler responds to a single Discord interaction. Command
// handlers only talk to Discord through it, so they can be exercised
// without a session.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for the interaction
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies the interaction response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes the interaction response
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// ChannelMessageSendComplex sends a new message to a channel, outside
	// of the interaction response
	ChannelMessageSendComplex(
		ctx context.Context,
		channelID string,
		data *discordgo.MessageSend,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event
	GetInteraction() *discordgo.InteractionCreate

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(interactionLogAttrs(i)...),
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	opts = append(opts, discordgo.WithContext(ctx))
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	opts = append(opts, discordgo.WithContext(ctx))
	err := w.session.InteractionResponseDelete(w.interaction.Interaction, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) ChannelMessageSendComplex(
	ctx context.Context,
	channelID string,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	return w.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
