package onebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Discord manages the bot's discord session: opening the gateway
// connection, registering commands and connection lifecycle handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *OneBot
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured token.
// The state cache is enabled, as it's where presences and role
// colours for level cards come from.
func (d *Discord) newSession(client *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.TrackPresences = true
	disc.State.TrackMembers = true
	disc.State.TrackRoles = true
	disc.Identify.Intents = d.config.GatewayIntents
	if client != nil {
		disc.Client = client
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		if d.bot != nil {
			d.bot.metrics.DiscordConnects.Inc()
		}
		sessionID, userID, username := sessionIdentity(s)
		d.logger.Info(
			"connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.bot == nil {
			return
		}

		ctx := context.Background()
		config := d.bot.RuntimeConfig()
		if err := d.session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(config)); err != nil {
			d.logger.Error("error updating discord status", tint.Err(err))
		}
		if config.DiscordNotificationChannelID != "" {
			if _, err := d.session.ChannelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
		if err := d.bot.SendLogs(ctx, "", d.config.StartupMessage); err != nil {
			d.logger.Error("unable to send startup message to log channels", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		if d.bot != nil {
			d.bot.metrics.DiscordDisconnect.Inc()
		}
		sessionID, userID, username := sessionIdentity(s)
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func sessionIdentity(s *discordgo.Session) (sessionID, userID, username string) {
	if s == nil || s.State == nil {
		return "", "", ""
	}
	sessionID = s.State.SessionID
	if s.State.User != nil {
		userID = s.State.User.ID
		username = s.State.User.Username
	}
	return sessionID, userID, username
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint. If a guild ID is configured, commands are
// registered to that guild only.
func (d *Discord) registerCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by the
// bot, so it can be mocked in tests.
type DiscordSessionHandler interface {
	MemberSource
	ChannelMessageSender

	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSendComplex sends a message with attachments
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler, returning a
	// function which removes it
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// GuildMember fetches a single guild member
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// Presence returns the member's cached presence
	Presence(guildID, userID string) (*discordgo.Presence, error)

	// UserColor returns the colour of the member's highest coloured role,
	// or 0 if they have none
	UserColor(userID, channelID string) int

	// SetLogLevel modifies discordgo's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) Presence(guildID, userID string) (*discordgo.Presence, error) {
	return d.session.State.Presence(guildID, userID)
}

func (d DiscordSession) UserColor(userID, channelID string) int {
	return d.session.State.UserColor(userID, channelID)
}
