package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/onebot/onebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

// OneBot is the leveling bot: it owns the database, the discord
// session, the admin API and every component wired between them.
type OneBot struct {
	config *Config

	// read-side gorm connection
	db *gorm.DB

	// wrapper for writes. With sqlite, writes are serialized.
	writeDB DBI

	logger *slog.Logger

	discord *Discord
	api     *API
	metrics *Metrics

	store     *Store
	registrar *Registrar
	tracker   *ActivityTracker
	purposes  *PurposeRegistry
	renderer  Renderer

	dbNotifier DBNotifier
	signals    *notifySignals

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
	now       func() time.Time

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex
}

// New creates a OneBot from config. Nothing is opened or connected
// until Run is called.
func New(config *Config) (*OneBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	runtimeConfig := DefaultRuntimeConfig()
	d := &OneBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		signals:       newNotifySignals(),
		metrics:       newMetrics(),
		now:           time.Now,
		runtimeConfig: &runtimeConfig,
	}

	d.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	d.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	d.discord.bot = d

	d.renderer = NewPNGRenderer(
		config.HTTPClient,
		config.Renderer.AvatarTimeout,
		d.logger,
	)

	if config.API.Enabled {
		api, err := newAPI(d, config.API)
		errs = append(errs, err)
		d.api = api
	}

	return d, errors.Join(errs...)
}

func (d *OneBot) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (d *OneBot) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.runtimeConfig
}

// SendLogs posts msg to the log channels of a guild, or of every guild
// if guildID is empty
func (d *OneBot) SendLogs(ctx context.Context, guildID string, msg string) error {
	if d.discord.session == nil || d.purposes == nil {
		return nil
	}
	return d.purposes.SendLogs(ctx, d.discord.session, guildID, msg)
}

// RegisterSlashCommands registers the bot's application commands with
// discord.
func (d *OneBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// setSession sets the discord session used by every component
func (d *OneBot) setSession(s DiscordSessionHandler) {
	d.discord.session = s
	if d.registrar != nil {
		d.registrar.source = s
	}
	if d.tracker != nil {
		d.tracker.session = s
	}
}

// initDB opens and migrates the database, then builds the components
// that depend on it.
func (d *OneBot) initDB(ctx context.Context) error {
	logger := loggerFromContext(ctx, d.logger)

	gormLogger := newGORMLogger(
		newLogHandler(d.config.DatabaseLogLevel),
		d.config.DatabaseSlowThreshold,
	)
	db, err := openDB(ctx, d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return err
	}
	d.db = db
	d.writeDB = NewDatabase(db, d.logger, d.config.DatabaseType == dbTypePostgres)

	logger.DebugContext(ctx, "migrating database...")
	if err = MigrateDB(ctx, db); err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return err
	}
	logger.DebugContext(ctx, "finished migrating database")

	d.store = NewStore(d.writeDB, d.logger)
	d.registrar = NewRegistrar(
		d.store,
		d.discord.session,
		d.config.ReconcileConcurrency,
		d.logger,
	)
	d.registrar.metrics = d.metrics

	d.purposes = NewPurposeRegistry(d.writeDB, d.logger)
	d.purposes.onChange = func(ctx context.Context) {
		if d.dbNotifier != nil && !d.dbNotifier.ReloadPurposes(ctx) {
			d.logger.WarnContext(ctx, "unable to notify purpose change")
		}
	}

	d.tracker = NewActivityTracker(
		d.store,
		d.registrar,
		d.discord.session,
		d.purposes,
		d.RuntimeConfig,
		d.metrics,
		d.logger,
	)
	return nil
}

// initRun opens the database, then loads the runtime config and
// purposes from it
func (d *OneBot) initRun(ctx context.Context) error {
	d.logger.DebugContext(ctx, "initializing DB...")
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.DebugContext(ctx, "finished initializing DB")

	// load the persisted config first, so a bot that was paused stays
	// paused across restarts
	cfg, err := loadRuntimeConfig(ctx, d.writeDB)
	if err != nil {
		return err
	}
	if err = structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		d.logger.WarnContext(
			ctx,
			"admin credentials not set, the admin API won't accept logins "+
				"(run 'onebot init' to set them)",
		)
	}

	d.cfgMu.Lock()
	d.runtimeConfig = cfg
	d.setRuntimeLevels(*cfg)
	d.cfgMu.Unlock()

	if err = d.purposes.Load(ctx); err != nil {
		return err
	}

	notifier, err := newDBNotifier(
		d.config.DatabaseType,
		d.config.Database,
		d.writeDB,
		d.signals,
		d.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	d.dbNotifier = notifier
	return nil
}

// Run starts the bot, blocking until ctx is cancelled or a stop signal
// is received, then shuts down gracefully.
func (d *OneBot) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = d.now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	runtimeWG := &sync.WaitGroup{}
	servers := &errgroup.Group{}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signals.stop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- d.initRun(startCtx)
	}()
	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.api != nil {
		servers.Go(
			func() error {
				err := d.api.Serve(ctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return d.shutdown(ctx, runtimeWG, servers, err)
	}
	if err := d.discordInit(ctx, d.RuntimeConfig()); err != nil {
		return d.shutdown(ctx, runtimeWG, servers, err)
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG)
	d.startPurposesReloader(ctx, runtimeWG)

	for _, channel := range []string{
		d.dbNotifier.RuntimeConfigChannelName(),
		d.dbNotifier.PurposesChannelName(),
		d.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		servers.Go(
			func() error {
				if e := d.dbNotifier.Listen(ctx, channel); e != nil {
					d.logger.ErrorContext(
						ctx,
						"error listening for notifications",
						tint.Err(e),
						"channel", channel,
					)
					return e
				}
				return nil
			},
		)
	}

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG, servers, nil)
}

// spawn runs fn on a goroutine tracked by runtimeWG, recovering from
// any panic
func (d *OneBot) spawn(ctx context.Context, runtimeWG *sync.WaitGroup) func(fn func()) {
	return func(fn func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					d.handleRecover(ctx, rc)
				}
			}()
			fn()
		}()
	}
}

// initDiscordSession creates the discord session (unless one has been
// set already) and adds every gateway handler to it
func (d *OneBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if d.discord.session == nil {
		session, err := d.discord.newSession(d.config.HTTPClient)
		if err != nil {
			return err
		}
		d.setSession(session)
	}

	for _, remove := range d.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	run := d.spawn(ctx, runtimeWG)
	d.tracker.run = run

	session := d.discord.session
	removeFuncs := []func(){
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := newGatewayHandler(d.discord.session, i, d.logger)
				run(func() { d.handleInteraction(ctx, handler) })
			},
		),
	}
	for _, h := range d.tracker.Handlers(ctx) {
		d.logger.DebugContext(ctx, "adding event handler", "handler", h.Name)
		removeFuncs = append(removeFuncs, session.AddHandler(h.Handler))
	}
	d.discord.discordgoRemoveHandlerFuncs = removeFuncs
	return nil
}

// discordInit opens the discord websocket connection and registers
// commands, if the gateway is enabled
func (d *OneBot) discordInit(ctx context.Context, runtimeCfg RuntimeConfig) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		d.logger.WarnContext(ctx, "discord gateway disabled, no XP will be granted")
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := d.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config every
// RuntimeConfigTTL, and whenever another instance announces a change
func (d *OneBot) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	if ttl := d.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !sendSignal(ctx, d.signals.reloadRuntimeConfig) {
						d.logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.signals.reloadRuntimeConfig:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				if err := d.refreshRuntimeConfig(refreshCtx); err != nil {
					d.logger.Error("error refreshing runtime config", tint.Err(err))
				}
				refreshCancel()
			}
		}
	}()
}

func (d *OneBot) startPurposesReloader(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.signals.reloadPurposes:
				if err := d.purposes.Load(ctx); err != nil {
					d.logger.Error("error reloading purposes", tint.Err(err))
				}
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database,
// applying any changes to the discord connection and log levels
func (d *OneBot) refreshRuntimeConfig(ctx context.Context) error {
	var refreshed RuntimeConfig
	if err := d.db.WithContext(ctx).Order("id").First(&refreshed).Error; err != nil {
		return fmt.Errorf("error getting runtime config: %w", err)
	}

	d.cfgMu.Lock()
	previous := *d.runtimeConfig
	d.runtimeConfig = &refreshed
	d.setRuntimeLevels(refreshed)
	d.cfgMu.Unlock()

	d.applyRuntimeChanges(ctx, previous, refreshed)
	d.logger.InfoContext(ctx, "refreshed runtime config")
	return nil
}

// UpdateRuntimeConfig persists a partial runtime config update, applies
// it to this instance and notifies any others
func (d *OneBot) UpdateRuntimeConfig(ctx context.Context, update RuntimeConfigUpdate) (
	RuntimeConfig,
	error,
) {
	logger := loggerFromContext(ctx, d.logger)

	d.cfgMu.Lock()
	previous := *d.runtimeConfig
	cfg := previous
	if err := applyRuntimeConfigUpdate(ctx, d.writeDB, &cfg, update); err != nil {
		d.cfgMu.Unlock()
		return previous, err
	}
	d.runtimeConfig = &cfg
	d.setRuntimeLevels(cfg)
	d.cfgMu.Unlock()

	logger.InfoContext(ctx, "updated runtime config", "runtime_config", cfg)
	d.applyRuntimeChanges(ctx, previous, cfg)

	if d.dbNotifier != nil && !d.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.WarnContext(ctx, "unable to notify runtime config change")
	}
	return cfg, nil
}

// applyRuntimeChanges opens or closes the gateway connection, or
// updates the bot's status, to match a changed runtime config
func (d *OneBot) applyRuntimeChanges(ctx context.Context, previous, current RuntimeConfig) {
	session := d.discord.session
	if session == nil {
		return
	}
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		d.logger.WarnContext(ctx, "discord gateway disabled, closing connection")
		if err := session.Close(); err != nil {
			d.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		d.logger.InfoContext(ctx, "discord gateway enabled, connecting")
		if err := session.Open(); err != nil {
			d.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	case current.DiscordGatewayEnabled &&
		(previous.Paused != current.Paused ||
			previous.DiscordCustomStatus != current.DiscordCustomStatus):
		if err := session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(current)); err != nil {
			d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

// setRuntimeLevels sets component log levels from the runtime config
func (d *OneBot) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

func (d *OneBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	servers *errgroup.Group,
	cause error,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case d.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(d.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	// stop taking new events first, so the wait group can drain
	if d.discord.session != nil {
		for _, remove := range d.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		d.discord.discordgoRemoveHandlerFuncs = nil
		if err := d.discord.session.Close(); err != nil {
			d.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}
	if d.api != nil {
		if err := d.api.Shutdown(closeCtx); err != nil {
			d.logger.ErrorContext(ctx, "error stopping http server", tint.Err(err))
		}
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		if err := servers.Wait(); err != nil {
			d.logger.ErrorContext(ctx, "server stopped with error", tint.Err(err))
		}
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			d.closeDB()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return cause
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			d.logger.Warn("handlers did not stop in time, forcing close")
			if d.api != nil {
				_ = d.api.httpServer.Close()
			}
			d.closeDB()
			return errors.Join(cause, errors.New("handlers did not stop in time"))
		}
	}
}

func (d *OneBot) closeDB() {
	if d.db == nil {
		return
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		d.logger.Error("error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		d.logger.Error("error closing database", tint.Err(err))
	}
}

// handleRecover logs a recovered panic along with its stack trace
func (*OneBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
