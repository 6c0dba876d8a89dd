package onebot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix          = "/debug"
	apiPrefix            = "/api"
	apiHealthCheck       = "/healthz"
	apiMetrics           = "/metrics"
	apiPathLogin         = "/login"
	apiPathLogout        = "/logout"
	apiPathLoggedIn      = "/logged_in"
	apiPathScoreboard    = "/guilds/:guild_id/scoreboard"
	apiPathMember        = "/guilds/:guild_id/members/:member_id"
	apiPathMemberXP      = "/guilds/:guild_id/members/:member_id/xp"
	apiPathReconcile     = "/guilds/:guild_id/reconcile"
	apiPathReconcileAll  = "/reconcile"
	apiPathGuildChannels = "/guilds/:guild_id/channels"
	apiPathConfig        = "/config"
	apiPathQuit          = "/quit"

	paramGuildID  = "guild_id"
	paramMemberID = "member_id"

	apiScoreboardDefaultLimit = 10

	loginRequestsPerSecond = 1
	loginRequestBurst      = 3
	loginLimiterTTL        = 10 * time.Minute
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

// API is the admin HTTP server
type API struct {
	config       *APIConfig
	httpServer   *http.Server
	listener     net.Listener
	engine       *gin.Engine
	store        CookieStore
	loginLimiter *keyedLimiter
	logger       *slog.Logger

	handlers *APIHandlers
}

func newAPI(d *OneBot, config *APIConfig) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		loginLimiter: newKeyedLimiter(
			rate.Limit(loginRequestsPerSecond),
			loginRequestBurst,
			loginLimiterTTL,
		),
		logger: slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	handlers := NewAPIHandlers(d, api)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		d.metrics.ginMiddleware(),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, handlers.store),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(d.metrics.Handler()))
	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathScoreboard, handlers.getScoreboard)
	protected.GET(apiPathMember, handlers.getMember)
	protected.PUT(apiPathMember, handlers.setMemberXP)
	protected.DELETE(apiPathMember, handlers.deleteMember)
	protected.POST(apiPathMemberXP, handlers.addMemberXP)
	protected.POST(apiPathReconcile, handlers.reconcileGuild)
	protected.POST(apiPathReconcileAll, handlers.reconcileAll)
	protected.GET(apiPathGuildChannels, handlers.getGuildChannels)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, with TLS if a certificate
// is configured, until Shutdown is called
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints
type APIHandlers struct {
	d      *OneBot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(d *OneBot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(d.config.API))
	return &APIHandlers{d: d, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type setExperienceRequest struct {
	Experience *int64 `json:"experience" binding:"required,min=0"`
}

type addExperienceRequest struct {
	Amount *int64 `json:"amount" binding:"required,min=0"`
}

type scoreboardQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// memberLevelView is a member's level state, as returned by the API
type memberLevelView struct {
	MemberID   string  `json:"member_id"`
	GuildID    string  `json:"guild_id"`
	Experience int64   `json:"experience"`
	XP         int64   `json:"xp"`
	Level      int     `json:"level"`
	NextXP     float64 `json:"next_xp"`
	Progress   float64 `json:"progress"`
	Rank       Rank    `json:"rank"`
}

func newMemberLevelView(l *Ledger, rank Rank) memberLevelView {
	return memberLevelView{
		MemberID:   l.MemberID,
		GuildID:    l.GuildID,
		Experience: l.XPRaw(),
		XP:         l.XP(),
		Level:      l.Level(),
		NextXP:     l.NextXP(),
		Progress:   l.Progress(),
		Rank:       rank,
	}
}

type grantResponse struct {
	Member      memberLevelView `json:"member"`
	LevelBefore int             `json:"level_before"`
	LevelAfter  int             `json:"level_after"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		healthCheckResponse{
			Paused:                  h.d.RuntimeConfig().Paused,
			DiscordGatewayConnected: h.d.discord.connected.Load(),
			Uptime:                  time.Since(h.d.startedAt).Round(time.Second).String(),
		},
	)
}

// loginHandler validates the admin credentials, creating a session
// cookie on success. Attempts are rate limited per client IP.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginLimiter.Allow(c.ClientIP()) {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.d.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getScoreboard(c *gin.Context) {
	logger := ginContextLogger(c)
	var q scoreboardQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = apiScoreboardDefaultLimit
	}
	ranked, err := h.d.store.Scoreboard(c, c.Param(paramGuildID), q.Limit)
	if err != nil {
		logger.Error("error getting scoreboard", tint.Err(err))
		ginReplyError(c, "error getting scoreboard")
		return
	}
	c.JSON(http.StatusOK, ranked)
}

// loadLedger loads the ledger named by the request path, replying with
// an error if it can't
func (h *APIHandlers) loadLedger(c *gin.Context) (*Ledger, bool) {
	ledger, err := LoadLedger(c, h.d.store, c.Param(paramMemberID), c.Param(paramGuildID))
	switch {
	case err == nil:
		return ledger, true
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "member not found"})
	default:
		ginContextLogger(c).Error("error loading member", tint.Err(err))
		ginReplyError(c, "error loading member")
	}
	return nil, false
}

func (h *APIHandlers) memberView(c *gin.Context, ledger *Ledger) memberLevelView {
	rank, err := ledger.Rank(c)
	if err != nil {
		ginContextLogger(c).Error("error getting rank", tint.Err(err))
	}
	return newMemberLevelView(ledger, rank)
}

func (h *APIHandlers) getMember(c *gin.Context) {
	ledger, ok := h.loadLedger(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.memberView(c, ledger))
}

// setMemberXP overwrites a member's stored experience
func (h *APIHandlers) setMemberXP(c *gin.Context) {
	logger := ginContextLogger(c)
	var req setExperienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ledger, ok := h.loadLedger(c)
	if !ok {
		return
	}
	ledger.SetXP(*req.Experience)
	if err := ledger.Persist(c); err != nil {
		logger.Error("error setting experience", tint.Err(err))
		ginReplyError(c, "error setting experience")
		return
	}
	logger.Info("set member experience", "ledger", ledger)
	c.JSON(http.StatusOK, h.memberView(c, ledger))
}

func (h *APIHandlers) addMemberXP(c *gin.Context) {
	logger := ginContextLogger(c)
	var req addExperienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ledger, ok := h.loadLedger(c)
	if !ok {
		return
	}
	before, after, err := ledger.AddXP(c, *req.Amount)
	if err != nil {
		logger.Error("error adding experience", tint.Err(err))
		ginReplyError(c, "error adding experience")
		return
	}
	h.d.metrics.XPGranted.WithLabelValues(grantSourceAdmin).Add(float64(*req.Amount))
	if after > before {
		h.d.metrics.LevelUps.Inc()
	}
	logger.Info("added member experience", "ledger", ledger, "amount", *req.Amount)
	c.JSON(
		http.StatusOK,
		grantResponse{
			Member:      h.memberView(c, ledger),
			LevelBefore: before,
			LevelAfter:  after,
		},
	)
}

func (h *APIHandlers) deleteMember(c *gin.Context) {
	logger := ginContextLogger(c)
	ledger, ok := h.loadLedger(c)
	if !ok {
		return
	}
	if err := ledger.Delete(c); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("error deleting member", tint.Err(err))
		ginReplyError(c, "error deleting member")
		return
	}
	logger.Info("deleted member", "ledger", ledger)
	c.Status(http.StatusNoContent)
}

func (h *APIHandlers) reconcileGuild(c *gin.Context) {
	result, err := h.d.registrar.Reconcile(c, c.Param(paramGuildID))
	if err != nil {
		ginContextLogger(c).Error("error reconciling guild", tint.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) reconcileAll(c *gin.Context) {
	result, err := h.d.registrar.ReconcileAll(c)
	if err != nil {
		ginContextLogger(c).Error("error reconciling guilds", tint.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) getGuildChannels(c *gin.Context) {
	channels := h.d.purposes.GuildChannels(c.Param(paramGuildID))
	if channels == nil {
		channels = []GuildChannel{}
	}
	c.JSON(http.StatusOK, channels)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.RuntimeConfig())
}

func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	cfg, err := h.d.UpdateRuntimeConfig(WithLogger(c, logger), update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	c.JSON(http.StatusAccepted, cfg)
}

// botQuit stops every bot instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !h.d.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// authMiddleware aborts with 401 unless the request carries a session
// for a logged-in user
func authMiddleware(api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		api.logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, returned in the
// X-Request-ID header. An incoming X-Request-ID is kept if it's a
// valid UUID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger from the gin
// context, creating it with request details if it doesn't exist yet.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if l, ok := c.Get(loggerNameKey); ok {
		if apiLogger, ok := l.(*slog.Logger); ok {
			base = apiLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs every request once it's complete, with its
// duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(loggerNameKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
