package copilot

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix          = "/debug"
	apiPrefix            = "/api"
	apiHealthCheck       = "/healthz"
	apiPathSetup         = "/setup"
	apiPathLogin         = "/login"
	apiPathLogout        = "/logout"
	apiPathLoggedIn      = "/logged_in"
	apiPathInstructions  = "/instructions"
	apiPathChannels      = "/channels"
	apiPathChannel       = "/channels/:id"
	apiPathMemory        = "/memory"
	apiPathMemoryReset   = "/memory/reset"
	apiPathChatLogs      = "/chat_logs"
	dashboardPath        = "/"
	dashboardLoginPath   = "/login"
	healthCheckReply     = "Bot is alive!"
	memoryRefreshSeconds = 10
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "copilot_session"
	sessionVarField  = "username"

	loginRequestsPerSecond = 1
	loginRequestBurst      = 5
)

// user-facing replies, shown as-is by the dashboard
const (
	msgInstructionsSaved = "✓ System instructions saved successfully!"
	msgChannelAdded      = "✓ Channel added successfully!"
	msgChannelEnabled    = "✓ Channel enabled successfully!"
	msgChannelDisabled   = "✓ Channel disabled successfully!"
	msgChannelRemoved    = "✓ Channel removed successfully!"
	msgMemoryReset       = "✓ Conversation memory reset successfully!"
	msgChannelIDRequired = "Channel ID is required."
	msgInvalidChannelID  = "Invalid channel ID. Must be 18-19 digits (Discord snowflake format)."
	msgChannelExists     = "This channel ID already exists."
	msgChannelNotFound   = "Channel not found."
	msgUnauthorized      = "unauthorized"
	msgInternalError     = "internal server error"
)

const defaultChatLogsLimit = 25

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

//go:embed templates
var dashboardTemplates embed.FS

// API serves the admin dashboard and the health endpoint
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store and routes. Nothing is
// served until Serve is called.
func newAPI(
	store *Store,
	notifier DBNotifier,
	config *APIConfig,
	conversation *ConversationConfig,
	handler slog.Handler,
) (*API, error) {
	logger := slog.New(handler).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	tmpl, err := template.ParseFS(dashboardTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("error parsing dashboard templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	api := &API{
		config: config,
		engine: r,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(loginRequestsPerSecond),
			loginRequestBurst,
		),
		logger: logger,
	}
	api.store = newSessionStore(config, logger)
	api.handlers = &APIHandlers{
		api:          api,
		store:        store,
		notifier:     notifier,
		conversation: conversation,
		logger:       logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
		} else {
			// same-origin requests only
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, api.store),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(dashboardLoginPath, h.loginPage)
	r.GET(dashboardPath, h.dashboard)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	public := r.Group(apiPrefix)
	public.GET(apiPathSetup, h.setupStatus)
	public.POST(apiPathSetup, h.adminSetup)
	public.POST(apiPathLogin, h.loginHandler)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(logger))
	protected.POST(apiPathLogout, h.logoutHandler)
	protected.GET(apiPathLoggedIn, h.loggedIn)
	protected.GET(apiPathInstructions, h.getInstructions)
	protected.PUT(apiPathInstructions, h.updateInstructions)
	protected.PATCH(apiPathInstructions, h.updateInstructions)
	protected.GET(apiPathChannels, h.listChannels)
	protected.POST(apiPathChannels, h.addChannel)
	protected.PATCH(apiPathChannel, h.updateChannel)
	protected.DELETE(apiPathChannel, h.deleteChannel)
	protected.GET(apiPathMemory, h.getMemory)
	protected.POST(apiPathMemoryReset, h.resetMemory)
	protected.GET(apiPathChatLogs, h.getChatLogs)

	r.NoRoute(
		func(c *gin.Context) {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used when a cert and key are configured.
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
	a.logger.InfoContext(
		ctx,
		"Health check server listening",
		"address", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server
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

// newSessionStore creates the cookie store for dashboard sessions. The
// signing key is derived from the configured secret, or generated when
// there isn't one.
func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(config.Secret)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return store
}

func sessionOptions(config *APIConfig) sessions.Options {
	opts := sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: http.SameSiteStrictMode,
	}
	if config.Development {
		opts.Secure = false
		opts.SameSite = http.SameSiteLaxMode
	}
	return opts
}

// sessionUsername returns the username of the logged-in admin, or an
// empty string if the request has no valid session.
func sessionUsername(c *gin.Context) string {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	return username
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	api          *API
	store        *Store
	notifier     DBNotifier
	conversation *ConversationConfig
	logger       *slog.Logger

	// setupMu keeps concurrent setup requests from both creating
	// an admin account
	setupMu sync.Mutex
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.String(http.StatusOK, healthCheckReply)
}

// setupStatus reports whether the admin account still needs to be
// created.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	account, err := h.store.AdminAccount(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error getting admin account", tint.Err(err))
		ginReplyError(c, msgInternalError)
		return
	}
	c.JSON(http.StatusOK, setupResponse{Required: account == nil})
}

// adminSetup creates the admin account. It's only allowed while no
// account exists, afterward the `init` command must be used.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.setupMu.Lock()
	defer h.setupMu.Unlock()

	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	account, err := h.store.AdminAccount(ctx)
	if err != nil {
		logger.Error("error getting admin account", tint.Err(err))
		ginReplyError(c, msgInternalError)
		return
	}
	if account != nil {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	var payload adminSetupPayload
	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Warn("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	if err = h.store.SetAdminCredentials(ctx, payload.Username, payload.Password); err != nil {
		logger.Error("error setting admin credentials", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	logger.Info("first time admin setup complete", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the admin account,
// and starts a session if they match. Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many requests"},
		)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	account, err := h.store.AdminAccount(c.Request.Context())
	if err != nil {
		logger.Error("error getting admin account", tint.Err(err))
		ginReplyError(c, msgInternalError)
		return
	}
	if account == nil {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: msgUnauthorized})
		return
	}
	if login.Username != account.Username {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: msgUnauthorized})
		return
	}
	valid, err := VerifyPassword(account.Password, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, msgInternalError)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: msgUnauthorized})
		return
	}

	session := sessions.Default(c)
	session.Clear()
	session.Options(sessionOptions(h.api.config))
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, msgInternalError)
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	c.JSON(http.StatusOK, loggedInResponse{Username: sessionUsername(c)})
}

func (h *APIHandlers) getInstructions(c *gin.Context) {
	instructions, err := h.store.SystemInstructionsRecord(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("Error fetching system instructions", tint.Err(err))
		ginReplyError(c, "Failed to load system instructions. Please refresh the page.")
		return
	}
	c.JSON(http.StatusOK, instructions)
}

// updateInstructions replaces the system instructions. The change is
// used for the next message handled, there's no cache to invalidate.
func (h *APIHandlers) updateInstructions(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload instructionsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	username := sessionUsername(c)
	if err := h.store.UpdateSystemInstructions(ctx, *payload.Content, username); err != nil {
		logger.Error("Error saving system instructions", tint.Err(err))
		ginReplyError(c, "Failed to save system instructions. Please try again.")
		return
	}
	logger.Info(
		"System instructions updated",
		"updated_by", username,
		"instructions_length", len(*payload.Content),
	)

	instructions, err := h.store.SystemInstructionsRecord(ctx)
	if err != nil {
		logger.Error("Error fetching system instructions", tint.Err(err))
		ginReplyMessage(c, msgInstructionsSaved)
		return
	}
	c.JSON(
		http.StatusOK,
		instructionsResponse{
			Message:            msgInstructionsSaved,
			SystemInstructions: instructions,
		},
	)
}

func (h *APIHandlers) listChannels(c *gin.Context) {
	channels, err := h.store.ListChannels(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("Error fetching channels", tint.Err(err))
		ginReplyError(c, "Failed to load channels. Please refresh the page.")
		return
	}
	if channels == nil {
		channels = []AllowedChannel{}
	}
	c.JSON(http.StatusOK, channels)
}

func (h *APIHandlers) addChannel(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload addChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	channel, err := h.store.AddChannel(
		ctx,
		payload.ChannelID,
		payload.ChannelName,
		sessionUsername(c),
	)
	switch {
	case errors.Is(err, ErrChannelIDRequired):
		c.JSON(http.StatusBadRequest, httpError{Error: msgChannelIDRequired})
		return
	case errors.Is(err, ErrInvalidChannelID):
		c.JSON(http.StatusBadRequest, httpError{Error: msgInvalidChannelID})
		return
	case errors.Is(err, ErrChannelExists):
		c.JSON(http.StatusConflict, httpError{Error: msgChannelExists})
		return
	case err != nil:
		logger.Error("Error adding channel", tint.Err(err))
		ginReplyError(c, "Failed to add channel. Please try again.")
		return
	}

	h.channelsUpdated(ctx)
	c.JSON(
		http.StatusCreated,
		channelResponse{Message: msgChannelAdded, AllowedChannel: channel},
	)
}

func (h *APIHandlers) updateChannel(c *gin.Context) {
	logger := ginContextLogger(c)
	id, ok := channelRowID(c)
	if !ok {
		return
	}
	var payload updateChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	err := h.store.SetChannelEnabled(ctx, id, *payload.Enabled)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: msgChannelNotFound})
		return
	case err != nil:
		logger.Error("Error toggling channel", tint.Err(err))
		ginReplyError(c, "Failed to update channel. Please try again.")
		return
	}

	h.channelsUpdated(ctx)
	msg := msgChannelDisabled
	if *payload.Enabled {
		msg = msgChannelEnabled
	}
	ginReplyMessage(c, msg)
}

func (h *APIHandlers) deleteChannel(c *gin.Context) {
	id, ok := channelRowID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := h.store.DeleteChannel(ctx, id)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: msgChannelNotFound})
		return
	case err != nil:
		ginContextLogger(c).Error("Error removing channel", tint.Err(err))
		ginReplyError(c, "Failed to remove channel. Please try again.")
		return
	}
	h.channelsUpdated(ctx)
	ginReplyMessage(c, msgChannelRemoved)
}

func (h *APIHandlers) channelsUpdated(ctx context.Context) {
	if h.notifier != nil {
		h.notifier.ChannelsUpdated(ctx)
	}
}

// channelRowID parses the `:id` path parameter, replying with 400 if
// it's invalid.
func channelRowID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *APIHandlers) getMemory(c *gin.Context) {
	state, err := h.store.GetConversationState(c.Request.Context())
	if err != nil {
		ginReplyError(c, "Failed to load conversation memory.")
		return
	}
	c.JSON(
		http.StatusOK,
		memoryResponse{
			Summary:         state.Summary,
			MessageCount:    state.MessageCount,
			SummarizeEvery:  h.conversation.SummarizeEvery,
			UpdatedAt:       state.UpdatedAt,
			RefreshInterval: memoryRefreshSeconds,
		},
	)
}

func (h *APIHandlers) resetMemory(c *gin.Context) {
	logger := ginContextLogger(c)
	if err := h.store.ResetConversation(c.Request.Context()); err != nil {
		logger.Error("Error resetting memory", tint.Err(err))
		ginReplyError(c, "Failed to reset memory. Please try again.")
		return
	}
	logger.Info("Conversation memory reset from dashboard", "username", sessionUsername(c))
	ginReplyMessage(c, msgMemoryReset)
}

func (h *APIHandlers) getChatLogs(c *gin.Context) {
	var query chatLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultChatLogsLimit
	}

	logs, total, err := h.store.ChatCompletionLogs(
		c.Request.Context(),
		query.Limit,
		query.Offset,
		query.Order == Ascending,
	)
	if err != nil {
		ginContextLogger(c).Error("error getting chat logs", tint.Err(err))
		ginReplyError(c, "error getting chat logs")
		return
	}
	if logs == nil {
		logs = []ChatCompletionLog{}
	}
	c.JSON(http.StatusOK, chatLogsResponse{Total: total, Logs: logs})
}

func (h *APIHandlers) loginPage(c *gin.Context) {
	if sessionUsername(c) != "" {
		c.Redirect(http.StatusFound, dashboardPath)
		return
	}
	c.HTML(http.StatusOK, "login.html", gin.H{"apiPrefix": apiPrefix})
}

func (h *APIHandlers) dashboard(c *gin.Context) {
	username := sessionUsername(c)
	if username == "" {
		c.Redirect(http.StatusFound, dashboardLoginPath)
		return
	}
	c.HTML(
		http.StatusOK,
		"dashboard.html",
		gin.H{
			"apiPrefix":       apiPrefix,
			"username":        username,
			"refreshInterval": memoryRefreshSeconds * 1000,
			"summarizeEvery":  h.conversation.SummarizeEvery,
		},
	)
}

type Sort string

type chatLogsQuery struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
}

type chatLogsResponse struct {
	Total int64               `json:"total"`
	Logs  []ChatCompletionLog `json:"logs"`
}

// instructionsPayload is the body for updating the system instructions.
// Content may be empty, in which case the bot uses its default.
type instructionsPayload struct {
	Content *string `json:"content" binding:"required"`
}

type instructionsResponse struct {
	Message string `json:"message"`
	*SystemInstructions
}

type addChannelPayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

type updateChannelPayload struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type channelResponse struct {
	Message string `json:"message"`
	*AllowedChannel
}

type memoryResponse struct {
	Summary        string `json:"summary"`
	MessageCount   int    `json:"message_count"`
	SummarizeEvery int    `json:"summarize_every"`
	UpdatedAt      int64  `json:"updated_at"`

	// RefreshInterval is how often (in seconds) the dashboard polls
	RefreshInterval int `json:"refresh_interval"`
}

type loggedInResponse struct {
	Username string `json:"username"`
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

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether an admin account needs to be created
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := sessionUsername(c)
		if username == "" {
			logger.Debug("username not found in session", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: msgUnauthorized},
			)
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a unique ID, which is
// returned in the X-Request-ID header and included in request logs.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by
// ginLoggingMiddleware, or the default logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware logs each request when it finishes, and sets a
// request-scoped logger for handlers to use.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
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
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))

		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)

		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		switch {
		case len(errs) > 0:
			requestLogger.Error(msg, append(attrs, "errors", errs.Errors())...)
		case c.Request.URL.Path == apiHealthCheck:
			requestLogger.Debug(msg, attrs...)
		case strings.HasPrefix(c.Request.URL.Path, pprofPrefix):
			requestLogger.Debug(msg, attrs...)
		default:
			requestLogger.Info(msg, attrs...)
		}
	}
}

// ginReplyMessage sends a 200 JSON response with the given message
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a 500 JSON response with the given error
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // registers the validator tag name used by config and payloads
func init() {
	structValidator.SetTagName("binding")
}
