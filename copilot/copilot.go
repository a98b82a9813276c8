package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Bharat940/discord-copilot-with-dashboard/copilot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

const shutdownAnnouncementInterval = 10 * time.Second

var ErrShutdownTimeout = errors.New("in-flight messages did not finish in time")

// Copilot is the bot process: the Discord gateway client, the message
// pipeline, and the admin API.
type Copilot struct {
	config     *Config
	logHandler slog.Handler
	logger     *slog.Logger

	db       *gorm.DB
	store    *Store
	notifier DBNotifier
	cache    *ChannelCache
	openai   *OpenAI
	discord  *Discord
	handler  *MessageHandler
	api      *API
	cron     *cron.Cron

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// A signal is sent on this channel once the gateway is ready
	signalReady chan struct{}

	// messagesInProgress is the number of messages being handled
	messagesInProgress atomic.Int64
}

// New validates the configuration and creates the components which
// don't need the database. All configuration problems are returned
// together.
func New(config *Config) (*Copilot, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	var errs []error
	if config.OpenAI == nil {
		errs = append(errs, errors.New("openai config is required"))
	}
	if config.Discord == nil {
		errs = append(errs, errors.New("discord config is required"))
	}
	if config.API == nil {
		errs = append(errs, errors.New("api config is required"))
	}
	if config.Conversation == nil {
		errs = append(errs, errors.New("conversation config is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := structValidator.Struct(config); err != nil {
		errs = append(errs, fmt.Errorf("invalid config: %w", err))
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c := &Copilot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	c.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	c.logger = slog.New(c.logHandler).With(loggerNameKey, "copilot")
	slog.SetDefault(slog.New(c.logHandler))

	c.openai = newOpenAI(
		config.OpenAI,
		newLogHandler(defaultLogWriter, config.OpenAI.LogLevel),
		config.HTTPClient,
	)

	config.Discord.httpClient = config.HTTPClient
	c.discord = newDiscord(
		config.Discord,
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)

	return c, nil
}

// Run opens the database, connects to the Discord gateway and serves
// the admin API, until ctx is cancelled. It then shuts down gracefully,
// waiting up to [Config.ShutdownTimeout] for in-flight messages.
func (c *Copilot) Run(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.startedAt = time.Now()
	logger := c.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"Starting Discord bot...",
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
		slog.Any("config", c.config),
	)

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()
	if err := c.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "Failed to start bot", tint.Err(err))
		c.closeDB()
		return err
	}
	startCancel()

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when cancelled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	go func() {
		defer func() {
			if rc := recover(); rc != nil {
				c.handleRecover(ctx, rc)
			}
		}()
		if err := c.api.Serve(ctx); err != nil {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
			cancel()
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				c.handleRecover(ctx, rc)
			}
		}()
		if err := c.notifier.Listen(ctx, func() { c.channelsUpdated(ctx) }); err != nil {
			logger.ErrorContext(ctx, "error listening for channel updates", tint.Err(err))
		}
	}()

	if err := c.startCacheRefresher(ctx); err != nil {
		logger.ErrorContext(ctx, "error scheduling channel cache refresh", tint.Err(err))
		cancel()
		_ = c.shutdown(ctx, runtimeWG)
		return err
	}

	if err := c.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = c.shutdown(ctx, runtimeWG)
		return err
	}

	if err := c.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "Failed to start bot", tint.Err(err))
		cancel()
		_ = c.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	// block until something cancels the runtime context, generally
	// an interrupt
	<-ctx.Done()
	return c.shutdown(ctx, runtimeWG)
}

// initRun opens and seeds the database, and creates the components
// which depend on it.
func (c *Copilot) initRun(ctx context.Context) error {
	dbHandler := newLogHandler(defaultLogWriter, c.config.DatabaseLogLevel)
	db, err := openDB(
		ctx,
		c.config.DatabaseType,
		c.config.Database,
		dbHandler,
		c.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	c.db = db

	storeLogger := slog.New(dbHandler).With(loggerNameKey, "database")
	c.store = NewStore(db, storeLogger, c.config.DatabaseType == dbTypePostgres)
	if err = c.store.Seed(ctx); err != nil {
		return err
	}

	account, err := c.store.AdminAccount(ctx)
	if err != nil {
		return fmt.Errorf("error getting admin account: %w", err)
	}
	if account == nil {
		c.logger.WarnContext(
			ctx,
			"admin account not set up, create one from the dashboard or with the 'init' command",
		)
	}

	notifier, err := newDBNotifier(c.config.DatabaseType, c.config.Database, db, c.logger)
	if err != nil {
		return err
	}
	c.notifier = notifier

	c.cache = NewChannelCache(c.store, c.config.Conversation.ChannelCacheTTL, c.logger)
	c.openai.chatLog = c.store

	if c.discord.session == nil {
		session, e := c.discord.newSession()
		if e != nil {
			return e
		}
		c.discord.session = session
	}

	c.handler = NewMessageHandler(
		c.cache,
		c.store,
		c.openai,
		c.discord.session,
		c.config.Conversation,
		c.logger,
	)

	api, err := newAPI(
		c.store,
		c.notifier,
		c.config.API,
		c.config.Conversation,
		newLogHandler(defaultLogWriter, c.config.API.LogLevel),
	)
	if err != nil {
		return err
	}
	c.api = api
	return nil
}

// startCacheRefresher schedules a channel cache refresh every TTL, so
// the first message after an idle period doesn't wait on the database.
func (c *Copilot) startCacheRefresher(ctx context.Context) error {
	c.cron = cron.New()
	ttl := c.config.Conversation.ChannelCacheTTL
	if ttl <= 0 {
		return nil
	}
	_, err := c.cron.AddFunc(
		"@every "+ttl.String(),
		func() {
			c.cache.Refresh(ctx)
		},
	)
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

func (c *Copilot) channelsUpdated(ctx context.Context) {
	c.logger.InfoContext(ctx, "Allowed channels changed, refreshing cache")
	c.cache.Invalidate()
	c.cache.Refresh(ctx)
}

func (c *Copilot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if c.discord.session == nil {
		session, err := c.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		c.discord.session = session
	}

	c.discord.removeHandlers()

	identify := discordgo.Identify{Intents: c.config.Discord.GatewayIntents}
	identify.Presence = discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
	}
	c.discord.session.SetIdentify(identify)

	// in-flight messages are allowed to finish during shutdown, rather
	// than being cancelled along with ctx
	handlerCtx := context.WithoutCancel(ctx)

	c.discord.addHandler(c.discord.handlerConnect())
	c.discord.addHandler(c.discord.handlerDisconnect())
	c.discord.addHandler(c.discord.handlerReady(func(r *discordgo.Ready) { c.onReady(ctx, r) }))
	c.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if ctx.Err() != nil || m == nil || m.Message == nil {
				return
			}
			runtimeWG.Add(1)
			c.messagesInProgress.Add(1)
			defer func() {
				c.messagesInProgress.Add(-1)
				runtimeWG.Done()
			}()
			c.handler.Handle(handlerCtx, m.Message)
		},
	)
	return nil
}

// onReady records the bot's user, logs the startup banner and warms the
// channel cache.
func (c *Copilot) onReady(ctx context.Context, r *discordgo.Ready) {
	if r.User != nil {
		c.handler.SetBotUser(r.User)
		c.logger.InfoContext(ctx, fmt.Sprintf("Bot logged in as %s", r.User.String()))
	}
	c.logger.InfoContext(
		ctx,
		"Status: "+c.config.Discord.Status,
		"log_level", c.config.LogLevel.Level().String(),
		"ai_timeout", c.config.OpenAI.Timeout,
		"message_limit", c.config.Conversation.MessageLimit,
		"startup_duration", time.Since(c.startedAt),
	)
	c.cache.Refresh(ctx)

	select {
	case c.signalReady <- struct{}{}:
	default:
	}
}

// shutdown stops accepting messages, waits for in-flight messages to
// finish, then stops the API and closes the database. If that doesn't
// happen within [Config.ShutdownTimeout], the API server is closed
// immediately and ErrShutdownTimeout is returned.
func (c *Copilot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := c.logger
	logger.WarnContext(ctx, "Shutting down gracefully...")

	shutdownStart := time.Now()
	shutdownTimeout := c.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		logger.Warn("immediate shutdown")
		c.closeNow()
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		if c.cron != nil {
			<-c.cron.Stop().Done()
		}

		if c.discord.session != nil {
			logger.InfoContext(ctx, "closing discord session")
			if err := c.discord.session.Close(); err != nil {
				logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
			}
			c.discord.removeHandlers()
		}

		runtimeWG.Wait()
		logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if c.api != nil {
			logger.InfoContext(ctx, "stopping http server")
			if err := c.api.Shutdown(closeCtx); err != nil {
				logger.WarnContext(ctx, "error stopping http server", tint.Err(err))
			}
		}
		c.closeDB()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
				"messages_in_progress", c.messagesInProgress.Load(),
			)
		case <-closeCtx.Done():
			logger.Warn(
				"in-flight messages did not finish in time, forcing close",
				"messages_in_progress", c.messagesInProgress.Load(),
			)
			c.closeNow()
			return ErrShutdownTimeout
		}
	}
}

func (c *Copilot) closeNow() {
	if c.cron != nil {
		c.cron.Stop()
	}
	if c.discord.session != nil {
		_ = c.discord.session.Close()
	}
	if c.api != nil {
		_ = c.api.httpServer.Close()
	}
}

func (c *Copilot) closeDB() {
	if c.db == nil {
		return
	}
	if err := closeDB(c.db); err != nil {
		c.logger.Warn("error closing database", tint.Err(err))
	}
}

// handleRecover logs a recovered panic along with its stack trace
func (*Copilot) handleRecover(ctx context.Context, rc any) {
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
