//nolint:lll // struct tags can't be split
package copilot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix  = "COPILOT_ENV_PREFIX"
	DefaultEnvPrefix    = "COPILOT"
	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "copilot.sqlite3"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultOpenAITimeout           = 30 * time.Second
	DefaultOpenAIRequestsPerSecond = 0
	DefaultOpenAILogLevel          = slog.LevelInfo

	DefaultChannelCacheTTL = time.Minute
	DefaultSummarizeEvery  = 6
	DefaultMessageLimit    = discordMaxMessageLength

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStatus         = "Configured and ready"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen         = ":8080"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultAPISessionMaxAge  = 6 * time.Hour
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultTLSMinVersion     = tls.VersionTLS12
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level configuration for the bot process, loaded from
// the environment (and an optional .env file) by the cmd package.
type Config struct {
	// Database connection string. For sqlite, a file path. For postgres,
	// a DSN/URL such as the one provided by Supabase.
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType is either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel      *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	OpenAI       *OpenAIConfig       `yaml:"openai" mapstructure:"openai" json:"openai"`
	Discord      *DiscordConfig      `yaml:"discord" mapstructure:"discord" json:"discord"`
	API          *APIConfig          `yaml:"api" mapstructure:"api" json:"api"`
	Conversation *ConversationConfig `yaml:"conversation" mapstructure:"conversation" json:"conversation"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed for database setup before
	// the gateway connection is opened.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for in-flight messages and HTTP
	// requests to finish after a stop signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// OpenAIConfig configures the chat-completion endpoint. Any
// OpenAI-compatible API works, as long as BaseURL points at it.
type OpenAIConfig struct {
	Token   string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`
	Model   string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Timeout bounds a single completion request. The request is cancelled
	// once it elapses.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// MaxTokens and Temperature are only sent when non-zero
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// RequestsPerSecond paces outbound requests. 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the gateway connection.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Custom status shown on the bot's profile
	Status string `yaml:"status" mapstructure:"status" json:"status"`

	// If NotificationChannelID is set, StartupMessage is sent to it each
	// time the gateway connects.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. MessageContent is privileged and must be
	// enabled in the developer portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ConversationConfig holds the knobs of the message pipeline.
type ConversationConfig struct {
	// ChannelCacheTTL is how long the allowed channel list is reused
	// before it's fetched again.
	ChannelCacheTTL time.Duration `yaml:"channel_cache_ttl" mapstructure:"channel_cache_ttl" json:"channel_cache_ttl" binding:"min=0"`

	// SummarizeEvery is the message count at which the rolling summary
	// is recomputed and the counter reset.
	SummarizeEvery int `yaml:"summarize_every" mapstructure:"summarize_every" json:"summarize_every" binding:"min=1"`

	// MessageLimit is the maximum reply length, in characters.
	MessageLimit int `yaml:"message_limit" mapstructure:"message_limit" json:"message_limit" binding:"min=4,max=2000"`
}

type APIConfig struct {
	// The address and port on which the server should listen (e.g., ":8080").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies. A random key is generated when
	// empty, which invalidates sessions on restart.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// TLS is only used when both a cert and key are configured. Hosting
	// platforms usually terminate TLS themselves.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development relaxes CORS and cookie settings, and enables pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated.
// Tokens, the model and the base URL have no defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			Timeout:           DefaultOpenAITimeout,
			RequestsPerSecond: DefaultOpenAIRequestsPerSecond,
			LogLevel:          newLevelVar(DefaultOpenAILogLevel),
		},
		Discord: &DiscordConfig{
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			Status:            DefaultDiscordStatus,
			StartupMessage:    DefaultDiscordStartupMessage,
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		Conversation: &ConversationConfig{
			ChannelCacheTTL: DefaultChannelCacheTTL,
			SummarizeEvery:  DefaultSummarizeEvery,
			MessageLimit:    DefaultMessageLimit,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultTLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// Redacted returns a copy of the config with secrets replaced, suitable
// for printing.
func (c Config) Redacted() Config {
	const mask = "[redacted]"
	redact := func(s string) string {
		if s == "" {
			return s
		}
		return mask
	}
	rc := c
	rc.Database = redact(c.Database)
	rc.HTTPClient = nil
	if c.OpenAI != nil {
		o := *c.OpenAI
		o.Token = redact(o.Token)
		rc.OpenAI = &o
	}
	if c.Discord != nil {
		d := *c.Discord
		d.Token = redact(d.Token)
		rc.Discord = &d
	}
	if c.API != nil {
		a := *c.API
		a.Secret = redact(a.Secret)
		rc.API = &a
	}
	return rc
}
