package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Bharat940/discord-copilot-with-dashboard/copilot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = copilot.DefaultConfig()
	configFile string
)

// legacyEnvAliases maps config keys to the environment variable names
// used by earlier deployments. The prefixed names take precedence.
var legacyEnvAliases = map[string]string{
	"discord.token":   "DISCORD_BOT_TOKEN",
	"openai.token":    "AI_API_KEY",
	"openai.base_url": "AI_BASE_URL",
	"openai.model":    "AI_MODEL",
	"log_level":       "LOG_LEVEL",
	"database":        "DATABASE_URL",
}

// envPort is the port assigned by hosting platforms. When set, and
// api.listen isn't, the API listens on all interfaces on that port.
const envPort = "PORT"

var levelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "copilot [flags]",
	Short: "Discord AI copilot with an admin dashboard",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("info", "DEBUG", ...)
// into *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(copilot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = copilot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	for key, legacy := range legacyEnvAliases {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, legacy))
	}

	// Keys without defaults must be bound explicitly, or AutomaticEnv
	// won't see them during Unmarshal
	for _, key := range []string{
		"database_type",
		"api.listen",
		"discord.notification_channel_id",
		"api.ssl.cert",
		"api.ssl.key",
	} {
		fatalErr(viper.BindEnv(key))
	}

	if port := os.Getenv(envPort); port != "" && !viper.IsSet("api.listen") {
		viper.Set("api.listen", ":"+port)
	}

	if !viper.IsSet("database_type") {
		viper.Set("database_type", inferDatabaseType(viper.GetString("database")))
	}

	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		levelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, levelVar)
	}
}

// setDefaults registers a default for every config key, which also makes
// each key visible to AutomaticEnv.
func setDefaults() {
	viper.SetDefault("database", copilot.DefaultDatabase)
	viper.SetDefault("database_slow_threshold", copilot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", copilot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", copilot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", copilot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", copilot.DefaultShutdownTimeout)

	// OpenAI-compatible model gateway
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", "")
	viper.SetDefault("openai.timeout", copilot.DefaultOpenAITimeout)
	viper.SetDefault("openai.max_tokens", 0)
	viper.SetDefault("openai.temperature", 0)
	viper.SetDefault("openai.requests_per_second", copilot.DefaultOpenAIRequestsPerSecond)
	viper.SetDefault("openai.log_level", copilot.DefaultOpenAILogLevel.String())

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", copilot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		copilot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", copilot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.status", copilot.DefaultDiscordStatus)
	viper.SetDefault("discord.startup_message", copilot.DefaultDiscordStartupMessage)

	// Message pipeline
	viper.SetDefault("conversation.channel_cache_ttl", copilot.DefaultChannelCacheTTL)
	viper.SetDefault("conversation.summarize_every", copilot.DefaultSummarizeEvery)
	viper.SetDefault("conversation.message_limit", copilot.DefaultMessageLimit)

	// API
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", copilot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", copilot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", copilot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", copilot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", copilot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", copilot.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.tls_min_version", copilot.DefaultTLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_headers", copilot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", copilot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", copilot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", copilot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", copilot.DefaultAPICORSAllowCredentials)
}

// inferDatabaseType returns 'postgres' for postgres connection URLs
// and DSNs, otherwise the database is assumed to be a sqlite file path.
func inferDatabaseType(database string) string {
	switch {
	case strings.HasPrefix(database, "postgres://"),
		strings.HasPrefix(database, "postgresql://"),
		strings.Contains(database, "host=") && strings.Contains(database, "dbname="):
		return "postgres"
	default:
		return copilot.DefaultDatabaseType
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load (defaults to .env)",
	)
}
