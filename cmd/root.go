package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/onebot/onebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = onebot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are space-separated when set from the environment
var stringSliceKeys = []string{
	"discord.owner_ids",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "onebot [flags]",
	Short: "A discord bot that tracks member activity as XP and levels",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (like "INFO") into
// *slog.LevelVar fields
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

// Execute runs the root command. SIGINT/SIGTERM/SIGHUP cancel the
// command's context, which stops the bot gracefully.
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
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig runs before every execution of rootCmd. viper is reset
// first, so values converted on a previous run (log levels, string
// slices) are parsed again from the environment.
func initConfig() {
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", onebot.DefaultDatabase)
	viper.SetDefault("database_type", onebot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", onebot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", onebot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", onebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", onebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", onebot.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", onebot.DefaultRuntimeConfigTTL)
	viper.SetDefault("reconcile_concurrency", onebot.DefaultReconcileConcurrency)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.log_level", onebot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", onebot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", onebot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", onebot.DefaultDiscordStartupMessage)

	// Renderer config
	viper.SetDefault("renderer.dark_mode", onebot.DefaultRendererDarkMode)
	viper.SetDefault("renderer.avatar_timeout", onebot.DefaultRendererAvatarTimeout)
	viper.SetDefault(
		"renderer.scoreboard_estimate_per_row",
		onebot.DefaultScoreboardEstimatePerRow,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", onebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", onebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", onebot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", onebot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", onebot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", onebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", onebot.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.tls_min_version", onebot.DefaultAPITLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", onebot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", onebot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", onebot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", onebot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", onebot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(onebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = onebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
