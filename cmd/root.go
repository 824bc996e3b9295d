package cmd

import (
	"context"
	"fmt"
	"github.com/bizxeon/tbc-colors/colorbot"
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
	cfg        = colorbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "tbc-colors [flags]",
	Short: "Discord bot which lets guild members pick their own color",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, configDecodeHook()); err != nil {
			log.Fatalln(err)
		}
	},
}

// configDecodeHook decodes durations, log levels and space-separated
// lists (ex: COLORS_API_CORS_ALLOW_ORIGINS="https://a https://b")
func configDecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
			LevelToStringHookFunc(),
		),
	)
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

// LevelToStringHookFunc decodes strings like "INFO" into *slog.LevelVar
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

// Execute runs the root command, cancelling its context on SIGINT,
// SIGTERM or SIGHUP
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
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
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

	viper.SetDefault("database", colorbot.DefaultDatabase)
	viper.SetDefault("database_type", colorbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", colorbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", colorbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", colorbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", colorbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", colorbot.DefaultShutdownTimeout)
	viper.SetDefault("serialize_member_commands", colorbot.DefaultSerializeMember)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", colorbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", colorbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", colorbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault("discord.custom_status", "")

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", colorbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", colorbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.requests_per_second", colorbot.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.request_burst", colorbot.DefaultAPIRequestBurst)
	viper.SetDefault("api.read_timeout", colorbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", colorbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", colorbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", colorbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", colorbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", colorbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", colorbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", colorbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(colorbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = colorbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config, bound after the prefix is set
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
