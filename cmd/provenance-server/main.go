package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/app"
	"github.com/nexus-trading/provenance/internal/config"
)

func main() {
	configPath := flag.String("config", "config/provenance.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Run without external services (in-memory store, canned chain data)")
	fixture := flag.String("fixture", "", "Webhook-format JSON of transactions served in stub mode")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	setupLogging(cfg.General)

	validate := cfg.ValidateLive
	if *stubMode {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("stub_mode", *stubMode).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Bool("stream", cfg.Stream.Enabled).
		Str("http_addr", cfg.HTTP.Addr).
		Msg("Provenance server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Stub: *stubMode, Fixture: *fixture})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire components")
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("Provenance server stopped with error")
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("Provenance server - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "provenance-server").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "provenance-server").
			Str("instance", general.InstanceID).Logger()
	}
}
