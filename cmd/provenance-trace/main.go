// Command provenance-trace runs one traversal and exits. An external
// scheduler calls it to trace a wallet, enrich an entity or sweep pending
// entities.
package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/provenance.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Run without external services")
	fixture := flag.String("fixture", "", "Webhook-format JSON of transactions served in stub mode")
	address := flag.String("address", "", "Print the backward funding trace of this wallet")
	depth := flag.Int("depth", -1, "Trace depth for -address (negative uses trace.max_depth)")
	enrich := flag.String("enrich", "", "Enrich the entity with this id or identifier")
	entryType := flag.String("type", string(domain.EntryWallet), "Entry type used to register an unknown -enrich identifier")
	force := flag.Bool("force", false, "Re-enrich an entity that already finished")
	pending := flag.Bool("enrich-pending", false, "Enrich every pending entity")
	limit := flag.Int("limit", 0, "Maximum entities for -enrich-pending (0 = all)")
	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Stub: *stubMode, Fixture: *fixture})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire components")
	}

	err = run(ctx, a, *address, *depth, *enrich, domain.EntryType(*entryType), *force, *pending, *limit)
	a.Close()
	if err != nil {
		log.Error().Err(err).Msg("provenance-trace failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, address string, depth int, enrich string, typ domain.EntryType, force, pending bool, limit int) error {
	switch {
	case address != "":
		tree := a.Tracer.Trace(ctx, address, depth)
		return printJSON(map[string]any{
			"address":   address,
			"nodes":     tree.Size(),
			"exchanges": graph.ExtractExchangeSources(tree),
			"trace":     tree,
		})

	case enrich != "":
		res, err := a.Engine.Enrich(ctx, entity.Request{EntityID: enrich, Force: force})
		if errors.Is(err, storage.ErrNotFound) {
			res, err = a.Engine.Enrich(ctx, entity.Request{Identifier: enrich, Type: typ, Force: force})
		}
		if err != nil {
			return err
		}
		return printJSON(res)

	case pending:
		completed, err := a.Engine.EnrichPending(ctx, limit)
		log.Info().Int("completed", completed).Msg("Pending sweep finished")
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"completed": completed})

	default:
		flag.Usage()
		return errors.New("one of -address, -enrich or -enrich-pending is required")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// stdout carries the JSON result; logs go to stderr.
	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("service", "provenance-trace").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().Timestamp().Str("service", "provenance-trace").
			Str("instance", general.InstanceID).Logger()
	}
}
