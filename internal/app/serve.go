package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/httpapi"
	"github.com/nexus-trading/provenance/internal/ingest"
)

// Serve runs the HTTP server and every enabled background loop until ctx is
// cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner := entity.NewRunner(ctx, a.Engine)
	defer runner.Close()

	var stream *ingest.Stream
	if !a.Stub && a.Config.Stream.Enabled {
		sc := a.Config.Stream
		stream = ingest.NewStream(a.Monitor(), a.Chain, a.Pipeline, sc.BatchSize, sc.BatchWait,
			ingest.WithStreamRetry(sc.RetryAttempts, sc.RetryBackoff))
	}

	var consumer *bus.KafkaConsumer
	if kc := a.Config.Kafka; !a.Stub && kc.Enabled && kc.ConsumeRaw {
		var err error
		if consumer, err = bus.NewConsumer(kc.Brokers, kc.ConsumerGroup, []string{bus.TopicWebhookRaw},
			bus.WithRetry(kc.HandleAttempts, kc.RetryBackoff),
			bus.WithMaxPollRecords(kc.MaxPollRecords),
		); err != nil {
			return err
		}
		defer consumer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runHTTPServer(gctx, runner) })
	g.Go(func() error { return a.Health.Run(gctx) })
	g.Go(func() error { return ingest.RefreshIndex(gctx, a.Index, a.Store, a.Config.Stream.IndexRefresh) })
	g.Go(func() error { return a.logStats(gctx, 30*time.Second) })

	if a.Writer != nil {
		g.Go(func() error { return a.Writer.Run(gctx) })
	}

	if consumer != nil {
		g.Go(func() error {
			if err := consumer.Consume(gctx, a.Pipeline.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	if stream != nil {
		g.Go(func() error { return stream.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) runHTTPServer(ctx context.Context, runner *entity.Runner) error {
	_, srv := httpapi.NewServer(a.Config.HTTP, httpapi.Deps{
		Store:    a.Store,
		Pipeline: a.Pipeline,
		Engine:   a.Engine,
		Runner:   runner,
		Tracer:   a.Tracer,
		Health:   a.Health,
		Gatherer: a.Registry,
		Stats:    a.Stats,
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("app: http server started")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func (a *App) logStats(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ev := log.Info().Int("tracked_addresses", a.Index.Len())
			ts := a.Tracer.Stats()
			ev = ev.Int64("traces", ts.Traces).Int64("trace_fetch_errors", ts.FetchErrors)
			if a.helius != nil {
				hs := a.helius.Stats()
				ev = ev.Int64("helius_requests", hs.RequestCount).Int64("helius_rate_limited", hs.RateLimited)
			}
			if a.monitor != nil {
				ms := a.monitor.Stats()
				ev = ev.Bool("stream_connected", ms.Connected).Int64("stream_dropped", ms.Dropped)
			}
			ev.Msg("app: stats")
		}
	}
}
