package entity

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/routine"
)

// Runner starts enrichments in the background, at most one per entity.
// Failures are logged and recorded on the entity; callers never see them.
type Runner struct {
	engine *Engine
	tasks  *routine.Manager
}

// NewRunner creates a runner whose tasks stop when ctx is cancelled.
func NewRunner(ctx context.Context, engine *Engine) *Runner {
	return &Runner{engine: engine, tasks: routine.NewManager(ctx)}
}

// Submit starts enrichment of req. It reports false when one is already
// running for the same entity or the runner is closed.
func (r *Runner) Submit(req Request) bool {
	key := req.EntityID
	if key == "" {
		key = req.Identifier
	}
	err := r.tasks.Start(&routine.Task{
		ID: key,
		Handler: func(ctx context.Context) error {
			_, err := r.engine.Enrich(ctx, req)
			return err
		},
		OnError: func(id string, err error) {
			var pe *routine.PanicError
			if errors.As(err, &pe) {
				log.Error().Str("entity", id).Interface("panic", pe.Value).Bytes("stack", pe.Stack).
					Msg("entity: background enrichment panicked")
				return
			}
			log.Warn().Err(err).Str("entity", id).Msg("entity: background enrichment failed")
		},
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, routine.ErrRunning):
		log.Debug().Str("entity", key).Msg("entity: enrichment already running")
	default:
		log.Warn().Err(err).Str("entity", key).Msg("entity: enrichment not started")
	}
	return false
}

// Running reports whether enrichment of id is in flight.
func (r *Runner) Running(id string) bool { return r.tasks.Running(id) }

// Wait blocks until all submitted enrichments return.
func (r *Runner) Wait() { r.tasks.Wait() }

// Close cancels in-flight enrichments and waits for them.
func (r *Runner) Close() { r.tasks.Close() }
