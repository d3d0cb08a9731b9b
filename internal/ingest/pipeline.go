// Package ingest feeds transactions from webhooks, Kafka and the live
// websocket stream into the offspring processor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
)

// Report summarises one ingested payload.
type Report struct {
	Received  int              `json:"received"`
	Malformed int              `json:"malformed"`
	Result    offspring.Result `json:"-"`
	Applied   int              `json:"applied"`
	New       int              `json:"new_offspring"`
	Alerts    int              `json:"alerts"`
	Errors    []string         `json:"malformed_errors,omitempty"`
}

// Pipeline decodes payloads and applies them to the shared index.
type Pipeline struct {
	proc    *offspring.Processor
	index   *offspring.Index
	metrics *observability.Metrics
}

// NewPipeline creates a pipeline over proc and index.
func NewPipeline(proc *offspring.Processor, index *offspring.Index, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{proc: proc, index: index, metrics: metrics}
}

// Index returns the tracked-address index.
func (p *Pipeline) Index() *offspring.Index { return p.index }

// HandleWebhook decodes an enhanced-transaction payload (array or single
// object) and processes it. Malformed transactions are skipped and reported;
// the rest of the batch still runs.
func (p *Pipeline) HandleWebhook(ctx context.Context, body []byte) (Report, error) {
	txs, malformed, err := solana.ParseWebhook(body)
	if err != nil {
		p.metrics.IncWebhook("rejected")
		return Report{}, err
	}
	rep := Report{Received: len(txs) + len(malformed), Malformed: len(malformed)}
	if len(malformed) > 0 {
		p.metrics.AddMalformed(len(malformed))
		for _, m := range malformed {
			rep.Errors = append(rep.Errors, m.Error())
			log.Warn().Int("index", m.Index).Str("signature", m.Signature).Str("reason", m.Reason).
				Msg("ingest: malformed transaction skipped")
		}
	}

	res, err := p.Process(ctx, txs)
	rep.Result = res
	rep.Applied = res.Applied
	rep.New = len(res.NewOffspring)
	rep.Alerts = len(res.Alerts)
	if err != nil {
		p.metrics.IncWebhook("error")
		return rep, err
	}
	p.metrics.IncWebhook("ok")
	return rep, nil
}

// Process applies decoded transactions.
func (p *Pipeline) Process(ctx context.Context, txs []solana.Transaction) (offspring.Result, error) {
	if len(txs) == 0 {
		return offspring.Result{}, nil
	}
	res, err := p.proc.ProcessBatch(ctx, txs, p.index)
	if err != nil {
		var pe *offspring.PersistenceError
		if errors.As(err, &pe) {
			log.Error().Err(pe.Err).Str("op", pe.Op).Str("signature", pe.Signature).Msg("ingest: batch aborted")
		}
		return res, err
	}
	return res, nil
}

// HandleMessage is a bus.MessageHandler for raw webhook payloads republished
// on Kafka.
func (p *Pipeline) HandleMessage(ctx context.Context, msg bus.Message) error {
	rep, err := p.HandleWebhook(ctx, msg.Value)
	if err != nil {
		err = fmt.Errorf("ingest: message %s key %q: %w", msg.Topic, msg.Key, err)
		var pe *offspring.PersistenceError
		if errors.As(err, &pe) || ctx.Err() != nil {
			return err
		}
		return bus.Permanent(err)
	}
	log.Debug().Str("topic", msg.Topic).Str("key", msg.Key).Int("received", rep.Received).
		Int("new_offspring", rep.New).Msg("ingest: message processed")
	return nil
}

// PublishFunding returns an offspring.Processor.OnFunding hook publishing
// every applied funding event to the offspring topic.
func PublishFunding(p bus.Producer) func(domain.FundingEvent, domain.FundingResult) {
	return func(ev domain.FundingEvent, res domain.FundingResult) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out := bus.NewOffspringEvent("provenance-offspring", ev, res)
		if err := p.PublishJSON(ctx, bus.TopicOffspring, ev.RootEntityID, out); err != nil {
			log.Warn().Err(err).Str("signature", ev.Signature).Msg("ingest: publish offspring event")
		}
	}
}

// RefreshIndex reloads newly persisted roots and offspring into the index
// every interval until ctx is done.
func RefreshIndex(ctx context.Context, index *offspring.Index, src offspring.IndexSource, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := index.Refresh(ctx, src); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("ingest: index refresh failed")
			}
		}
	}
}
