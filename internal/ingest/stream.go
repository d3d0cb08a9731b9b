package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/solana"
)

// EventSource streams signatures touching watched addresses.
// *solana.AccountMonitor satisfies it.
type EventSource interface {
	Start(ctx context.Context) <-chan solana.LogEvent
	Watch(address string)
}

// TxFetcher resolves signatures to enhanced transactions.
type TxFetcher interface {
	GetTransactions(ctx context.Context, signatures []string) ([]solana.Transaction, error)
}

// Stream subscribes every tracked address, batches notified signatures and
// feeds the resolved transactions to the pipeline oldest first.
type Stream struct {
	source    EventSource
	fetcher   TxFetcher
	pipeline  *Pipeline
	batchSize int
	batchWait time.Duration
	attempts  int
	backoff   time.Duration
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamRetry sets how many times a failed batch is fetched and
// processed again, and the base of the linear backoff between attempts.
// Websocket notifications are not redelivered, so a batch dropped here is
// only recovered by a later webhook.
func WithStreamRetry(attempts int, backoff time.Duration) StreamOption {
	return func(s *Stream) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// NewStream creates a stream.
func NewStream(source EventSource, fetcher TxFetcher, pipeline *Pipeline, batchSize int, batchWait time.Duration, opts ...StreamOption) *Stream {
	if batchSize <= 0 {
		batchSize = 50
	}
	if batchWait <= 0 {
		batchWait = 2 * time.Second
	}
	s := &Stream{
		source: source, fetcher: fetcher, pipeline: pipeline,
		batchSize: batchSize, batchWait: batchWait,
		attempts: 3, backoff: time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run watches the indexed addresses, and every address indexed later, until
// ctx is done or the source closes.
func (s *Stream) Run(ctx context.Context) error {
	index := s.pipeline.Index()
	index.SetOnAdd(s.source.Watch)
	for _, addr := range index.Addresses() {
		s.source.Watch(addr)
	}
	events := s.source.Start(ctx)
	log.Info().Int("watched", index.Len()).Int("batch_size", s.batchSize).Msg("ingest: stream started")

	var (
		pending []string
		seen    = make(map[string]struct{})
		timer   *time.Timer
		timeout <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		sigs := pending
		pending, seen = nil, make(map[string]struct{})
		s.resolve(ctx, sigs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				flush()
				return nil
			}
			if _, dup := seen[ev.Signature]; dup || ev.Signature == "" {
				continue
			}
			seen[ev.Signature] = struct{}{}
			pending = append(pending, ev.Signature)
			if len(pending) >= s.batchSize {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(s.batchWait)
				timeout = timer.C
			}
		case <-timeout:
			timer, timeout = nil, nil
			flush()
		}
	}
}

// resolve fetches and processes one batch, retrying the whole batch on
// failure. Reprocessing is safe: the funding ledger skips applied events.
func (s *Stream) resolve(ctx context.Context, sigs []string) {
	for attempt := 1; ; attempt++ {
		err := s.resolveOnce(ctx, sigs)
		if err == nil || ctx.Err() != nil {
			return
		}
		if attempt >= s.attempts {
			log.Error().Err(err).Int("attempts", attempt).Strs("signatures", sigs).Msg("ingest: stream batch dropped")
			return
		}
		wait := time.Duration(attempt) * s.backoff
		log.Warn().Err(err).Int("attempt", attempt).Int("signatures", len(sigs)).Dur("wait", wait).
			Msg("ingest: stream batch failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) resolveOnce(ctx context.Context, sigs []string) error {
	txs, err := s.fetcher.GetTransactions(ctx, sigs)
	if err != nil {
		return fmt.Errorf("ingest: resolve signatures: %w", err)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp < txs[j].Timestamp })
	res, err := s.pipeline.Process(ctx, txs)
	if err != nil {
		return err
	}
	log.Debug().Int("signatures", len(sigs)).Int("txs", len(txs)).Int("new_offspring", len(res.NewOffspring)).
		Int("alerts", len(res.Alerts)).Msg("ingest: stream batch processed")
	return nil
}
