package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/provenance/internal/bus"
	"github.com/nexus-trading/provenance/internal/domain"
)

const (
	tableAlerts    = "alerts"
	tableOffspring = "offspring_events"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("clickhouse: writer closed")

// FlushFunc receives one table's rows. It replaces the ClickHouse insert,
// which lets the writer run without a server.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// Writer batches alert and offspring rows and flushes them on size or
// interval. It is an alert sink and an offspring funding hook.
type Writer struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	alertBuf   [][]any
	fundingBuf [][]any
	closed     bool
	flushCount int64
	errorCount int64
	hook       FlushFunc
}

// NewWriter creates a writer. client may be nil when a flush hook is set.
func NewWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// SetFlushHook routes flushed rows to fn instead of ClickHouse.
func (w *Writer) SetFlushHook(fn FlushFunc) {
	w.mu.Lock()
	w.hook = fn
	w.mu.Unlock()
}

func (w *Writer) table(name string) string {
	if w.database == "" {
		return name
	}
	return w.database + "." + name
}

// EnsureSchema creates the analytics tables when missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + w.table(tableAlerts) + ` (
			alert_id         String,
			alert_type       LowCardinality(String),
			root_entity_id   String,
			root_identifier  String,
			offspring_id     String,
			offspring_wallet String,
			token            String,
			amount_sol       Decimal(38, 9),
			signature        String,
			chain_depth      UInt8,
			chain            String,
			detected_at      DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(detected_at)
		ORDER BY (root_entity_id, detected_at)`,
		`CREATE TABLE IF NOT EXISTS ` + w.table(tableOffspring) + ` (
			signature        String,
			transfer_index   UInt16,
			root_entity_id   String,
			offspring_id     String,
			wallet           String,
			parent_id        String,
			depth            UInt8,
			amount_sol       Decimal(38, 9),
			created          Bool,
			funded_at        DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree
		ORDER BY (root_entity_id, signature, transfer_index)`,
	}
	for _, stmt := range stmts {
		if err := w.client.Conn().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse: ensure schema: %w", err)
		}
	}
	return nil
}

// WriteAlert buffers one alert row.
func (w *Writer) WriteAlert(ctx context.Context, ev bus.AlertEvent) error {
	chain, err := json.Marshal(ev.FundingChainSnapshot)
	if err != nil {
		return fmt.Errorf("clickhouse: encode chain: %w", err)
	}
	depth := 0
	if n := len(ev.FundingChainSnapshot); n > 0 {
		depth = ev.FundingChainSnapshot[n-1].Depth
	}
	return w.append(ctx, tableAlerts, []any{
		ev.ID,
		string(ev.AlertType),
		ev.RootEntityID,
		ev.RootIdentifier,
		ev.OffspringID,
		ev.OffspringWallet,
		ev.TokenIdentifier,
		ev.AmountSol,
		ev.Signature,
		uint8(depth),
		string(chain),
		ev.DetectedAt,
	})
}

// WriteFunding buffers one applied funding event.
func (w *Writer) WriteFunding(ctx context.Context, ev domain.FundingEvent, res domain.FundingResult) error {
	if !res.Applied {
		return nil
	}
	return w.append(ctx, tableOffspring, []any{
		ev.Signature,
		uint16(ev.TransferIndex),
		ev.RootEntityID,
		res.Offspring.ID,
		ev.WalletAddress,
		ev.ParentOffspringID,
		uint8(ev.DepthLevel),
		ev.Amount,
		res.Created,
		ev.FundedAt,
	})
}

func (w *Writer) append(ctx context.Context, table string, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	if table == tableAlerts {
		w.alertBuf = append(w.alertBuf, row)
	} else {
		w.fundingBuf = append(w.fundingBuf, row)
	}
	full := len(w.alertBuf)+len(w.fundingBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Name implements alert.Sink.
func (w *Writer) Name() string { return "clickhouse" }

// Deliver implements alert.Sink.
func (w *Writer) Deliver(ctx context.Context, ev bus.AlertEvent) error {
	return w.WriteAlert(ctx, ev)
}

// FundingHook returns a callback for offspring.Processor.OnFunding. Write
// errors are logged.
func (w *Writer) FundingHook() func(domain.FundingEvent, domain.FundingResult) {
	return func(ev domain.FundingEvent, res domain.FundingResult) {
		if err := w.WriteFunding(context.Background(), ev, res); err != nil {
			log.Warn().Err(err).Str("signature", ev.Signature).Msg("clickhouse: buffer funding event")
		}
	}
}

// Run flushes on the interval until ctx is done, then flushes once more.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	log.Info().Int("batch_size", w.batchSize).Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: writer started")
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := w.Flush(fctx); err != nil {
				log.Error().Err(err).Msg("clickhouse: final flush")
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("clickhouse: periodic flush")
			}
		}
	}
}

// Flush writes everything buffered. Failed rows are dropped and counted.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	alerts, funding := w.alertBuf, w.fundingBuf
	w.alertBuf, w.fundingBuf = nil, nil
	hook := w.hook
	w.mu.Unlock()

	if len(alerts) == 0 && len(funding) == 0 {
		return nil
	}

	var errs []error
	for _, part := range []struct {
		table string
		rows  [][]any
	}{{tableAlerts, alerts}, {tableOffspring, funding}} {
		if len(part.rows) == 0 {
			continue
		}
		var err error
		if hook != nil {
			err = hook(ctx, w.table(part.table), part.rows)
		} else {
			err = w.insert(ctx, w.table(part.table), part.rows)
		}
		if err != nil {
			log.Error().Err(err).Str("table", part.table).Int("rows", len(part.rows)).Msg("clickhouse: flush failed")
			errs = append(errs, err)
		}
	}

	w.mu.Lock()
	w.flushCount++
	w.errorCount += int64(len(errs))
	flushes := w.flushCount
	w.mu.Unlock()

	log.Debug().Int("alerts", len(alerts)).Int("funding", len(funding)).Int64("flushes", flushes).
		Msg("clickhouse: batch flushed")
	return errors.Join(errs...)
}

func (w *Writer) insert(ctx context.Context, table string, rows [][]any) error {
	if w.client == nil {
		return errors.New("clickhouse: no client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare %s: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: append %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send %s: %w", table, err)
	}
	return nil
}

// Close refuses further writes. Buffered rows stay until the next Flush.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	log.Info().Int64("flushes", w.flushCount).Int64("errors", w.errorCount).Msg("clickhouse: writer closed")
	return nil
}

// WriterStats is a snapshot of writer counters.
type WriterStats struct {
	Flushes        int64 `json:"flushes"`
	Errors         int64 `json:"errors"`
	PendingAlerts  int   `json:"pending_alerts"`
	PendingFunding int   `json:"pending_funding"`
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Flushes:        w.flushCount,
		Errors:         w.errorCount,
		PendingAlerts:  len(w.alertBuf),
		PendingFunding: len(w.fundingBuf),
	}
}
