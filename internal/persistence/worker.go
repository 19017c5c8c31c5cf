package persistence

import (
	"PerpOptions/internal/core"
	"PerpOptions/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the channel with a blocking send, so a worker that
// falls behind stalls the engine and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	lastWritten atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	pw := &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
	pw.lastWritten.Store(-1)
	return pw
}

// LastSequence is the highest sequence committed to Postgres by this worker,
// -1 before the first flush.
func (pw *PersistenceWorker) LastSequence() int64 { return pw.lastWritten.Load() }

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
// A sequence conflict stops the worker with ErrSequenceConflict.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*4)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) error {
		if len(events) == 0 {
			return nil
		}
		err := pw.flushWithRetry(ctx, events, journals)
		if err != nil {
			pw.log.Error().Str("reason", reason).Int("events", len(events)).Err(err).Msg("flush failed")
		}
		events = events[:0]
		journals = journals[:0]
		if errors.Is(err, ErrSequenceConflict) {
			return err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			pw.drain(&events, &journals)
			if err := flush(context.Background(), "shutdown"); err != nil {
				return err
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return flush(context.Background(), "closed")
			}
			ev, js := RowsFromOutput(out)
			events = append(events, ev)
			journals = append(journals, js...)

			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}
			if len(events) >= pw.batchSize {
				if err := flush(ctx, "full"); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx, "timeout"); err != nil {
				return err
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drain moves whatever is already buffered in the channel into the batch.
func (pw *PersistenceWorker) drain(events *[]EventRow, journals *[]JournalRow) {
	for {
		select {
		case out, ok := <-pw.inputChan:
			if !ok {
				return
			}
			ev, js := RowsFromOutput(out)
			*events = append(*events, ev)
			*journals = append(*journals, js...)
		default:
			return
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, then makes one last attempt on a background context.
// Sequence conflicts are not retried.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		if errors.Is(err, ErrSequenceConflict) {
			pw.countError("sequence_conflict")
			return err
		}
		pw.countError("retry")
	}
}

// flush writes events and journals in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}
	pw.lastWritten.Store(events[len(events)-1].Sequence)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
