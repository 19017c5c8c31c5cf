package persistence

import (
	"PerpOptions/internal/core"
	"PerpOptions/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotSource is the engine as seen by the snapshotter.
type SnapshotSource interface {
	Sequence() int64
	CreateSnapshotState() *core.SnapshotState
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
}

// DurableLog reports the highest sequence committed to the event log.
type DurableLog interface {
	LastSequence() int64
}

var (
	// ErrLogAheadOfSnapshot means operations were persisted after the latest
	// snapshot. Starting from the snapshot would reuse their sequences.
	ErrLogAheadOfSnapshot = errors.New("event log ahead of snapshot")
	// ErrSnapshotAheadOfLog means the snapshot covers operations missing
	// from the event log.
	ErrSnapshotAheadOfLog = errors.New("snapshot ahead of event log")
)

// VerifyRecoveryPoint checks that snap (nil for none) covers exactly the
// event log up to tip (-1 for an empty log).
func VerifyRecoveryPoint(snap *core.SnapshotState, tip int64) error {
	snapSeq := int64(-1)
	if snap != nil {
		snapSeq = snap.Sequence
	}
	switch {
	case tip > snapSeq:
		return fmt.Errorf("%w: snapshot %d, event log tip %d", ErrLogAheadOfSnapshot, snapSeq, tip)
	case tip < snapSeq:
		return fmt.Errorf("%w: snapshot %d, event log tip %d", ErrSnapshotAheadOfLog, snapSeq, tip)
	}
	return nil
}

// Snapshotter saves a snapshot every `every` applied operations, checking on
// a fixed tick, and once more on shutdown. With a durable log, a snapshot is
// saved only once the log has caught up with it.
type Snapshotter struct {
	source  SnapshotSource
	store   SnapshotStore
	durable DurableLog
	every   int64
	tick    time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger

	lastSeq int64
}

func NewSnapshotter(source SnapshotSource, store SnapshotStore, durable DurableLog, every int64, tick time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if every <= 0 {
		every = 10_000
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Snapshotter{
		source:  source,
		store:   store,
		durable: durable,
		every:   every,
		tick:    tick,
		metrics: metrics,
		log:     logger,
		lastSeq: source.Sequence(),
	}
}

// Run blocks until ctx is done, then takes a final snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.TakeSnapshot(shutdownCtx); err != nil {
				s.log.Error().Err(err).Msg("final snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if s.source.Sequence()-s.lastSeq < s.every {
				continue
			}
			if err := s.TakeSnapshot(ctx); err != nil {
				s.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// TakeSnapshot captures and saves the engine state if anything changed since
// the last snapshot.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) error {
	if s.source.Sequence() == s.lastSeq {
		return nil
	}
	start := time.Now()
	snap := s.source.CreateSnapshotState()
	if err := s.awaitDurable(ctx, snap.Sequence); err != nil {
		return err
	}
	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
		}
		return err
	}
	s.lastSeq = snap.Sequence + 1

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) awaitDurable(ctx context.Context, seq int64) error {
	if s.durable == nil {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.durable.LastSequence() < seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d: event log at %d: %w", seq, s.durable.LastSequence(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
