package persistence_test

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/persistence"
	"PerpOptions/internal/state"
	"PerpOptions/internal/testutil"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const migrationsDir = "../../migrations"

func wad(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

// newEngine returns an engine whose outputs land on the returned channel,
// after one market and one collateral deposit.
func newEngine(t *testing.T) (*core.Engine, chan core.CoreOutput, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	out := make(chan core.CoreOutput, 64)
	e, err := core.NewEngine(core.Config{
		Params:       state.DefaultProtocolParams,
		Clock:        testutil.NewFakeClock(1_700_000_000),
		Prices:       testutil.NewStaticPrices(),
		PersistChan:  out,
		EnableFaucet: true,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e.CreateMarket(ctx, state.Market{
		ID: "BTC-USDT-20", Base: "BTC", Quote: "USDT",
		Intervals: []fpmath.Wad{wad("45000"), wad("50000"), wad("55000"), wad("60000")},
		Yield:     wad("0.2"),
	}); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	owner := uuid.New()
	if err := e.Mint(ctx, owner, "USDT", wad("1000")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := e.Approve(ctx, owner, "USDT", wad("1000")); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := e.DepositCollateral(core.WithIdempotencyKey(ctx, "dep-1"), owner, wad("250.5")); err != nil {
		t.Fatalf("DepositCollateral: %v", err)
	}
	return e, out, owner
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// ============================================================================
// Test: Rows
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	_, ch, owner := newEngine(t)
	outs := drain(ch)
	deposit := outs[len(outs)-1]

	ev, journals := persistence.RowsFromOutput(deposit)
	if ev.Op != "deposit_collateral" || ev.EventType != "CollateralDeposited" {
		t.Errorf("event row: got op %s type %s", ev.Op, ev.EventType)
	}
	if ev.IdempotencyKey != "dep-1" || ev.Actor != owner {
		t.Errorf("event row: key %q actor %s", ev.IdempotencyKey, ev.Actor)
	}
	if len(ev.StateHash) != 32 || len(ev.PrevHash) != 32 {
		t.Errorf("hash lengths: %d, %d", len(ev.StateHash), len(ev.PrevHash))
	}
	if len(journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(journals))
	}
	j := journals[0]
	if j.Amount != "250.5" || j.Asset != "USDT" || j.Sequence != ev.Sequence {
		t.Errorf("journal: amount %s asset %s seq %d", j.Amount, j.Asset, j.Sequence)
	}
	if !strings.Contains(j.CreditAccount, owner.String()) {
		t.Errorf("credit account %s does not name the owner", j.CreditAccount)
	}
}

// ============================================================================
// Test: Snapshotter
// ============================================================================

type memStore struct {
	saved []*core.SnapshotState
	err   error
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.saved = append(m.saved, snap)
	return 100, nil
}

func TestSnapshotter_SkipsUnchangedState(t *testing.T) {
	e, _, _ := newEngine(t)
	store := &memStore{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := persistence.NewSnapshotter(e, store, nil, 1, time.Hour, metrics, zerolog.Nop())

	if err := s.TakeSnapshot(context.Background()); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("snapshot taken without new operations")
	}

	if _, err := e.WithdrawCollateral(context.Background(), uuid.New(), wad("1")); err == nil {
		t.Fatal("withdraw without collateral should fail")
	}
	if err := s.TakeSnapshot(context.Background()); err != nil || len(store.saved) != 0 {
		t.Fatalf("rejected operation triggered a snapshot")
	}
	owner := uuid.New()
	if err := e.Mint(context.Background(), owner, "BTC", wad("1")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := s.TakeSnapshot(context.Background()); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Sequence != e.Sequence()-1 {
		t.Fatalf("saved %d snapshots", len(store.saved))
	}
	if got := promtest.ToFloat64(metrics.SnapshotTaken); got != 1 {
		t.Errorf("snapshot metric: got %v, want 1", got)
	}

	if err := s.TakeSnapshot(context.Background()); err != nil || len(store.saved) != 1 {
		t.Errorf("second snapshot without changes: err %v, saved %d", err, len(store.saved))
	}
}

func TestSnapshotter_SaveError(t *testing.T) {
	e, _, _ := newEngine(t)
	store := &memStore{err: errors.New("disk full")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := persistence.NewSnapshotter(e, store, nil, 1, time.Hour, metrics, zerolog.Nop())

	if err := e.Mint(context.Background(), uuid.New(), "USDT", wad("1")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := s.TakeSnapshot(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if got := promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("snapshot")); got != 1 {
		t.Errorf("error metric: got %v, want 1", got)
	}
}

type durableAt struct{ seq atomic.Int64 }

func (d *durableAt) LastSequence() int64 { return d.seq.Load() }

func TestSnapshotter_WaitsForEventLog(t *testing.T) {
	e, _, _ := newEngine(t)
	store := &memStore{}
	durable := &durableAt{}
	durable.seq.Store(e.Sequence() - 2)
	s := persistence.NewSnapshotter(e, store, durable, 1, time.Hour, nil, zerolog.Nop())

	if err := e.Mint(context.Background(), uuid.New(), "USDT", wad("1")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.TakeSnapshot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("snapshot ahead of the event log: got %v, want deadline exceeded", err)
	}
	if len(store.saved) != 0 {
		t.Fatal("snapshot saved before the event log caught up")
	}

	durable.seq.Store(e.Sequence() - 1)
	if err := s.TakeSnapshot(context.Background()); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Sequence != durable.LastSequence() {
		t.Errorf("saved %d snapshots", len(store.saved))
	}
}

func TestVerifyRecoveryPoint(t *testing.T) {
	at := func(seq int64) *core.SnapshotState { return &core.SnapshotState{Sequence: seq} }
	cases := []struct {
		name string
		snap *core.SnapshotState
		tip  int64
		want error
	}{
		{"cold start", nil, -1, nil},
		{"aligned", at(99), 99, nil},
		{"log ahead", at(99), 150, persistence.ErrLogAheadOfSnapshot},
		{"log without snapshot", nil, 3, persistence.ErrLogAheadOfSnapshot},
		{"snapshot ahead", at(99), 90, persistence.ErrSnapshotAheadOfLog},
	}
	for _, tc := range cases {
		err := persistence.VerifyRecoveryPoint(tc.snap, tc.tip)
		if tc.want == nil && err != nil {
			t.Errorf("%s: got %v, want nil", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

// ============================================================================
// Test: Migrations
// ============================================================================

func TestListMigrations(t *testing.T) {
	ups, err := persistence.ListMigrations(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("ListMigrations: %v", err)
	}
	downs, err := persistence.ListMigrations(migrationsDir, ".down.sql")
	if err != nil {
		t.Fatalf("ListMigrations: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("got %d up and %d down migrations", len(ups), len(downs))
	}
	for i := range ups {
		if persistence.MigrationVersion(ups[i]) != persistence.MigrationVersion(downs[i]) {
			t.Errorf("migration %d: %s has no matching down file (%s)", i, ups[i], downs[i])
		}
	}
	if got := persistence.MigrationVersion("000001_event_log.up.sql"); got != "000001" {
		t.Errorf("version: got %s, want 000001", got)
	}
}

func TestLoadMigrations(t *testing.T) {
	migs, err := persistence.LoadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("got %d migrations, want at least 2", len(migs))
	}
	first := migs[0]
	if first.Version != "000001" || first.Name != "event_log" {
		t.Errorf("first migration: version %s name %s", first.Version, first.Name)
	}
	if first.DownFile != "000001_event_log.down.sql" {
		t.Errorf("down file: got %s", first.DownFile)
	}
	for _, m := range migs {
		if len(m.Checksum) != 64 {
			t.Errorf("%s: checksum %q", m.UpFile, m.Checksum)
		}
	}
	if migs[1].Name != "projections" {
		t.Errorf("second migration: got %s, want projections", migs[1].Name)
	}
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

func TestPostgres_WorkerIdempotencyAndSnapshot(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, migrationsDir, zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e, ch, _ := newEngine(t)
	close(ch)
	worker := persistence.NewPersistenceWorker(db, ch, 2, 50*time.Millisecond, nil, zerolog.Nop())
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if worker.LastSequence() != e.Sequence()-1 {
		t.Errorf("worker last sequence: got %d, want %d", worker.LastSequence(), e.Sequence()-1)
	}

	snaps := persistence.NewSnapshotManager(db)
	tip, err := snaps.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("GetLatestSequence: %v", err)
	}
	if tip != e.Sequence()-1 {
		t.Errorf("event log tip: got %d, want %d", tip, e.Sequence()-1)
	}

	dedup := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := dedup.IsDuplicate(ctx, "deposit_collateral", "dep-1")
	if err != nil || !dup {
		t.Errorf("persisted key: dup %v err %v", dup, err)
	}
	dup, err = dedup.IsDuplicate(ctx, "withdraw_collateral", "dep-1")
	if err != nil || dup {
		t.Errorf("key under another op: dup %v err %v", dup, err)
	}

	snap := e.CreateSnapshotState()
	if _, err := snaps.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	loaded, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil || loaded == nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}

	restored, err := core.NewEngine(core.Config{Params: state.DefaultProtocolParams, Clock: testutil.NewFakeClock(1_700_000_000)})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := restored.RestoreFromSnapshot(loaded); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.StateHash() != e.StateHash() || restored.Sequence() != e.Sequence() {
		t.Errorf("restored engine differs: seq %d vs %d", restored.Sequence(), e.Sequence())
	}
}

func TestPostgres_SequenceConflict(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, migrationsDir, zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	_, ch, _ := newEngine(t)
	outs := drain(ch)
	writer := persistence.NewEventLogWriter(db)
	first, _ := persistence.RowsFromOutput(outs[0])
	if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{first}); err != nil {
		t.Fatalf("first write: %v", err)
	}

	// The same event again is a retried write.
	if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{first}); err != nil {
		t.Errorf("retried write: %v", err)
	}

	// A different event under the same sequence is a divergence.
	last := outs[len(outs)-1]
	env := *last.Envelope
	env.Sequence = first.Sequence
	diverged := core.CoreOutput{Envelope: &env, Batch: last.Batch}
	other, _ := persistence.RowsFromOutput(diverged)

	replay := make(chan core.CoreOutput, 1)
	replay <- diverged
	close(replay)
	worker := persistence.NewPersistenceWorker(db, replay, 1, time.Second, nil, zerolog.Nop())
	if err := worker.Run(ctx); !errors.Is(err, persistence.ErrSequenceConflict) {
		t.Fatalf("worker on conflicting sequence: got %v, want ErrSequenceConflict", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal WHERE sequence = $1`, first.Sequence).Scan(&n); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if n != 0 {
		t.Errorf("conflicting journals persisted: got %d rows, want 0", n)
	}
	if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{other}); !errors.Is(err, persistence.ErrSequenceConflict) {
		t.Errorf("direct write: got %v, want ErrSequenceConflict", err)
	}
}
