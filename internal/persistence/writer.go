package persistence

import (
	"PerpOptions/internal/core"
	"PerpOptions/internal/ledger"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrSequenceConflict means a sequence is already persisted with a different
// state hash: the engine and the event log have diverged.
var ErrSequenceConflict = errors.New("event sequence conflict")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	Op             string
	EventType      string
	IdempotencyKey string
	Actor          uuid.UUID
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
}

// JournalRow represents a row in event_log.journal. Accounts are stored as
// paths and the amount as an 18-decimal string for NUMERIC.
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Timestamp     int64
}

// RowsFromOutput flattens one engine output into table rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:       env.Sequence,
		Op:             env.Op,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Actor:          env.Actor,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if out.Batch == nil {
		return ev, nil
	}

	rows := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		asset, ok := ledger.GetAssetName(j.AssetID)
		if !ok {
			asset = fmt.Sprintf("asset-%d", j.AssetID)
		}
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return ev, rows
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events. A sequence
// that already exists with the same state hash is a retried write and is
// skipped; with a different hash it fails with ErrSequenceConflict.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, op, event_type, idempotency_key, actor, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.Op, e.EventType, e.IdempotencyKey, e.Actor, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING RETURNING sequence"

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	inserted := make(map[int64]bool, len(events))
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return err
		}
		inserted[seq] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(inserted) == len(events) {
		return nil
	}

	want := make(map[int64][]byte)
	skipped := make([]int64, 0, len(events)-len(inserted))
	for _, e := range events {
		if !inserted[e.Sequence] {
			want[e.Sequence] = e.StateHash
			skipped = append(skipped, e.Sequence)
		}
	}
	return verifyExisting(ctx, ex, skipped, want)
}

// verifyExisting checks that already persisted events carry the hashes of
// the ones that were skipped.
func verifyExisting(ctx context.Context, ex execer, seqs []int64, want map[int64][]byte) error {
	rows, err := ex.QueryContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events WHERE sequence = ANY($1)
	`, pq.Array(seqs))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int64
			hash []byte
		)
		if err := rows.Scan(&seq, &hash); err != nil {
			return err
		}
		if !bytes.Equal(hash, want[seq]) {
			return fmt.Errorf("%w: sequence %d already persisted with state hash %x", ErrSequenceConflict, seq, hash)
		}
	}
	return rows.Err()
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
