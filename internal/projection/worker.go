package projection

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// WorkerID names the watermark row of the balance projection.
const WorkerID = "balances"

// Delta is the net change of one ledger account in one asset.
type Delta struct {
	AccountPath string
	Asset       string
	Amount      fpmath.Wad
}

// BalanceDeltas nets the journals of one output per account. A debit adds to
// the account, a credit subtracts. Zero nets are dropped; the result is
// sorted by account path, then asset.
func BalanceDeltas(out core.CoreOutput) []Delta {
	_, journals := persistence.RowsFromOutput(out)
	type key struct{ path, asset string }
	net := make(map[key]fpmath.Wad)
	for _, j := range journals {
		amt, err := fpmath.ParseWad(j.Amount)
		if err != nil {
			continue
		}
		dk := key{j.DebitAccount, j.Asset}
		ck := key{j.CreditAccount, j.Asset}
		net[dk] = net[dk].Add(amt)
		net[ck] = net[ck].Sub(amt)
	}

	deltas := make([]Delta, 0, len(net))
	for k, v := range net {
		if v.IsZero() {
			continue
		}
		deltas = append(deltas, Delta{AccountPath: k.path, Asset: k.asset, Amount: v})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].AccountPath != deltas[j].AccountPath {
			return deltas[i].AccountPath < deltas[j].AccountPath
		}
		return deltas[i].Asset < deltas[j].Asset
	})
	return deltas
}

// Worker folds engine outputs into projections.balances. The projection
// channel drops on full, so a gap means the table is stale until Rebuild.
type Worker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       logger,
	}
}

// Run resumes from the stored watermark and applies outputs until ctx is
// cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	seq, err := Watermark(ctx, w.db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	w.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if err := w.Apply(ctx, out); err != nil {
				// Eventually consistent; Rebuild repairs it from the journal.
				w.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("projection update failed")
				if w.metrics != nil {
					w.metrics.ProjectionErrors.Inc()
				}
			}
		}
	}
}

// Apply folds one output in a single transaction. Outputs at or below the
// watermark are skipped.
func (w *Worker) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	if seq <= w.lastSeq {
		return nil
	}
	if w.lastSeq >= 0 && seq != w.lastSeq+1 {
		w.log.Warn().Int64("expected", w.lastSeq+1).Int64("got", seq).Msg("projection gap, rebuild required")
		if w.metrics != nil {
			w.metrics.ProjectionGaps.Inc()
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range BalanceDeltas(out) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (account_path, asset)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence
		`, d.AccountPath, d.Asset, d.Amount.String(), seq); err != nil {
			return fmt.Errorf("balance %s: %w", d.AccountPath, err)
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	w.lastSeq = seq
	if w.metrics != nil {
		w.metrics.ProjectionLastSeq.Set(float64(seq))
	}
	return nil
}

func (w *Worker) LastSequence() int64 { return w.lastSeq }

// Watermark returns the last projected sequence, -1 when nothing is projected.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, WorkerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, seq)
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Rebuild recomputes projections.balances from event_log.journal.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence FROM event_log.journal
		) j
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var tip sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&tip); err != nil {
		return fmt.Errorf("event log tip: %w", err)
	}
	if tip.Valid {
		if err := setWatermark(ctx, tx, tip.Int64); err != nil {
			return err
		}
	} else if _, err := tx.ExecContext(ctx, `DELETE FROM projections.watermark WHERE worker_id = $1`, WorkerID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int64("sequence", tip.Int64).Msg("projection rebuild complete")
	return nil
}
