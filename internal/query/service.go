package query

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/projection"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service reads the durable event log and the balance projection. Live state
// is served by the engine; this is the history side.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// JournalEntry is one persisted journal touching an owner's accounts.
type JournalEntry struct {
	JournalID     uuid.UUID  `json:"journal_id"`
	BatchID       uuid.UUID  `json:"batch_id"`
	EventRef      string     `json:"event_ref"`
	Sequence      int64      `json:"sequence"`
	DebitAccount  string     `json:"debit_account"`
	CreditAccount string     `json:"credit_account"`
	Asset         string     `json:"asset"`
	Amount        fpmath.Wad `json:"amount"`
	JournalType   string     `json:"journal_type"`
	Timestamp     int64      `json:"timestamp"`
}

type ProjectedBalance struct {
	AccountPath  string     `json:"account_path"`
	Asset        string     `json:"asset"`
	Balance      fpmath.Wad `json:"balance"`
	LastSequence int64      `json:"last_sequence"`
}

// Balances are an owner's projected ledger accounts. AsOfSequence is the
// projection watermark, -1 when nothing has been projected.
type Balances struct {
	Owner        uuid.UUID          `json:"owner"`
	Accounts     []ProjectedBalance `json:"accounts"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

type UnbalancedAsset struct {
	Asset     string     `json:"asset"`
	Imbalance fpmath.Wad `json:"imbalance"`
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

func ownerPrefix(owner uuid.UUID) string {
	return fmt.Sprintf("user:%s:%%", owner)
}

// JournalHistory returns up to limit journals touching owner, newest first.
// A positive before restricts the page to sequences below it.
func (s *Service) JournalHistory(ctx context.Context, owner uuid.UUID, limit int, before int64) ([]JournalEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{ownerPrefix(owner)}
	if before > 0 {
		q += " AND sequence < $2"
		args = append(args, before)
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalEntry, 0)
	for rows.Next() {
		var (
			e      JournalEntry
			amount string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = fpmath.ParseWad(amount); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OwnerBalances returns every projected account of owner.
func (s *Service) OwnerBalances(ctx context.Context, owner uuid.UUID) (*Balances, error) {
	asOf, err := projection.Watermark(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset
	`, ownerPrefix(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Balances{Owner: owner, Accounts: make([]ProjectedBalance, 0), AsOfSequence: asOf}
	for rows.Next() {
		var (
			b       ProjectedBalance
			balance string
		)
		if err := rows.Scan(&b.AccountPath, &b.Asset, &balance, &b.LastSequence); err != nil {
			return nil, err
		}
		if b.Balance, err = fpmath.ParseWad(balance); err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.AccountPath, err)
		}
		out.Accounts = append(out.Accounts, b)
	}
	return out, rows.Err()
}

// --- Admin ---

// VerifyIntegrity checks the state-hash chain of the event log and that the
// projected balances of every asset sum to zero.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOf, err := projection.Watermark(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOf}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var (
			u     UnbalancedAsset
			total string
		)
		if err := balanceRows.Scan(&u.Asset, &total); err != nil {
			return nil, err
		}
		if u.Imbalance, err = fpmath.ParseWad(total); err != nil {
			return nil, fmt.Errorf("asset %s sum: %w", u.Asset, err)
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}
