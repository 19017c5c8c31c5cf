package ledger

import (
	fpmath "PerpOptions/internal/math"
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Wad
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Wad),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// CheckBatch dry-runs a batch and fails with ErrInsufficientBalance when any
// non-external account would end below zero. Balances are not modified.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	deltas := make(map[AccountKey]fpmath.Wad)
	for _, j := range batch.Journals {
		deltas[j.DebitAccount] = deltas[j.DebitAccount].Add(j.Amount)
		deltas[j.CreditAccount] = deltas[j.CreditAccount].Sub(j.Amount)
	}

	keys := make([]AccountKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	for _, key := range keys {
		if key.CanGoNegative() {
			continue
		}
		after := bt.balances[key].Add(deltas[key])
		if after.Sign() < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s",
				ErrInsufficientBalance, key.AccountPath(), bt.balances[key], deltas[key].Neg())
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Wad {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]fpmath.Wad {
	totals := make(map[AssetID]fpmath.Wad)

	for key, balance := range bt.balances {
		totals[key.AssetID] = totals[key.AssetID].Add(balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Wad {
	snapshot := make(map[AccountKey]fpmath.Wad, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]fpmath.Wad) {
	bt.balances = make(map[AccountKey]fpmath.Wad, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
