package ledger

import (
	fpmath "PerpOptions/internal/math"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// AllowanceKey identifies what an owner has approved the protocol to pull.
type AllowanceKey struct {
	Owner   uuid.UUID
	AssetID AssetID
}

// TokenLedger is the fungible transfer service: wallet balances, allowances
// to the protocol, and protocol-held accounts, all kept double-entry.
type TokenLedger struct {
	balances   *BalanceTracker
	allowances map[AllowanceKey]fpmath.Wad
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		balances:   NewBalanceTracker(),
		allowances: make(map[AllowanceKey]fpmath.Wad),
	}
}

// Tracker exposes the underlying balances for validators and snapshots.
func (tl *TokenLedger) Tracker() *BalanceTracker {
	return tl.balances
}

// BalanceOf returns the owner's wallet balance of one asset.
func (tl *TokenLedger) BalanceOf(owner uuid.UUID, assetID AssetID) fpmath.Wad {
	return tl.balances.GetBalance(NewUserAccountKey(owner, assetID))
}

// Balance returns the balance of any account.
func (tl *TokenLedger) Balance(key AccountKey) fpmath.Wad {
	return tl.balances.GetBalance(key)
}

// Approve sets the amount the protocol may pull from owner's wallet.
func (tl *TokenLedger) Approve(owner uuid.UUID, assetID AssetID, amount fpmath.Wad) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("approve: negative amount %s", amount)
	}
	key := AllowanceKey{Owner: owner, AssetID: assetID}
	if amount.IsZero() {
		delete(tl.allowances, key)
		return nil
	}
	tl.allowances[key] = amount
	return nil
}

func (tl *TokenLedger) Allowance(owner uuid.UUID, assetID AssetID) fpmath.Wad {
	return tl.allowances[AllowanceKey{Owner: owner, AssetID: assetID}]
}

// Check verifies a batch can be committed without mutating anything.
// Allowance is checked before balances so a missing approval is reported as such.
func (tl *TokenLedger) Check(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	needed := make(map[AllowanceKey]fpmath.Wad)
	for _, s := range batch.Spends {
		k := AllowanceKey{Owner: s.Owner, AssetID: s.AssetID}
		needed[k] = needed[k].Add(s.Amount)
	}
	keys := make([]AllowanceKey, 0, len(needed))
	for k := range needed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner.String() < keys[j].Owner.String()
		}
		return keys[i].AssetID < keys[j].AssetID
	})
	for _, k := range keys {
		if have := tl.allowances[k]; have.LT(needed[k]) {
			asset, _ := GetAssetName(k.AssetID)
			return fmt.Errorf("%w: %s approved %s %s, needs %s",
				ErrInsufficientAllowance, k.Owner, have, asset, needed[k])
		}
	}

	return tl.balances.CheckBatch(batch)
}

// Commit checks and applies a batch. Nothing is applied on error.
func (tl *TokenLedger) Commit(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := tl.Check(batch); err != nil {
		return err
	}
	if err := tl.balances.ApplyBatch(batch); err != nil {
		return err
	}
	for _, s := range batch.Spends {
		k := AllowanceKey{Owner: s.Owner, AssetID: s.AssetID}
		left := tl.allowances[k].Sub(s.Amount)
		if left.IsZero() {
			delete(tl.allowances, k)
		} else {
			tl.allowances[k] = left
		}
	}
	return nil
}

// AllowanceSnapshot returns a copy of all non-zero allowances.
func (tl *TokenLedger) AllowanceSnapshot() map[AllowanceKey]fpmath.Wad {
	out := make(map[AllowanceKey]fpmath.Wad, len(tl.allowances))
	for k, v := range tl.allowances {
		out[k] = v
	}
	return out
}

// Restore replaces balances and allowances.
func (tl *TokenLedger) Restore(balances map[AccountKey]fpmath.Wad, allowances map[AllowanceKey]fpmath.Wad) {
	tl.balances.Restore(balances)
	tl.allowances = make(map[AllowanceKey]fpmath.Wad, len(allowances))
	for k, v := range allowances {
		tl.allowances[k] = v
	}
}
