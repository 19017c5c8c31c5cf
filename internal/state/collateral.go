package state

import (
	fpmath "PerpOptions/internal/math"
	"sort"

	"github.com/google/uuid"
)

// CollateralAccount is a trader's quote balance backing open contracts.
// Rent is applied lazily: only the aggregate rate and the last sync time are stored.
type CollateralAccount struct {
	Owner         uuid.UUID  `json:"owner"`
	Balance       fpmath.Wad `json:"balance"`
	RentPerSecond fpmath.Wad `json:"rent_per_second"`
	LastSync      int64      `json:"last_sync"`
	FeesPaid      fpmath.Wad `json:"fees_paid"`

	// open contract ids
	Contracts []uint64 `json:"contracts"`
}

func NewCollateralAccount(owner uuid.UUID, now int64) *CollateralAccount {
	return &CollateralAccount{Owner: owner, LastSync: now}
}

func (a *CollateralAccount) Clone() *CollateralAccount {
	c := *a
	c.Contracts = append([]uint64(nil), a.Contracts...)
	return &c
}

// AccruedFees is rent*(now-lastSync), floored at the balance.
func (a *CollateralAccount) AccruedFees(now int64) fpmath.Wad {
	owed := fpmath.ComputeAccruedRent(a.RentPerSecond, now-a.LastSync)
	return fpmath.Min(owed, fpmath.Max(a.Balance, fpmath.Zero()))
}

// BalanceAt is the balance after applying rent accrued up to now.
func (a *CollateralAccount) BalanceAt(now int64) fpmath.Wad {
	return a.Balance.Sub(a.AccruedFees(now))
}

// ThresholdRequirement is rent * thresholdSeconds: the balance an account
// must keep to stay healthy at the given rate.
func ThresholdRequirement(rentPerSecond fpmath.Wad, thresholdSeconds int64) fpmath.Wad {
	return rentPerSecond.MulInt(thresholdSeconds)
}

// CanOpen reports whether balance covers threshold rent at rent+additional.
func (a *CollateralAccount) CanOpen(now int64, additional fpmath.Wad, thresholdSeconds int64) bool {
	req := ThresholdRequirement(a.RentPerSecond.Add(additional), thresholdSeconds)
	return a.BalanceAt(now).GTE(req)
}

// NeedsLiquidation reports whether balance has fallen below threshold rent.
// Accounts without rent are never liquidatable.
func (a *CollateralAccount) NeedsLiquidation(now int64, thresholdSeconds int64) bool {
	if a.RentPerSecond.IsZero() {
		return false
	}
	return a.BalanceAt(now).LT(ThresholdRequirement(a.RentPerSecond, thresholdSeconds))
}

// AddContract registers an open contract and its rent.
func (a *CollateralAccount) AddContract(id uint64, rentPerSecond fpmath.Wad) {
	a.Contracts = append(a.Contracts, id)
	sort.Slice(a.Contracts, func(i, j int) bool { return a.Contracts[i] < a.Contracts[j] })
	a.RentPerSecond = a.RentPerSecond.Add(rentPerSecond)
}

// RemoveContract drops a closed contract and its rent.
func (a *CollateralAccount) RemoveContract(id uint64, rentPerSecond fpmath.Wad) {
	for i, c := range a.Contracts {
		if c == id {
			a.Contracts = append(a.Contracts[:i], a.Contracts[i+1:]...)
			break
		}
	}
	a.RentPerSecond = fpmath.Max(a.RentPerSecond.Sub(rentPerSecond), fpmath.Zero())
	if len(a.Contracts) == 0 {
		a.RentPerSecond = fpmath.Zero()
	}
}
