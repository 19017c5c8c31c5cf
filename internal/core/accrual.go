package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"

	"github.com/google/uuid"
)

// accrue syncs owner's account to t.now: rent*(now-lastSync), floored at the
// balance, is deducted and forwarded to the books the owner rents from.
// Returns nil when nothing was charged.
func (t *txn) accrue(owner uuid.UUID) (*event.Accrual, error) {
	acc := t.account(owner)
	elapsed := t.now - acc.LastSync
	if elapsed <= 0 || acc.RentPerSecond.IsZero() || len(acc.Contracts) == 0 {
		if elapsed > 0 {
			acc.LastSync = t.now
		}
		return nil, nil
	}

	shares := make([]fpmath.RentShare, 0, len(acc.Contracts))
	for _, id := range acc.Contracts {
		c, err := t.contract(id)
		if err != nil {
			return nil, err
		}
		shares = append(shares, fpmath.RentShare{ContractID: id, RentPerSecond: c.RentPerSecond})
	}

	alloc := fpmath.ComputeRentAllocation(acc.Balance, elapsed, shares)
	rec := &event.Accrual{
		Owner:   owner,
		Elapsed: elapsed,
		Due:     alloc.Due,
		Paid:    alloc.Paid,
	}

	for _, s := range alloc.Shares {
		if s.Paid.IsZero() {
			continue
		}
		c, err := t.contract(s.ContractID)
		if err != nil {
			return nil, err
		}
		b, err := t.book(c.Book())
		if err != nil {
			return nil, err
		}
		c.FeesPaid = c.FeesPaid.Add(s.Paid)
		b.DistributeRent(s.Paid)
		ledger.GenerateRentPayment(t.batch, b.ID, t.e.collateralID, s.Paid)
		t.addRent(c.MarketID, s.Paid)

		rec.Charges = append(rec.Charges, event.RentCharge{
			ContractID: c.ID,
			MarketID:   c.MarketID,
			Book:       b.Key.String(),
			Paid:       s.Paid,
		})
	}

	acc.Balance = acc.Balance.Sub(alloc.Paid)
	acc.FeesPaid = acc.FeesPaid.Add(alloc.Paid)
	acc.LastSync = t.now
	t.rentShortage = t.rentShortage.Add(alloc.Due.Sub(alloc.Paid))
	return rec, nil
}

// syncBook accrues every owner renting from the book, so rewards reflect
// all rent owed up to now before LP shares change.
func (t *txn) syncBook(key state.BookKey) error {
	for _, owner := range t.ownersOnBook(key) {
		if _, err := t.accrue(owner); err != nil {
			return err
		}
	}
	return nil
}
