package state

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

// LiquidationRecord is one completed contract liquidation.
type LiquidationRecord struct {
	ContractID    uint64     `json:"contract_id"`
	Owner         uuid.UUID  `json:"owner"`
	Liquidator    uuid.UUID  `json:"liquidator"`
	MarketID      string     `json:"market_id"`
	BalanceBefore fpmath.Wad `json:"balance_before"` // after accrual, before penalty
	Penalty       fpmath.Wad `json:"penalty"`
	Payoff        fpmath.Wad `json:"payoff"`
	Timestamp     int64      `json:"timestamp"`
}

// LiquidationManager keeps the history of completed liquidations.
type LiquidationManager struct {
	records []LiquidationRecord
	byOwner map[uuid.UUID][]int
}

func NewLiquidationManager() *LiquidationManager {
	return &LiquidationManager{
		byOwner: make(map[uuid.UUID][]int),
	}
}

func (lm *LiquidationManager) Record(rec LiquidationRecord) {
	lm.byOwner[rec.Owner] = append(lm.byOwner[rec.Owner], len(lm.records))
	lm.records = append(lm.records, rec)
}

// History returns liquidations of owner, oldest first.
func (lm *LiquidationManager) History(owner uuid.UUID) []LiquidationRecord {
	idx := lm.byOwner[owner]
	out := make([]LiquidationRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, lm.records[i])
	}
	return out
}

// All returns every recorded liquidation, oldest first.
func (lm *LiquidationManager) All() []LiquidationRecord {
	return append([]LiquidationRecord(nil), lm.records...)
}

// Restore replaces the history.
func (lm *LiquidationManager) Restore(records []LiquidationRecord) {
	lm.records = nil
	lm.byOwner = make(map[uuid.UUID][]int)
	for _, r := range records {
		lm.Record(r)
	}
}
