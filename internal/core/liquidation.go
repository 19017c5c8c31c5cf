package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// LiquidateContract force-closes one contract of an under-collateralized
// owner. Settlement is identical to CloseContract and the payoff goes to the
// owner; afterwards LiquidationPenalty of the remaining balance is paid to
// the liquidator.
func (e *Engine) LiquidateContract(ctx context.Context, liquidator uuid.UUID, contractID uint64) (*event.ContractLiquidated, error) {
	var out *event.ContractLiquidated
	_, err := e.apply(ctx, "liquidate_contract", liquidator, func(t *txn) (event.Event, error) {
		var err error
		out, err = t.liquidate(liquidator, contractID)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txn) liquidate(liquidator uuid.UUID, contractID uint64) (*event.ContractLiquidated, error) {
	c, err := t.contract(contractID)
	if err != nil {
		return nil, err
	}
	owner := c.Owner

	accrual, err := t.accrue(owner)
	if err != nil {
		return nil, err
	}
	acc := t.account(owner)
	if !acc.NeedsLiquidation(t.now, t.e.params.ThresholdSeconds()) {
		return nil, fmt.Errorf("%w: %s holds %s, threshold %s",
			ErrNotLiquidatable, owner, acc.Balance,
			state.ThresholdRequirement(acc.RentPerSecond, t.e.params.ThresholdSeconds()))
	}

	settlement, err := t.settle(c, state.CloseReasonLiquidated)
	if err != nil {
		return nil, err
	}

	before := acc.Balance
	penalty := before.Mul(t.e.params.LiquidationPenalty)
	if penalty.Sign() > 0 {
		ledger.GenerateLiquidationPenalty(t.batch, liquidator, t.e.collateralID, penalty)
		acc.Balance = acc.Balance.Sub(penalty)
		t.penaltyPaid = t.penaltyPaid.Add(penalty)
	}

	t.liquidations = append(t.liquidations, state.LiquidationRecord{
		ContractID:    c.ID,
		Owner:         owner,
		Liquidator:    liquidator,
		MarketID:      c.MarketID,
		BalanceBefore: before,
		Penalty:       penalty,
		Payoff:        settlement.Paid,
		Timestamp:     t.now,
	})

	return &event.ContractLiquidated{
		Owner:         owner,
		Liquidator:    liquidator,
		ContractID:    c.ID,
		Book:          bookRef(c.Book()),
		Settlement:    settlement,
		BalanceBefore: before,
		Penalty:       penalty,
		Accrual:       accrual,
	}, nil
}

// LiquidationCandidate is an open contract whose owner is below threshold.
type LiquidationCandidate struct {
	ContractID  uint64     `json:"contract_id"`
	Owner       uuid.UUID  `json:"owner"`
	MarketID    string     `json:"market_id"`
	Balance     fpmath.Wad `json:"balance"`
	Requirement fpmath.Wad `json:"requirement"`
}

// LiquidationEngine is the keeper-facing view over liquidations.
type LiquidationEngine struct {
	engine *Engine
}

func NewLiquidationEngine(e *Engine) *LiquidationEngine {
	return &LiquidationEngine{engine: e}
}

// Scan lists every open contract of every liquidatable owner, evaluated at the
// current clock without mutating state. Ordered by owner, then contract id.
func (le *LiquidationEngine) Scan() []LiquidationCandidate {
	e := le.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	threshold := e.params.ThresholdSeconds()
	owners := make([]uuid.UUID, 0)
	for owner, acc := range e.accounts {
		if acc.NeedsLiquidation(now, threshold) {
			owners = append(owners, owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })

	var out []LiquidationCandidate
	for _, owner := range owners {
		acc := e.accounts[owner]
		for _, id := range acc.Contracts {
			c, ok := e.contracts[id]
			if !ok {
				continue
			}
			out = append(out, LiquidationCandidate{
				ContractID:  id,
				Owner:       owner,
				MarketID:    c.MarketID,
				Balance:     acc.BalanceAt(now),
				Requirement: state.ThresholdRequirement(acc.RentPerSecond, threshold),
			})
		}
	}
	if e.metrics != nil {
		e.metrics.LiquidationCandidates.Set(float64(len(out)))
	}
	return out
}

// LiquidateAccount liquidates the owner's contracts one at a time, each as a
// separate operation, until the account is healthy or has nothing open.
func (le *LiquidationEngine) LiquidateAccount(ctx context.Context, liquidator, owner uuid.UUID) ([]*event.ContractLiquidated, error) {
	var done []*event.ContractLiquidated
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		ids := le.engine.openContractIDs(owner)
		if len(ids) == 0 {
			return done, nil
		}
		res, err := le.engine.LiquidateContract(ctx, liquidator, ids[0])
		if err != nil {
			if errors.Is(err, ErrNotLiquidatable) && len(done) > 0 {
				return done, nil
			}
			return done, err
		}
		done = append(done, res)
	}
}

func (e *Engine) openContractIDs(owner uuid.UUID) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accounts[owner]
	if !ok {
		return nil
	}
	return append([]uint64(nil), acc.Contracts...)
}

// Liquidations returns the owner's liquidation history, oldest first.
func (e *Engine) Liquidations(owner uuid.UUID) []state.LiquidationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidations.History(owner)
}
