package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OpenContractRequest opens a perpetual option. Amount is in base units for
// calls and quote units for puts.
type OpenContractRequest struct {
	Owner       uuid.UUID
	MarketID    string
	Side        state.OptionSide
	StrikeIndex int
	Amount      fpmath.Wad
}

// OpenContract reserves Amount in the strike book and starts charging
// notional*yield/secondsPerYear of rent against the owner's collateral.
func (e *Engine) OpenContract(ctx context.Context, req OpenContractRequest) (*state.ContractPosition, error) {
	var c *state.ContractPosition
	_, err := e.apply(ctx, "open_contract", req.Owner, func(t *txn) (event.Event, error) {
		if req.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: open contract", ErrZeroAmount)
		}
		m, err := t.market(req.MarketID)
		if err != nil {
			return nil, err
		}
		if err := m.ValidateStrike(req.Side, req.StrikeIndex); err != nil {
			return nil, err
		}

		accrual, err := t.accrue(req.Owner)
		if err != nil {
			return nil, err
		}

		strike := m.Intervals[req.StrikeIndex]
		notional := state.ComputeNotional(req.Side, req.Amount, strike)
		rent := fpmath.ComputeRentPerSecond(notional, m.Yield, e.params.SecondsPerYear)

		acc := t.account(req.Owner)
		if !acc.CanOpen(t.now, rent, e.params.ThresholdSeconds()) {
			return nil, fmt.Errorf("%w: balance %s cannot sustain %d days of rent at %s/s",
				ErrInsufficientBalance, acc.Balance, e.params.LiquidationThresholdDays,
				acc.RentPerSecond.Add(rent))
		}

		key := state.BookKey{MarketID: m.ID, StrikeIndex: req.StrikeIndex, Side: req.Side}
		b, err := t.book(key)
		if err != nil {
			return nil, err
		}
		if err := b.Reserve(req.Amount); err != nil {
			return nil, err
		}

		c = &state.ContractPosition{
			ID:            t.newContractID(),
			Owner:         req.Owner,
			MarketID:      m.ID,
			Side:          req.Side,
			StrikeIndex:   req.StrikeIndex,
			Strike:        strike,
			Amount:        req.Amount,
			Notional:      notional,
			RentPerSecond: rent,
			OpenedAt:      t.now,
			State:         state.ContractStateOpen,
		}
		t.contracts[c.ID] = c
		t.mints[c.ID] = req.Owner
		acc.AddContract(c.ID, rent)

		return &event.ContractOpened{
			Owner:         req.Owner,
			ContractID:    c.ID,
			Book:          bookRef(key),
			Strike:        strike,
			Amount:        req.Amount,
			Notional:      notional,
			RentPerSecond: rent,
			Accrual:       accrual,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// CloseContract settles the owner's contract at the current oracle price.
func (e *Engine) CloseContract(ctx context.Context, owner uuid.UUID, contractID uint64) (*event.ContractClosed, error) {
	var out *event.ContractClosed
	_, err := e.apply(ctx, "close_contract", owner, func(t *txn) (event.Event, error) {
		c, err := t.contract(contractID)
		if err != nil {
			return nil, err
		}
		if c.Owner != owner {
			return nil, fmt.Errorf("%w: contract %d", ErrNotOwner, contractID)
		}

		accrual, err := t.accrue(owner)
		if err != nil {
			return nil, err
		}
		settlement, err := t.settle(c, state.CloseReasonOwner)
		if err != nil {
			return nil, err
		}

		out = &event.ContractClosed{
			Owner:      owner,
			ContractID: c.ID,
			Book:       bookRef(c.Book()),
			Settlement: settlement,
			FeesPaid:   c.FeesPaid,
			Accrual:    accrual,
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// price reads the oracle and rejects zero or stale prices.
func (t *txn) price(marketID string) (fpmath.Wad, error) {
	if t.e.prices == nil {
		return fpmath.Zero(), fmt.Errorf("%w: no price source", ErrStalePrice)
	}
	p, updatedAt, err := t.e.prices.GetPrice(marketID)
	if err != nil {
		return fpmath.Zero(), fmt.Errorf("%w: %s: %v", ErrStalePrice, marketID, err)
	}
	if p.Sign() <= 0 {
		return fpmath.Zero(), fmt.Errorf("%w: %s price is %s", ErrStalePrice, marketID, p)
	}
	if age := t.now - updatedAt; age > t.e.params.MaxPriceAge {
		return fpmath.Zero(), fmt.Errorf("%w: %s price is %ds old", ErrStalePrice, marketID, age)
	}
	return p, nil
}

// settle closes c at the oracle price. OTM releases the reservation; ITM
// realizes it, books the payoff as LR and pays the owner in the opposite
// asset. The contract's rent stops and its receipt is burned.
// The owner's account must already be accrued.
func (t *txn) settle(c *state.ContractPosition, reason state.CloseReason) (event.Settlement, error) {
	if !c.State.CanTransitionTo(state.ContractStateClosed) {
		return event.Settlement{}, fmt.Errorf("%w: contract %d is %s", ErrPositionNotFound, c.ID, c.State)
	}
	m, err := t.market(c.MarketID)
	if err != nil {
		return event.Settlement{}, err
	}
	price, err := t.price(c.MarketID)
	if err != nil {
		return event.Settlement{}, err
	}
	b, err := t.book(c.Book())
	if err != nil {
		return event.Settlement{}, err
	}

	payoff := state.ComputePayoff(c.Side, c.Amount, c.Strike, price)
	oppositeID := m.OppositeAsset(c.Side)
	if payoff.InTheMoney {
		b.Realize(c.Amount, payoff.Paid)
		ledger.GenerateSettlementPayout(t.batch, c.Owner, oppositeID, payoff.Paid)
	} else {
		b.Release(c.Amount)
	}

	t.account(c.Owner).RemoveContract(c.ID, c.RentPerSecond)

	c.State = state.ContractStateClosed
	c.ClosedAt = t.now
	c.ClosePrice = price
	c.Payoff = payoff.Paid
	c.CloseReason = reason
	t.closedContracts[c.ID] = true

	asset, _ := ledger.GetAssetName(oppositeID)
	return event.Settlement{
		Price:       price,
		InTheMoney:  payoff.InTheMoney,
		PayoffQuote: payoff.Quote,
		Paid:        payoff.Paid,
		Asset:       asset,
	}, nil
}

// Contract returns a copy of an open contract.
func (e *Engine) Contract(id uint64) (*state.ContractPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contract %d", ErrPositionNotFound, id)
	}
	return c.Clone(), nil
}

// ContractsOf returns the owner's open contracts by id, using the receipt
// registry as the source of ownership.
func (e *Engine) ContractsOf(owner uuid.UUID) []*state.ContractPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.receipts.TokensOf(owner)
	out := make([]*state.ContractPosition, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.contracts[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}
