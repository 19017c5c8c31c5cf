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

// DepositLiquidityRequest adds liquidity to a book. PositionID 0 opens a new
// LP position; otherwise the existing position is topped up.
type DepositLiquidityRequest struct {
	Owner       uuid.UUID
	MarketID    string
	Side        state.OptionSide
	StrikeIndex int
	Amount      fpmath.Wad
	PositionID  uint64
}

func bookRef(k state.BookKey) event.BookRef {
	return event.BookRef{Market: k.MarketID, StrikeIndex: k.StrikeIndex, Side: k.Side.String()}
}

// DepositLiquidity creates or tops up an LP position. A top-up first pays
// out pending rewards, then the checkpoint moves to the current accumulator
// so past rent is never claimed twice.
func (e *Engine) DepositLiquidity(ctx context.Context, req DepositLiquidityRequest) (*state.LPPosition, error) {
	var pos *state.LPPosition
	_, err := e.apply(ctx, "deposit_liquidity", req.Owner, func(t *txn) (event.Event, error) {
		if req.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: deposit liquidity", ErrZeroAmount)
		}
		m, err := t.market(req.MarketID)
		if err != nil {
			return nil, err
		}
		if err := m.ValidateStrike(req.Side, req.StrikeIndex); err != nil {
			return nil, err
		}
		key := state.BookKey{MarketID: m.ID, StrikeIndex: req.StrikeIndex, Side: req.Side}
		if err := t.syncBook(key); err != nil {
			return nil, err
		}
		b, err := t.book(key)
		if err != nil {
			return nil, err
		}

		rewards := fpmath.Zero()
		if req.PositionID == 0 {
			pos = &state.LPPosition{
				ID:        t.newLPID(),
				Owner:     req.Owner,
				Book:      key,
				CreatedAt: t.now,
			}
			t.lps[pos.ID] = pos
		} else {
			pos, err = t.lp(req.PositionID)
			if err != nil {
				return nil, err
			}
			if pos.Owner != req.Owner {
				return nil, fmt.Errorf("%w: lp position %d", ErrNotOwner, pos.ID)
			}
			if pos.Book != key {
				return nil, fmt.Errorf("%w: lp position %d belongs to book %s", ErrInvalidStrikeIndex, pos.ID, pos.Book)
			}
			rewards = t.payRewards(b, pos)
		}

		ledger.GenerateLiquidityDeposit(t.batch, req.Owner, b.ID, m.NativeAsset(req.Side), req.Amount)
		b.Deposit(req.Amount)
		pos.Deposited = pos.Deposited.Add(req.Amount)
		pos.RewardCheckpoint = b.RewardPerShare

		return &event.LiquidityDeposited{
			Owner:       req.Owner,
			PositionID:  pos.ID,
			Book:        bookRef(key),
			Amount:      req.Amount,
			Deposited:   pos.Deposited,
			RewardsPaid: rewards,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// payRewards pays pos its pending rewards and moves its checkpoint.
func (t *txn) payRewards(b *state.StrikeBook, pos *state.LPPosition) fpmath.Wad {
	pending := b.PendingRewards(pos)
	pos.RewardCheckpoint = b.RewardPerShare
	if pending.Sign() <= 0 {
		return fpmath.Zero()
	}
	ledger.GenerateRewardClaim(t.batch, pos.Owner, b.ID, t.e.collateralID, pending)
	pos.RewardsClaimed = pos.RewardsClaimed.Add(pending)
	t.addRewards(b.Key.MarketID, pending)
	return pending
}

// lpForOwner loads an LP position and checks ownership.
func (t *txn) lpForOwner(owner uuid.UUID, id uint64) (*state.LPPosition, *state.StrikeBook, error) {
	pos, err := t.lp(id)
	if err != nil {
		return nil, nil, err
	}
	if pos.Owner != owner {
		return nil, nil, fmt.Errorf("%w: lp position %d", ErrNotOwner, id)
	}
	if err := t.syncBook(pos.Book); err != nil {
		return nil, nil, err
	}
	b, err := t.book(pos.Book)
	if err != nil {
		return nil, nil, err
	}
	return pos, b, nil
}

// ClaimRewards pays out the position's pending rewards.
func (e *Engine) ClaimRewards(ctx context.Context, owner uuid.UUID, positionID uint64) (fpmath.Wad, error) {
	var paid fpmath.Wad
	_, err := e.apply(ctx, "claim_rewards", owner, func(t *txn) (event.Event, error) {
		pos, b, err := t.lpForOwner(owner, positionID)
		if err != nil {
			return nil, err
		}
		paid = t.payRewards(b, pos)
		return &event.RewardsClaimed{
			Owner:      owner,
			PositionID: pos.ID,
			Book:       bookRef(pos.Book),
			Amount:     paid,
		}, nil
	})
	if err != nil {
		return fpmath.Zero(), err
	}
	return paid, nil
}

// WithdrawLiquidity withdraws the position pro-rata in two currencies, from
// book totals read fresh at this moment:
//
//	available = LP - LU, w = min(deposited, available)
//	native    = (available - min(available, LR in native)) * w / available
//	opposite  = LR * w / available
//
// Pending rewards are paid in the same operation. The position is destroyed
// when nothing is left deposited.
func (e *Engine) WithdrawLiquidity(ctx context.Context, owner uuid.UUID, positionID uint64) (*event.LiquidityWithdrawn, error) {
	var out *event.LiquidityWithdrawn
	_, err := e.apply(ctx, "withdraw_liquidity", owner, func(t *txn) (event.Event, error) {
		pos, b, err := t.lpForOwner(owner, positionID)
		if err != nil {
			return nil, err
		}
		m, err := t.market(pos.Book.MarketID)
		if err != nil {
			return nil, err
		}

		plan, err := b.PlanWithdrawal(pos.Deposited)
		if err != nil {
			return nil, err
		}
		rewards := t.payRewards(b, pos)

		ledger.GenerateLiquidityWithdrawal(t.batch, ledger.LiquidityWithdrawal{
			Owner:      owner,
			BookID:     b.ID,
			NativeID:   m.NativeAsset(pos.Book.Side),
			OppositeID: m.OppositeAsset(pos.Book.Side),
			Free:       plan.Free,
			Converted:  plan.Converted,
			Opposite:   plan.Opposite,
		})
		b.ApplyWithdrawal(plan)
		pos.Deposited = pos.Deposited.Sub(plan.Withdrawn)

		closed := pos.IsEmpty()
		if closed {
			t.closedLPs[pos.ID] = true
		}

		out = &event.LiquidityWithdrawn{
			Owner:       owner,
			PositionID:  pos.ID,
			Book:        bookRef(pos.Book),
			Withdrawn:   plan.Withdrawn,
			Free:        plan.Free,
			Converted:   plan.Converted,
			Opposite:    plan.Opposite,
			RewardsPaid: rewards,
			Remaining:   pos.Deposited,
			Closed:      closed,
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRewards returns what ClaimRewards would pay for the position now,
// including rent accrued by the book's renters since their last sync.
func (e *Engine) GetRewards(positionID uint64) (fpmath.Wad, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.lpPositions[positionID]
	if !ok {
		return fpmath.Zero(), fmt.Errorf("%w: lp position %d", ErrPositionNotFound, positionID)
	}
	return e.lpView(pos).Pending, nil
}
