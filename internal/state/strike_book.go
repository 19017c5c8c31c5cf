package state

import (
	fpmath "PerpOptions/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// StrikeBook is the liquidity pool of one (market, strike, side).
// LP and LU are in the native asset, LR in the opposite asset.
// Invariant: LP >= LU.
type StrikeBook struct {
	Key    BookKey    `json:"key"`
	ID     uuid.UUID  `json:"id"`
	Strike fpmath.Wad `json:"strike"`

	LP fpmath.Wad `json:"lp"` // provided
	LU fpmath.Wad `json:"lu"` // reserved by open contracts
	LR fpmath.Wad `json:"lr"` // realized value owed to LPs

	// RewardPerShare accumulates rent per native unit deposited.
	RewardPerShare fpmath.Wad `json:"reward_per_share"`
	RentCollected  fpmath.Wad `json:"rent_collected"`
	// Undistributed holds rent credited while no liquidity was provided.
	Undistributed fpmath.Wad `json:"undistributed"`
}

func NewStrikeBook(key BookKey, strike fpmath.Wad) *StrikeBook {
	return &StrikeBook{
		Key:    key,
		ID:     key.BookID(),
		Strike: strike,
	}
}

// Clone returns a copy safe to mutate while planning an operation.
func (b *StrikeBook) Clone() *StrikeBook {
	c := *b
	return &c
}

// Available is LP - LU.
func (b *StrikeBook) Available() fpmath.Wad {
	return b.LP.Sub(b.LU)
}

// Reserve locks liquidity for a new contract.
func (b *StrikeBook) Reserve(amount fpmath.Wad) error {
	if avail := b.Available(); amount.GT(avail) {
		return fmt.Errorf("%w: book %s has %s available, needs %s",
			ErrInsufficientLiquidity, b.Key, avail, amount)
	}
	b.LU = b.LU.Add(amount)
	return nil
}

// Release returns reserved liquidity of an out-of-the-money close.
func (b *StrikeBook) Release(amount fpmath.Wad) {
	b.LU = fpmath.Max(b.LU.Sub(amount), fpmath.Zero())
}

// Realize releases reserved liquidity of an in-the-money close and books the
// payoff (in the opposite asset) as realized value.
func (b *StrikeBook) Realize(amount, otherAssetAmount fpmath.Wad) {
	b.Release(amount)
	b.LR = b.LR.Add(otherAssetAmount)
}

// Deposit adds liquidity.
func (b *StrikeBook) Deposit(amount fpmath.Wad) {
	b.LP = b.LP.Add(amount)
}

// DistributeRent credits rent to all current LPs through the accumulator.
func (b *StrikeBook) DistributeRent(fee fpmath.Wad) {
	if fee.IsZero() {
		return
	}
	b.RentCollected = b.RentCollected.Add(fee)
	if b.LP.IsZero() {
		b.Undistributed = b.Undistributed.Add(fee)
		return
	}
	b.RewardPerShare = b.RewardPerShare.Add(fee.Div(b.LP))
}

// PendingRewards is what pos has earned since its checkpoint.
func (b *StrikeBook) PendingRewards(pos *LPPosition) fpmath.Wad {
	return b.RewardPerShare.Sub(pos.RewardCheckpoint).Mul(pos.Deposited)
}

// RealizedNativeEquivalent converts LR to the native asset at the strike:
// LR/strike for calls (quote to base), LR*strike for puts (base to quote).
func (b *StrikeBook) RealizedNativeEquivalent() fpmath.Wad {
	if b.Key.Side == SideCall {
		return b.LR.Div(b.Strike)
	}
	return b.LR.Mul(b.Strike)
}

// WithdrawalPlan is the outcome of withdrawing one LP position.
type WithdrawalPlan struct {
	Withdrawn fpmath.Wad `json:"withdrawn"` // native amount removed from LP
	Free      fpmath.Wad `json:"free"`      // native paid directly
	Converted fpmath.Wad `json:"converted"` // native backing realized value
	Opposite  fpmath.Wad `json:"opposite"`  // realized value paid, opposite asset
}

// PlanWithdrawal computes a pro-rata, two-currency withdrawal of deposited
// against the book's current state. It does not mutate the book.
func (b *StrikeBook) PlanWithdrawal(deposited fpmath.Wad) (WithdrawalPlan, error) {
	avail := b.Available()
	if avail.Sign() <= 0 {
		return WithdrawalPlan{}, fmt.Errorf("%w: book %s has no available liquidity", ErrInsufficientLiquidity, b.Key)
	}

	w := fpmath.Min(deposited, avail)
	lockedByRealized := fpmath.Min(avail, b.RealizedNativeEquivalent())
	free := avail.Sub(lockedByRealized).MulDiv(w, avail, fpmath.RoundDown)

	plan := WithdrawalPlan{
		Withdrawn: w,
		Free:      free,
		Converted: w.Sub(free),
		Opposite:  b.LR.MulDiv(w, avail, fpmath.RoundDown),
	}
	return plan, nil
}

// ApplyWithdrawal removes a planned withdrawal from the book.
func (b *StrikeBook) ApplyWithdrawal(plan WithdrawalPlan) {
	b.LP = b.LP.Sub(plan.Withdrawn)
	b.LR = b.LR.Sub(plan.Opposite)
}
