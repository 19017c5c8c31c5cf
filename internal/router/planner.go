package router

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"sort"
)

// DefaultEpsilon is the tolerance below which a remainder counts as filled.
var DefaultEpsilon = fpmath.RawWad(1_000_000_000) // 1e-9

// Tier is one source of liquidity. Available is always in base units.
type Tier struct {
	MarketID    string           `json:"market_id"`
	APR         fpmath.Wad       `json:"apr"`
	Side        state.OptionSide `json:"side"`
	StrikeIndex int              `json:"strike_index"`
	Strike      fpmath.Wad       `json:"strike"`
	Available   fpmath.Wad       `json:"available"`
}

type Allocation struct {
	Tier   Tier       `json:"tier"`
	Amount fpmath.Wad `json:"amount"` // base units
}

// Plan is the output of Allocate. It never mutates anything.
type Plan struct {
	Desired     fpmath.Wad   `json:"desired"`
	Allocations []Allocation `json:"allocations"`
	TotalUsed   fpmath.Wad   `json:"total_used"`
	IsFulfilled bool         `json:"is_fulfilled"`
	BlendedAPR  fpmath.Wad   `json:"blended_apr"`
}

// Allocate fills desired from the cheapest tiers first. Tiers with equal APR
// keep their input order; tiers with nothing available are skipped.
func Allocate(tiers []Tier, desired, eps fpmath.Wad) Plan {
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].APR.LT(ordered[j].APR) })

	plan := Plan{Desired: desired, TotalUsed: fpmath.Zero(), BlendedAPR: fpmath.Zero()}
	remaining := desired
	weighted, notional := fpmath.Zero(), fpmath.Zero()

	for _, t := range ordered {
		if remaining.LTE(eps) {
			break
		}
		if t.Available.Sign() <= 0 {
			continue
		}
		use := fpmath.Min(t.Available, remaining)
		plan.Allocations = append(plan.Allocations, Allocation{Tier: t, Amount: use})
		plan.TotalUsed = plan.TotalUsed.Add(use)
		remaining = remaining.Sub(use)

		n := use.Mul(t.Strike)
		weighted = weighted.Add(t.APR.Mul(n))
		notional = notional.Add(n)
	}

	plan.IsFulfilled = plan.TotalUsed.GTE(desired.Sub(eps))
	if notional.Sign() > 0 {
		plan.BlendedAPR = weighted.Div(notional)
	}
	return plan
}

// toBase converts book-native availability into base units. Put books hold
// quote, so their availability is divided by the strike.
func toBase(side state.OptionSide, available, strike fpmath.Wad) fpmath.Wad {
	if side == state.SidePut {
		if strike.Sign() <= 0 {
			return fpmath.Zero()
		}
		return available.DivRound(strike, fpmath.RoundDown)
	}
	return available
}

// contractAmount converts a base allocation into the amount OpenContract
// expects for the side.
func contractAmount(side state.OptionSide, base, strike fpmath.Wad) fpmath.Wad {
	if side == state.SidePut {
		return base.MulRound(strike, fpmath.RoundDown)
	}
	return base
}
