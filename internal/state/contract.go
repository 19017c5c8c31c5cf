package state

import (
	fpmath "PerpOptions/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// ContractState tracks a contract's lifecycle
type ContractState int32

const (
	ContractStateOpen ContractState = iota
	ContractStateClosed
)

func (cs ContractState) String() string {
	switch cs {
	case ContractStateOpen:
		return "Open"
	case ContractStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (cs ContractState) MarshalText() ([]byte, error) {
	return []byte(cs.String()), nil
}

func (cs *ContractState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Open":
		*cs = ContractStateOpen
	case "Closed":
		*cs = ContractStateClosed
	default:
		return fmt.Errorf("unknown contract state %q", b)
	}
	return nil
}

// CanTransitionTo validates state transitions. Closed is terminal.
func (cs ContractState) CanTransitionTo(next ContractState) bool {
	validTransitions := map[ContractState][]ContractState{
		ContractStateOpen: {
			ContractStateClosed,
		},
	}

	for _, s := range validTransitions[cs] {
		if s == next {
			return true
		}
	}
	return false
}

// CloseReason records why a contract left the Open state.
type CloseReason string

const (
	CloseReasonOwner      CloseReason = "closed"
	CloseReasonLiquidated CloseReason = "liquidated"
)

// ContractPosition is a trader's perpetual option.
// Amount is in base units for calls and quote units for puts.
type ContractPosition struct {
	ID            uint64        `json:"id"`
	Owner         uuid.UUID     `json:"owner"`
	MarketID      string        `json:"market_id"`
	Side          OptionSide    `json:"side"`
	StrikeIndex   int           `json:"strike_index"`
	Strike        fpmath.Wad    `json:"strike"`
	Amount        fpmath.Wad    `json:"amount"`
	Notional      fpmath.Wad    `json:"notional"`
	RentPerSecond fpmath.Wad    `json:"rent_per_second"`
	OpenedAt      int64         `json:"opened_at"`
	State         ContractState `json:"state"`

	FeesPaid    fpmath.Wad  `json:"fees_paid"`
	ClosedAt    int64       `json:"closed_at,omitempty"`
	ClosePrice  fpmath.Wad  `json:"close_price"`
	Payoff      fpmath.Wad  `json:"payoff"` // paid in the opposite asset
	CloseReason CloseReason `json:"close_reason,omitempty"`
}

func (c *ContractPosition) Clone() *ContractPosition {
	cp := *c
	return &cp
}

func (c *ContractPosition) Book() BookKey {
	return BookKey{MarketID: c.MarketID, StrikeIndex: c.StrikeIndex, Side: c.Side}
}

func (c *ContractPosition) IsOpen() bool {
	return c.State == ContractStateOpen
}

// ComputeNotional returns amount*strike for calls (base amount) and amount for
// puts (quote amount).
func ComputeNotional(side OptionSide, amount, strike fpmath.Wad) fpmath.Wad {
	if side == SideCall {
		return amount.Mul(strike)
	}
	return amount
}

// Payoff is the settlement of an in-the-money close.
type Payoff struct {
	InTheMoney bool
	Quote      fpmath.Wad // intrinsic value in quote
	Paid       fpmath.Wad // amount paid, in the book's opposite asset
}

// ComputePayoff settles a contract at price.
//
//	call ITM (price > strike): (price-strike)*amount, paid in quote
//	put  ITM (price < strike): (strike-price)*amount/strike quote, paid in base at price
func ComputePayoff(side OptionSide, amount, strike, price fpmath.Wad) Payoff {
	switch side {
	case SideCall:
		if !price.GT(strike) {
			return Payoff{}
		}
		q := price.Sub(strike).Mul(amount)
		return Payoff{InTheMoney: true, Quote: q, Paid: q}
	case SidePut:
		if !price.LT(strike) {
			return Payoff{}
		}
		baseUnits := amount.Div(strike)
		q := strike.Sub(price).Mul(baseUnits)
		return Payoff{InTheMoney: true, Quote: q, Paid: q.Div(price)}
	}
	return Payoff{}
}
