package event

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

// BookRef names a strike book inside payloads.
type BookRef struct {
	Market      string `json:"market"`
	StrikeIndex int    `json:"strike_index"`
	Side        string `json:"side"`
}

type LiquidityDeposited struct {
	Owner      uuid.UUID  `json:"owner"`
	PositionID uint64     `json:"position_id"`
	Book       BookRef    `json:"book"`
	Amount     fpmath.Wad `json:"amount"`
	Deposited  fpmath.Wad `json:"deposited"`
	// Rewards paid out before a top-up reset the checkpoint
	RewardsPaid fpmath.Wad `json:"rewards_paid"`
}

func (e *LiquidityDeposited) EventType() EventType { return EventTypeLiquidityDeposited }
func (e *LiquidityDeposited) MarketID() *string    { return &e.Book.Market }

type LiquidityWithdrawn struct {
	Owner       uuid.UUID  `json:"owner"`
	PositionID  uint64     `json:"position_id"`
	Book        BookRef    `json:"book"`
	Withdrawn   fpmath.Wad `json:"withdrawn"`
	Free        fpmath.Wad `json:"free"`
	Converted   fpmath.Wad `json:"converted"`
	Opposite    fpmath.Wad `json:"opposite"`
	RewardsPaid fpmath.Wad `json:"rewards_paid"`
	Remaining   fpmath.Wad `json:"remaining"`
	Closed      bool       `json:"closed"`
}

func (e *LiquidityWithdrawn) EventType() EventType { return EventTypeLiquidityWithdrawn }
func (e *LiquidityWithdrawn) MarketID() *string    { return &e.Book.Market }

type RewardsClaimed struct {
	Owner      uuid.UUID  `json:"owner"`
	PositionID uint64     `json:"position_id"`
	Book       BookRef    `json:"book"`
	Amount     fpmath.Wad `json:"amount"`
}

func (e *RewardsClaimed) EventType() EventType { return EventTypeRewardsClaimed }
func (e *RewardsClaimed) MarketID() *string    { return &e.Book.Market }
