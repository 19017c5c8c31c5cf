package event

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

// RentCharge is one contract's part of an accrual.
type RentCharge struct {
	ContractID uint64     `json:"contract_id"`
	MarketID   string     `json:"market_id"`
	Book       string     `json:"book"`
	Paid       fpmath.Wad `json:"paid"`
}

// Accrual records rent charged against a collateral account at the start of
// an operation. Due exceeds Paid only when the balance ran out.
type Accrual struct {
	Owner   uuid.UUID    `json:"owner"`
	Elapsed int64        `json:"elapsed"`
	Due     fpmath.Wad   `json:"due"`
	Paid    fpmath.Wad   `json:"paid"`
	Charges []RentCharge `json:"charges"`
}

type CollateralDeposited struct {
	Owner   uuid.UUID  `json:"owner"`
	Amount  fpmath.Wad `json:"amount"`
	Balance fpmath.Wad `json:"balance"`
	Accrual *Accrual   `json:"accrual,omitempty"`
}

func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) MarketID() *string    { return nil }

type CollateralWithdrawn struct {
	Owner   uuid.UUID  `json:"owner"`
	Amount  fpmath.Wad `json:"amount"`
	Balance fpmath.Wad `json:"balance"`
	Accrual *Accrual   `json:"accrual,omitempty"`
}

func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }
func (e *CollateralWithdrawn) MarketID() *string    { return nil }

// TokensMinted is a dev-faucet issuance.
type TokensMinted struct {
	Owner  uuid.UUID  `json:"owner"`
	Asset  string     `json:"asset"`
	Amount fpmath.Wad `json:"amount"`
}

func (e *TokensMinted) EventType() EventType { return EventTypeTokensMinted }
func (e *TokensMinted) MarketID() *string    { return nil }

type AllowanceApproved struct {
	Owner  uuid.UUID  `json:"owner"`
	Asset  string     `json:"asset"`
	Amount fpmath.Wad `json:"amount"`
}

func (e *AllowanceApproved) EventType() EventType { return EventTypeAllowanceApproved }
func (e *AllowanceApproved) MarketID() *string    { return nil }
