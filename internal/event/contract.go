package event

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

type ContractOpened struct {
	Owner         uuid.UUID  `json:"owner"`
	ContractID    uint64     `json:"contract_id"`
	Book          BookRef    `json:"book"`
	Strike        fpmath.Wad `json:"strike"`
	Amount        fpmath.Wad `json:"amount"`
	Notional      fpmath.Wad `json:"notional"`
	RentPerSecond fpmath.Wad `json:"rent_per_second"`
	Accrual       *Accrual   `json:"accrual,omitempty"`
}

func (e *ContractOpened) EventType() EventType { return EventTypeContractOpened }
func (e *ContractOpened) MarketID() *string    { return &e.Book.Market }

// Settlement is the outcome of closing a contract at a price.
type Settlement struct {
	Price       fpmath.Wad `json:"price"`
	InTheMoney  bool       `json:"in_the_money"`
	PayoffQuote fpmath.Wad `json:"payoff_quote"`
	// Paid in the book's opposite asset
	Paid  fpmath.Wad `json:"paid"`
	Asset string     `json:"asset"`
}

type ContractClosed struct {
	Owner      uuid.UUID  `json:"owner"`
	ContractID uint64     `json:"contract_id"`
	Book       BookRef    `json:"book"`
	Settlement Settlement `json:"settlement"`
	FeesPaid   fpmath.Wad `json:"fees_paid"`
	Accrual    *Accrual   `json:"accrual,omitempty"`
}

func (e *ContractClosed) EventType() EventType { return EventTypeContractClosed }
func (e *ContractClosed) MarketID() *string    { return &e.Book.Market }

// ContractLiquidated is a forced close. The payoff still goes to the owner;
// the penalty is taken from the owner's remaining collateral and paid to
// the liquidator.
type ContractLiquidated struct {
	Owner         uuid.UUID  `json:"owner"`
	Liquidator    uuid.UUID  `json:"liquidator"`
	ContractID    uint64     `json:"contract_id"`
	Book          BookRef    `json:"book"`
	Settlement    Settlement `json:"settlement"`
	BalanceBefore fpmath.Wad `json:"balance_before"`
	Penalty       fpmath.Wad `json:"penalty"`
	Accrual       *Accrual   `json:"accrual,omitempty"`
}

func (e *ContractLiquidated) EventType() EventType { return EventTypeContractLiquidated }
func (e *ContractLiquidated) MarketID() *string    { return &e.Book.Market }
