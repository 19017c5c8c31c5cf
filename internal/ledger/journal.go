package ledger

import (
	fpmath "PerpOptions/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeCollateralDeposit
	JournalTypeCollateralWithdrawal
	JournalTypeRentPayment
	JournalTypeLiquidityDeposit
	JournalTypeLiquidityWithdrawal
	JournalTypeLiquidityConversion
	JournalTypeRewardClaim
	JournalTypeSettlementPayout
	JournalTypeLiquidationPenalty
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMint:
		return "mint"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	case JournalTypeRentPayment:
		return "rent_payment"
	case JournalTypeLiquidityDeposit:
		return "liquidity_deposit"
	case JournalTypeLiquidityWithdrawal:
		return "liquidity_withdrawal"
	case JournalTypeLiquidityConversion:
		return "liquidity_conversion"
	case JournalTypeRewardClaim:
		return "reward_claim"
	case JournalTypeSettlementPayout:
		return "settlement_payout"
	case JournalTypeLiquidationPenalty:
		return "liquidation_penalty"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	AssetID       AssetID
	Amount        fpmath.Wad // always positive
	JournalType   JournalType
	Timestamp     int64 // operation timestamp, unix seconds
}

// AllowanceSpend records allowance consumed by a transferFrom inside a batch.
type AllowanceSpend struct {
	Owner   uuid.UUID
	AssetID AssetID
	Amount  fpmath.Wad
}

// Batch represents a balanced set of journal entries applied atomically
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
	Spends    []AllowanceSpend
}

// NewBatch starts an empty batch for one protocol operation.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Transfer appends a journal moving amount from one account to another.
// Zero amounts are skipped so callers can pass computed shares unconditionally.
func (b *Batch) Transfer(from, to AccountKey, amount fpmath.Wad, jt JournalType) {
	if amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// TransferFrom is Transfer out of a user's wallet that also consumes the
// owner's allowance to the protocol.
func (b *Batch) TransferFrom(owner uuid.UUID, to AccountKey, amount fpmath.Wad, jt JournalType) {
	if amount.IsZero() {
		return
	}
	from := NewUserAccountKey(owner, to.AssetID)
	b.Transfer(from, to, amount, jt)
	b.Spends = append(b.Spends, AllowanceSpend{Owner: owner, AssetID: to.AssetID, Amount: amount})
}

// IsEmpty reports whether the batch moves no funds.
func (b *Batch) IsEmpty() bool {
	return len(b.Journals) == 0
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount of one asset between two accounts, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
