package event

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeTokensMinted
	EventTypeAllowanceApproved
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeLiquidityDeposited
	EventTypeLiquidityWithdrawn
	EventTypeRewardsClaimed
	EventTypeContractOpened
	EventTypeContractClosed
	EventTypeContractLiquidated
)

var eventTypeNames = map[EventType]string{
	EventTypeMarketCreated:       "MarketCreated",
	EventTypeTokensMinted:        "TokensMinted",
	EventTypeAllowanceApproved:   "AllowanceApproved",
	EventTypeCollateralDeposited: "CollateralDeposited",
	EventTypeCollateralWithdrawn: "CollateralWithdrawn",
	EventTypeLiquidityDeposited:  "LiquidityDeposited",
	EventTypeLiquidityWithdrawn:  "LiquidityWithdrawn",
	EventTypeRewardsClaimed:      "RewardsClaimed",
	EventTypeContractOpened:      "ContractOpened",
	EventTypeContractClosed:      "ContractClosed",
	EventTypeContractLiquidated:  "ContractLiquidated",
}

var eventTypeSubjects = map[EventType]string{
	EventTypeMarketCreated:       "market_created",
	EventTypeTokensMinted:        "tokens_minted",
	EventTypeAllowanceApproved:   "allowance_approved",
	EventTypeCollateralDeposited: "collateral_deposited",
	EventTypeCollateralWithdrawn: "collateral_withdrawn",
	EventTypeLiquidityDeposited:  "liquidity_deposited",
	EventTypeLiquidityWithdrawn:  "liquidity_withdrawn",
	EventTypeRewardsClaimed:      "rewards_claimed",
	EventTypeContractOpened:      "contract_opened",
	EventTypeContractClosed:      "contract_closed",
	EventTypeContractLiquidated:  "contract_liquidated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// SubjectToken is the NATS subject segment for the type, e.g. "contract_opened".
func (et EventType) SubjectToken() string {
	if s, ok := eventTypeSubjects[et]; ok {
		return s
	}
	return "unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et, name := range eventTypeNames {
		if name == s {
			return et
		}
	}
	return EventTypeUnknown
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	*et = ParseEventType(string(b))
	return nil
}

// Event is the interface all event payloads implement.
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

// Envelope wraps every committed operation in the event log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	// Client-supplied dedup key, empty when none was given
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	EventType EventType `json:"event_type"`

	// Engine operation that produced the event, e.g. "open_contract"
	Op string `json:"op"`

	// Account that initiated the operation (uuid.Nil for admin operations)
	Actor uuid.UUID `json:"actor"`

	// Market context (nil for global events)
	MarketID *string `json:"market_id,omitempty"`

	// Clock input of the operation, unix seconds
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded event payload
	Payload json.RawMessage `json:"payload"`

	// SHA-256 of state after applying this operation
	StateHash [32]byte `json:"-"`

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte `json:"-"`
}

// Hashes returns the hex encoded state and previous hash.
func (e *Envelope) Hashes() (state, prev string) {
	return hex.EncodeToString(e.StateHash[:]), hex.EncodeToString(e.PrevHash[:])
}

// MarshalJSON adds hex hashes to the default encoding.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	stateHash, prevHash := e.Hashes()
	return json.Marshal(struct {
		*plain
		StateHash string `json:"state_hash"`
		PrevHash  string `json:"prev_hash"`
	}{(*plain)(e), stateHash, prevHash})
}

// Subject returns the outbound NATS subject of the envelope:
// <prefix>.<type>[.<market>]
func (e *Envelope) Subject(prefix string) string {
	s := prefix + "." + e.EventType.SubjectToken()
	if e.MarketID != nil {
		s += "." + *e.MarketID
	}
	return s
}
