package state

import (
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OptionSide is CALL or PUT.
type OptionSide int32

const (
	SideCall OptionSide = iota
	SidePut
)

func (s OptionSide) String() string {
	switch s {
	case SideCall:
		return "call"
	case SidePut:
		return "put"
	default:
		return "unknown"
	}
}

// ParseOptionSide accepts "call"/"put" in any case.
func ParseOptionSide(s string) (OptionSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call":
		return SideCall, nil
	case "put":
		return SidePut, nil
	}
	return 0, fmt.Errorf("unknown option side %q", s)
}

func (s OptionSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OptionSide) UnmarshalText(b []byte) error {
	parsed, err := ParseOptionSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Market is an immutable (base, quote, strikes, yield) definition.
// The lower half of Intervals serves PUT books, the upper half CALL books.
type Market struct {
	ID        string       `json:"id"`
	Base      string       `json:"base"`
	Quote     string       `json:"quote"`
	Intervals []fpmath.Wad `json:"intervals"`
	Yield     fpmath.Wad   `json:"yield"`

	BaseID  ledger.AssetID `json:"-"`
	QuoteID ledger.AssetID `json:"-"`
}

// ValidateMarket checks structure and registers the market's assets.
func ValidateMarket(m *Market, collateralAsset string) error {
	if m.ID == "" || strings.ContainsAny(m.ID, ".*> \t:") {
		return fmt.Errorf("%w: id %q must be non-empty without '.', '*', '>', ':' or spaces", ErrInvalidMarket, m.ID)
	}
	if m.Base == "" || m.Quote == "" || strings.EqualFold(m.Base, m.Quote) {
		return fmt.Errorf("%w: %s needs distinct base and quote", ErrInvalidMarket, m.ID)
	}
	if !strings.EqualFold(m.Quote, collateralAsset) {
		return fmt.Errorf("%w: %s quote %s is not the collateral asset %s",
			ErrInvalidMarket, m.ID, m.Quote, collateralAsset)
	}
	if len(m.Intervals) < 2 || len(m.Intervals)%2 != 0 {
		return fmt.Errorf("%w: %s needs an even, non-zero number of strikes, got %d",
			ErrInvalidMarket, m.ID, len(m.Intervals))
	}
	for i, s := range m.Intervals {
		if s.Sign() <= 0 {
			return fmt.Errorf("%w: %s strike %d must be > 0", ErrInvalidMarket, m.ID, i)
		}
		if i > 0 && !s.GT(m.Intervals[i-1]) {
			return fmt.Errorf("%w: %s strikes must be strictly increasing", ErrInvalidMarket, m.ID)
		}
	}
	if m.Yield.Sign() <= 0 {
		return fmt.Errorf("%w: %s yield must be > 0", ErrInvalidMarket, m.ID)
	}

	baseID, err := ledger.RegisterAsset(m.Base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMarket, err)
	}
	quoteID, err := ledger.RegisterAsset(m.Quote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMarket, err)
	}
	m.Base = strings.ToUpper(m.Base)
	m.Quote = strings.ToUpper(m.Quote)
	m.BaseID, m.QuoteID = baseID, quoteID
	return nil
}

// ValidateStrike checks that index is inside the half of Intervals serving side.
func (m *Market) ValidateStrike(side OptionSide, index int) error {
	half := len(m.Intervals) / 2
	switch side {
	case SidePut:
		if index >= 0 && index < half {
			return nil
		}
	case SideCall:
		if index >= half && index < len(m.Intervals) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s index %d", ErrInvalidStrikeIndex, m.ID, side, index)
}

// StrikeIndexes returns the interval indexes serving side.
func (m *Market) StrikeIndexes(side OptionSide) []int {
	half := len(m.Intervals) / 2
	lo, hi := half, len(m.Intervals)
	if side == SidePut {
		lo, hi = 0, half
	}
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

// NativeAsset is what LPs deposit into a book: base for calls, quote for puts.
func (m *Market) NativeAsset(side OptionSide) ledger.AssetID {
	if side == SideCall {
		return m.BaseID
	}
	return m.QuoteID
}

// OppositeAsset is what realized value and ITM payoffs are paid in.
func (m *Market) OppositeAsset(side OptionSide) ledger.AssetID {
	if side == SideCall {
		return m.QuoteID
	}
	return m.BaseID
}

// Clone returns a copy that shares no slices with m.
func (m *Market) Clone() *Market {
	c := *m
	c.Intervals = append([]fpmath.Wad(nil), m.Intervals...)
	return &c
}

// BookKey identifies one strike book.
type BookKey struct {
	MarketID    string     `json:"market_id"`
	StrikeIndex int        `json:"strike_index"`
	Side        OptionSide `json:"side"`
}

func (k BookKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.MarketID, k.StrikeIndex, k.Side)
}

var bookNamespace = uuid.MustParse("6f1c2b0e-5a43-4d8e-9f0a-3c1d2e4b5a60")

// BookID is a stable identifier for ledger accounts owned by the book.
func (k BookKey) BookID() uuid.UUID {
	return uuid.NewSHA1(bookNamespace, []byte(k.String()))
}
