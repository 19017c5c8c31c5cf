package core

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Read-only aggregation views. Derived from live state on every call and
// never persisted.

type BookView struct {
	Key            state.BookKey `json:"key"`
	Strike         fpmath.Wad    `json:"strike"`
	Provided       fpmath.Wad    `json:"provided"`
	Utilized       fpmath.Wad    `json:"utilized"`
	Realized       fpmath.Wad    `json:"realized"`
	Available      fpmath.Wad    `json:"available"`
	RewardPerShare fpmath.Wad    `json:"reward_per_share"`
	RentCollected  fpmath.Wad    `json:"rent_collected"`
	Undistributed  fpmath.Wad    `json:"undistributed"`
}

// SideLiquidity aggregates one side of a market. Amounts are in the side's
// native asset: base for calls, quote for puts.
type SideLiquidity struct {
	TotalProvided fpmath.Wad   `json:"total_provided"`
	OpenInterest  fpmath.Wad   `json:"open_interest"`
	Available     []fpmath.Wad `json:"available"` // one entry per strike of the side
	Books         []BookView   `json:"books"`
}

type MarketView struct {
	Market *state.Market `json:"market"`
	Calls  SideLiquidity `json:"calls"`
	Puts   SideLiquidity `json:"puts"`
}

func newBookView(b *state.StrikeBook) BookView {
	return BookView{
		Key:            b.Key,
		Strike:         b.Strike,
		Provided:       b.LP,
		Utilized:       b.LU,
		Realized:       b.LR,
		Available:      b.Available(),
		RewardPerShare: b.RewardPerShare,
		RentCollected:  b.RentCollected,
		Undistributed:  b.Undistributed,
	}
}

// MarketLiquidity returns per-side totals and per-strike books of a market.
func (e *Engine) MarketLiquidity(marketID string) (*MarketView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return &MarketView{
		Market: m.Clone(),
		Calls:  e.sideLiquidity(m, state.SideCall),
		Puts:   e.sideLiquidity(m, state.SidePut),
	}, nil
}

func (e *Engine) sideLiquidity(m *state.Market, side state.OptionSide) SideLiquidity {
	out := SideLiquidity{TotalProvided: fpmath.Zero(), OpenInterest: fpmath.Zero()}
	for _, idx := range m.StrikeIndexes(side) {
		b := e.books[state.BookKey{MarketID: m.ID, StrikeIndex: idx, Side: side}]
		out.TotalProvided = out.TotalProvided.Add(b.LP)
		out.OpenInterest = out.OpenInterest.Add(b.LU)
		out.Available = append(out.Available, b.Available())
		out.Books = append(out.Books, newBookView(b))
	}
	return out
}

// OpenInterest returns the liquidity reserved by open contracts, per side.
func (e *Engine) OpenInterest(marketID string) (calls, puts fpmath.Wad, err error) {
	v, err := e.MarketLiquidity(marketID)
	if err != nil {
		return fpmath.Zero(), fpmath.Zero(), err
	}
	return v.Calls.OpenInterest, v.Puts.OpenInterest, nil
}

// AvailableLiquidity returns LP-LU for every strike of side, in strike order.
func (e *Engine) AvailableLiquidity(marketID string, side state.OptionSide) ([]fpmath.Wad, error) {
	v, err := e.MarketLiquidity(marketID)
	if err != nil {
		return nil, err
	}
	if side == state.SideCall {
		return v.Calls.Available, nil
	}
	return v.Puts.Available, nil
}

// Book returns a single strike book.
func (e *Engine) Book(key state.BookKey) (BookView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[key]
	if !ok {
		return BookView{}, fmt.Errorf("%w: no book %s", ErrInvalidStrikeIndex, key)
	}
	return newBookView(b), nil
}

// AccountView is a collateral account with rent applied up to now.
type AccountView struct {
	Owner            uuid.UUID  `json:"owner"`
	Balance          fpmath.Wad `json:"balance"`
	PendingRent      fpmath.Wad `json:"pending_rent"`
	RentPerSecond    fpmath.Wad `json:"rent_per_second"`
	Requirement      fpmath.Wad `json:"requirement"`
	FeesPaid         fpmath.Wad `json:"fees_paid"`
	Contracts        []uint64   `json:"contracts"`
	NeedsLiquidation bool       `json:"needs_liquidation"`
	AsOf             int64      `json:"as_of"`
}

// Account returns owner's collateral account without mutating it. Unknown
// owners get an empty account.
func (e *Engine) Account(owner uuid.UUID) AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	acc, ok := e.accounts[owner]
	if !ok {
		acc = state.NewCollateralAccount(owner, now)
	}
	threshold := e.params.ThresholdSeconds()
	pending := acc.AccruedFees(now)
	return AccountView{
		Owner:            owner,
		Balance:          acc.Balance.Sub(pending),
		PendingRent:      pending,
		RentPerSecond:    acc.RentPerSecond,
		Requirement:      state.ThresholdRequirement(acc.RentPerSecond, threshold),
		FeesPaid:         acc.FeesPaid.Add(pending),
		Contracts:        append([]uint64{}, acc.Contracts...),
		NeedsLiquidation: acc.NeedsLiquidation(now, threshold),
		AsOf:             now,
	}
}

// LPView is an LP position and what it could claim right now. Pending
// includes rent not yet synced from the book's renters.
type LPView struct {
	Position *state.LPPosition `json:"position"`
	Pending  fpmath.Wad        `json:"pending_rewards"`
}

// LPPosition returns one LP position with its pending rewards.
func (e *Engine) LPPosition(id uint64) (LPView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lpPositions[id]
	if !ok {
		return LPView{}, fmt.Errorf("%w: lp position %d", ErrPositionNotFound, id)
	}
	return e.lpView(p), nil
}

// LPPositionsOf returns owner's LP positions by id.
func (e *Engine) LPPositionsOf(owner uuid.UUID) []LPView {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]uint64, 0)
	for id, p := range e.lpPositions {
		if p.Owner == owner {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]LPView, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.lpView(e.lpPositions[id]))
	}
	return out
}

// lpView simulates syncBook on a throwaway transaction so the reported
// rewards match what a claim at this instant would pay.
func (e *Engine) lpView(p *state.LPPosition) LPView {
	t := e.newTxn(e.clock.Now())
	b := e.books[p.Book]
	if err := t.syncBook(p.Book); err == nil {
		if staged, err := t.book(p.Book); err == nil {
			b = staged
		}
	}
	return LPView{Position: p.Clone(), Pending: b.PendingRewards(p)}
}

// Tier is one market offering liquidity at a strike, as seen by the router.
type Tier struct {
	MarketID    string           `json:"market_id"`
	APR         fpmath.Wad       `json:"apr"`
	Side        state.OptionSide `json:"side"`
	StrikeIndex int              `json:"strike_index"`
	Strike      fpmath.Wad       `json:"strike"`
	Available   fpmath.Wad       `json:"available"` // native asset of the book
}

// Tiers returns every market on (base, quote) whose strike at strikeIndex
// serves side. Markets are ordered by id; the router sorts by APR.
func (e *Engine) Tiers(base, quote string, side state.OptionSide, strikeIndex int) []Tier {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Tier
	for _, id := range ids {
		m := e.markets[id]
		if !strings.EqualFold(m.Base, base) || !strings.EqualFold(m.Quote, quote) {
			continue
		}
		if m.ValidateStrike(side, strikeIndex) != nil {
			continue
		}
		b := e.books[state.BookKey{MarketID: id, StrikeIndex: strikeIndex, Side: side}]
		out = append(out, Tier{
			MarketID:    id,
			APR:         m.Yield,
			Side:        side,
			StrikeIndex: strikeIndex,
			Strike:      b.Strike,
			Available:   b.Available(),
		})
	}
	return out
}
