package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/state"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// CreateMarket validates m, registers its assets and creates one strike book
// per interval: puts on the lower half, calls on the upper half.
func (e *Engine) CreateMarket(ctx context.Context, m state.Market) (*state.Market, error) {
	var created *state.Market
	_, err := e.apply(ctx, "create_market", uuid.Nil, func(t *txn) (event.Event, error) {
		if _, exists := e.markets[m.ID]; exists {
			return nil, fmt.Errorf("%w: market %s already exists", ErrInvalidMarket, m.ID)
		}
		mk := m
		mk.Intervals = append(mk.Intervals[:0:0], m.Intervals...)
		if err := state.ValidateMarket(&mk, e.params.CollateralAsset); err != nil {
			return nil, err
		}

		t.markets[mk.ID] = &mk
		for _, side := range []state.OptionSide{state.SidePut, state.SideCall} {
			for _, idx := range mk.StrikeIndexes(side) {
				key := state.BookKey{MarketID: mk.ID, StrikeIndex: idx, Side: side}
				t.books[key] = state.NewStrikeBook(key, mk.Intervals[idx])
			}
		}

		created = &mk
		return &event.MarketCreated{
			Market:    mk.ID,
			Base:      mk.Base,
			Quote:     mk.Quote,
			Intervals: mk.Intervals,
			Yield:     mk.Yield,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Market returns a registered market.
func (e *Engine) Market(id string) (*state.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m.Clone(), nil
}

// Markets returns all markets sorted by id.
func (e *Engine) Markets() []*state.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*state.Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
