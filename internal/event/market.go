package event

import (
	fpmath "PerpOptions/internal/math"
)

// MarketCreated registers a market and creates its strike books.
type MarketCreated struct {
	Market    string       `json:"market"`
	Base      string       `json:"base"`
	Quote     string       `json:"quote"`
	Intervals []fpmath.Wad `json:"intervals"`
	Yield     fpmath.Wad   `json:"yield"`
}

func (e *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (e *MarketCreated) MarketID() *string    { return &e.Market }

// PriceUpdate is an oracle observation delivered over NATS. It does not go
// through the engine; the oracle store keeps the latest one per market.
type PriceUpdate struct {
	Market    string     `json:"market"`
	Price     fpmath.Wad `json:"price"`
	Sequence  int64      `json:"sequence"`  // monotonic per market
	Timestamp int64      `json:"timestamp"` // unix seconds at the source
}
