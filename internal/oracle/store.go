package oracle

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrNoPrice      = errors.New("no price")
	ErrInvalidPrice = errors.New("invalid price")
	ErrStaleUpdate  = errors.New("stale price update")
)

// Source is the price feed read by the engine on close and liquidation.
type Source interface {
	GetPrice(marketID string) (price fpmath.Wad, updatedAt int64, err error)
}

// Update is one price observation for a market. Sequence is assigned by the
// publisher and increases per market; Timestamp is unix seconds.
type Update struct {
	MarketID  string     `json:"market"`
	Price     fpmath.Wad `json:"price"`
	Sequence  int64      `json:"price_sequence"`
	Timestamp int64      `json:"price_timestamp"`
}

type entry struct {
	price     fpmath.Wad
	updatedAt int64
	sequence  int64
}

// Store keeps the latest accepted price per market. Updates at or below the
// last sequence are rejected; gaps are counted and accepted.
type Store struct {
	mu      sync.RWMutex
	prices  map[string]entry
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewStore(metrics *observability.Metrics, logger *zerolog.Logger) *Store {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Store{
		prices:  make(map[string]entry),
		metrics: metrics,
		log:     l,
	}
}

// Apply validates u and makes it the current price of its market.
func (s *Store) Apply(u Update) error {
	if u.MarketID == "" {
		s.rejected("no_market")
		return fmt.Errorf("%w: empty market", ErrInvalidPrice)
	}
	if u.Price.Sign() <= 0 {
		s.rejected("non_positive")
		return fmt.Errorf("%w: %s price %s", ErrInvalidPrice, u.MarketID, u.Price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.prices[u.MarketID]
	if seen {
		if u.Sequence <= prev.sequence {
			s.rejected("stale_sequence")
			return fmt.Errorf("%w: %s sequence %d, last %d", ErrStaleUpdate, u.MarketID, u.Sequence, prev.sequence)
		}
		if u.Timestamp < prev.updatedAt {
			s.rejected("stale_timestamp")
			return fmt.Errorf("%w: %s timestamp %d before %d", ErrStaleUpdate, u.MarketID, u.Timestamp, prev.updatedAt)
		}
		if u.Sequence > prev.sequence+1 {
			if s.metrics != nil {
				s.metrics.PriceGaps.WithLabelValues(u.MarketID).Inc()
			}
			s.log.Warn().
				Str("market", u.MarketID).
				Int64("expected", prev.sequence+1).
				Int64("got", u.Sequence).
				Msg("price sequence gap")
		}
	}

	s.prices[u.MarketID] = entry{price: u.Price, updatedAt: u.Timestamp, sequence: u.Sequence}
	if s.metrics != nil {
		s.metrics.PriceUpdates.WithLabelValues(u.MarketID).Inc()
	}
	return nil
}

// GetPrice returns the latest price and when it was observed. Staleness is
// judged by the caller against its own clock.
func (s *Store) GetPrice(marketID string) (fpmath.Wad, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.prices[marketID]
	if !ok {
		return fpmath.Zero(), 0, fmt.Errorf("%w: %s", ErrNoPrice, marketID)
	}
	return e.price, e.updatedAt, nil
}

// LastSequence returns the last accepted sequence for a market, -1 if none.
func (s *Store) LastSequence(marketID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.prices[marketID]; ok {
		return e.sequence
	}
	return -1
}

// Markets lists the markets that have a price.
func (s *Store) Markets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prices))
	for m := range s.prices {
		out = append(out, m)
	}
	return out
}

func (s *Store) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.PriceRejected.WithLabelValues(reason).Inc()
	}
}
