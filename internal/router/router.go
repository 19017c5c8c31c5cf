package router

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/state"
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is what the router needs from the core.
type Engine interface {
	ContractOpener
	Tiers(base, quote string, side state.OptionSide, strikeIndex int) []core.Tier
}

// Request asks for Amount base units of exposure at one strike index across
// every market trading (Base, Quote).
type Request struct {
	Base        string           `json:"base"`
	Quote       string           `json:"quote"`
	Side        state.OptionSide `json:"side"`
	StrikeIndex int              `json:"strike_index"`
	Amount      fpmath.Wad       `json:"amount"`
}

type Router struct {
	engine  Engine
	exec    *Executor
	eps     fpmath.Wad
	metrics *observability.Metrics
}

func New(engine Engine, metrics *observability.Metrics, logger *zerolog.Logger) *Router {
	return &Router{
		engine:  engine,
		exec:    NewExecutor(engine, metrics, logger),
		eps:     DefaultEpsilon,
		metrics: metrics,
	}
}

// FromCoreTiers converts engine tiers to base-denominated router tiers.
func FromCoreTiers(ts []core.Tier) []Tier {
	out := make([]Tier, 0, len(ts))
	for _, t := range ts {
		out = append(out, Tier{
			MarketID:    t.MarketID,
			APR:         t.APR,
			Side:        t.Side,
			StrikeIndex: t.StrikeIndex,
			Strike:      t.Strike,
			Available:   toBase(t.Side, t.Available, t.Strike),
		})
	}
	return out
}

// Quote plans req against current liquidity without opening anything.
func (r *Router) Quote(req Request) (Plan, error) {
	if req.Amount.Sign() <= 0 {
		return Plan{}, fmt.Errorf("route %s/%s: %w", req.Base, req.Quote, core.ErrZeroAmount)
	}
	tiers := FromCoreTiers(r.engine.Tiers(req.Base, req.Quote, req.Side, req.StrikeIndex))
	if len(tiers) == 0 {
		return Plan{}, fmt.Errorf("route %s/%s strike %d: %w", req.Base, req.Quote, req.StrikeIndex, core.ErrUnknownMarket)
	}
	plan := Allocate(tiers, req.Amount, r.eps)
	if r.metrics != nil {
		r.metrics.RouterPlans.WithLabelValues(strconv.FormatBool(plan.IsFulfilled)).Inc()
	}
	return plan, nil
}

// Execute quotes req and opens the planned legs for owner.
func (r *Router) Execute(ctx context.Context, owner uuid.UUID, req Request) (*Report, error) {
	plan, err := r.Quote(req)
	if err != nil {
		return nil, err
	}
	return r.exec.Execute(ctx, owner, plan), nil
}
