package router

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/state"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContractOpener is the part of the engine the executor drives.
type ContractOpener interface {
	OpenContract(ctx context.Context, req core.OpenContractRequest) (*state.ContractPosition, error)
}

type LegStatus string

const (
	LegFilled  LegStatus = "filled"
	LegFailed  LegStatus = "failed"
	LegSkipped LegStatus = "skipped"
)

// LegResult reports one allocation of a plan.
type LegResult struct {
	Tier       Tier           `json:"tier"`
	Amount     fpmath.Wad     `json:"amount"`          // base units
	Contract   fpmath.Wad     `json:"contract_amount"` // as passed to OpenContract
	Status     LegStatus      `json:"status"`
	ContractID uint64         `json:"contract_id,omitempty"`
	ErrorKind  core.ErrorKind `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type Report struct {
	Plan     Plan        `json:"plan"`
	Legs     []LegResult `json:"legs"`
	Filled   fpmath.Wad  `json:"filled"` // base units actually opened
	Complete bool        `json:"complete"`
}

// Executor opens one contract per allocation, in plan order. Every leg is its
// own atomic operation; the first failure stops the run and the remaining
// legs are reported as skipped. Legs are never retried.
type Executor struct {
	opener  ContractOpener
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewExecutor(opener ContractOpener, metrics *observability.Metrics, logger *zerolog.Logger) *Executor {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Executor{opener: opener, metrics: metrics, log: l}
}

// Execute runs plan for owner. An idempotency key on ctx is suffixed with
// the leg index so a replayed request is rejected leg by leg.
func (x *Executor) Execute(ctx context.Context, owner uuid.UUID, plan Plan) *Report {
	rep := &Report{Plan: plan, Filled: fpmath.Zero()}
	baseKey := core.IdempotencyKeyFrom(ctx)
	failed := false

	for i, a := range plan.Allocations {
		leg := LegResult{
			Tier:     a.Tier,
			Amount:   a.Amount,
			Contract: contractAmount(a.Tier.Side, a.Amount, a.Tier.Strike),
		}
		if failed {
			leg.Status = LegSkipped
			rep.Legs = append(rep.Legs, leg)
			x.recordLeg(leg.Status)
			continue
		}

		legCtx := ctx
		if baseKey != "" {
			legCtx = core.WithIdempotencyKey(ctx, fmt.Sprintf("%s:%d", baseKey, i))
		}
		c, err := x.opener.OpenContract(legCtx, core.OpenContractRequest{
			Owner:       owner,
			MarketID:    a.Tier.MarketID,
			Side:        a.Tier.Side,
			StrikeIndex: a.Tier.StrikeIndex,
			Amount:      leg.Contract,
		})
		if err != nil {
			failed = true
			leg.Status = LegFailed
			leg.ErrorKind = core.Kind(err)
			leg.Error = err.Error()
			x.log.Warn().
				Str("owner", owner.String()).
				Str("market", a.Tier.MarketID).
				Int("leg", i).
				Str("kind", string(leg.ErrorKind)).
				Err(err).
				Msg("router leg failed, skipping remaining legs")
		} else {
			leg.Status = LegFilled
			leg.ContractID = c.ID
			rep.Filled = rep.Filled.Add(a.Amount)
		}
		rep.Legs = append(rep.Legs, leg)
		x.recordLeg(leg.Status)
	}

	rep.Complete = !failed && plan.IsFulfilled
	return rep
}

func (x *Executor) recordLeg(s LegStatus) {
	if x.metrics != nil {
		x.metrics.RouterLegs.WithLabelValues(string(s)).Inc()
	}
}
