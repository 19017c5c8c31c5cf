package state

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

// LPPosition is one liquidity provider's stake in one strike book.
type LPPosition struct {
	ID               uint64     `json:"id"`
	Owner            uuid.UUID  `json:"owner"`
	Book             BookKey    `json:"book"`
	Deposited        fpmath.Wad `json:"deposited"`
	RewardCheckpoint fpmath.Wad `json:"reward_checkpoint"`
	RewardsClaimed   fpmath.Wad `json:"rewards_claimed"`
	CreatedAt        int64      `json:"created_at"`
}

func (p *LPPosition) Clone() *LPPosition {
	c := *p
	return &c
}

// IsEmpty reports whether the position has been fully withdrawn.
func (p *LPPosition) IsEmpty() bool {
	return p.Deposited.Sign() <= 0
}
