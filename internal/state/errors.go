package state

import (
	"PerpOptions/internal/ledger"
	"errors"
)

// Protocol error taxonomy. Every rejected operation wraps exactly one of these.
var (
	ErrInsufficientBalance   = ledger.ErrInsufficientBalance
	ErrInsufficientAllowance = ledger.ErrInsufficientAllowance
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidStrikeIndex    = errors.New("invalid strike index")
	ErrZeroAmount            = errors.New("zero amount")
	ErrNegativeAmount        = errors.New("negative amount")
	ErrNotLiquidatable       = errors.New("not liquidatable")
	ErrStalePrice            = errors.New("stale price")
	ErrPositionNotFound      = errors.New("position not found")
	ErrNotOwner              = errors.New("not position owner")
	ErrUnknownMarket         = errors.New("unknown market")
	ErrInvalidMarket         = errors.New("invalid market")
)
