package core

import (
	"PerpOptions/internal/ledger"
	"PerpOptions/internal/state"
	"errors"
)

// Error taxonomy of the protocol. Every rejected operation wraps exactly one.
var (
	ErrInsufficientBalance   = state.ErrInsufficientBalance
	ErrInsufficientLiquidity = state.ErrInsufficientLiquidity
	ErrInsufficientAllowance = state.ErrInsufficientAllowance
	ErrInvalidStrikeIndex    = state.ErrInvalidStrikeIndex
	ErrZeroAmount            = state.ErrZeroAmount
	ErrNegativeAmount        = state.ErrNegativeAmount
	ErrNotLiquidatable       = state.ErrNotLiquidatable
	ErrStalePrice            = state.ErrStalePrice
	ErrPositionNotFound      = state.ErrPositionNotFound
	ErrNotOwner              = state.ErrNotOwner
	ErrUnknownMarket         = state.ErrUnknownMarket
	ErrInvalidMarket         = state.ErrInvalidMarket

	ErrDuplicateRequest = errors.New("duplicate request")
	ErrUnknownAsset     = ledger.ErrUnknownAsset
	ErrFaucetDisabled   = errors.New("faucet disabled")
)

// ErrorKind is the stable name of an error in the taxonomy.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindInsufficientBalance   ErrorKind = "InsufficientBalance"
	KindInsufficientLiquidity ErrorKind = "InsufficientLiquidity"
	KindInsufficientAllowance ErrorKind = "InsufficientAllowance"
	KindInvalidStrikeIndex    ErrorKind = "InvalidStrikeIndex"
	KindZeroAmount            ErrorKind = "ZeroAmount"
	KindNegativeAmount        ErrorKind = "NegativeAmount"
	KindNotLiquidatable       ErrorKind = "NotLiquidatable"
	KindStalePrice            ErrorKind = "StalePrice"
	KindPositionNotFound      ErrorKind = "PositionNotFound"
	KindNotOwner              ErrorKind = "NotOwner"
	KindUnknownMarket         ErrorKind = "UnknownMarket"
	KindInvalidMarket         ErrorKind = "InvalidMarket"
	KindDuplicateRequest      ErrorKind = "DuplicateRequest"
	KindUnknownAsset          ErrorKind = "UnknownAsset"
	KindFaucetDisabled        ErrorKind = "FaucetDisabled"
	KindInternal              ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInsufficientAllowance, KindInsufficientAllowance},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrInsufficientLiquidity, KindInsufficientLiquidity},
	{ErrInvalidStrikeIndex, KindInvalidStrikeIndex},
	{ErrZeroAmount, KindZeroAmount},
	{ErrNegativeAmount, KindNegativeAmount},
	{ErrNotLiquidatable, KindNotLiquidatable},
	{ErrStalePrice, KindStalePrice},
	{ErrPositionNotFound, KindPositionNotFound},
	{ErrNotOwner, KindNotOwner},
	{ErrUnknownMarket, KindUnknownMarket},
	{ErrInvalidMarket, KindInvalidMarket},
	{ErrDuplicateRequest, KindDuplicateRequest},
	{ErrUnknownAsset, KindUnknownAsset},
	{ErrFaucetDisabled, KindFaucetDisabled},
}

// Kind classifies err. Errors outside the taxonomy are KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
