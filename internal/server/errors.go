package server

import (
	"PerpOptions/internal/core"
	"errors"
	"net/http"
)

var (
	// errBadRequest marks malformed input: undecodable bodies, bad path values.
	errBadRequest = errors.New("bad request")
	// errUnavailable marks routes whose backing store is not configured.
	errUnavailable = errors.New("unavailable")
)

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind core.ErrorKind) int {
	switch kind {
	case core.KindNone:
		return http.StatusOK
	case core.KindZeroAmount, core.KindNegativeAmount, core.KindInvalidStrikeIndex, core.KindInvalidMarket, core.KindUnknownAsset:
		return http.StatusBadRequest
	case core.KindNotOwner, core.KindFaucetDisabled:
		return http.StatusForbidden
	case core.KindPositionNotFound, core.KindUnknownMarket:
		return http.StatusNotFound
	case core.KindInsufficientBalance, core.KindInsufficientLiquidity, core.KindInsufficientAllowance,
		core.KindNotLiquidatable, core.KindDuplicateRequest:
		return http.StatusConflict
	case core.KindStalePrice:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind"`
}

func classify(err error) (int, errorBody) {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "BadRequest"}
	}
	if errors.Is(err, errUnavailable) {
		return http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: "Unavailable"}
	}
	kind := core.Kind(err)
	return HTTPStatus(kind), errorBody{Error: err.Error(), Kind: kind}
}
