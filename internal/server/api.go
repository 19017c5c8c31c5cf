package server

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/query"
	"PerpOptions/internal/router"
	"PerpOptions/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// IdempotencyHeader carries the client's idempotency key for mutating calls.
const IdempotencyHeader = "Idempotency-Key"

// History is the durable, Postgres-backed read side.
type History interface {
	JournalHistory(ctx context.Context, owner uuid.UUID, limit int, before int64) ([]query.JournalEntry, error)
	OwnerBalances(ctx context.Context, owner uuid.UUID) (*query.Balances, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// API exposes the engine as JSON routes on a grpc-gateway ServeMux.
type API struct {
	engine       *core.Engine
	router       *router.Router
	liquidations *core.LiquidationEngine
	prices       core.PriceSource
	history      History
	metrics      *observability.Metrics
	log          zerolog.Logger
}

type apiFunc func(r *http.Request, params map[string]string) (interface{}, error)

// NewAPI builds the routes. history may be nil, in which case the history
// routes answer 503.
func NewAPI(engine *core.Engine, rt *router.Router, prices core.PriceSource, history History, metrics *observability.Metrics, logger zerolog.Logger) *API {
	return &API{
		engine:       engine,
		router:       rt,
		liquidations: core.NewLiquidationEngine(engine),
		prices:       prices,
		history:      history,
		metrics:      metrics,
		log:          logger,
	}
}

// Register mounts every route on mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		fn              apiFunc
	}{
		{http.MethodGet, "/v1/status", a.status},

		{http.MethodPost, "/v1/markets", a.createMarket},
		{http.MethodGet, "/v1/markets", a.listMarkets},
		{http.MethodGet, "/v1/markets/{id}", a.marketLiquidity},
		{http.MethodGet, "/v1/markets/{id}/open_interest", a.openInterest},
		{http.MethodGet, "/v1/markets/{id}/available/{side}", a.available},
		{http.MethodGet, "/v1/markets/{id}/books/{side}/{index}", a.book},
		{http.MethodGet, "/v1/markets/{id}/price", a.price},

		{http.MethodPost, "/v1/tokens/mint", a.mint},
		{http.MethodPost, "/v1/tokens/approve", a.approve},
		{http.MethodGet, "/v1/tokens/{owner}/{asset}", a.wallet},

		{http.MethodPost, "/v1/collateral/deposit", a.depositCollateral},
		{http.MethodPost, "/v1/collateral/withdraw", a.withdrawCollateral},

		{http.MethodGet, "/v1/accounts/{owner}", a.account},
		{http.MethodGet, "/v1/accounts/{owner}/can_open", a.canOpen},
		{http.MethodGet, "/v1/accounts/{owner}/contracts", a.contractsOf},
		{http.MethodGet, "/v1/accounts/{owner}/liquidity", a.liquidityOf},
		{http.MethodGet, "/v1/accounts/{owner}/liquidations", a.liquidationsOf},
		{http.MethodPost, "/v1/accounts/{owner}/liquidate", a.liquidateAccount},
		{http.MethodGet, "/v1/accounts/{owner}/journal", a.journal},
		{http.MethodGet, "/v1/accounts/{owner}/ledger", a.ledger},

		{http.MethodPost, "/v1/liquidity", a.depositLiquidity},
		{http.MethodGet, "/v1/liquidity/{id}", a.lpPosition},
		{http.MethodPost, "/v1/liquidity/{id}/claim", a.claimRewards},
		{http.MethodPost, "/v1/liquidity/{id}/withdraw", a.withdrawLiquidity},

		{http.MethodPost, "/v1/contracts", a.openContract},
		{http.MethodGet, "/v1/contracts/{id}", a.contract},
		{http.MethodPost, "/v1/contracts/{id}/close", a.closeContract},
		{http.MethodPost, "/v1/contracts/{id}/liquidate", a.liquidateContract},

		{http.MethodGet, "/v1/liquidations/candidates", a.candidates},

		{http.MethodPost, "/v1/router/quote", a.quote},
		{http.MethodPost, "/v1/router/execute", a.execute},

		{http.MethodGet, "/v1/admin/integrity", a.integrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.method+" "+rt.pattern, rt.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// wrap attaches the idempotency key, encodes the result and records metrics.
func (a *API) wrap(route string, fn apiFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		if key := r.Header.Get(IdempotencyHeader); key != "" {
			r = r.WithContext(core.WithIdempotencyKey(r.Context(), key))
		}

		code := http.StatusOK
		var body interface{}
		res, err := fn(r, params)
		if err != nil {
			var eb errorBody
			code, eb = classify(err)
			body = eb
			ev := a.log.Debug()
			if code >= http.StatusInternalServerError {
				ev = a.log.Error()
			}
			ev.Str("route", route).Str("kind", string(eb.Kind)).Err(err).Msg("request rejected")
		} else {
			body = res
			if body == nil {
				body = map[string]string{"status": "ok"}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			a.log.Warn().Str("route", route).Err(err).Msg("write response")
		}

		if a.metrics != nil {
			a.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
			a.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

// --- request bodies ---

type amountBody struct {
	Owner  uuid.UUID  `json:"owner"`
	Amount fpmath.Wad `json:"amount"`
}

type tokenBody struct {
	Owner  uuid.UUID  `json:"owner"`
	Asset  string     `json:"asset"`
	Amount fpmath.Wad `json:"amount"`
}

type positionBody struct {
	Owner       uuid.UUID        `json:"owner"`
	MarketID    string           `json:"market_id"`
	Side        state.OptionSide `json:"side"`
	StrikeIndex int              `json:"strike_index"`
	Amount      fpmath.Wad       `json:"amount"`
}

type ownerBody struct {
	Owner uuid.UUID `json:"owner"`
}

type liquidatorBody struct {
	Liquidator uuid.UUID `json:"liquidator"`
}

type executeBody struct {
	Owner uuid.UUID `json:"owner"`
	router.Request
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathUUID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return id, nil
}

func pathUint(params map[string]string, name string) (uint64, error) {
	n, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return n, nil
}

func pathSide(params map[string]string) (state.OptionSide, error) {
	side, err := state.ParseOptionSide(params["side"])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return side, nil
}

// --- status and markets ---

type statusView struct {
	NextSequence int64  `json:"next_sequence"`
	StateHash    string `json:"state_hash"`
	Collateral   string `json:"collateral_asset"`
}

func (a *API) status(_ *http.Request, _ map[string]string) (interface{}, error) {
	h := a.engine.StateHash()
	return statusView{
		NextSequence: a.engine.Sequence(),
		StateHash:    hex.EncodeToString(h[:]),
		Collateral:   a.engine.CollateralAsset(),
	}, nil
}

func (a *API) createMarket(r *http.Request, _ map[string]string) (interface{}, error) {
	var m state.Market
	if err := decode(r, &m); err != nil {
		return nil, err
	}
	return a.engine.CreateMarket(r.Context(), m)
}

func (a *API) listMarkets(_ *http.Request, _ map[string]string) (interface{}, error) {
	return a.engine.Markets(), nil
}

func (a *API) marketLiquidity(_ *http.Request, p map[string]string) (interface{}, error) {
	return a.engine.MarketLiquidity(p["id"])
}

type openInterestView struct {
	MarketID string     `json:"market_id"`
	Calls    fpmath.Wad `json:"calls"`
	Puts     fpmath.Wad `json:"puts"`
}

func (a *API) openInterest(_ *http.Request, p map[string]string) (interface{}, error) {
	calls, puts, err := a.engine.OpenInterest(p["id"])
	if err != nil {
		return nil, err
	}
	return openInterestView{MarketID: p["id"], Calls: calls, Puts: puts}, nil
}

func (a *API) available(_ *http.Request, p map[string]string) (interface{}, error) {
	side, err := pathSide(p)
	if err != nil {
		return nil, err
	}
	return a.engine.AvailableLiquidity(p["id"], side)
}

func (a *API) book(_ *http.Request, p map[string]string) (interface{}, error) {
	side, err := pathSide(p)
	if err != nil {
		return nil, err
	}
	idx, err := strconv.Atoi(p["index"])
	if err != nil {
		return nil, fmt.Errorf("%w: index: %v", errBadRequest, err)
	}
	if _, err := a.engine.Market(p["id"]); err != nil {
		return nil, err
	}
	return a.engine.Book(state.BookKey{MarketID: p["id"], StrikeIndex: idx, Side: side})
}

type priceView struct {
	MarketID  string     `json:"market_id"`
	Price     fpmath.Wad `json:"price"`
	UpdatedAt int64      `json:"updated_at"`
}

func (a *API) price(_ *http.Request, p map[string]string) (interface{}, error) {
	if _, err := a.engine.Market(p["id"]); err != nil {
		return nil, err
	}
	if a.prices == nil {
		return nil, fmt.Errorf("%w: no price feed", core.ErrStalePrice)
	}
	px, at, err := a.prices.GetPrice(p["id"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStalePrice, err)
	}
	return priceView{MarketID: p["id"], Price: px, UpdatedAt: at}, nil
}

// --- tokens and collateral ---

func (a *API) mint(r *http.Request, _ map[string]string) (interface{}, error) {
	var b tokenBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return nil, a.engine.Mint(r.Context(), b.Owner, b.Asset, b.Amount)
}

func (a *API) approve(r *http.Request, _ map[string]string) (interface{}, error) {
	var b tokenBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return nil, a.engine.Approve(r.Context(), b.Owner, b.Asset, b.Amount)
}

type walletView struct {
	Owner     uuid.UUID  `json:"owner"`
	Asset     string     `json:"asset"`
	Balance   fpmath.Wad `json:"balance"`
	Allowance fpmath.Wad `json:"allowance"`
}

func (a *API) wallet(_ *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	bal, err := a.engine.WalletBalance(owner, p["asset"])
	if err != nil {
		return nil, err
	}
	allowance, err := a.engine.Allowance(owner, p["asset"])
	if err != nil {
		return nil, err
	}
	return walletView{Owner: owner, Asset: p["asset"], Balance: bal, Allowance: allowance}, nil
}

func (a *API) depositCollateral(r *http.Request, _ map[string]string) (interface{}, error) {
	var b amountBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.DepositCollateral(r.Context(), b.Owner, b.Amount)
}

func (a *API) withdrawCollateral(r *http.Request, _ map[string]string) (interface{}, error) {
	var b amountBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.WithdrawCollateral(r.Context(), b.Owner, b.Amount)
}

// --- accounts ---

func (a *API) account(_ *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	return a.engine.Account(owner), nil
}

type canOpenView struct {
	Owner         uuid.UUID  `json:"owner"`
	RentPerSecond fpmath.Wad `json:"rent_per_second"`
	CanOpen       bool       `json:"can_open"`
}

// canOpen answers whether owner could take on rent_per_second more rent.
func (a *API) canOpen(r *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	rent := fpmath.Zero()
	if q := r.URL.Query().Get("rent_per_second"); q != "" {
		if rent, err = fpmath.ParseWad(q); err != nil {
			return nil, fmt.Errorf("%w: rent_per_second: %v", errBadRequest, err)
		}
	}
	return canOpenView{Owner: owner, RentPerSecond: rent, CanOpen: a.engine.CanOpenContract(owner, rent)}, nil
}

func (a *API) contractsOf(_ *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	return a.engine.ContractsOf(owner), nil
}

func (a *API) liquidityOf(_ *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	return a.engine.LPPositionsOf(owner), nil
}

func (a *API) liquidationsOf(_ *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	return a.engine.Liquidations(owner), nil
}

func (a *API) liquidateAccount(r *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	var b liquidatorBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.liquidations.LiquidateAccount(r.Context(), b.Liquidator, owner)
}

// --- liquidity ---

func (a *API) depositLiquidity(r *http.Request, _ map[string]string) (interface{}, error) {
	var b positionBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.DepositLiquidity(r.Context(), core.DepositLiquidityRequest{
		Owner:       b.Owner,
		MarketID:    b.MarketID,
		Side:        b.Side,
		StrikeIndex: b.StrikeIndex,
		Amount:      b.Amount,
	})
}

func (a *API) lpPosition(_ *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	return a.engine.LPPosition(id)
}

type claimView struct {
	PositionID uint64     `json:"position_id"`
	Paid       fpmath.Wad `json:"paid"`
}

func (a *API) claimRewards(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	var b ownerBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	paid, err := a.engine.ClaimRewards(r.Context(), b.Owner, id)
	if err != nil {
		return nil, err
	}
	return claimView{PositionID: id, Paid: paid}, nil
}

func (a *API) withdrawLiquidity(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	var b ownerBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.WithdrawLiquidity(r.Context(), b.Owner, id)
}

// --- contracts ---

func (a *API) openContract(r *http.Request, _ map[string]string) (interface{}, error) {
	var b positionBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.OpenContract(r.Context(), core.OpenContractRequest{
		Owner:       b.Owner,
		MarketID:    b.MarketID,
		Side:        b.Side,
		StrikeIndex: b.StrikeIndex,
		Amount:      b.Amount,
	})
}

func (a *API) contract(_ *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	return a.engine.Contract(id)
}

func (a *API) closeContract(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	var b ownerBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.CloseContract(r.Context(), b.Owner, id)
}

func (a *API) liquidateContract(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := pathUint(p, "id")
	if err != nil {
		return nil, err
	}
	var b liquidatorBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.engine.LiquidateContract(r.Context(), b.Liquidator, id)
}

func (a *API) candidates(_ *http.Request, _ map[string]string) (interface{}, error) {
	return a.liquidations.Scan(), nil
}

// --- router ---

func (a *API) quote(r *http.Request, _ map[string]string) (interface{}, error) {
	var req router.Request
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.router.Quote(req)
}

func (a *API) execute(r *http.Request, _ map[string]string) (interface{}, error) {
	var b executeBody
	if err := decode(r, &b); err != nil {
		return nil, err
	}
	return a.router.Execute(r.Context(), b.Owner, b.Request)
}

// --- history ---

func (a *API) journal(r *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	if a.history == nil {
		return nil, fmt.Errorf("%w: journal history", errUnavailable)
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before", 0)
	if err != nil {
		return nil, err
	}
	return a.history.JournalHistory(r.Context(), owner, limit, int64(before))
}

func (a *API) ledger(r *http.Request, p map[string]string) (interface{}, error) {
	owner, err := pathUUID(p, "owner")
	if err != nil {
		return nil, err
	}
	if a.history == nil {
		return nil, fmt.Errorf("%w: balance projection", errUnavailable)
	}
	return a.history.OwnerBalances(r.Context(), owner)
}

func (a *API) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.history == nil {
		return nil, fmt.Errorf("%w: integrity check", errUnavailable)
	}
	return a.history.VerifyIntegrity(r.Context())
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return n, nil
}
