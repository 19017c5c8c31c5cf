package server_test

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/query"
	"PerpOptions/internal/router"
	"PerpOptions/internal/server"
	"PerpOptions/internal/state"
	"PerpOptions/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	startTime = int64(1_700_000_000)
	marketID  = "BTC-USDT-20"
)

func wad(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

type fixture struct {
	t       *testing.T
	srv     *server.Server
	engine  *core.Engine
	prices  *testutil.StaticPrices
	clock   *testutil.FakeClock
	history server.History
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithHistory(t, nil)
}

func newFixtureWithHistory(t *testing.T, history server.History) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	f := &fixture{
		t:       t,
		prices:  testutil.NewStaticPrices(),
		clock:   testutil.NewFakeClock(startTime),
		history: history,
	}
	e, err := core.NewEngine(core.Config{
		Params:       state.DefaultProtocolParams,
		Clock:        f.clock,
		Prices:       f.prices,
		EnableFaucet: true,
		Metrics:      metrics,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = e

	logger := zerolog.Nop()
	api := server.NewAPI(e, router.New(e, metrics, &logger), f.prices, f.history, metrics, logger)
	srv, err := server.New(":0", ":0", server.Deps{API: api, Gatherer: reg, Logger: logger})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	f.srv = srv
	return f
}

// do sends a JSON request and decodes the response into out when non-nil.
func (f *fixture) do(method, path string, body interface{}, out interface{}, headers ...string) int {
	f.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			f.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (f *fixture) expect(want int, method, path string, body interface{}, out interface{}) {
	f.t.Helper()
	if got := f.do(method, path, body, out); got != want {
		f.t.Fatalf("%s %s: got status %d, want %d", method, path, got, want)
	}
}

func (f *fixture) createMarket() {
	f.t.Helper()
	var m state.Market
	f.expect(http.StatusOK, http.MethodPost, "/v1/markets", map[string]interface{}{
		"id":        marketID,
		"base":      "BTC",
		"quote":     "USDT",
		"intervals": []string{"45000", "50000", "55000", "60000"},
		"yield":     "0.2",
	}, &m)
	if m.ID != marketID || len(m.Intervals) != 4 {
		f.t.Fatalf("created market: %+v", m)
	}
}

func (f *fixture) fund(owner uuid.UUID, asset, amount string) {
	f.t.Helper()
	body := map[string]string{"owner": owner.String(), "asset": asset, "amount": amount}
	f.expect(http.StatusOK, http.MethodPost, "/v1/tokens/mint", body, nil)
	f.expect(http.StatusOK, http.MethodPost, "/v1/tokens/approve", body, nil)
}

func (f *fixture) depositCollateral(owner uuid.UUID, amount string) {
	f.t.Helper()
	f.fund(owner, "USDT", amount)
	f.expect(http.StatusOK, http.MethodPost, "/v1/collateral/deposit",
		map[string]string{"owner": owner.String(), "amount": amount}, nil)
}

func (f *fixture) provideCalls(owner uuid.UUID, amount string) state.LPPosition {
	f.t.Helper()
	f.fund(owner, "BTC", amount)
	var pos state.LPPosition
	f.expect(http.StatusOK, http.MethodPost, "/v1/liquidity", map[string]interface{}{
		"owner": owner, "market_id": marketID, "side": "call", "strike_index": 2, "amount": amount,
	}, &pos)
	return pos
}

func (f *fixture) openCall(owner uuid.UUID, amount string) state.ContractPosition {
	f.t.Helper()
	var c state.ContractPosition
	f.expect(http.StatusOK, http.MethodPost, "/v1/contracts", map[string]interface{}{
		"owner": owner, "market_id": marketID, "side": "call", "strike_index": 2, "amount": amount,
	}, &c)
	return c
}

func assertWad(t *testing.T, what string, got, want fpmath.Wad) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", what, got, want)
	}
}

// ============================================================================
// Test: Lifecycle over HTTP
// ============================================================================

func TestAPI_ContractLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createMarket()
	lp, trader := uuid.New(), uuid.New()

	pos := f.provideCalls(lp, "10")
	if pos.Owner != lp {
		t.Fatalf("lp owner: got %s, want %s", pos.Owner, lp)
	}
	f.depositCollateral(trader, "10000")

	c := f.openCall(trader, "5")
	assertWad(t, "notional", c.Notional, wad("275000"))

	var oi struct {
		Calls fpmath.Wad `json:"calls"`
		Puts  fpmath.Wad `json:"puts"`
	}
	f.expect(http.StatusOK, http.MethodGet, "/v1/markets/"+marketID+"/open_interest", nil, &oi)
	assertWad(t, "call open interest", oi.Calls, wad("5"))
	assertWad(t, "put open interest", oi.Puts, fpmath.Zero())

	var avail []fpmath.Wad
	f.expect(http.StatusOK, http.MethodGet, "/v1/markets/"+marketID+"/available/call", nil, &avail)
	if len(avail) != 2 {
		t.Fatalf("available: got %d strikes, want 2", len(avail))
	}
	assertWad(t, "available at 55000", avail[0], wad("5"))

	var acc core.AccountView
	f.expect(http.StatusOK, http.MethodGet, "/v1/accounts/"+trader.String(), nil, &acc)
	if len(acc.Contracts) != 1 || acc.Contracts[0] != c.ID {
		t.Errorf("account contracts: got %v, want [%d]", acc.Contracts, c.ID)
	}

	var owned []state.ContractPosition
	f.expect(http.StatusOK, http.MethodGet, "/v1/accounts/"+trader.String()+"/contracts", nil, &owned)
	if len(owned) != 1 {
		t.Errorf("owned contracts: got %d, want 1", len(owned))
	}

	f.clock.Advance(3600)
	f.prices.Set(marketID, wad("56000"), f.clock.Now())
	var closed struct {
		ContractID uint64 `json:"contract_id"`
	}
	f.expect(http.StatusOK, http.MethodPost, fmt.Sprintf("/v1/contracts/%d/close", c.ID),
		map[string]string{"owner": trader.String()}, &closed)
	if closed.ContractID != c.ID {
		t.Errorf("closed contract: got %d, want %d", closed.ContractID, c.ID)
	}

	f.expect(http.StatusOK, http.MethodGet, "/v1/markets/"+marketID+"/open_interest", nil, &oi)
	assertWad(t, "call open interest after close", oi.Calls, fpmath.Zero())

	var lpView core.LPView
	f.expect(http.StatusOK, http.MethodGet, fmt.Sprintf("/v1/liquidity/%d", pos.ID), nil, &lpView)
	if lpView.Pending.Sign() <= 0 {
		t.Errorf("pending rewards after an hour of rent: got %s", lpView.Pending)
	}

	var claim struct {
		Paid fpmath.Wad `json:"paid"`
	}
	f.expect(http.StatusOK, http.MethodPost, fmt.Sprintf("/v1/liquidity/%d/claim", pos.ID),
		map[string]string{"owner": lp.String()}, &claim)
	assertWad(t, "claimed", claim.Paid, lpView.Pending)

	var wallet struct {
		Balance fpmath.Wad `json:"balance"`
	}
	f.expect(http.StatusOK, http.MethodGet, "/v1/tokens/"+lp.String()+"/USDT", nil, &wallet)
	assertWad(t, "lp usdt wallet", wallet.Balance, claim.Paid)
}

// ============================================================================
// Test: Error Mapping
// ============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	f := newFixture(t)
	f.createMarket()
	lp, trader, other := uuid.New(), uuid.New(), uuid.New()
	f.provideCalls(lp, "10")
	f.depositCollateral(trader, "10000")
	c := f.openCall(trader, "1")

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantKind string
	}{
		{"zero amount", http.MethodPost, "/v1/contracts",
			map[string]interface{}{"owner": trader, "market_id": marketID, "side": "call", "strike_index": 2, "amount": "0"},
			http.StatusBadRequest, "ZeroAmount"},
		{"negative allowance", http.MethodPost, "/v1/tokens/approve",
			map[string]string{"owner": trader.String(), "asset": "USDT", "amount": "-1"},
			http.StatusBadRequest, "NegativeAmount"},
		{"invalid strike", http.MethodPost, "/v1/contracts",
			map[string]interface{}{"owner": trader, "market_id": marketID, "side": "call", "strike_index": 0, "amount": "1"},
			http.StatusBadRequest, "InvalidStrikeIndex"},
		{"unknown market", http.MethodGet, "/v1/markets/ETH-USDT-10", nil,
			http.StatusNotFound, "UnknownMarket"},
		{"missing contract", http.MethodGet, "/v1/contracts/999", nil,
			http.StatusNotFound, "PositionNotFound"},
		{"not owner", http.MethodPost, fmt.Sprintf("/v1/contracts/%d/close", c.ID),
			map[string]string{"owner": other.String()},
			http.StatusForbidden, "NotOwner"},
		{"stale price", http.MethodPost, fmt.Sprintf("/v1/contracts/%d/close", c.ID),
			map[string]string{"owner": trader.String()},
			http.StatusServiceUnavailable, "StalePrice"},
		{"over liquidity", http.MethodPost, "/v1/contracts",
			map[string]interface{}{"owner": trader, "market_id": marketID, "side": "call", "strike_index": 2, "amount": "20"},
			http.StatusConflict, "InsufficientLiquidity"},
		{"healthy account", http.MethodPost, fmt.Sprintf("/v1/contracts/%d/liquidate", c.ID),
			map[string]string{"liquidator": other.String()},
			http.StatusConflict, "NotLiquidatable"},
		{"malformed body", http.MethodPost, "/v1/collateral/deposit", "{not json",
			http.StatusBadRequest, "BadRequest"},
		{"unknown field", http.MethodPost, "/v1/collateral/deposit", `{"owner":"` + trader.String() + `","amount":"1","extra":1}`,
			http.StatusBadRequest, "BadRequest"},
		{"bad owner", http.MethodGet, "/v1/accounts/not-a-uuid", nil,
			http.StatusBadRequest, "BadRequest"},
		{"bad side", http.MethodGet, "/v1/markets/" + marketID + "/available/straddle", nil,
			http.StatusBadRequest, "BadRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct {
				Error string `json:"error"`
				Kind  string `json:"kind"`
			}
			code := f.do(tt.method, tt.path, tt.body, &body)
			if code != tt.wantCode || body.Kind != tt.wantKind {
				t.Errorf("got %d %s (%s), want %d %s", code, body.Kind, body.Error, tt.wantCode, tt.wantKind)
			}
		})
	}
}

func TestAPI_IdempotencyKeyHeader(t *testing.T) {
	f := newFixture(t)
	f.createMarket()
	owner := uuid.New()
	f.fund(owner, "USDT", "100")

	body := map[string]string{"owner": owner.String(), "amount": "40"}
	if code := f.do(http.MethodPost, "/v1/collateral/deposit", body, nil, server.IdempotencyHeader, "dep-1"); code != http.StatusOK {
		t.Fatalf("first deposit: got %d, want 200", code)
	}
	var rejected struct {
		Kind string `json:"kind"`
	}
	code := f.do(http.MethodPost, "/v1/collateral/deposit", body, &rejected, server.IdempotencyHeader, "dep-1")
	if code != http.StatusConflict || rejected.Kind != "DuplicateRequest" {
		t.Fatalf("replayed deposit: got %d %s, want 409 DuplicateRequest", code, rejected.Kind)
	}

	acc := f.engine.Account(owner)
	assertWad(t, "collateral after replay", acc.Balance, wad("40"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind core.ErrorKind
		want int
	}{
		{core.KindNone, http.StatusOK},
		{core.KindZeroAmount, http.StatusBadRequest},
		{core.KindNegativeAmount, http.StatusBadRequest},
		{core.KindUnknownAsset, http.StatusBadRequest},
		{core.KindNotOwner, http.StatusForbidden},
		{core.KindFaucetDisabled, http.StatusForbidden},
		{core.KindUnknownMarket, http.StatusNotFound},
		{core.KindInsufficientBalance, http.StatusConflict},
		{core.KindInsufficientAllowance, http.StatusConflict},
		{core.KindDuplicateRequest, http.StatusConflict},
		{core.KindStalePrice, http.StatusServiceUnavailable},
		{core.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := server.HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s): got %d, want %d", tt.kind, got, tt.want)
		}
	}
}

// ============================================================================
// Test: Router and Views
// ============================================================================

func TestAPI_RouterQuoteAndExecute(t *testing.T) {
	f := newFixture(t)
	f.createMarket()
	lp, trader := uuid.New(), uuid.New()
	f.provideCalls(lp, "10")
	f.depositCollateral(trader, "10000")

	req := map[string]interface{}{"base": "BTC", "quote": "USDT", "side": "call", "strike_index": 2, "amount": "3"}
	var plan router.Plan
	f.expect(http.StatusOK, http.MethodPost, "/v1/router/quote", req, &plan)
	if !plan.IsFulfilled || len(plan.Allocations) != 1 {
		t.Fatalf("plan: fulfilled %v with %d allocations", plan.IsFulfilled, len(plan.Allocations))
	}
	assertWad(t, "blended apr", plan.BlendedAPR, wad("0.2"))

	req["owner"] = trader
	var report router.Report
	f.expect(http.StatusOK, http.MethodPost, "/v1/router/execute", req, &report)
	if !report.Complete || len(report.Legs) != 1 || report.Legs[0].Status != router.LegFilled {
		t.Fatalf("report: complete %v legs %+v", report.Complete, report.Legs)
	}
	assertWad(t, "filled", report.Filled, wad("3"))

	var body struct {
		Kind string `json:"kind"`
	}
	req = map[string]interface{}{"base": "ETH", "quote": "USDT", "side": "call", "strike_index": 2, "amount": "1"}
	if code := f.do(http.MethodPost, "/v1/router/quote", req, &body); code != http.StatusNotFound || body.Kind != "UnknownMarket" {
		t.Errorf("quote without markets: got %d %s", code, body.Kind)
	}
}

func TestAPI_PriceAndStatus(t *testing.T) {
	f := newFixture(t)
	f.createMarket()

	var body struct {
		Kind string `json:"kind"`
	}
	if code := f.do(http.MethodGet, "/v1/markets/"+marketID+"/price", nil, &body); code != http.StatusServiceUnavailable {
		t.Errorf("price before any update: got %d, want 503", code)
	}

	f.prices.Set(marketID, wad("51234.5"), startTime)
	var px struct {
		Price     fpmath.Wad `json:"price"`
		UpdatedAt int64      `json:"updated_at"`
	}
	f.expect(http.StatusOK, http.MethodGet, "/v1/markets/"+marketID+"/price", nil, &px)
	assertWad(t, "price", px.Price, wad("51234.5"))

	var st struct {
		NextSequence int64  `json:"next_sequence"`
		StateHash    string `json:"state_hash"`
	}
	f.expect(http.StatusOK, http.MethodGet, "/v1/status", nil, &st)
	if st.NextSequence != f.engine.Sequence() || len(st.StateHash) != 64 {
		t.Errorf("status: %+v", st)
	}
}

// ============================================================================
// Test: History
// ============================================================================

type fakeHistory struct {
	owner  uuid.UUID
	limit  int
	before int64
}

func (h *fakeHistory) JournalHistory(_ context.Context, owner uuid.UUID, limit int, before int64) ([]query.JournalEntry, error) {
	h.owner, h.limit, h.before = owner, limit, before
	return []query.JournalEntry{{Sequence: 7, Asset: "USDT", Amount: wad("12.5"), JournalType: "COLLATERAL_DEPOSIT"}}, nil
}

func (h *fakeHistory) OwnerBalances(_ context.Context, owner uuid.UUID) (*query.Balances, error) {
	return &query.Balances{
		Owner:        owner,
		Accounts:     []query.ProjectedBalance{{AccountPath: "user:" + owner.String() + ":collateral:USDT", Asset: "USDT", Balance: wad("12.5"), LastSequence: 7}},
		AsOfSequence: 7,
	}, nil
}

func (h *fakeHistory) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, AsOfSequence: 7}, nil
}

func TestAPI_HistoryRoutes(t *testing.T) {
	h := &fakeHistory{}
	f := newFixtureWithHistory(t, h)
	owner := uuid.New()

	var entries []query.JournalEntry
	f.expect(http.StatusOK, http.MethodGet, "/v1/accounts/"+owner.String()+"/journal?limit=5&before=9", nil, &entries)
	if len(entries) != 1 || entries[0].Sequence != 7 {
		t.Fatalf("journal: %+v", entries)
	}
	assertWad(t, "journal amount", entries[0].Amount, wad("12.5"))
	if h.owner != owner || h.limit != 5 || h.before != 9 {
		t.Errorf("journal args: owner %s limit %d before %d", h.owner, h.limit, h.before)
	}

	f.expect(http.StatusOK, http.MethodGet, "/v1/accounts/"+owner.String()+"/journal", nil, nil)
	if h.limit != 100 || h.before != 0 {
		t.Errorf("journal defaults: limit %d before %d", h.limit, h.before)
	}

	var balances query.Balances
	f.expect(http.StatusOK, http.MethodGet, "/v1/accounts/"+owner.String()+"/ledger", nil, &balances)
	if balances.Owner != owner || len(balances.Accounts) != 1 || balances.AsOfSequence != 7 {
		t.Errorf("ledger: %+v", balances)
	}

	var report query.IntegrityReport
	f.expect(http.StatusOK, http.MethodGet, "/v1/admin/integrity", nil, &report)
	if !report.IsHealthy {
		t.Errorf("integrity: %+v", report)
	}

	f.expect(http.StatusBadRequest, http.MethodGet, "/v1/accounts/"+owner.String()+"/journal?limit=ten", nil, nil)
}

func TestAPI_HistoryUnavailable(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Kind string `json:"kind"`
	}
	for _, path := range []string{
		"/v1/accounts/" + uuid.New().String() + "/journal",
		"/v1/accounts/" + uuid.New().String() + "/ledger",
		"/v1/admin/integrity",
	} {
		if code := f.do(http.MethodGet, path, nil, &body); code != http.StatusServiceUnavailable || body.Kind != "Unavailable" {
			t.Errorf("%s: got %d %s, want 503 Unavailable", path, code, body.Kind)
		}
	}
}

// ============================================================================
// Test: Probes
// ============================================================================

func TestServer_ProbesAndMetrics(t *testing.T) {
	f := newFixture(t)

	if code := f.do(http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", code)
	}
	if code := f.do(http.MethodGet, "/readyz", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before startup: got %d, want 503", code)
	}
	f.srv.SetServing(true)
	if code := f.do(http.MethodGet, "/readyz", nil, nil); code != http.StatusOK {
		t.Errorf("readyz after startup: got %d, want 200", code)
	}

	f.do(http.MethodGet, "/v1/markets", nil, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `perpopt_api_requests_total{route="GET /v1/markets",status="200"} 1`) {
		t.Errorf("metrics output lacks the markets request counter")
	}
}

func TestServer_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.StartHTTP(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("StartHTTP after cancel: %v", err)
	}
}
