package state_test

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func wad(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

func btcMarket(t *testing.T) *state.Market {
	t.Helper()
	m := &state.Market{
		ID:        "BTC-USDT-20",
		Base:      "BTC",
		Quote:     "USDT",
		Intervals: []fpmath.Wad{wad("45000"), wad("50000"), wad("55000"), wad("60000")},
		Yield:     wad("0.2"),
	}
	if err := state.ValidateMarket(m, "USDT"); err != nil {
		t.Fatalf("validate market: %v", err)
	}
	return m
}

// ============================================================================
// Test: Market
// ============================================================================

func TestValidateMarket_Rejects(t *testing.T) {
	cases := map[string]state.Market{
		"odd strikes":    {ID: "m", Base: "BTC", Quote: "USDT", Intervals: []fpmath.Wad{wad("1"), wad("2"), wad("3")}, Yield: wad("0.1")},
		"unsorted":       {ID: "m", Base: "BTC", Quote: "USDT", Intervals: []fpmath.Wad{wad("2"), wad("1")}, Yield: wad("0.1")},
		"zero yield":     {ID: "m", Base: "BTC", Quote: "USDT", Intervals: []fpmath.Wad{wad("1"), wad("2")}},
		"wrong quote":    {ID: "m", Base: "BTC", Quote: "ETH", Intervals: []fpmath.Wad{wad("1"), wad("2")}, Yield: wad("0.1")},
		"same base/quot": {ID: "m", Base: "USDT", Quote: "USDT", Intervals: []fpmath.Wad{wad("1"), wad("2")}, Yield: wad("0.1")},
	}
	for name, m := range cases {
		m := m
		if err := state.ValidateMarket(&m, "USDT"); !errors.Is(err, state.ErrInvalidMarket) {
			t.Errorf("%s: got %v, want ErrInvalidMarket", name, err)
		}
	}
}

func TestMarket_ValidateStrike(t *testing.T) {
	m := btcMarket(t)

	valid := []struct {
		side  state.OptionSide
		index int
	}{
		{state.SidePut, 0}, {state.SidePut, 1}, {state.SideCall, 2}, {state.SideCall, 3},
	}
	for _, v := range valid {
		if err := m.ValidateStrike(v.side, v.index); err != nil {
			t.Errorf("%s %d: unexpected error %v", v.side, v.index, err)
		}
	}

	invalid := []struct {
		side  state.OptionSide
		index int
	}{
		{state.SidePut, 2}, {state.SideCall, 1}, {state.SideCall, 4}, {state.SidePut, -1},
	}
	for _, v := range invalid {
		if err := m.ValidateStrike(v.side, v.index); !errors.Is(err, state.ErrInvalidStrikeIndex) {
			t.Errorf("%s %d: got %v, want ErrInvalidStrikeIndex", v.side, v.index, err)
		}
	}
}

func TestMarket_Assets(t *testing.T) {
	m := btcMarket(t)
	if m.NativeAsset(state.SideCall) != m.BaseID || m.OppositeAsset(state.SideCall) != m.QuoteID {
		t.Error("call books hold base and pay quote")
	}
	if m.NativeAsset(state.SidePut) != m.QuoteID || m.OppositeAsset(state.SidePut) != m.BaseID {
		t.Error("put books hold quote and pay base")
	}
}

func TestBookKey_StableID(t *testing.T) {
	k := state.BookKey{MarketID: "BTC-USDT-20", StrikeIndex: 2, Side: state.SideCall}
	if k.BookID() != k.BookID() {
		t.Error("book id must be deterministic")
	}
	other := state.BookKey{MarketID: "BTC-USDT-20", StrikeIndex: 3, Side: state.SideCall}
	if k.BookID() == other.BookID() {
		t.Error("different books must have different ids")
	}
}

// ============================================================================
// Test: StrikeBook
// ============================================================================

func callBook() *state.StrikeBook {
	return state.NewStrikeBook(state.BookKey{MarketID: "BTC-USDT-20", StrikeIndex: 2, Side: state.SideCall}, wad("55000"))
}

func TestStrikeBook_ReserveRespectsAvailable(t *testing.T) {
	b := callBook()
	b.Deposit(wad("10"))

	if err := b.Reserve(wad("6")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := b.Reserve(wad("5")); !errors.Is(err, state.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}
	if !b.LU.Equal(wad("6")) {
		t.Errorf("LU: got %s, want 6", b.LU)
	}
	if b.LP.LT(b.LU) {
		t.Error("LP must stay >= LU")
	}

	b.Release(wad("6"))
	if !b.LU.IsZero() {
		t.Errorf("LU after release: got %s, want 0", b.LU)
	}
}

func TestStrikeBook_RealizeITMCall(t *testing.T) {
	b := callBook()
	b.Deposit(wad("10"))
	_ = b.Reserve(wad("5"))

	payoff := state.ComputePayoff(state.SideCall, wad("5"), wad("55000"), wad("57000"))
	if !payoff.InTheMoney {
		t.Fatal("call at 57000 over strike 55000 is ITM")
	}
	b.Realize(wad("5"), payoff.Paid)

	if !b.LR.Equal(wad("10000")) {
		t.Errorf("LR: got %s, want 10000", b.LR)
	}
	if !b.LU.IsZero() {
		t.Errorf("LU: got %s, want 0", b.LU)
	}
}

func TestComputePayoff(t *testing.T) {
	cases := []struct {
		name  string
		side  state.OptionSide
		amt   string
		k     string
		price string
		itm   bool
		quote string
		paid  string
	}{
		{"call itm", state.SideCall, "5", "55000", "57000", true, "10000", "10000"},
		{"call otm", state.SideCall, "5", "55000", "55000", false, "0", "0"},
		{"put itm", state.SidePut, "50000", "50000", "40000", true, "10000", "0.25"},
		{"put otm", state.SidePut, "50000", "50000", "51000", false, "0", "0"},
	}
	for _, c := range cases {
		p := state.ComputePayoff(c.side, wad(c.amt), wad(c.k), wad(c.price))
		if p.InTheMoney != c.itm {
			t.Errorf("%s: itm got %v, want %v", c.name, p.InTheMoney, c.itm)
		}
		if !p.Quote.Equal(wad(c.quote)) {
			t.Errorf("%s: quote got %s, want %s", c.name, p.Quote, c.quote)
		}
		if !p.Paid.Equal(wad(c.paid)) {
			t.Errorf("%s: paid got %s, want %s", c.name, p.Paid, c.paid)
		}
	}
}

func TestStrikeBook_RewardAccumulator(t *testing.T) {
	b := callBook()
	alice := &state.LPPosition{ID: 1, Deposited: wad("3")}
	b.Deposit(alice.Deposited)
	alice.RewardCheckpoint = b.RewardPerShare

	b.DistributeRent(wad("30"))

	bob := &state.LPPosition{ID: 2, Deposited: wad("1")}
	b.Deposit(bob.Deposited)
	bob.RewardCheckpoint = b.RewardPerShare

	b.DistributeRent(wad("40"))

	if got := b.PendingRewards(alice); !got.Equal(wad("60")) {
		t.Errorf("alice: got %s, want 60", got)
	}
	if got := b.PendingRewards(bob); !got.Equal(wad("10")) {
		t.Errorf("bob: got %s, want 10", got)
	}
	if !b.RentCollected.Equal(wad("70")) {
		t.Errorf("rent collected: got %s, want 70", b.RentCollected)
	}
}

func TestStrikeBook_RentWithoutLiquidityIsUndistributed(t *testing.T) {
	b := callBook()
	b.DistributeRent(wad("5"))
	if !b.Undistributed.Equal(wad("5")) || !b.RewardPerShare.IsZero() {
		t.Errorf("got undistributed %s, acc %s", b.Undistributed, b.RewardPerShare)
	}
}

func TestStrikeBook_PlanWithdrawalNoLiquidity(t *testing.T) {
	b := callBook()
	b.Deposit(wad("5"))
	_ = b.Reserve(wad("5"))

	if _, err := b.PlanWithdrawal(wad("5")); !errors.Is(err, state.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestStrikeBook_PlanWithdrawalTwoCurrency(t *testing.T) {
	b := callBook()
	b.Deposit(wad("10"))
	_ = b.Reserve(wad("5"))
	b.Realize(wad("5"), wad("55000")) // 1 BTC worth at the strike

	plan, err := b.PlanWithdrawal(wad("10"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Withdrawn.Equal(wad("10")) {
		t.Errorf("withdrawn: got %s, want 10", plan.Withdrawn)
	}
	if !plan.Free.Equal(wad("9")) {
		t.Errorf("free: got %s, want 9", plan.Free)
	}
	if !plan.Converted.Equal(wad("1")) {
		t.Errorf("converted: got %s, want 1", plan.Converted)
	}
	if !plan.Opposite.Equal(wad("55000")) {
		t.Errorf("opposite: got %s, want 55000", plan.Opposite)
	}

	b.ApplyWithdrawal(plan)
	if !b.LP.IsZero() || !b.LR.IsZero() {
		t.Errorf("book should be empty, LP=%s LR=%s", b.LP, b.LR)
	}
}

func TestStrikeBook_WithdrawalOrderIndependent(t *testing.T) {
	run := func(first, second fpmath.Wad) (fpmath.Wad, fpmath.Wad, fpmath.Wad, fpmath.Wad) {
		b := callBook()
		b.Deposit(wad("6"))
		b.Deposit(wad("4"))
		_ = b.Reserve(wad("2"))
		b.Realize(wad("2"), wad("11000"))

		p1, _ := b.PlanWithdrawal(first)
		b.ApplyWithdrawal(p1)
		p2, _ := b.PlanWithdrawal(second)
		b.ApplyWithdrawal(p2)
		return p1.Free, p1.Opposite, p2.Free, p2.Opposite
	}

	aFree, aOpp, bFree, bOpp := run(wad("6"), wad("4"))
	bFree2, bOpp2, aFree2, aOpp2 := run(wad("4"), wad("6"))

	tolerance := fpmath.RawWad(10)
	check := func(name string, x, y fpmath.Wad) {
		if x.Sub(y).Abs().GT(tolerance) {
			t.Errorf("%s differs by order: %s vs %s", name, x, y)
		}
	}
	check("six free", aFree, aFree2)
	check("six opposite", aOpp, aOpp2)
	check("four free", bFree, bFree2)
	check("four opposite", bOpp, bOpp2)

	if !aOpp.Add(bOpp).Equal(wad("11000")) {
		t.Errorf("realized paid: got %s, want 11000", aOpp.Add(bOpp))
	}
}

// ============================================================================
// Test: CollateralAccount
// ============================================================================

func TestCollateralAccount_AccrualFloorsAtBalance(t *testing.T) {
	a := state.NewCollateralAccount(uuid.New(), 1_000)
	a.Balance = wad("10")
	a.AddContract(1, wad("1"))

	if got := a.AccruedFees(1_004); !got.Equal(wad("4")) {
		t.Errorf("accrued: got %s, want 4", got)
	}
	if got := a.AccruedFees(1_100); !got.Equal(wad("10")) {
		t.Errorf("floored accrued: got %s, want 10", got)
	}
	if got := a.BalanceAt(1_100); !got.IsZero() {
		t.Errorf("balance: got %s, want 0", got)
	}
}

func TestCollateralAccount_Thresholds(t *testing.T) {
	a := state.NewCollateralAccount(uuid.New(), 0)
	a.Balance = wad("100")
	const threshold = 10

	if !a.CanOpen(0, wad("10"), threshold) {
		t.Error("100 covers 10 seconds at 10/s")
	}
	if a.CanOpen(0, wad("10.000000000000000001"), threshold) {
		t.Error("100 does not cover 10 seconds just above 10/s")
	}
	if a.NeedsLiquidation(0, threshold) {
		t.Error("account without rent is never liquidatable")
	}

	a.AddContract(1, wad("10"))
	if a.NeedsLiquidation(0, threshold) {
		t.Error("exactly at threshold is healthy")
	}
	if !a.NeedsLiquidation(1, threshold) {
		t.Error("one second later the account is below threshold")
	}

	a.RemoveContract(1, wad("10"))
	if !a.RentPerSecond.IsZero() || len(a.Contracts) != 0 {
		t.Errorf("got rent %s, contracts %v", a.RentPerSecond, a.Contracts)
	}
}

// ============================================================================
// Test: ContractState & receipts
// ============================================================================

func TestContractState_Transitions(t *testing.T) {
	if !state.ContractStateOpen.CanTransitionTo(state.ContractStateClosed) {
		t.Error("Open -> Closed must be allowed")
	}
	if state.ContractStateClosed.CanTransitionTo(state.ContractStateOpen) {
		t.Error("Closed is terminal")
	}
	if state.ContractStateClosed.CanTransitionTo(state.ContractStateClosed) {
		t.Error("Closed -> Closed must be rejected")
	}
}

func TestReceiptRegistry(t *testing.T) {
	r := state.NewReceiptRegistry()
	owner := uuid.New()

	if err := r.Mint(2, owner); err != nil {
		t.Fatalf("mint: %v", err)
	}
	_ = r.Mint(1, owner)
	if err := r.Mint(1, uuid.New()); err == nil {
		t.Error("double mint should fail")
	}

	if got, _ := r.OwnerOf(2); got != owner {
		t.Errorf("owner: got %s, want %s", got, owner)
	}
	ids := r.TokensOf(owner)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("got %v, want [1 2]", ids)
	}

	if err := r.Burn(1); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := r.Burn(1); !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("got %v, want ErrPositionNotFound", err)
	}
	if _, ok := r.OwnerOf(1); ok {
		t.Error("burned receipt must have no owner")
	}
}

func TestValidateProtocolParams(t *testing.T) {
	if err := state.ValidateProtocolParams(state.DefaultProtocolParams); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := state.DefaultProtocolParams
	bad.LiquidationThresholdDays = 0
	if err := state.ValidateProtocolParams(bad); err == nil {
		t.Error("expected error for zero threshold")
	}

	bad = state.DefaultProtocolParams
	bad.LiquidationPenalty = wad("1.5")
	if err := state.ValidateProtocolParams(bad); err == nil {
		t.Error("expected error for penalty > 1")
	}
}
