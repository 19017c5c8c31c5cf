package core_test

import (
	"PerpOptions/internal/core"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Open
// ============================================================================

func TestOpenContract_ReservesAndChargesRent(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))

	c := h.open(trader, state.SideCall, 2, wad("5"))

	assertWad(t, "notional", c.Notional, wad("275000"))
	// 275000 * 0.2 / 31536000, rounded down at 18 decimals
	assertWad(t, "rent per second", c.RentPerSecond, wad("0.001744038559107052"))

	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "LU", b.Utilized, wad("5"))
	assertWad(t, "available", b.Available, wad("5"))

	acc := h.engine.Account(trader)
	assertWad(t, "account rent", acc.RentPerSecond, c.RentPerSecond)
	if len(acc.Contracts) != 1 || acc.Contracts[0] != c.ID {
		t.Errorf("account contracts: got %v, want [%d]", acc.Contracts, c.ID)
	}

	owned := h.engine.ContractsOf(trader)
	if len(owned) != 1 || owned[0].ID != c.ID {
		t.Errorf("receipts: got %d contracts", len(owned))
	}
}

func TestOpenContract_InvalidStrikeIndex(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.collateral(trader, wad("10000"))

	for _, req := range []core.OpenContractRequest{
		{Owner: trader, MarketID: marketID, Side: state.SideCall, StrikeIndex: 1, Amount: wad("1")},
		{Owner: trader, MarketID: marketID, Side: state.SidePut, StrikeIndex: 2, Amount: wad("1")},
		{Owner: trader, MarketID: marketID, Side: state.SideCall, StrikeIndex: 4, Amount: wad("1")},
	} {
		_, err := h.engine.OpenContract(h.ctx, req)
		assertKind(t, err, core.KindInvalidStrikeIndex)
	}
}

func TestOpenContract_RejectsZeroAmount(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.OpenContract(h.ctx, core.OpenContractRequest{
		Owner: uuid.New(), MarketID: marketID, Side: state.SideCall, StrikeIndex: 2, Amount: fpmath.Zero(),
	})
	assertKind(t, err, core.KindZeroAmount)
}

func TestOpenContract_InsufficientLiquidity_LeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("100000"))
	h.clock.Advance(10)
	seq, hash := h.engine.Sequence(), h.engine.StateHash()

	_, err := h.engine.OpenContract(h.ctx, core.OpenContractRequest{
		Owner: trader, MarketID: marketID, Side: state.SideCall, StrikeIndex: 2, Amount: wad("10.5"),
	})
	assertKind(t, err, core.KindInsufficientLiquidity)

	if h.engine.Sequence() != seq || h.engine.StateHash() != hash {
		t.Error("rejected open changed sequence or state hash")
	}
	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "LU", b.Utilized, fpmath.Zero())
	if acc := h.engine.Account(trader); len(acc.Contracts) != 0 || !acc.RentPerSecond.IsZero() {
		t.Errorf("account changed: %+v", acc)
	}
}

func TestOpenContract_InsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	// One day of rent on 5 BTC at 55000 is ~150.68 USDT.
	h.collateral(trader, wad("150"))

	_, err := h.engine.OpenContract(h.ctx, core.OpenContractRequest{
		Owner: trader, MarketID: marketID, Side: state.SideCall, StrikeIndex: 2, Amount: wad("5"),
	})
	assertKind(t, err, core.KindInsufficientBalance)

	if !h.engine.CanOpenContract(trader, wad("0.001")) {
		t.Error("150 USDT should sustain 0.001/s for a day")
	}
	if h.engine.CanOpenContract(trader, wad("0.002")) {
		t.Error("150 USDT should not sustain 0.002/s for a day")
	}
}

func TestOpenContract_IDsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	h.setPrice("50000")

	first := h.open(trader, state.SideCall, 2, wad("1"))
	if _, err := h.engine.CloseContract(h.ctx, trader, first.ID); err != nil {
		t.Fatalf("CloseContract: %v", err)
	}
	second := h.open(trader, state.SideCall, 2, wad("1"))
	if second.ID <= first.ID {
		t.Errorf("contract id reused: first %d, second %d", first.ID, second.ID)
	}
}

// ============================================================================
// Test: Rent Accrual
// ============================================================================

func TestRent_AccruesOverTime(t *testing.T) {
	h := newHarness(t)
	trader, lp := uuid.New(), uuid.New()
	pos := h.provide(lp, state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("5"))

	h.clock.Advance(200_000)

	view := h.engine.Account(trader)
	evt, err := h.engine.WithdrawCollateral(h.ctx, trader, wad("1"))
	if err != nil {
		t.Fatalf("WithdrawCollateral: %v", err)
	}
	if evt.Accrual == nil {
		t.Fatal("expected an accrual record")
	}
	paid := evt.Accrual.Paid

	// 5 BTC * 55000 * 20% over 200000s = 348.8077 USDT
	if diff := paid.Sub(wad("348.8077")).Abs(); diff.GT(wad("5")) {
		t.Errorf("rent paid %s drifts %s from 348.8077", paid, diff)
	}
	assertWad(t, "paid", paid, c.RentPerSecond.MulInt(200_000))
	assertWad(t, "pending before sync", view.PendingRent, paid)
	assertWad(t, "balance", evt.Balance, wad("10000").Sub(wad("1")).Sub(paid))

	// Rent deducted equals rent credited to the book.
	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "book rent collected", b.RentCollected, paid)

	rewards, err := h.engine.GetRewards(pos.ID)
	if err != nil {
		t.Fatalf("GetRewards: %v", err)
	}
	dust := paid.Sub(rewards)
	if dust.Sign() < 0 || dust.GT(wad("0.000000000000001")) {
		t.Errorf("rewards %s vs rent %s: dust %s out of bounds", rewards, paid, dust)
	}

	// A second sync at the same instant charges nothing.
	evt, err = h.engine.WithdrawCollateral(h.ctx, trader, wad("1"))
	if err != nil {
		t.Fatalf("WithdrawCollateral: %v", err)
	}
	if evt.Accrual != nil {
		t.Errorf("unexpected second accrual %+v", evt.Accrual)
	}
}

func TestRent_FlooredAtBalance(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("200"))
	h.open(trader, state.SideCall, 2, wad("5"))

	// ~0.001744/s drains 200 USDT in ~114678s.
	h.clock.Advance(1_000_000)

	view := h.engine.Account(trader)
	assertWad(t, "live balance", view.Balance, fpmath.Zero())
	if !view.NeedsLiquidation {
		t.Error("drained account must be liquidatable")
	}

	h.fund(trader, "USDT", wad("5"))
	evt, err := h.engine.DepositCollateral(h.ctx, trader, wad("5"))
	if err != nil {
		t.Fatalf("DepositCollateral: %v", err)
	}
	assertWad(t, "paid", evt.Accrual.Paid, wad("200"))
	if !evt.Accrual.Due.GT(evt.Accrual.Paid) {
		t.Errorf("due %s should exceed paid %s", evt.Accrual.Due, evt.Accrual.Paid)
	}
	assertWad(t, "balance", evt.Balance, wad("5"))
}

func TestRent_SplitAcrossBooks(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.provide(uuid.New(), state.SideCall, 3, wad("10"))
	h.collateral(trader, wad("100000"))
	c1 := h.open(trader, state.SideCall, 2, wad("1"))
	c2 := h.open(trader, state.SideCall, 3, wad("1"))

	h.clock.Advance(86_400)
	if _, err := h.engine.WithdrawCollateral(h.ctx, trader, wad("1")); err != nil {
		t.Fatalf("WithdrawCollateral: %v", err)
	}

	b2, _ := h.engine.Book(callBook(2))
	b3, _ := h.engine.Book(callBook(3))
	assertWad(t, "strike 55000 rent", b2.RentCollected, c1.RentPerSecond.MulInt(86_400))
	assertWad(t, "strike 60000 rent", b3.RentCollected, c2.RentPerSecond.MulInt(86_400))
}

// ============================================================================
// Test: Close
// ============================================================================

func TestCloseContract_CallInTheMoney(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("5"))

	h.setPrice("57000")
	res, err := h.engine.CloseContract(h.ctx, trader, c.ID)
	if err != nil {
		t.Fatalf("CloseContract: %v", err)
	}

	if !res.Settlement.InTheMoney {
		t.Fatal("call at 55000 closed at 57000 must be in the money")
	}
	assertWad(t, "payoff", res.Settlement.Paid, wad("10000"))
	if res.Settlement.Asset != "USDT" {
		t.Errorf("payoff asset: got %s, want USDT", res.Settlement.Asset)
	}

	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "LR", b.Realized, wad("10000"))
	assertWad(t, "LU", b.Utilized, fpmath.Zero())
	assertWad(t, "LP", b.Provided, wad("10"))
	assertWad(t, "trader wallet", h.wallet(trader, "USDT"), wad("10000"))

	if _, err := h.engine.Contract(c.ID); !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("closed contract still visible: %v", err)
	}
	if len(h.engine.ContractsOf(trader)) != 0 {
		t.Error("receipt not burned")
	}
	if !h.engine.Account(trader).RentPerSecond.IsZero() {
		t.Error("rent not removed from account")
	}
}

func TestCloseContract_CallOutOfTheMoney(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("5"))

	h.setPrice("55000")
	res, err := h.engine.CloseContract(h.ctx, trader, c.ID)
	if err != nil {
		t.Fatalf("CloseContract: %v", err)
	}
	if res.Settlement.InTheMoney {
		t.Error("price equal to strike is out of the money")
	}
	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "LR", b.Realized, fpmath.Zero())
	assertWad(t, "LU", b.Utilized, fpmath.Zero())
	assertWad(t, "trader wallet", h.wallet(trader, "USDT"), fpmath.Zero())
}

func TestCloseContract_PutInTheMoneyPaysBase(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SidePut, 1, wad("100000"))
	h.collateral(trader, wad("1000"))
	// 50000 USDT of put notional at strike 50000 covers 1 BTC.
	c := h.open(trader, state.SidePut, 1, wad("50000"))
	assertWad(t, "notional", c.Notional, wad("50000"))

	h.setPrice("40000")
	res, err := h.engine.CloseContract(h.ctx, trader, c.ID)
	if err != nil {
		t.Fatalf("CloseContract: %v", err)
	}
	assertWad(t, "payoff quote", res.Settlement.PayoffQuote, wad("10000"))
	assertWad(t, "payoff base", res.Settlement.Paid, wad("0.25"))
	if res.Settlement.Asset != "BTC" {
		t.Errorf("payoff asset: got %s, want BTC", res.Settlement.Asset)
	}

	b, _ := h.engine.Book(putBook(1))
	assertWad(t, "LR", b.Realized, wad("0.25"))
	assertWad(t, "trader BTC", h.wallet(trader, "BTC"), wad("0.25"))
}

func TestCloseContract_StalePrice(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("1"))

	// No price at all.
	_, err := h.engine.CloseContract(h.ctx, trader, c.ID)
	assertKind(t, err, core.KindStalePrice)

	// Older than MaxPriceAge.
	h.prices.Set(marketID, wad("57000"), h.clock.Now()-state.DefaultProtocolParams.MaxPriceAge-1)
	_, err = h.engine.CloseContract(h.ctx, trader, c.ID)
	assertKind(t, err, core.KindStalePrice)

	// Zero.
	h.prices.Set(marketID, fpmath.Zero(), h.clock.Now())
	_, err = h.engine.CloseContract(h.ctx, trader, c.ID)
	assertKind(t, err, core.KindStalePrice)

	// The contract survived every rejection.
	if _, err := h.engine.Contract(c.ID); err != nil {
		t.Errorf("contract lost after stale closes: %v", err)
	}
	b, _ := h.engine.Book(callBook(2))
	assertWad(t, "LU", b.Utilized, wad("1"))
}

func TestCloseContract_NotOwner(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("1"))
	h.setPrice("50000")

	_, err := h.engine.CloseContract(h.ctx, uuid.New(), c.ID)
	assertKind(t, err, core.KindNotOwner)

	_, err = h.engine.CloseContract(h.ctx, trader, c.ID+100)
	assertKind(t, err, core.KindPositionNotFound)
}

func TestCloseContract_Twice(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.provide(uuid.New(), state.SideCall, 2, wad("10"))
	h.collateral(trader, wad("10000"))
	c := h.open(trader, state.SideCall, 2, wad("1"))
	h.setPrice("50000")

	if _, err := h.engine.CloseContract(h.ctx, trader, c.ID); err != nil {
		t.Fatalf("CloseContract: %v", err)
	}
	_, err := h.engine.CloseContract(h.ctx, trader, c.ID)
	assertKind(t, err, core.KindPositionNotFound)
}
