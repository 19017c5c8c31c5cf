package core

import (
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// txn stages one operation. Entities are cloned on first access and all
// ledger movements go into one batch; nothing touches engine state until
// commit, so a rejected operation leaves no trace.
type txn struct {
	e   *Engine
	now int64

	batch *ledger.Batch

	books     map[state.BookKey]*state.StrikeBook
	accounts  map[uuid.UUID]*state.CollateralAccount
	contracts map[uint64]*state.ContractPosition
	lps       map[uint64]*state.LPPosition
	markets   map[string]*state.Market

	closedContracts map[uint64]bool
	closedLPs       map[uint64]bool
	mints           map[uint64]uuid.UUID
	approvals       []ledger.AllowanceSpend // absolute amounts, not deltas

	liquidations []state.LiquidationRecord

	nextContractID uint64
	nextLPID       uint64

	rentByMarket map[string]fpmath.Wad
	rentShortage fpmath.Wad
	rewardsPaid  map[string]fpmath.Wad
	penaltyPaid  fpmath.Wad
}

func (e *Engine) newTxn(now int64) *txn {
	return &txn{
		e:               e,
		now:             now,
		batch:           ledger.NewBatch(fmt.Sprintf("seq:%d", e.sequence), e.sequence, now),
		books:           make(map[state.BookKey]*state.StrikeBook),
		accounts:        make(map[uuid.UUID]*state.CollateralAccount),
		contracts:       make(map[uint64]*state.ContractPosition),
		lps:             make(map[uint64]*state.LPPosition),
		markets:         make(map[string]*state.Market),
		closedContracts: make(map[uint64]bool),
		closedLPs:       make(map[uint64]bool),
		mints:           make(map[uint64]uuid.UUID),
		nextContractID:  e.nextContractID,
		nextLPID:        e.nextLPID,
		rentByMarket:    make(map[string]fpmath.Wad),
		rewardsPaid:     make(map[string]fpmath.Wad),
	}
}

func (t *txn) market(id string) (*state.Market, error) {
	if m, ok := t.markets[id]; ok {
		return m, nil
	}
	m, ok := t.e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

func (t *txn) book(key state.BookKey) (*state.StrikeBook, error) {
	if b, ok := t.books[key]; ok {
		return b, nil
	}
	b, ok := t.e.books[key]
	if !ok {
		return nil, fmt.Errorf("%w: no book %s", ErrInvalidStrikeIndex, key)
	}
	c := b.Clone()
	t.books[key] = c
	return c, nil
}

// account returns the staged account of owner, creating an empty one.
func (t *txn) account(owner uuid.UUID) *state.CollateralAccount {
	if a, ok := t.accounts[owner]; ok {
		return a
	}
	var a *state.CollateralAccount
	if existing, ok := t.e.accounts[owner]; ok {
		a = existing.Clone()
	} else {
		a = state.NewCollateralAccount(owner, t.now)
	}
	t.accounts[owner] = a
	return a
}

func (t *txn) contract(id uint64) (*state.ContractPosition, error) {
	if t.closedContracts[id] {
		return nil, fmt.Errorf("%w: contract %d", ErrPositionNotFound, id)
	}
	if c, ok := t.contracts[id]; ok {
		return c, nil
	}
	if _, ok := t.e.receipts.OwnerOf(id); !ok {
		return nil, fmt.Errorf("%w: contract %d", ErrPositionNotFound, id)
	}
	c, ok := t.e.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contract %d", ErrPositionNotFound, id)
	}
	cp := c.Clone()
	t.contracts[id] = cp
	return cp, nil
}

func (t *txn) lp(id uint64) (*state.LPPosition, error) {
	if t.closedLPs[id] {
		return nil, fmt.Errorf("%w: lp position %d", ErrPositionNotFound, id)
	}
	if p, ok := t.lps[id]; ok {
		return p, nil
	}
	p, ok := t.e.lpPositions[id]
	if !ok {
		return nil, fmt.Errorf("%w: lp position %d", ErrPositionNotFound, id)
	}
	cp := p.Clone()
	t.lps[id] = cp
	return cp, nil
}

func (t *txn) newContractID() uint64 {
	t.nextContractID++
	return t.nextContractID
}

func (t *txn) newLPID() uint64 {
	t.nextLPID++
	return t.nextLPID
}

func (t *txn) addRent(market string, amount fpmath.Wad) {
	t.rentByMarket[market] = t.rentByMarket[market].Add(amount)
}

func (t *txn) addRewards(market string, amount fpmath.Wad) {
	t.rewardsPaid[market] = t.rewardsPaid[market].Add(amount)
}

// ownersOnBook lists owners with an open contract on key, sorted by id string.
func (t *txn) ownersOnBook(key state.BookKey) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var owners []uuid.UUID
	for _, c := range t.e.contractsInOrder() {
		if c.Book() == key && !seen[c.Owner] {
			seen[c.Owner] = true
			owners = append(owners, c.Owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	return owners
}
