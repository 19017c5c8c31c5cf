package core

import (
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/state"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SnapshotState is the complete engine state in a form that survives a
// process restart. Ledger accounts are keyed by path and assets by symbol,
// since asset ids are assigned at runtime.
type SnapshotState struct {
	Sequence  int64  `json:"sequence"` // last applied sequence, -1 when empty
	StateHash string `json:"state_hash"`

	Markets      []state.Market            `json:"markets"`
	Books        []state.StrikeBook        `json:"books"`
	Accounts     []state.CollateralAccount `json:"accounts"`
	Contracts    []state.ContractPosition  `json:"contracts"`
	LPPositions  []state.LPPosition        `json:"lp_positions"`
	Liquidations []state.LiquidationRecord `json:"liquidations"`

	Balances   map[string]fpmath.Wad `json:"balances"` // account path -> balance
	Allowances []AllowanceSnap       `json:"allowances"`

	NextContractID  uint64   `json:"next_contract_id"`
	NextLPID        uint64   `json:"next_lp_id"`
	IdempotencyKeys []string `json:"idempotency_keys"`
	CreatedAt       int64    `json:"created_at"`
}

type AllowanceSnap struct {
	Owner  uuid.UUID  `json:"owner"`
	Asset  string     `json:"asset"`
	Amount fpmath.Wad `json:"amount"`
}

// CreateSnapshotState captures the engine state between two operations.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       encodeHash(e.hasher.GetPrevHash()),
		Balances:        make(map[string]fpmath.Wad),
		NextContractID:  e.nextContractID,
		NextLPID:        e.nextLPID,
		IdempotencyKeys: e.idempotency.lru.Keys(),
		CreatedAt:       e.clock.Now(),
		Liquidations:    e.liquidations.All(),
	}

	marketIDs := make([]string, 0, len(e.markets))
	for id := range e.markets {
		marketIDs = append(marketIDs, id)
	}
	sort.Strings(marketIDs)
	for _, id := range marketIDs {
		snap.Markets = append(snap.Markets, *e.markets[id])
	}

	bookKeys := make([]state.BookKey, 0, len(e.books))
	for k := range e.books {
		bookKeys = append(bookKeys, k)
	}
	sort.Slice(bookKeys, func(i, j int) bool { return bookKeys[i].String() < bookKeys[j].String() })
	for _, k := range bookKeys {
		snap.Books = append(snap.Books, *e.books[k])
	}

	owners := make([]uuid.UUID, 0, len(e.accounts))
	for o := range e.accounts {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	for _, o := range owners {
		snap.Accounts = append(snap.Accounts, *e.accounts[o].Clone())
	}

	for _, c := range e.contractsInOrder() {
		snap.Contracts = append(snap.Contracts, *c)
	}

	lpIDs := make([]uint64, 0, len(e.lpPositions))
	for id := range e.lpPositions {
		lpIDs = append(lpIDs, id)
	}
	sort.Slice(lpIDs, func(i, j int) bool { return lpIDs[i] < lpIDs[j] })
	for _, id := range lpIDs {
		snap.LPPositions = append(snap.LPPositions, *e.lpPositions[id])
	}

	for k, v := range e.tokens.Tracker().Snapshot() {
		if !v.IsZero() {
			snap.Balances[k.AccountPath()] = v
		}
	}
	for k, v := range e.tokens.AllowanceSnapshot() {
		if v.IsZero() {
			continue
		}
		name, _ := ledger.GetAssetName(k.AssetID)
		snap.Allowances = append(snap.Allowances, AllowanceSnap{Owner: k.Owner, Asset: name, Amount: v})
	}
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Owner != b.Owner {
			return a.Owner.String() < b.Owner.String()
		}
		return a.Asset < b.Asset
	})
	return snap
}

// RestoreFromSnapshot replaces the engine state with snap. It must run before
// the engine serves any operation. The restored state is checked against the
// ledger and book invariants; on error the engine must be discarded.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tip, err := decodeHash(snap.StateHash)
	if err != nil {
		return fmt.Errorf("snapshot state hash: %w", err)
	}

	markets := make(map[string]*state.Market, len(snap.Markets))
	for i := range snap.Markets {
		m := snap.Markets[i]
		if err := state.ValidateMarket(&m, e.params.CollateralAsset); err != nil {
			return fmt.Errorf("snapshot market %s: %w", m.ID, err)
		}
		markets[m.ID] = &m
	}

	books := make(map[state.BookKey]*state.StrikeBook, len(snap.Books))
	for i := range snap.Books {
		b := snap.Books[i]
		if _, ok := markets[b.Key.MarketID]; !ok {
			return fmt.Errorf("snapshot book %s: %w", b.Key, ErrUnknownMarket)
		}
		b.ID = b.Key.BookID()
		books[b.Key] = &b
	}

	accounts := make(map[uuid.UUID]*state.CollateralAccount, len(snap.Accounts))
	for i := range snap.Accounts {
		a := snap.Accounts[i]
		accounts[a.Owner] = a.Clone()
	}

	contracts := make(map[uint64]*state.ContractPosition, len(snap.Contracts))
	receipts := state.NewReceiptRegistry()
	for i := range snap.Contracts {
		c := snap.Contracts[i]
		if err := receipts.Mint(c.ID, c.Owner); err != nil {
			return fmt.Errorf("snapshot contract %d: %w", c.ID, err)
		}
		contracts[c.ID] = &c
	}

	lps := make(map[uint64]*state.LPPosition, len(snap.LPPositions))
	for i := range snap.LPPositions {
		p := snap.LPPositions[i]
		lps[p.ID] = &p
	}

	balances := make(map[ledger.AccountKey]fpmath.Wad, len(snap.Balances))
	for path, v := range snap.Balances {
		k, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance: %w", err)
		}
		balances[k] = v
	}
	allowances := make(map[ledger.AllowanceKey]fpmath.Wad, len(snap.Allowances))
	for _, a := range snap.Allowances {
		id, err := ledger.RegisterAsset(a.Asset)
		if err != nil {
			return fmt.Errorf("snapshot allowance: %w", err)
		}
		allowances[ledger.AllowanceKey{Owner: a.Owner, AssetID: id}] = a.Amount
	}

	e.markets = markets
	e.books = books
	e.accounts = accounts
	e.contracts = contracts
	e.receipts = receipts
	e.lpPositions = lps
	e.liquidations.Restore(snap.Liquidations)
	e.tokens.Restore(balances, allowances)
	e.nextContractID = snap.NextContractID
	e.nextLPID = snap.NextLPID
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(tip)
	e.idempotency.lru.Warm(snap.IdempotencyKeys)

	return e.verifyRestored()
}

func (e *Engine) verifyRestored() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored ledger: %w", err)
	}
	if err := e.checkCollateralVault(); err != nil {
		return fmt.Errorf("restored ledger: %w", err)
	}
	for key, b := range e.books {
		m := e.markets[key.MarketID]
		vault := e.tokens.Balance(ledger.NewBookAccountKey(b.ID, ledger.SubTypeBookVault, m.NativeAsset(key.Side)))
		if !vault.Equal(b.LP) || b.LP.LT(b.LU) {
			return fmt.Errorf("restored book %s: vault %s, LP %s, LU %s", key, vault, b.LP, b.LU)
		}
	}
	return nil
}
