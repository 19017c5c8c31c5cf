package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/observability"
	"PerpOptions/internal/state"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// globalCheckInterval is how often (in sequences) the full ledger is verified.
const globalCheckInterval = 1000

// CoreOutput is what the engine emits per committed operation.
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

// PriceSource is the price feed consumed on close and liquidation.
type PriceSource interface {
	GetPrice(marketID string) (price fpmath.Wad, updatedAt int64, err error)
}

type Config struct {
	Params state.ProtocolParams
	Clock  Clock
	Prices PriceSource

	// PersistChan receives every output with a blocking send.
	PersistChan    chan<- CoreOutput
	// PublishChan receives outputs best-effort; full means dropped.
	PublishChan    chan<- CoreOutput
	// ProjectionChan feeds read models, best-effort like PublishChan.
	ProjectionChan chan<- CoreOutput

	DBChecker     DBIdempotencyChecker
	DedupCapacity int
	EnableFaucet  bool

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Engine is the accounting core. Every public operation runs under one lock
// as plan -> validate -> commit; a failed operation changes nothing.
type Engine struct {
	mu sync.Mutex

	params       state.ProtocolParams
	collateralID ledger.AssetID
	clock        Clock
	prices       PriceSource
	faucet       bool

	sequence  int64 // next sequence to assign
	hasher    *StateHasher
	tokens    *ledger.TokenLedger
	validator *ledger.InvariantValidator

	markets      map[string]*state.Market
	books        map[state.BookKey]*state.StrikeBook
	accounts     map[uuid.UUID]*state.CollateralAccount
	contracts    map[uint64]*state.ContractPosition
	lpPositions  map[uint64]*state.LPPosition
	receipts     *state.ReceiptRegistry
	liquidations *state.LiquidationManager

	nextContractID uint64
	nextLPID       uint64

	idempotency   *IdempotencyChecker
	evictionsSeen int64 // dedup evictions already added to the metric
	metrics       *observability.Metrics
	log           zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
	projectChan chan<- CoreOutput
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := state.ValidateProtocolParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("protocol params: %w", err)
	}
	collateralID, err := ledger.RegisterAsset(cfg.Params.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("collateral asset: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 100_000
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	tokens := ledger.NewTokenLedger()
	e := &Engine{
		params:       cfg.Params,
		collateralID: collateralID,
		clock:        cfg.Clock,
		prices:       cfg.Prices,
		faucet:       cfg.EnableFaucet,
		hasher:       NewStateHasher(),
		tokens:       tokens,
		validator:    ledger.NewInvariantValidator(tokens.Tracker()),
		markets:      make(map[string]*state.Market),
		books:        make(map[state.BookKey]*state.StrikeBook),
		accounts:     make(map[uuid.UUID]*state.CollateralAccount),
		contracts:    make(map[uint64]*state.ContractPosition),
		lpPositions:  make(map[uint64]*state.LPPosition),
		receipts:     state.NewReceiptRegistry(),
		liquidations: state.NewLiquidationManager(),
		metrics:      cfg.Metrics,
		log:          logger,
		persistChan:  cfg.PersistChan,
		publishChan:  cfg.PublishChan,
		projectChan:  cfg.ProjectionChan,
	}

	var onDup DuplicateRecorder
	if cfg.Metrics != nil {
		onDup = func(op, tier string) {
			cfg.Metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
		}
	}
	e.idempotency = NewIdempotencyChecker(cfg.DedupCapacity, cfg.DBChecker, onDup)
	return e, nil
}

// apply runs one operation through the pipeline:
//  1. dedup on the request's idempotency key
//  2. plan against staged clones (fn)
//  3. validate the ledger batch (allowances, balances)
//  4. commit, check invariants, hash, emit
func (e *Engine) apply(ctx context.Context, op string, actor uuid.UUID, fn func(t *txn) (event.Event, error)) (*event.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	key := IdempotencyKeyFrom(ctx)
	if key != "" && e.idempotency.IsDuplicate(op, key) {
		e.reject(op, ErrDuplicateRequest)
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRequest, op, key)
	}

	t := e.newTxn(e.clock.Now())
	evt, err := fn(t)
	if err == nil {
		err = e.tokens.Check(t.batch)
	}
	if err != nil {
		e.reject(op, err)
		e.log.Debug().Str("op", op).Str("actor", actor.String()).Err(err).Msg("operation rejected")
		return nil, err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		e.reject(op, err)
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	if err := e.tokens.Commit(t.batch); err != nil {
		// Check passed under the same lock, so this is a bug.
		panic(fmt.Sprintf("FATAL: commit after successful check failed: %v", err))
	}
	e.commitState(t)

	if err := e.postCheckInvariants(t); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	hashStart := time.Now()
	prev := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(t))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		Op:             op,
		Actor:          actor,
		MarketID:       evt.MarketID(),
		Timestamp:      t.now,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prev,
	}
	e.sequence++

	if key != "" {
		e.idempotency.MarkProcessed(op, key)
	}

	e.emit(CoreOutput{Envelope: env, Batch: t.batch})
	e.recordApplied(op, t, start)
	e.log.Debug().
		Str("op", op).
		Int64("sequence", env.Sequence).
		Int("journals", len(t.batch.Journals)).
		Msg("operation applied")

	return env, nil
}

// commitState moves staged entities into engine state.
func (e *Engine) commitState(t *txn) {
	for id, m := range t.markets {
		e.markets[id] = m
	}
	for key, b := range t.books {
		e.books[key] = b
	}
	for owner, a := range t.accounts {
		e.accounts[owner] = a
	}
	for id, c := range t.contracts {
		if t.closedContracts[id] {
			continue
		}
		e.contracts[id] = c
	}
	for id := range t.closedContracts {
		delete(e.contracts, id)
		if err := e.receipts.Burn(id); err != nil {
			panic(fmt.Sprintf("FATAL: burn receipt: %v", err))
		}
	}
	for id, owner := range t.mints {
		if err := e.receipts.Mint(id, owner); err != nil {
			panic(fmt.Sprintf("FATAL: mint receipt: %v", err))
		}
	}
	for id, p := range t.lps {
		if t.closedLPs[id] {
			continue
		}
		e.lpPositions[id] = p
	}
	for id := range t.closedLPs {
		delete(e.lpPositions, id)
	}
	for _, a := range t.approvals {
		if err := e.tokens.Approve(a.Owner, a.AssetID, a.Amount); err != nil {
			panic(fmt.Sprintf("FATAL: approve: %v", err))
		}
	}
	for _, rec := range t.liquidations {
		e.liquidations.Record(rec)
	}
	e.nextContractID = t.nextContractID
	e.nextLPID = t.nextLPID
}

func (e *Engine) reject(op string, err error) {
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, string(Kind(err))).Inc()
	}
}

func (e *Engine) recordApplied(op string, t *txn, start time.Time) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.CoreOpsApplied.WithLabelValues(op).Inc()
	m.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(e.sequence))
	m.OpenContracts.Set(float64(len(e.contracts)))

	lru := e.idempotency.lru
	m.DedupLRUSize.Set(float64(lru.Size()))
	if n := lru.Evictions() - e.evictionsSeen; n > 0 {
		m.DedupLRUEvictions.Add(float64(n))
		e.evictionsSeen = lru.Evictions()
	}

	for _, j := range t.batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for market, amount := range t.rentByMarket {
		m.RentCollected.WithLabelValues(market).Add(amount.Float64())
	}
	for market, amount := range t.rewardsPaid {
		m.RewardsClaimed.WithLabelValues(market).Add(amount.Float64())
	}
	if t.rentShortage.Sign() > 0 {
		m.RentShortfall.Add(t.rentShortage.Float64())
	}
	if t.penaltyPaid.Sign() > 0 {
		m.LiquidationPenalty.Add(t.penaltyPaid.Float64())
	}
	for _, rec := range t.liquidations {
		m.LiquidationCompleted.WithLabelValues(rec.MarketID).Inc()
	}
	for key := range t.books {
		b := e.books[key]
		labels := []string{key.MarketID, strconv.Itoa(key.StrikeIndex), key.Side.String()}
		m.LiquidityProvided.WithLabelValues(labels...).Set(b.LP.Float64())
		m.LiquidityUtilized.WithLabelValues(labels...).Set(b.LU.Float64())
	}
}

// emit sends an output to persistence (blocking, backpressure), then to the
// publisher and the projection (non-blocking, drop on full).
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
	if e.projectChan != nil {
		select {
		case e.projectChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// computeStateDigest serializes everything the operation touched, in a
// deterministic order: ledger accounts by path, then books, accounts,
// contracts and LP positions by key.
func (e *Engine) computeStateDigest(t *txn) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range t.batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	digest := make([]byte, 0, 256)
	for _, k := range keys {
		digest = appendField(digest, k.AccountPath())
		digest = appendField(digest, e.tokens.Balance(k).String())
	}

	bookKeys := make([]state.BookKey, 0, len(t.books))
	for k := range t.books {
		bookKeys = append(bookKeys, k)
	}
	sort.Slice(bookKeys, func(i, j int) bool { return bookKeys[i].String() < bookKeys[j].String() })
	for _, k := range bookKeys {
		b := e.books[k]
		digest = appendField(digest, k.String())
		for _, v := range []fpmath.Wad{b.LP, b.LU, b.LR, b.RewardPerShare} {
			digest = appendField(digest, v.String())
		}
	}

	owners := make([]uuid.UUID, 0, len(t.accounts))
	for o := range t.accounts {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	for _, o := range owners {
		a := e.accounts[o]
		digest = appendField(digest, o.String())
		digest = appendField(digest, a.Balance.String())
		digest = appendField(digest, a.RentPerSecond.String())
		digest = binary.LittleEndian.AppendUint64(digest, uint64(a.LastSync))
	}

	digest = appendIDs(digest, t.contracts, t.closedContracts)
	digest = appendIDs(digest, t.lps, t.closedLPs)
	return digest
}

func appendField(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendIDs[T any](buf []byte, staged map[uint64]T, closed map[uint64]bool) []byte {
	ids := make([]uint64, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, id)
		if closed[id] {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
		}
	}
	return buf
}

// postCheckInvariants validates what the operation touched, plus a full
// ledger check every globalCheckInterval sequences.
func (e *Engine) postCheckInvariants(t *txn) error {
	if err := e.validator.ValidateBatchAccounts(t.batch); err != nil {
		return fmt.Errorf("ledger account: %w", err)
	}

	for key := range t.books {
		b := e.books[key]
		if b.LU.Sign() < 0 || b.LP.LT(b.LU) {
			return fmt.Errorf("book %s: LP %s < LU %s", key, b.LP, b.LU)
		}
		if b.LR.Sign() < 0 {
			return fmt.Errorf("book %s: negative LR %s", key, b.LR)
		}
		m := e.markets[key.MarketID]
		vault := e.tokens.Balance(ledger.NewBookAccountKey(b.ID, ledger.SubTypeBookVault, m.NativeAsset(key.Side)))
		if !vault.Equal(b.LP) {
			return fmt.Errorf("book %s: vault %s != LP %s", key, vault, b.LP)
		}
	}

	for owner := range t.accounts {
		if a := e.accounts[owner]; a.Balance.Sign() < 0 {
			return fmt.Errorf("account %s: negative balance %s", owner, a.Balance)
		}
	}

	if e.sequence > 0 && e.sequence%globalCheckInterval == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance at seq %d: %w", e.sequence, err)
		}
		if err := e.checkCollateralVault(); err != nil {
			return err
		}
	}
	return nil
}

// checkCollateralVault verifies the vault holds exactly the sum of all
// account balances.
func (e *Engine) checkCollateralVault() error {
	total := fpmath.Zero()
	for _, a := range e.accounts {
		total = total.Add(a.Balance)
	}
	vault := e.tokens.Balance(ledger.NewSystemAccountKey(ledger.SubTypeCollateralVault, e.collateralID))
	if !vault.Equal(total) {
		return fmt.Errorf("collateral vault %s != account balances %s", vault, total)
	}
	return nil
}

// contractsInOrder returns open contracts by ascending id.
func (e *Engine) contractsInOrder() []*state.ContractPosition {
	out := make([]*state.ContractPosition, 0, len(e.contracts))
	for _, c := range e.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sequence returns the next sequence to be assigned.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

func (e *Engine) Params() state.ProtocolParams {
	return e.params
}

// CollateralAsset returns the symbol of the collateral (quote) asset.
func (e *Engine) CollateralAsset() string {
	name, _ := ledger.GetAssetName(e.collateralID)
	return name
}
