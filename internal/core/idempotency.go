package core

import (
	"container/list"
	"context"
	"fmt"
	"time"
)

type idempotencyCtxKey struct{}

// WithIdempotencyKey tags an operation with a client-supplied dedup key. A
// second operation of the same kind with the same key is rejected with
// ErrDuplicateRequest instead of being applied twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyCtxKey{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	key, _ := ctx.Value(idempotencyCtxKey{}).(string)
	return key
}

// DBIdempotencyChecker looks a key up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, op string, idempotencyKey string) (bool, error)
}

// DuplicateRecorder receives dedup hits, by tier ("lru" or "postgres").
type DuplicateRecorder func(eventType, tier string)

// IdempotencyChecker is a two-tier dedup: recent keys in memory, older ones
// in Postgres. Only accessed under the engine lock.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	onDup     DuplicateRecorder
	dbErrors  int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, onDup DuplicateRecorder) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		onDup:     onDup,
	}
}

func compositeKey(eventType, key string) string {
	return fmt.Sprintf("%s:%s", eventType, key)
}

// IsDuplicate reports whether (eventType, key) was already committed.
// A failing database lookup is treated as "not seen".
func (ic *IdempotencyChecker) IsDuplicate(eventType string, key string) bool {
	ck := compositeKey(eventType, key)
	if ic.lru.Contains(ck) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	dup, err := ic.dbChecker.IsDuplicate(ctx, eventType, key)
	if err != nil {
		ic.dbErrors++
		return false
	}
	if dup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(ck)
	}
	return dup
}

// MarkProcessed remembers a committed key.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, key string) {
	ic.lru.Add(compositeKey(eventType, key))
}

// DBErrors counts failed database lookups.
func (ic *IdempotencyChecker) DBErrors() int64 {
	return ic.dbErrors
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.onDup != nil {
		ic.onDup(eventType, tier)
	}
}

// --- LRU ---

// IdempotencyLRU is a bounded set of composite keys, least recently used
// evicted first. Not thread-safe.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	lruList   *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks for key and promotes it.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.lruList.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// Keys returns held keys, oldest first, so re-adding them restores recency.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Warm loads composite keys, e.g. from a snapshot.
func (lru *IdempotencyLRU) Warm(keys []string) {
	for _, k := range keys {
		lru.Add(k)
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
