package core

import (
	"LendLedger/internal/observability"
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrDuplicateRequest is returned when a request id was already applied or
// is being applied by another worker.
var ErrDuplicateRequest = errors.New("duplicate request")

// DBIdempotencyChecker is the tier-2 lookup against the operation log.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, requestID string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// applied request ids, then the persisted operation log. Request ids being
// processed are held in an in-flight set so concurrent redeliveries of the
// same request cannot both apply.
type IdempotencyChecker struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	inFlight map[string]struct{}

	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		inFlight:  make(map[string]struct{}),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// Reserve claims key for processing. The caller must follow up with
// MarkProcessed or Release.
func (ic *IdempotencyChecker) Reserve(ctx context.Context, key string) error {
	ic.mu.Lock()
	if ic.lru.Contains(key) {
		ic.mu.Unlock()
		ic.recordDuplicate("lru")
		return ErrDuplicateRequest
	}
	if _, busy := ic.inFlight[key]; busy {
		ic.mu.Unlock()
		ic.recordDuplicate("in_flight")
		return ErrDuplicateRequest
	}
	ic.inFlight[key] = struct{}{}
	ic.mu.Unlock()

	if ic.dbChecker == nil {
		return nil
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, key)
	if err != nil {
		// A lookup failure must not stall ingestion; the LRU still covers
		// recent requests.
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return nil
	}
	if isDup {
		ic.mu.Lock()
		delete(ic.inFlight, key)
		ic.addLocked(key)
		ic.mu.Unlock()
		ic.recordDuplicate("postgres")
		return ErrDuplicateRequest
	}
	return nil
}

// MarkProcessed moves a reserved key into the LRU.
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, key)
	ic.addLocked(key)
}

// Release drops a reservation after a rejected or failed request so that it
// may be retried.
func (ic *IdempotencyChecker) Release(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, key)
}

// Warm loads recently applied request ids, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, key := range keys {
		ic.addLocked(key)
	}
}

// Size returns the number of request ids held in the LRU.
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) addLocked(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of request ids. Not thread-safe; guarded by
// IdempotencyChecker.mu.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts or promotes key and reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
