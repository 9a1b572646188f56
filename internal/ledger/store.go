package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// AppliedWindow is how many recent request ids the memory and Redis stores
// keep per account. The Postgres store keeps every id in the operation log.
const AppliedWindow = 64

// PositionStore loads and saves positions with per-account mutual exclusion.
type PositionStore interface {
	// WithPosition runs fn with exclusive access to one account's position.
	// A Save or Journal inside fn is committed only if fn returns nil.
	WithPosition(ctx context.Context, id uuid.UUID, fn func(tx PositionTx) error) error
	// Get reads the current position without locking.
	Get(ctx context.Context, id uuid.UUID) (Position, error)
}

// PositionTx is the view of one position inside WithPosition.
type PositionTx interface {
	// Load returns the zero position when none exists yet.
	Load() (Position, error)
	Save(Position) error
	// Applied reports whether requestID is already journaled.
	Applied(requestID uuid.UUID) (bool, error)
	// Journal records r atomically with the saved position.
	Journal(r Receipt) error
}

// MemoryStore keeps encoded position records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID][]byte
	applied map[uuid.UUID][]uuid.UUID
	locks   map[uuid.UUID]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID][]byte),
		applied: make(map[uuid.UUID][]uuid.UUID),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) accountLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) read(id uuid.UUID) (Position, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()

	var p Position
	if !ok {
		return p, nil
	}
	if err := p.UnmarshalBinary(rec); err != nil {
		return Position{}, err
	}
	return p, nil
}

func (s *MemoryStore) seen(id, requestID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.applied[id], requestID)
}

// write commits the record and, when requestID is set, appends it to the
// account's window under the same lock.
func (s *MemoryStore) write(id uuid.UUID, p Position, requestID uuid.UUID) error {
	rec, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = rec
	if requestID != uuid.Nil {
		ids := append(s.applied[id], requestID)
		if len(ids) > AppliedWindow {
			ids = slices.Clone(ids[len(ids)-AppliedWindow:])
		}
		s.applied[id] = ids
	}
	return nil
}

func (s *MemoryStore) WithPosition(ctx context.Context, id uuid.UUID, fn func(tx PositionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.accountLock(id)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{store: s, id: id}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.staged != nil {
		return s.write(id, *tx.staged, tx.requestID)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return s.read(id)
}

// Len returns the number of accounts ever saved.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memTx struct {
	store     *MemoryStore
	id        uuid.UUID
	staged    *Position
	requestID uuid.UUID
}

func (tx *memTx) Load() (Position, error) {
	if tx.staged != nil {
		return *tx.staged, nil
	}
	return tx.store.read(tx.id)
}

func (tx *memTx) Save(p Position) error {
	tx.staged = &p
	return nil
}

func (tx *memTx) Applied(requestID uuid.UUID) (bool, error) {
	return tx.store.seen(tx.id, requestID), nil
}

func (tx *memTx) Journal(r Receipt) error {
	tx.requestID = r.RequestID
	return nil
}
