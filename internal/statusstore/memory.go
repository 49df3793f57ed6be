package statusstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
)

// MemoryStore keeps records in process memory. Used by the standalone
// binary without a database and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]records.Record
	ledger  map[string]int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]records.Record),
		ledger:  make(map[string]int),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec records.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *MemoryStore) insertLocked(rec records.Record) error {
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: id %s already exists", ErrConflict, rec.ID)
	}
	if err := s.checkInFlightLocked(rec); err != nil {
		return err
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) saveLocked(rec records.Record) error {
	if _, exists := s.records[rec.ID]; !exists {
		return ErrNotFound
	}
	if err := s.checkInFlightLocked(rec); err != nil {
		return err
	}
	s.records[rec.ID] = rec
	return nil
}

// checkInFlightLocked mirrors the partial unique index of the postgres schema
func (s *MemoryStore) checkInFlightLocked(rec records.Record) error {
	if rec.State.Terminal() {
		return nil
	}
	for _, other := range s.records {
		if other.ID != rec.ID && other.SourceKey == rec.SourceKey && !other.State.Terminal() {
			return fmt.Errorf("%w: %s already in flight as %s", ErrConflict, rec.SourceKey, other.ID)
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return records.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latest(s.records, nil, sourceKey), nil
}

func (s *MemoryStore) InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return inFlight(s.records, nil, sourceKey), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []records.Record
	for _, rec := range s.records {
		if matches(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*records.Record) error) (records.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return records.Record{}, ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return records.Record{}, err
	}
	if err := s.saveLocked(rec); err != nil {
		return records.Record{}, err
	}
	return rec, nil
}

func (s *MemoryStore) keyLock(sourceKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sourceKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sourceKey] = l
	}
	return l
}

func (s *MemoryStore) WithSourceKeyLock(ctx context.Context, sourceKey string, fn func(Tx) error) error {
	l := s.keyLock(sourceKey)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: s, pending: make(map[string]records.Record)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tx.order {
		rec := tx.pending[id]
		var err error
		if tx.created[id] {
			err = s.insertLocked(rec)
		} else {
			err = s.saveLocked(rec)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) RecordSubmission(ctx context.Context, sourceKey string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[sourceKey]++
	return s.ledger[sourceKey], nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// memoryTx buffers writes until the lock function succeeds
type memoryTx struct {
	store   *MemoryStore
	pending map[string]records.Record
	created map[string]bool
	order   []string
}

func (tx *memoryTx) Get(ctx context.Context, id string) (records.Record, error) {
	if rec, ok := tx.pending[id]; ok {
		return rec, nil
	}
	return tx.store.Get(ctx, id)
}

func (tx *memoryTx) LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return latest(tx.store.records, tx.pending, sourceKey), nil
}

func (tx *memoryTx) InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return inFlight(tx.store.records, tx.pending, sourceKey), nil
}

func (tx *memoryTx) Create(ctx context.Context, rec records.Record) error {
	if _, ok := tx.pending[rec.ID]; ok {
		return fmt.Errorf("%w: id %s already exists", ErrConflict, rec.ID)
	}
	if _, err := tx.store.Get(ctx, rec.ID); err == nil {
		return fmt.Errorf("%w: id %s already exists", ErrConflict, rec.ID)
	}
	if tx.created == nil {
		tx.created = make(map[string]bool)
	}
	tx.created[rec.ID] = true
	tx.put(rec)
	return nil
}

func (tx *memoryTx) Save(ctx context.Context, rec records.Record) error {
	if _, err := tx.Get(ctx, rec.ID); err != nil {
		return err
	}
	tx.put(rec)
	return nil
}

func (tx *memoryTx) put(rec records.Record) {
	if _, ok := tx.pending[rec.ID]; !ok {
		tx.order = append(tx.order, rec.ID)
	}
	tx.pending[rec.ID] = rec
}

// overlay yields committed records with pending writes applied
func overlay(committed, pending map[string]records.Record, fn func(records.Record)) {
	for id, rec := range committed {
		if p, ok := pending[id]; ok {
			rec = p
		}
		fn(rec)
	}
	for id, rec := range pending {
		if _, ok := committed[id]; !ok {
			fn(rec)
		}
	}
}

func latest(committed, pending map[string]records.Record, sourceKey string) *records.Record {
	var best *records.Record
	overlay(committed, pending, func(rec records.Record) {
		if rec.SourceKey != sourceKey || rec.State == records.StateDuplicate {
			return
		}
		if best == nil || newer(rec, *best) {
			r := rec
			best = &r
		}
	})
	return best
}

func inFlight(committed, pending map[string]records.Record, sourceKey string) *records.Record {
	var found *records.Record
	overlay(committed, pending, func(rec records.Record) {
		if rec.SourceKey == sourceKey && !rec.State.Terminal() && (found == nil || newer(rec, *found)) {
			r := rec
			found = &r
		}
	})
	return found
}

// newer orders by creation time, then by id
func newer(a, b records.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
