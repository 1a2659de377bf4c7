package quota

import (
	"context"
	"maps"
	"sync"

	"github.com/ineyio/quotaledger"
)

// MemoryStore is an in-memory Store. Transactions on the same key are
// serialized by a per-key mutex; writes are staged and applied only when the
// callback succeeds.
//
// The per-key lock map only grows, one mutex per key ever touched. MemoryStore
// is meant for tests, examples and single-process deployments with a bounded
// user set.
type MemoryStore struct {
	mu      sync.RWMutex
	locks   map[quotaledger.Key]*sync.Mutex
	records map[quotaledger.Key]quotaledger.Record
	audit   map[quotaledger.Key][]quotaledger.AuditEntry
}

var _ quotaledger.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[quotaledger.Key]*sync.Mutex),
		records: make(map[quotaledger.Key]quotaledger.Record),
		audit:   make(map[quotaledger.Key][]quotaledger.AuditEntry),
	}
}

// WithSerializableTransaction runs fn while holding the lock for key.
func (s *MemoryStore) WithSerializableTransaction(ctx context.Context, key quotaledger.Key, fn func(tx quotaledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	tx := &memoryTx{store: s, key: key}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.record != nil {
		s.records[key] = *tx.record
	}
	s.audit[key] = append(s.audit[key], tx.entries...)
	return nil
}

// History returns a copy of the audit entries for key.
func (s *MemoryStore) History(_ context.Context, key quotaledger.Key) ([]quotaledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[key]
	out := make([]quotaledger.AuditEntry, len(entries))
	for i, e := range entries {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out, nil
}

// Snapshot returns the committed record for key without locking it.
func (s *MemoryStore) Snapshot(key quotaledger.Key) (quotaledger.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	return rec, ok
}

func (s *MemoryStore) lockFor(key quotaledger.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

type memoryTx struct {
	store   *MemoryStore
	key     quotaledger.Key
	record  *quotaledger.Record
	entries []quotaledger.AuditEntry
}

func (tx *memoryTx) Load(_ context.Context) (quotaledger.Record, bool, error) {
	if tx.record != nil {
		return *tx.record, true, nil
	}
	rec, ok := tx.store.Snapshot(tx.key)
	return rec, ok, nil
}

func (tx *memoryTx) Save(_ context.Context, rec quotaledger.Record) error {
	tx.record = &rec
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, entry quotaledger.AuditEntry) error {
	entry.Metadata = maps.Clone(entry.Metadata)
	tx.entries = append(tx.entries, entry)
	return nil
}
