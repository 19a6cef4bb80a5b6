package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nellyag1/wavescape-portal222/session"
)

// MemorySessionStore is an in-memory implementation of SessionStore.
// Suitable for development and testing.
type MemorySessionStore struct {
	records map[string][]byte
	mu      sync.RWMutex
	closed  bool
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string][]byte)}
}

// Close closes the store
func (s *MemorySessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemorySessionStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns a copy of the stored record.
func (s *MemorySessionStore) Get(ctx context.Context, name string) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(data)
}

// Save stores a serialized copy so later mutations by the caller are not
// visible.
func (s *MemorySessionStore) Save(ctx context.Context, record *session.Record) error {
	if record == nil {
		return ErrInvalidInput
	}
	data, err := encodeSession(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[record.Name] = data
	return nil
}

// Delete removes a record.
func (s *MemorySessionStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[name]; !ok {
		return ErrNotFound
	}
	delete(s.records, name)
	return nil
}

// Keys returns all session names in ascending order.
func (s *MemorySessionStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// MemoryLoopStore is an in-memory implementation of LoopStore.
type MemoryLoopStore struct {
	loops  map[string]*LoopRecord
	mu     sync.RWMutex
	closed bool
}

// NewMemoryLoopStore creates a new in-memory loop store
func NewMemoryLoopStore() *MemoryLoopStore {
	return &MemoryLoopStore{loops: make(map[string]*LoopRecord)}
}

// Close closes the store
func (s *MemoryLoopStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryLoopStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save stores a copy of the checkpoint.
func (s *MemoryLoopStore) Save(ctx context.Context, record *LoopRecord) error {
	if err := record.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	stored := record.Clone()
	now := time.Now()
	if prev, ok := s.loops[record.InstanceID]; ok && stored.CreatedAt.IsZero() {
		stored.CreatedAt = prev.CreatedAt
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.loops[record.InstanceID] = stored
	return nil
}

// Get returns a copy of the checkpoint.
func (s *MemoryLoopStore) Get(ctx context.Context, instanceID string) (*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.loops[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Delete removes a checkpoint.
func (s *MemoryLoopStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.loops[instanceID]; !ok {
		return ErrNotFound
	}
	delete(s.loops, instanceID)
	return nil
}

// ListDue returns unfinished checkpoints due at or before the given time.
func (s *MemoryLoopStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var due []*LoopRecord
	for _, rec := range s.loops {
		if !rec.Done && !rec.NextWakeAt.After(before) {
			due = append(due, rec.Clone())
		}
	}
	sortByWake(due)
	return truncate(due, limit), nil
}

// List returns every checkpoint.
func (s *MemoryLoopStore) List(ctx context.Context) ([]*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*LoopRecord, 0, len(s.loops))
	for _, rec := range s.loops {
		out = append(out, rec.Clone())
	}
	sortByWake(out)
	return out, nil
}

func sortByWake(records []*LoopRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].NextWakeAt.Equal(records[j].NextWakeAt) {
			return records[i].InstanceID < records[j].InstanceID
		}
		return records[i].NextWakeAt.Before(records[j].NextWakeAt)
	})
}

func truncate(records []*LoopRecord, limit int) []*LoopRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
