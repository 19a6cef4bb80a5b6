package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nellyag1/wavescape-portal222/session"
)

const documentExt = ".json"

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// listDocuments returns the decoded names of every document in dir.
func listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), documentExt) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), documentExt))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FileSessionStore is a file-based implementation of SessionStore.
// Suitable for single-node production deployments.
type FileSessionStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileSessionStore creates a new file-based session store
func NewFileSessionStore(config StoreConfig) (*FileSessionStore, error) {
	baseDir := filepath.Join(config.BaseDir, "sessions")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}
	return &FileSessionStore{baseDir: baseDir}, nil
}

func (s *FileSessionStore) path(name string) string {
	return filepath.Join(s.baseDir, url.PathEscape(name)+documentExt)
}

// Close closes the store
func (s *FileSessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *FileSessionStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Get reads a session document.
func (s *FileSessionStore) Get(ctx context.Context, name string) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %q: %w", name, err)
	}
	return decodeSession(data)
}

// Save writes a session document atomically.
func (s *FileSessionStore) Save(ctx context.Context, record *session.Record) error {
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
	return writeFileAtomic(s.path(record.Name), data)
}

// Delete removes a session document.
func (s *FileSessionStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Keys lists every stored session name.
func (s *FileSessionStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return listDocuments(s.baseDir)
}

// FileLoopStore is a file-based implementation of LoopStore. ListDue scans
// the directory, which is fine for the number of loops a single node runs.
type FileLoopStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileLoopStore creates a new file-based loop store
func NewFileLoopStore(config StoreConfig) (*FileLoopStore, error) {
	baseDir := filepath.Join(config.BaseDir, "loops")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create loop store directory: %w", err)
	}
	return &FileLoopStore{baseDir: baseDir}, nil
}

func (s *FileLoopStore) path(id string) string {
	return filepath.Join(s.baseDir, url.PathEscape(id)+documentExt)
}

// Close closes the store
func (s *FileLoopStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *FileLoopStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileLoopStore) read(id string) (*LoopRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec LoopRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop %q: %w", id, err)
	}
	return &rec, nil
}

// Save writes a checkpoint atomically.
func (s *FileLoopStore) Save(ctx context.Context, record *LoopRecord) error {
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
	if stored.CreatedAt.IsZero() {
		if prev, err := s.read(record.InstanceID); err == nil {
			stored.CreatedAt = prev.CreatedAt
		} else {
			stored.CreatedAt = now
		}
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal loop: %w", err)
	}
	return writeFileAtomic(s.path(record.InstanceID), data)
}

// Get reads a checkpoint.
func (s *FileLoopStore) Get(ctx context.Context, instanceID string) (*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.read(instanceID)
}

// Delete removes a checkpoint.
func (s *FileLoopStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := os.Remove(s.path(instanceID))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *FileLoopStore) readAll() ([]*LoopRecord, error) {
	ids, err := listDocuments(s.baseDir)
	if err != nil {
		return nil, err
	}
	out := make([]*LoopRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.read(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByWake(out)
	return out, nil
}

// ListDue returns unfinished checkpoints due at or before the given time.
func (s *FileLoopStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, rec := range all {
		if !rec.Done && !rec.NextWakeAt.After(before) {
			due = append(due, rec)
		}
	}
	return truncate(due, limit), nil
}

// List returns every checkpoint.
func (s *FileLoopStore) List(ctx context.Context) ([]*LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readAll()
}
