// Package entity exposes session records through a per-key serialized store.
//
// Every operation on a session name runs on that name's key-queue worker,
// so a read-modify-write issued through Update can never interleave with
// another operation on the same session. This is the only synchronization
// the state machine relies on.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/internal/keyqueue"
	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

// UpdateFunc computes the next record from the current one. Returning the
// input pointer (or nil) means "no change" and skips the write.
type UpdateFunc func(current *session.Record) (*session.Record, error)

// Store is the single-writer-per-key session store.
type Store struct {
	backend persistence.SessionStore
	queue   *keyqueue.Queue
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records operation latency on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// NewStore wraps backend with per-key ordering.
func NewStore(backend persistence.SessionStore, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "entity_store"))
	s := &Store{
		backend: backend,
		queue:   keyqueue.New(logger),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) do(ctx context.Context, op, key string, fn keyqueue.Op) error {
	start := time.Now()
	err := s.queue.Do(ctx, key, fn)
	s.metrics.RecordStoreOperation(op, err, time.Since(start))
	return err
}

func notFound(key string) error {
	return types.Errorf(types.ErrNotFound, "session %q not found", key)
}

func (s *Store) load(ctx context.Context, key string) (*session.Record, error) {
	r, err := s.backend.Get(ctx, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load session").WithCause(err)
	}
	return r, nil
}

func (s *Store) persist(ctx context.Context, r *session.Record) error {
	if err := s.backend.Save(ctx, r); err != nil {
		if errors.Is(err, persistence.ErrInvalidInput) {
			return types.NewError(types.ErrValidation, "invalid session record").WithCause(err)
		}
		return types.NewError(types.ErrInternalError, "save session").WithCause(err)
	}
	return nil
}

// Get returns the record stored under key. A missing key is a NOT_FOUND
// error, which callers treat as terminal.
func (s *Store) Get(ctx context.Context, key string) (*session.Record, error) {
	var out *session.Record
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		r, err := s.load(ctx, key)
		out = r
		return err
	})
	return out, err
}

// Save writes record under its name.
func (s *Store) Save(ctx context.Context, record *session.Record) error {
	if record == nil {
		return types.NewError(types.ErrValidation, "session record is nil")
	}
	return s.do(ctx, "save", record.Name, func(ctx context.Context) error {
		return s.persist(ctx, record)
	})
}

// Create writes record unless its name is already taken.
func (s *Store) Create(ctx context.Context, record *session.Record) error {
	if record == nil {
		return types.NewError(types.ErrValidation, "session record is nil")
	}
	return s.do(ctx, "create", record.Name, func(ctx context.Context) error {
		_, err := s.backend.Get(ctx, record.Name)
		switch {
		case err == nil:
			return types.Errorf(types.ErrAlreadyExists, "session %q already exists", record.Name)
		case !errors.Is(err, persistence.ErrNotFound):
			return types.NewError(types.ErrInternalError, "load session").WithCause(err)
		}
		return s.persist(ctx, record)
	})
}

// Update runs fn against the current record as one queued operation and
// persists the result. It returns the record as stored afterwards.
func (s *Store) Update(ctx context.Context, key string, fn UpdateFunc) (*session.Record, error) {
	var out *session.Record
	err := s.do(ctx, "update", key, func(ctx context.Context) error {
		current, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			out = current
			return err
		}
		if next == nil || next == current {
			out = current
			return nil
		}
		if next.Name != key {
			return types.Errorf(types.ErrInternalError, "update of %q produced record %q", key, next.Name)
		}
		if err := s.persist(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Keys lists every session name. Enumeration does not go through the
// per-key queues.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list sessions").WithCause(err)
	}
	return keys, nil
}

// List loads every session. Sessions deleted between enumeration and load
// are skipped.
func (s *Store) List(ctx context.Context) ([]*session.Record, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*session.Record, 0, len(keys))
	for _, k := range keys {
		r, err := s.Get(ctx, k)
		if types.IsCode(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close drains queued operations and closes the backend.
func (s *Store) Close() error {
	s.queue.Close()
	return s.backend.Close()
}
