// Package keyqueue serializes work per key.
//
// Each key owns an ordered inbox drained by a single worker goroutine.
// Operations for one key never overlap and run in arrival order; operations
// for different keys run in parallel. A worker exists only while its inbox
// is non-empty.
package keyqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Do after Close.
var ErrQueueClosed = errors.New("key queue is closed")

// Op is a unit of work executed on a key's worker.
type Op func(ctx context.Context) error

const (
	opPending int32 = iota
	opRunning
	opCancelled
)

type queuedOp struct {
	ctx   context.Context
	fn    Op
	state atomic.Int32
	done  chan error
}

type inbox struct {
	ops []*queuedOp
}

// Queue is a set of per-key FIFO inboxes.
type Queue struct {
	mu      sync.Mutex
	inboxes map[string]*inbox
	closed  bool
	wg      sync.WaitGroup

	executed atomic.Int64
	logger   *zap.Logger
}

// New creates an empty queue.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		inboxes: make(map[string]*inbox),
		logger:  logger.With(zap.String("component", "keyqueue")),
	}
}

// Do enqueues fn on key's inbox and blocks until it ran, returning its
// error. If ctx is cancelled before fn started, fn is skipped and the
// context error is returned. Once started, fn always runs to completion.
func (q *Queue) Do(ctx context.Context, key string, fn Op) error {
	op := &queuedOp{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	ib, ok := q.inboxes[key]
	if !ok {
		ib = &inbox{}
		q.inboxes[key] = ib
		q.wg.Add(1)
		go q.drain(key, ib)
	}
	ib.ops = append(ib.ops, op)
	q.mu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		if op.state.CompareAndSwap(opPending, opCancelled) {
			return ctx.Err()
		}
		return <-op.done
	}
}

func (q *Queue) drain(key string, ib *inbox) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(ib.ops) == 0 {
			delete(q.inboxes, key)
			q.mu.Unlock()
			return
		}
		op := ib.ops[0]
		ib.ops[0] = nil
		ib.ops = ib.ops[1:]
		q.mu.Unlock()

		if !op.state.CompareAndSwap(opPending, opRunning) {
			continue
		}
		op.done <- q.run(key, op)
		q.executed.Add(1)
	}
}

func (q *Queue) run(key string, op *queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("operation panicked",
				zap.String("key", key),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("keyqueue: operation on %q panicked: %v", key, r)
		}
	}()
	return op.fn(op.ctx)
}

// ActiveKeys returns the number of keys with queued or running work.
func (q *Queue) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inboxes)
}

// Executed returns the number of operations run so far.
func (q *Queue) Executed() int64 {
	return q.executed.Load()
}

// Close rejects new work and waits for queued work to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
