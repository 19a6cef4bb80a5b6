// Package pool runs short tasks on a bounded set of lazily started workers.
// The wait-loop dispatcher uses it to step due loops without spawning one
// goroutine per loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of work.
type Task func(ctx context.Context) error

// Config configures a Pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" env:"MAX_WORKERS"`
	QueueSize   int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  16,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx  context.Context
	task Task
}

// Pool is a bounded goroutine pool. Workers start on demand and exit after
// IdleTimeout without work.
type Pool struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a pool. Non-positive sizes fall back to the defaults.
func New(config Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config: config,
		logger: logger.With(zap.String("component", "pool")),
		jobs:   make(chan job, config.QueueSize),
	}
}

// Submit queues task without blocking. It returns ErrPoolFull when the
// queue is full and ErrPoolClosed after Close.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job{ctx: ctx, task: task}:
		p.submitted.Add(1)
		p.spawn()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// spawn starts a worker unless the limit is reached. Callers hold mu.
func (p *Pool) spawn() {
	for {
		n := p.workers.Load()
		if n >= int32(p.config.MaxWorkers) {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.active.Add(1)
			err := p.execute(j)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
				p.logger.Warn("task failed", zap.Error(err))
			} else {
				p.completed.Add(1)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)

		case <-idle.C:
			if len(p.jobs) == 0 {
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *Pool) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task(j.ctx)
}

// Close stops accepting tasks, runs what is queued and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	// Queued jobs need a worker even if all previous ones idled out.
	if len(p.jobs) > 0 {
		p.spawn()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
