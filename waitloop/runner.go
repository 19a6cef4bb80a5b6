package waitloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/entity"
	"github.com/nellyag1/wavescape-portal222/internal/keyqueue"
	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/internal/pool"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

// SessionUpdater applies read-modify-write updates to sessions.
// *entity.Store satisfies it.
type SessionUpdater interface {
	Update(ctx context.Context, key string, fn entity.UpdateFunc) (*session.Record, error)
}

// StatusChecker reports batch task status. batch.Client satisfies it.
type StatusChecker interface {
	Status(ctx context.Context, kind session.Activity, taskID string) (batch.StatusResult, error)
}

// Config configures the Runner.
type Config struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"DISPATCH_INTERVAL"`
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	CheckInterval    int           `yaml:"check_interval_seconds" env:"CHECK_INTERVAL_SECONDS"`
	Workers          pool.Config   `yaml:"workers" env:"WORKERS"`

	// MaintenanceInterval is how often Dispatch refreshes the active-loop
	// gauge and prunes finished loops.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" env:"MAINTENANCE_INTERVAL"`
	// Retention is how long finished loops are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval: time.Second,
		BatchSize:        100,
		CheckInterval:    DefaultCheckIntervalSeconds,
		Workers:          pool.DefaultConfig(),

		MaintenanceInterval: 30 * time.Second,
		Retention:           7 * 24 * time.Hour,
	}
}

// Runner creates, steps and terminates wait loops.
type Runner struct {
	config   Config
	store    persistence.LoopStore
	sessions SessionUpdater
	checker  StatusChecker
	queue    *keyqueue.Queue
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	inflight sync.Map

	maintMu        sync.Mutex
	lastMaintained time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records loop activity on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner.
func NewRunner(config Config, store persistence.LoopStore, sessions SessionUpdater, checker StatusChecker, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = def.DispatchInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = def.MaintenanceInterval
	}
	logger = logger.With(zap.String("component", "wait_loop"))
	r := &Runner{
		config:   config,
		store:    store,
		sessions: sessions,
		checker:  checker,
		queue:    keyqueue.New(logger),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// Lifecycle
// =============================================================================

// Create starts a loop for req and returns its instance id. Creating a loop
// that already exists returns the existing id.
func (r *Runner) Create(ctx context.Context, req Request) (string, error) {
	if req.CheckIntervalSeconds == 0 {
		req.CheckIntervalSeconds = r.config.CheckInterval
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	id, err := InstanceID(req.SessionKey, req.Activity, req.TaskID)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "derive loop id").WithCause(err)
	}

	err = r.queue.Do(ctx, id, func(ctx context.Context) error {
		if _, err := r.load(ctx, id); err == nil {
			r.logger.Info("wait loop already exists", zap.String("instance_id", id))
			return nil
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		now := r.now()
		cp := &Checkpoint{
			InstanceID: id,
			Request:    req,
			Phase:      PhaseWaiting,
			NextWakeAt: now.Add(req.Interval()),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return r.save(ctx, cp)
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("wait loop created",
		zap.String("instance_id", id),
		zap.String("session", req.SessionKey),
		zap.String("activity", string(req.Activity)),
		zap.String("task_id", req.TaskID),
		zap.Duration("interval", req.Interval()),
	)
	return id, nil
}

// Terminate stops a loop without applying its completion. Unknown or
// finished loops are not an error.
func (r *Runner) Terminate(ctx context.Context, instanceID, reason string) error {
	return r.queue.Do(ctx, instanceID, func(ctx context.Context) error {
		cp, err := r.load(ctx, instanceID)
		if errors.Is(err, persistence.ErrNotFound) {
			r.logger.Info("terminate: no such wait loop", zap.String("instance_id", instanceID))
			return nil
		}
		if err != nil {
			return err
		}
		if cp.Phase.Terminal() {
			r.logger.Info("terminate: wait loop already finished",
				zap.String("instance_id", instanceID),
				zap.String("phase", string(cp.Phase)),
			)
			return nil
		}

		cp.Phase = PhaseTerminated
		cp.Reason = reason
		cp.UpdatedAt = r.now()
		if err := r.save(ctx, cp); err != nil {
			return err
		}
		r.metrics.RecordLoopFinished(string(cp.Request.Activity), string(PhaseTerminated))
		r.logger.Info("wait loop terminated",
			zap.String("instance_id", instanceID),
			zap.String("reason", reason),
		)
		return nil
	})
}

// Get returns the checkpoint of a loop.
func (r *Runner) Get(ctx context.Context, instanceID string) (*Checkpoint, error) {
	cp, err := r.load(ctx, instanceID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "wait loop %q not found", instanceID)
	}
	return cp, err
}

// Active lists unfinished loops ordered by next wake-up.
func (r *Runner) Active(ctx context.Context) ([]*Checkpoint, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list wait loops").WithCause(err)
	}
	out := make([]*Checkpoint, 0, len(records))
	for _, rec := range records {
		if rec.Done {
			continue
		}
		cp, err := fromRecord(rec)
		if err != nil {
			r.logger.Warn("skipping undecodable wait loop", zap.String("instance_id", rec.InstanceID), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close waits for running steps and rejects new ones.
func (r *Runner) Close() {
	r.queue.Close()
}

// =============================================================================
// Stepping
// =============================================================================

// Step executes one wake-up of a loop. Steps of the same loop never overlap.
func (r *Runner) Step(ctx context.Context, instanceID string) error {
	return r.queue.Do(ctx, instanceID, func(ctx context.Context) error {
		return r.step(ctx, instanceID)
	})
}

func (r *Runner) step(ctx context.Context, id string) error {
	cp, err := r.load(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cp.Phase.Terminal() {
		return nil
	}
	if cp.Phase == PhaseWaiting && r.now().Before(cp.NextWakeAt) {
		return nil
	}

	log := r.logger.With(
		zap.String("instance_id", id),
		zap.String("session", cp.Request.SessionKey),
		zap.String("activity", string(cp.Request.Activity)),
		zap.Int("cycle", cp.Cycle),
	)

	if cp.Observed == nil {
		obs, err := r.check(ctx, cp.Request, log)
		if err != nil {
			return err
		}
		cp.Observed = obs
		cp.Phase = PhaseChecking
		cp.UpdatedAt = r.now()
		if err := r.save(ctx, cp); err != nil {
			return err
		}
	}

	if cp.Phase == PhaseChecking {
		if cp.Observed.CheckAgain {
			return r.continueAsNew(ctx, cp, log)
		}
		cp.Phase = PhaseCompleting
		cp.UpdatedAt = r.now()
		if err := r.save(ctx, cp); err != nil {
			return err
		}
	}

	return r.complete(ctx, cp, log)
}

// check calls the batch service once and classifies the answer. It only
// returns an error when ctx ended, in which case nothing is recorded.
func (r *Runner) check(ctx context.Context, req Request, log *zap.Logger) (*Observation, error) {
	res, err := r.checker.Status(ctx, req.Activity, req.TaskID)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	obs := &Observation{ObservedAt: r.now()}
	switch {
	case err != nil:
		perr := types.NewError(types.ErrTerminalPollFailure, "status check failed").WithCause(err)
		log.Error("stopping wait loop after failed status check", zap.Error(perr))
		obs.Classification = ClassError
		obs.Detail = err.Error()
	case res.State == batch.TaskCompleted:
		obs.Classification = ClassCompleted
		obs.ExecutionInfo = res.ExecutionInfo
	case res.State == batch.TaskRunning:
		obs.Classification = ClassRunning
		obs.CheckAgain = true
	case res.State == batch.TaskUnready:
		obs.Classification = ClassUnready
		obs.CheckAgain = true
	default:
		log.Warn("batch task is gone", zap.String("task_id", req.TaskID))
		obs.Classification = ClassGone
	}

	r.metrics.RecordPoll(string(req.Activity), string(obs.Classification))
	return obs, nil
}

// continueAsNew starts the next cycle with fresh per-cycle state.
func (r *Runner) continueAsNew(ctx context.Context, cp *Checkpoint, log *zap.Logger) error {
	now := r.now()
	cp.Cycle++
	cp.Observed = nil
	cp.Phase = PhaseWaiting
	cp.LastCheckAt = now
	cp.NextWakeAt = now.Add(cp.Request.Interval())
	cp.UpdatedAt = now
	if err := r.save(ctx, cp); err != nil {
		return err
	}
	log.Debug("task not finished, checking again", zap.Time("next_wake_at", cp.NextWakeAt))
	return nil
}

// complete applies the completion update and marks the loop completed.
// Replaying it after an interruption is safe: session.ApplyCompletion
// ignores an update whose RUNNING tag is already gone.
func (r *Runner) complete(ctx context.Context, cp *Checkpoint, log *zap.Logger) error {
	update := cp.Request.Completion(cp.Observed.ExecutionInfo)
	now := r.now()

	_, err := r.sessions.Update(ctx, cp.Request.SessionKey, func(rec *session.Record) (*session.Record, error) {
		next, applied := session.ApplyCompletion(rec, update, now)
		if !applied {
			log.Info("completion already applied or superseded", zap.Stringer("states", rec.States))
		}
		return next, nil
	})
	switch {
	case types.IsCode(err, types.ErrNotFound):
		log.Warn("session disappeared before completion", zap.Error(err))
	case err != nil:
		return err
	}

	cp.Phase = PhaseCompleted
	cp.UpdatedAt = r.now()
	if err := r.save(ctx, cp); err != nil {
		return err
	}
	r.metrics.RecordLoopFinished(string(cp.Request.Activity), string(PhaseCompleted))
	log.Info("wait loop completed",
		zap.String("classification", string(cp.Observed.Classification)),
		zap.Bool("has_execution_info", cp.Observed.ExecutionInfo != ""),
	)
	return nil
}

// =============================================================================
// Dispatch
// =============================================================================

// Run steps due loops until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	workers := pool.New(r.config.Workers, r.logger)
	defer workers.Close()

	ticker := time.NewTicker(r.config.DispatchInterval)
	defer ticker.Stop()

	r.logger.Info("wait loop dispatcher started", zap.Duration("interval", r.config.DispatchInterval))
	for {
		r.Dispatch(ctx, workers)
		select {
		case <-ctx.Done():
			r.logger.Info("wait loop dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Dispatch submits every due loop to workers once. Loops already queued or
// running are skipped.
func (r *Runner) Dispatch(ctx context.Context, workers *pool.Pool) int {
	r.maintainIfDue(ctx)

	due, err := r.store.ListDue(ctx, r.now(), r.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("list due wait loops", zap.Error(err))
		}
		return 0
	}

	submitted := 0
	for _, rec := range due {
		id := rec.InstanceID
		if _, busy := r.inflight.LoadOrStore(id, struct{}{}); busy {
			continue
		}
		err := workers.Submit(ctx, func(ctx context.Context) error {
			defer r.inflight.Delete(id)
			return r.Step(ctx, id)
		})
		if err != nil {
			r.inflight.Delete(id)
			r.logger.Debug("wait loop step deferred", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		submitted++
	}
	return submitted
}

// =============================================================================
// Maintenance
// =============================================================================

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	Active int
	Pruned int
}

func (r *Runner) maintainIfDue(ctx context.Context) {
	r.maintMu.Lock()
	now := r.now()
	if !r.lastMaintained.IsZero() && now.Sub(r.lastMaintained) < r.config.MaintenanceInterval {
		r.maintMu.Unlock()
		return
	}
	r.lastMaintained = now
	r.maintMu.Unlock()

	if _, err := r.Maintain(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("wait loop maintenance failed", zap.Error(err))
	}
}

// Maintain counts unfinished loops into the active-loop gauge and deletes
// loops that finished more than Retention ago.
func (r *Runner) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	records, err := r.store.List(ctx)
	if err != nil {
		return res, types.NewError(types.ErrInternalError, "list wait loops").WithCause(err)
	}

	var cutoff time.Time
	if r.config.Retention > 0 {
		cutoff = r.now().Add(-r.config.Retention)
	}
	for _, rec := range records {
		if !rec.Done {
			res.Active++
			continue
		}
		if cutoff.IsZero() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		pruned, err := r.prune(ctx, rec.InstanceID, cutoff)
		if err != nil {
			r.logger.Warn("prune wait loop", zap.String("instance_id", rec.InstanceID), zap.Error(err))
			continue
		}
		if pruned {
			res.Pruned++
		}
	}

	r.metrics.SetActiveLoops(res.Active)
	if res.Pruned > 0 {
		r.logger.Info("pruned finished wait loops", zap.Int("count", res.Pruned))
	}
	return res, nil
}

// prune deletes a loop if it is still finished and older than cutoff.
func (r *Runner) prune(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	pruned := false
	err := r.queue.Do(ctx, id, func(ctx context.Context) error {
		rec, err := r.store.Get(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.Done || rec.UpdatedAt.After(cutoff) {
			return nil
		}
		if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return err
		}
		pruned = true
		return nil
	})
	return pruned, err
}

// =============================================================================
// Storage helpers
// =============================================================================

func (r *Runner) load(ctx context.Context, id string) (*Checkpoint, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (r *Runner) save(ctx context.Context, cp *Checkpoint) error {
	rec, err := cp.toRecord()
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return types.Errorf(types.ErrInternalError, "save wait loop %s", cp.InstanceID).WithCause(err)
	}
	return nil
}
