package activity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/entity"
	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/storage"
	"github.com/nellyag1/wavescape-portal222/types"
	"github.com/nellyag1/wavescape-portal222/waitloop"
)

// Config configures the Service.
type Config struct {
	StrictExclusive   bool          `yaml:"strict_exclusive" env:"STRICT_EXCLUSIVE"`
	NearmapLinkTTL    time.Duration `yaml:"nearmap_link_ttl" env:"NEARMAP_LINK_TTL"`
	ValidationLinkTTL time.Duration `yaml:"validation_link_ttl" env:"VALIDATION_LINK_TTL"`
	WavescapeLinkTTL  time.Duration `yaml:"wavescape_link_ttl" env:"WAVESCAPE_LINK_TTL"`
	BlobLinkTTL       time.Duration `yaml:"blob_link_ttl" env:"BLOB_LINK_TTL"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		NearmapLinkTTL:    time.Hour,
		ValidationLinkTTL: time.Hour,
		WavescapeLinkTTL:  12 * time.Hour,
		BlobLinkTTL:       15 * time.Minute,
	}
}

// LinkTTL returns how long the links handed to a task of kind stay valid.
func (c Config) LinkTTL(kind session.Activity) time.Duration {
	switch kind {
	case session.ActivityNearmap:
		return c.NearmapLinkTTL
	case session.ActivityValidation:
		return c.ValidationLinkTTL
	default:
		return c.WavescapeLinkTTL
	}
}

// LoopController creates and terminates wait loops. *waitloop.Runner
// satisfies it.
type LoopController interface {
	Create(ctx context.Context, req waitloop.Request) (string, error)
	Terminate(ctx context.Context, instanceID, reason string) error
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Sessions     *entity.Store
	Batch        batch.Client
	Loops        LoopController
	Blobs        storage.Blobs
	Linker       storage.Linker
	Configurator Configurator
}

func (d Dependencies) validate() error {
	switch {
	case d.Sessions == nil:
		return errors.New("activity: session store is required")
	case d.Batch == nil:
		return errors.New("activity: batch client is required")
	case d.Loops == nil:
		return errors.New("activity: loop controller is required")
	case d.Blobs == nil:
		return errors.New("activity: blob storage is required")
	case d.Linker == nil:
		return errors.New("activity: linker is required")
	}
	return nil
}

// Service implements the session operations.
type Service struct {
	config       Config
	sessions     *entity.Store
	batch        batch.Client
	loops        LoopController
	blobs        storage.Blobs
	linker       storage.Linker
	configurator Configurator
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records starts and cleanup failures on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(config Config, deps Dependencies, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Configurator == nil {
		deps.Configurator = JSONConfigurator{}
	}
	def := DefaultConfig()
	if config.NearmapLinkTTL <= 0 {
		config.NearmapLinkTTL = def.NearmapLinkTTL
	}
	if config.ValidationLinkTTL <= 0 {
		config.ValidationLinkTTL = def.ValidationLinkTTL
	}
	if config.WavescapeLinkTTL <= 0 {
		config.WavescapeLinkTTL = def.WavescapeLinkTTL
	}
	if config.BlobLinkTTL <= 0 {
		config.BlobLinkTTL = def.BlobLinkTTL
	}
	s := &Service{
		config:       config,
		sessions:     deps.Sessions,
		batch:        deps.Batch,
		loops:        deps.Loops,
		blobs:        deps.Blobs,
		linker:       deps.Linker,
		configurator: deps.Configurator,
		logger:       logger.With(zap.String("component", "activity")),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// =============================================================================
// Sessions
// =============================================================================

func missingParam(name string) error {
	return types.Errorf(types.ErrValidation, "body does not contain %q; please refer to API documentation", name)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return types.NewError(types.ErrValidation, "sessionName is None, Empty, or Whitespace; please refer to API documentation")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || len(name) > 63 {
		return types.Errorf(types.ErrValidation, "session name %q is not allowed", name)
	}
	return nil
}

// CreateSession creates a session and its storage container.
func (s *Service) CreateSession(ctx context.Context, name, userID string) (*session.Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, missingParam("userId")
	}

	if _, err := s.sessions.Get(ctx, name); err == nil {
		return nil, types.Errorf(types.ErrAlreadyExists, "session %q already exists", name)
	} else if !types.IsCode(err, types.ErrNotFound) {
		return nil, err
	}

	if err := s.blobs.CreateContainer(ctx, name); err != nil {
		if errors.Is(err, storage.ErrContainerExists) {
			return nil, types.Errorf(types.ErrValidation, "container %q already exists", name)
		}
		return nil, types.NewError(types.ErrInternalError, "create session container").WithCause(err)
	}

	rec := session.New(name, userID, s.now())
	if err := s.sessions.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("session created", zap.String("session", name), zap.String("created_by", userID))
	return rec, nil
}

// GetSession returns a session or NOT_FOUND.
func (s *Service) GetSession(ctx context.Context, name string) (*session.Record, error) {
	return s.sessions.Get(ctx, name)
}

// ListSessions returns every session ordered by name.
func (s *Service) ListSessions(ctx context.Context) ([]*session.Record, error) {
	return s.sessions.List(ctx)
}

// Configure validates and stores a configuration verbatim.
func (s *Service) Configure(ctx context.Context, name string, configuration []byte) (*session.Record, error) {
	if err := s.configurator.Validate(configuration); err != nil {
		return nil, err
	}
	rec, err := s.sessions.Update(ctx, name, func(r *session.Record) (*session.Record, error) {
		return session.Configure(r, string(configuration), s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("configuration saved", zap.String("session", name), zap.Stringer("states", rec.States))
	return rec, nil
}

// SitesInput is the sites upload: the raw CSV (base64) and its processed
// GeoJSON form.
type SitesInput struct {
	Raw       string
	Processed json.RawMessage
	Overwrite bool
}

// UploadSites stores the sites files of a session.
func (s *Service) UploadSites(ctx context.Context, name string, in SitesInput) error {
	if _, err := s.sessions.Get(ctx, name); err != nil {
		return err
	}
	if strings.TrimSpace(in.Raw) == "" {
		return missingParam("raw")
	}
	raw, err := decodeBase64("raw", in.Raw)
	if err != nil {
		return err
	}
	processed := []byte(in.Processed)
	if len(processed) == 0 {
		processed = []byte("null")
	}

	if !in.Overwrite {
		for _, p := range []string{storage.RawSitesPath, storage.SitesPath} {
			if err := s.ensureAbsent(ctx, name, p); err != nil {
				return err
			}
		}
	}
	if err := s.saveBlob(ctx, name, storage.RawSitesPath, raw, in.Overwrite); err != nil {
		return err
	}
	return s.saveBlob(ctx, name, storage.SitesPath, processed, in.Overwrite)
}

// BlobLink returns a short-lived read or write link to one blob.
func (s *Service) BlobLink(ctx context.Context, name, blobPath, permission string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if strings.TrimSpace(blobPath) == "" {
		return "", types.NewError(types.ErrValidation, `"blobPath" query parameter not provided; please refer to API documentation`)
	}
	perm, err := storage.ParsePermission(permission)
	if err != nil {
		return "", types.NewError(types.ErrValidation, err.Error())
	}
	if _, err := s.sessions.Get(ctx, name); err != nil {
		return "", err
	}
	link, err := s.linker.Link(ctx, storage.LinkRequest{
		SessionName: name,
		Resource:    storage.ResourceBlob,
		Path:        blobPath,
		Permission:  perm,
		TTL:         s.config.BlobLinkTTL,
	})
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "issue blob link").WithCause(err)
	}
	return link, nil
}

// ActivityView is the read model of one activity of a session.
type ActivityView struct {
	Session        string           `json:"session"`
	Activity       session.Activity `json:"activity"`
	TaskID         string           `json:"taskId"`
	OrchestratorID string           `json:"orchestratorId"`
	ExecutionInfo  string           `json:"executionInfo"`
	Outcome        session.Outcome  `json:"outcome"`
	Logs           storage.TaskLogs `json:"logs"`
}

// ActivityStatus reports the state of one activity, including the logs its
// last task published.
func (s *Service) ActivityStatus(ctx context.Context, name string, kind session.Activity) (*ActivityView, error) {
	rec, err := s.sessions.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	info := rec.Activity(kind)
	logs, err := storage.ReadTaskLogs(ctx, s.blobs, name, info.TaskID)
	if err != nil {
		s.logger.Warn("read task logs", zap.String("session", name), zap.Error(err))
	}
	return &ActivityView{
		Session:        name,
		Activity:       kind,
		TaskID:         info.TaskID,
		OrchestratorID: info.OrchestratorID,
		ExecutionInfo:  info.ExecutionInfo,
		Outcome:        session.OutcomeOf(rec, kind),
		Logs:           logs,
	}, nil
}

// =============================================================================
// Start
// =============================================================================

// StartInput carries the request data of an activity start.
type StartInput struct {
	// nearmap
	AOI       string
	Overwrite bool

	// wavescape
	IterationName string
	Stages        json.RawMessage
}

// StartActivity starts kind for the named session and returns the record
// as persisted after the wait loop was created.
func (s *Service) StartActivity(ctx context.Context, name string, kind session.Activity, in StartInput) (rec *session.Record, err error) {
	defer func() { s.metrics.RecordActivityStart(string(kind), err) }()

	log := s.logger.With(zap.String("session", name), zap.String("activity", string(kind)))

	current, err := s.sessions.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	var aoi []byte
	switch kind {
	case session.ActivityNearmap:
		if aoi, err = s.checkNearmapInput(ctx, current, in); err != nil {
			return nil, err
		}
	case session.ActivityValidation:
		if err := s.checkRunInput(ctx, current, kind); err != nil {
			return nil, err
		}
	case session.ActivityWavescape:
		if strings.TrimSpace(in.IterationName) == "" {
			return nil, missingParam("iteration_name")
		}
		if len(in.Stages) == 0 || string(in.Stages) == "null" {
			return nil, missingParam("stages")
		}
		if err := s.checkRunInput(ctx, current, kind); err != nil {
			return nil, err
		}
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown activity %q", kind)
	}

	if g := session.CanBeginActivity(session.BeginContextFor(current, kind)); !g.Allowed {
		log.Info(g.Reason)
		return nil, types.NewError(types.ErrAlreadyRunning, g.Reason)
	}

	if aoi != nil {
		if err := s.saveBlob(ctx, name, storage.AOIPath, aoi, in.Overwrite); err != nil {
			return nil, err
		}
	}

	iteration := current.CurrentIteration()
	if kind == session.ActivityWavescape {
		iteration = strings.TrimSpace(in.IterationName)
	}
	body, err := s.startBody(ctx, current, kind, iteration, in.Stages)
	if err != nil {
		return nil, err
	}

	taskID, err := s.batch.Start(ctx, kind, body)
	if err != nil {
		log.Error("batch start failed", zap.Error(err))
		return nil, err
	}
	log = log.With(zap.String("task_id", taskID))

	// Persist the running state before anything else can fail.
	rec, err = s.sessions.Update(ctx, name, func(r *session.Record) (*session.Record, error) {
		var next *session.Record
		if s.config.StrictExclusive {
			var gerr error
			if next, gerr = session.BeginActivity(r, kind, s.now()); gerr != nil {
				return nil, gerr
			}
		} else {
			next = session.EnterRunning(r, kind, s.now())
		}
		next.Activity(kind).TaskID = taskID
		if kind == session.ActivityWavescape {
			next.AppendIteration(iteration)
		}
		return next, nil
	})
	if err != nil {
		if types.IsCode(err, types.ErrAlreadyRunning) {
			log.Warn("lost start race, stopping duplicate task")
			s.stopTask(ctx, name, kind, taskID)
		}
		return nil, err
	}

	instanceID, err := s.loops.Create(ctx, waitloop.RequestFor(name, kind, taskID, 0))
	if err != nil {
		log.Error("create wait loop failed", zap.Error(err))
		return rec, types.NewError(types.ErrInternalError, "create wait loop").WithCause(err)
	}

	rec, err = s.sessions.Update(ctx, name, func(r *session.Record) (*session.Record, error) {
		if r.Activity(kind).TaskID != taskID {
			return r, nil
		}
		next := r.Clone()
		next.Activity(kind).OrchestratorID = instanceID
		next.UpdatedAt = s.now()
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info(fmt.Sprintf("%s kicked-off for session %q, task id = %s", kind.Upper(), name, taskID),
		zap.String("instance_id", instanceID))
	return rec, nil
}

func (s *Service) checkNearmapInput(ctx context.Context, r *session.Record, in StartInput) ([]byte, error) {
	if strings.TrimSpace(in.AOI) == "" {
		return nil, missingParam("aoi")
	}
	aoi, err := decodeBase64("aoi", in.AOI)
	if err != nil {
		return nil, err
	}
	if !in.Overwrite {
		if err := s.ensureAbsent(ctx, r.Name, storage.AOIPath); err != nil {
			return nil, err
		}
	}
	return aoi, nil
}

func (s *Service) checkRunInput(ctx context.Context, r *session.Record, kind session.Activity) error {
	if g := session.CanRunWithConfiguration(session.RequiresConfigurationContext{
		SessionName:   r.Name,
		Activity:      kind,
		Configuration: r.Configuration,
	}); !g.Allowed {
		return types.NewError(types.ErrValidation, "the session has not yet been configured")
	}
	ok, err := s.blobs.Exists(ctx, r.Name, storage.SitesPath)
	if err != nil {
		return types.NewError(types.ErrInternalError, "check sites").WithCause(err)
	}
	if !ok {
		return types.NewError(types.ErrValidation, "sites have not been uploaded")
	}
	return nil
}

func (s *Service) startBody(ctx context.Context, r *session.Record, kind session.Activity, iteration string, stages json.RawMessage) (any, error) {
	ttl := s.config.LinkTTL(kind)
	container, err := s.linker.Link(ctx, storage.LinkRequest{
		SessionName: r.Name,
		Resource:    storage.ResourceContainer,
		Permission:  storage.PermissionReadWrite,
		TTL:         ttl,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "issue container link").WithCause(err)
	}
	table, err := s.linker.Link(ctx, storage.LinkRequest{
		SessionName: r.Name,
		Resource:    storage.ResourceTable,
		Permission:  storage.PermissionRead,
		TTL:         ttl,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "issue table link").WithCause(err)
	}

	switch kind {
	case session.ActivityNearmap:
		return batch.NearmapBody{SessionName: r.Name, ContainerSAS: container, TableSAS: table}, nil
	case session.ActivityValidation:
		return batch.ValidationBody{
			SessionName:   r.Name,
			ContainerSAS:  container,
			TableSAS:      table,
			Configuration: json.RawMessage(r.Configuration),
		}, nil
	default:
		return batch.WavescapeBody{
			SessionName:   r.Name,
			IterationName: iteration,
			ContainerSAS:  container,
			TableSAS:      table,
			Configuration: json.RawMessage(r.Configuration),
			Stages:        stages,
		}, nil
	}
}

// =============================================================================
// Stop
// =============================================================================

const stopReason = "session stopped by user"

// StopSession terminates the wait loops of every activity, then stops
// their batch tasks, then forces the session into {STOPPED}. Cleanup
// failures are logged and never abort the sequence. Stopping twice is safe.
func (s *Service) StopSession(ctx context.Context, name string) (*session.Record, error) {
	rec, err := s.sessions.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("session", name))

	var loops errgroup.Group
	for _, kind := range session.AllActivities() {
		id := rec.Activity(kind).OrchestratorID
		if id == "" {
			log.Info("skipping wait loop stop; none was ever created", zap.String("activity", string(kind)))
			continue
		}
		loops.Go(func() error {
			if err := s.loops.Terminate(ctx, id, stopReason); err != nil {
				s.cleanupFailed(log, kind, "terminate_loop", err)
			}
			return nil
		})
	}
	_ = loops.Wait()

	var tasks errgroup.Group
	for _, kind := range session.AllActivities() {
		taskID := rec.Activity(kind).TaskID
		if taskID == "" {
			log.Info("skipping task stop; none was ever run", zap.String("activity", string(kind)))
			continue
		}
		tasks.Go(func() error {
			s.stopTask(ctx, name, kind, taskID)
			return nil
		})
	}
	_ = tasks.Wait()

	out, err := s.sessions.Update(ctx, name, func(r *session.Record) (*session.Record, error) {
		return session.ForceStopped(r, s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("session stopped")
	return out, nil
}

func (s *Service) stopTask(ctx context.Context, name string, kind session.Activity, taskID string) {
	if err := s.batch.Stop(ctx, kind, taskID); err != nil {
		s.cleanupFailed(s.logger.With(zap.String("session", name)), kind, "stop_task", err)
	}
}

func (s *Service) cleanupFailed(log *zap.Logger, kind session.Activity, step string, err error) {
	s.metrics.RecordCleanupFailure(string(kind), step)
	cerr := types.NewError(types.ErrCleanupFailure, step+" failed").WithCause(err)
	log.Warn("cleanup step failed", zap.String("activity", string(kind)), zap.Error(cerr))
}

// =============================================================================
// Helpers
// =============================================================================

func decodeBase64(param, value string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, types.Errorf(types.ErrValidation, "%q is not a valid Base64 encoded string; please refer to API documentation", param)
	}
	return data, nil
}

func (s *Service) ensureAbsent(ctx context.Context, name, path string) error {
	ok, err := s.blobs.Exists(ctx, name, path)
	if err != nil {
		return types.NewError(types.ErrInternalError, "check blob").WithCause(err)
	}
	if ok {
		return types.Errorf(types.ErrValidation, "blob %q already exists for this session", path)
	}
	return nil
}

func (s *Service) saveBlob(ctx context.Context, name, path string, data []byte, overwrite bool) error {
	err := s.blobs.Save(ctx, name, path, data, overwrite)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrBlobExists):
		return types.Errorf(types.ErrValidation, "blob %q already exists for this session", path)
	default:
		return types.Errorf(types.ErrInternalError, "save blob %q", path).WithCause(err)
	}
}
