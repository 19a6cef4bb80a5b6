package activity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/entity"
	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/storage"
	"github.com/nellyag1/wavescape-portal222/types"
	"github.com/nellyag1/wavescape-portal222/waitloop"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type startCall struct {
	kind session.Activity
	body any
}

type stopCall struct {
	kind   session.Activity
	taskID string
}

type fakeBatch struct {
	mu       sync.Mutex
	taskIDs  []string
	starts   []startCall
	stops    []stopCall
	statuses []batch.StatusResult
	polls    int
	startErr error
	stopErr  error
	onStart  func()
}

func (b *fakeBatch) Start(ctx context.Context, kind session.Activity, body any) (string, error) {
	b.mu.Lock()
	hook := b.onStart
	if b.startErr != nil {
		b.mu.Unlock()
		return "", b.startErr
	}
	b.starts = append(b.starts, startCall{kind: kind, body: body})
	id := b.taskIDs[0]
	if len(b.taskIDs) > 1 {
		b.taskIDs = b.taskIDs[1:]
	}
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return id, nil
}

func (b *fakeBatch) Status(ctx context.Context, kind session.Activity, taskID string) (batch.StatusResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	res := b.statuses[0]
	if len(b.statuses) > 1 {
		b.statuses = b.statuses[1:]
	}
	return res, nil
}

func (b *fakeBatch) Stop(ctx context.Context, kind session.Activity, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, stopCall{kind: kind, taskID: taskID})
	return b.stopErr
}

func (b *fakeBatch) Starts() []startCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]startCall(nil), b.starts...)
}

func (b *fakeBatch) Stops() []stopCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stopCall(nil), b.stops...)
}

// spyLoops counts calls to the wrapped runner.
type spyLoops struct {
	*waitloop.Runner
	mu         sync.Mutex
	terminated []string
	failCreate error
}

func (l *spyLoops) Create(ctx context.Context, req waitloop.Request) (string, error) {
	if l.failCreate != nil {
		return "", l.failCreate
	}
	return l.Runner.Create(ctx, req)
}

func (l *spyLoops) Terminate(ctx context.Context, id, reason string) error {
	l.mu.Lock()
	l.terminated = append(l.terminated, id)
	l.mu.Unlock()
	return l.Runner.Terminate(ctx, id, reason)
}

type fixture struct {
	svc      *Service
	clock    *clock
	batch    *fakeBatch
	loops    *spyLoops
	blobs    *storage.FileBlobs
	linker   *storage.TokenLinker
	sessions *entity.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{now: t0}
	fb := &fakeBatch{taskIDs: []string{"T1"}, statuses: []batch.StatusResult{{State: batch.TaskRunning}}}

	sessions := entity.NewStore(persistence.NewMemorySessionStore(), zap.NewNop())
	t.Cleanup(func() { sessions.Close() })

	runner := waitloop.NewRunner(waitloop.DefaultConfig(), persistence.NewMemoryLoopStore(), sessions, fb, zap.NewNop(),
		waitloop.WithClock(clk.Now))
	t.Cleanup(runner.Close)
	loops := &spyLoops{Runner: runner}

	blobs, err := storage.NewFileBlobs(t.TempDir(), nil)
	require.NoError(t, err)
	linker, err := storage.NewTokenLinker("https://files.example.net", "test", []byte("0123456789abcdef"))
	require.NoError(t, err)

	collector := metrics.NewCollectorWithRegistry("activity_test", prometheus.NewRegistry(), zap.NewNop())
	svc, err := NewService(cfg, Dependencies{
		Sessions: sessions,
		Batch:    fb,
		Loops:    loops,
		Blobs:    blobs,
		Linker:   linker,
	}, zap.NewNop(), WithClock(clk.Now), WithMetrics(collector))
	require.NoError(t, err)

	return &fixture{svc: svc, clock: clk, batch: fb, loops: loops, blobs: blobs, linker: linker, sessions: sessions}
}

func (f *fixture) create(t *testing.T, name string) {
	t.Helper()
	_, err := f.svc.CreateSession(context.Background(), name, "user-1")
	require.NoError(t, err)
}

// ready creates a configured session with sites uploaded.
func (f *fixture) ready(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	f.create(t, name)
	_, err := f.svc.Configure(ctx, name, []byte(`{"bands":[28,39]}`))
	require.NoError(t, err)
	require.NoError(t, f.svc.UploadSites(ctx, name, SitesInput{
		Raw:       b64("id,lat,lon\n1,2,3\n"),
		Processed: json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
	}))
}

// drive advances the clock and steps the loop until the batch script ends.
func (f *fixture) drive(t *testing.T, id string, steps int) {
	t.Helper()
	for i := 0; i < steps; i++ {
		f.clock.Advance(time.Minute)
		require.NoError(t, f.loops.Step(context.Background(), id))
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// =============================================================================
// Scenarios
// =============================================================================

func TestScenario_NearmapRunsToCompletion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")
	_, err := f.svc.Configure(ctx, "Acme", []byte(`{"k":1}`))
	require.NoError(t, err)

	f.batch.statuses = []batch.StatusResult{
		{State: batch.TaskUnready},
		{State: batch.TaskUnready},
		{State: batch.TaskCompleted, ExecutionInfo: "{ok:true}"},
	}
	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("gpkg-bytes")})
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateNearmapRunning), rec.States)
	assert.Equal(t, "T1", rec.Nearmap.TaskID)
	require.NotEmpty(t, rec.Nearmap.OrchestratorID)

	f.drive(t, rec.Nearmap.OrchestratorID, 3)

	final, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateNearmapCompleted), final.States)
	assert.Equal(t, "{ok:true}", final.Nearmap.ExecutionInfo)
	assert.Equal(t, 3, f.batch.polls)

	aoi, err := f.blobs.Read(ctx, "Acme", storage.AOIPath)
	require.NoError(t, err)
	assert.Equal(t, "gpkg-bytes", string(aoi))
}

func TestScenario_StartWhileRunningIsRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.ready(t, "Acme")

	_, err := f.sessions.Update(ctx, "Acme", func(r *session.Record) (*session.Record, error) {
		next, err := session.BeginActivity(r, session.ActivityWavescape, t0)
		if err != nil {
			return nil, err
		}
		next.Wavescape.TaskID = "T0"
		return next, nil
	})
	require.NoError(t, err)
	before, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)

	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{
		IterationName: "Second",
		Stages:        json.RawMessage(`[1,2]`),
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAlreadyRunning))
	assert.Contains(t, err.Error(), `Attempt to start WAVESCAPE when already running for session "Acme", task id = T0`)
	assert.Equal(t, http.StatusBadRequest, types.StatusFor(types.GetErrorCode(err)))

	after, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "T0", after.Wavescape.TaskID)
	assert.Empty(t, f.batch.Starts())
}

func TestScenario_StopFreshSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	rec, err := f.svc.StopSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), rec.States)
	assert.Empty(t, f.loops.terminated)
	assert.Empty(t, f.batch.Stops())

	rec, err = f.svc.StopSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), rec.States)
	assert.Empty(t, f.batch.Stops())
}

// =============================================================================
// Start
// =============================================================================

func TestStartActivity_UnknownSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.svc.StartActivity(context.Background(), "Ghost", session.ActivityNearmap, StartInput{AOI: b64("x")})
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.Equal(t, http.StatusGone, types.StatusFor(types.GetErrorCode(err)))
}

func TestStartActivity_NearmapInput(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	_, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), `"aoi"`)

	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: "not*base64"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), "Base64")

	require.NoError(t, f.blobs.Save(ctx, "Acme", storage.AOIPath, []byte("old"), false))
	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("new")})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), "already exists")
	assert.Empty(t, f.batch.Starts())

	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("new"), Overwrite: true})
	require.NoError(t, err)
	data, err := f.blobs.Read(ctx, "Acme", storage.AOIPath)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStartActivity_RunPrerequisites(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	_, err := f.svc.StartActivity(ctx, "Acme", session.ActivityValidation, StartInput{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), "configured")

	_, err = f.svc.Configure(ctx, "Acme", []byte(`{}`))
	require.NoError(t, err)
	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityValidation, StartInput{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), "sites")

	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{Stages: json.RawMessage(`[]`)})
	assert.Contains(t, err.Error(), `"iteration_name"`)
	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{IterationName: "It"})
	assert.Contains(t, err.Error(), `"stages"`)
	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{IterationName: "It", Stages: json.RawMessage(`null`)})
	assert.Contains(t, err.Error(), `"stages"`)

	assert.Empty(t, f.batch.Starts())
}

func TestStartActivity_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.ready(t, "Acme")
	_, err := f.sessions.Update(ctx, "Acme", func(r *session.Record) (*session.Record, error) {
		return session.ForceStopped(r, t0), nil
	})
	require.NoError(t, err)

	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityValidation, StartInput{})
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateReadyToRun, session.StateValidationRunning), rec.States)

	starts := f.batch.Starts()
	require.Len(t, starts, 1)
	body, ok := starts[0].body.(batch.ValidationBody)
	require.True(t, ok)
	assert.Equal(t, "Acme", body.SessionName)
	assert.JSONEq(t, `{"bands":[28,39]}`, string(body.Configuration))

	claims := verifyLink(t, f.linker, body.ContainerSAS)
	assert.Equal(t, storage.ResourceContainer, claims.Resource)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestStartActivity_WavescapeAppendsIteration(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.ready(t, "Acme")
	f.batch.taskIDs = []string{"W1", "W2"}
	f.batch.statuses = []batch.StatusResult{{State: batch.TaskCompleted, ExecutionInfo: `{}`}}

	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{
		IterationName: "Dense",
		Stages:        json.RawMessage(`{"stage":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{session.DefaultIterationName, "Dense"}, rec.IterationNames)
	assert.True(t, rec.States.Has(session.StateWavescapeRunning))

	body, ok := f.batch.Starts()[0].body.(batch.WavescapeBody)
	require.True(t, ok)
	assert.Equal(t, "Dense", body.IterationName)
	assert.JSONEq(t, `{"stage":1}`, string(body.Stages))
	claims := verifyLink(t, f.linker, body.TableSAS)
	assert.Equal(t, storage.ResourceTable, claims.Resource)
	assert.Equal(t, storage.PermissionRead, claims.Permission)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), claims.ExpiresAt.Time, time.Minute)

	f.drive(t, rec.Wavescape.OrchestratorID, 1)

	// Same iteration name again is not appended twice.
	rec, err = f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{
		IterationName: "Dense",
		Stages:        json.RawMessage(`{"stage":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{session.DefaultIterationName, "Dense"}, rec.IterationNames)
	assert.Equal(t, "W2", rec.Wavescape.TaskID)
}

func TestStartActivity_BatchFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")
	f.batch.startErr = types.NewError(types.ErrServiceError, "failed to start nearmap, status=500")
	before, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)

	_, err = f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("x")})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServiceError))

	after, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	active, err := f.loops.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStartActivity_LoopFailureKeepsRunningState(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")
	f.loops.failCreate = types.NewError(types.ErrInternalError, "store down")

	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("x")})
	require.Error(t, err)
	require.NotNil(t, rec)

	stored, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.True(t, stored.States.Has(session.StateNearmapRunning))
	assert.Equal(t, "T1", stored.Nearmap.TaskID)
	assert.Empty(t, stored.Nearmap.OrchestratorID)
}

// concurrentWin makes the session look as if another start of kind won the
// race while the batch call was in flight.
func concurrentWin(t *testing.T, f *fixture, kind session.Activity) func() {
	return func() {
		_, err := f.sessions.Update(context.Background(), "Acme", func(r *session.Record) (*session.Record, error) {
			next := session.EnterRunning(r, kind, t0)
			next.Activity(kind).TaskID = "WINNER"
			return next, nil
		})
		assert.NoError(t, err)
	}
}

func TestStartActivity_StrictExclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictExclusive = true
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.create(t, "Acme")
	f.batch.onStart = concurrentWin(t, f, session.ActivityNearmap)

	_, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("x")})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAlreadyRunning))

	rec, err := f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "WINNER", rec.Nearmap.TaskID)
	assert.Equal(t, []stopCall{{kind: session.ActivityNearmap, taskID: "T1"}}, f.batch.Stops())
}

func TestStartActivity_DefaultModeLastWriterWins(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")
	f.batch.onStart = concurrentWin(t, f, session.ActivityNearmap)

	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("x")})
	require.NoError(t, err)
	assert.Equal(t, "T1", rec.Nearmap.TaskID)
	assert.Empty(t, f.batch.Stops())
}

// =============================================================================
// Stop
// =============================================================================

func TestStopSession_CleansUpEverything(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.ready(t, "Acme")
	f.batch.taskIDs = []string{"V1", "W1"}
	f.batch.stopErr = types.NewError(types.ErrServiceError, "stop failed")

	v, err := f.svc.StartActivity(ctx, "Acme", session.ActivityValidation, StartInput{})
	require.NoError(t, err)
	w, err := f.svc.StartActivity(ctx, "Acme", session.ActivityWavescape, StartInput{IterationName: "I", Stages: json.RawMessage(`[]`)})
	require.NoError(t, err)

	rec, err := f.svc.StopSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), rec.States)

	assert.ElementsMatch(t, []string{v.Validation.OrchestratorID, w.Wavescape.OrchestratorID}, f.loops.terminated)
	assert.ElementsMatch(t, []stopCall{
		{kind: session.ActivityValidation, taskID: "V1"},
		{kind: session.ActivityWavescape, taskID: "W1"},
	}, f.batch.Stops())

	// Terminated loops never touch the session again.
	f.drive(t, w.Wavescape.OrchestratorID, 2)
	assert.Zero(t, f.batch.polls)
	rec, err = f.svc.GetSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), rec.States)

	// A second stop issues the same calls and keeps the state.
	rec, err = f.svc.StopSession(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), rec.States)
	assert.Len(t, f.batch.Stops(), 4)
}

func TestStopSession_UnknownSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.svc.StopSession(context.Background(), "Ghost")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

// =============================================================================
// Sessions
// =============================================================================

func TestCreateSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, " ", "u")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = f.svc.CreateSession(ctx, "Acme", "")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), `"userId"`)
	for _, name := range []string{"a/b", ".", ".."} {
		_, err = f.svc.CreateSession(ctx, name, "u")
		assert.True(t, types.IsCode(err, types.ErrValidation), "name %q", name)
	}
	_, err = f.svc.BlobLink(ctx, "..", "x.csv", "r")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	rec, err := f.svc.CreateSession(ctx, "Acme", "u")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateIdle), rec.States)
	assert.Equal(t, t0, rec.CreatedAt)

	_, err = f.svc.CreateSession(ctx, "Acme", "u")
	assert.True(t, types.IsCode(err, types.ErrAlreadyExists))

	// A container left behind by an earlier deployment blocks creation.
	require.NoError(t, f.blobs.CreateContainer(ctx, "Orphan"))
	_, err = f.svc.CreateSession(ctx, "Orphan", "u")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	all, err := f.svc.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Acme", all[0].Name)
}

func TestConfigure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	_, err := f.svc.Configure(ctx, "Acme", []byte(`{not json`))
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = f.svc.Configure(ctx, "Ghost", []byte(`{}`))
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	raw := []byte(`{ "b": 2, "a": 1 }`)
	rec, err := f.svc.Configure(ctx, "Acme", raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), rec.Configuration)
	assert.True(t, rec.States.Has(session.StateConfigurationCompleted))
}

func TestSchemaConfigurator(t *testing.T) {
	c, err := NewSchemaConfigurator([]byte(`{
		"type": "object",
		"required": ["bands"],
		"properties": {"bands": {"type": "array", "items": {"type": "integer"}}}
	}`))
	require.NoError(t, err)

	assert.NoError(t, c.Validate([]byte(`{"bands":[1,2]}`)))
	assert.True(t, types.IsCode(c.Validate([]byte(`{"bands":"x"}`)), types.ErrValidation))
	assert.True(t, types.IsCode(c.Validate([]byte(`{}`)), types.ErrValidation))
	assert.True(t, types.IsCode(c.Validate([]byte(`{`)), types.ErrValidation))

	_, err = NewSchemaConfigurator([]byte(`{`))
	assert.Error(t, err)
}

func TestUploadSites(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	err := f.svc.UploadSites(ctx, "Acme", SitesInput{})
	assert.Contains(t, err.Error(), `"raw"`)
	err = f.svc.UploadSites(ctx, "Acme", SitesInput{Raw: "%%"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	err = f.svc.UploadSites(ctx, "Ghost", SitesInput{Raw: b64("x")})
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	require.NoError(t, f.svc.UploadSites(ctx, "Acme", SitesInput{Raw: b64("csv"), Processed: json.RawMessage(`{"f":1}`)}))
	err = f.svc.UploadSites(ctx, "Acme", SitesInput{Raw: b64("csv2")})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	require.NoError(t, f.svc.UploadSites(ctx, "Acme", SitesInput{Raw: b64("csv2"), Overwrite: true}))

	raw, err := f.blobs.Read(ctx, "Acme", storage.RawSitesPath)
	require.NoError(t, err)
	assert.Equal(t, "csv2", string(raw))
	processed, err := f.blobs.Read(ctx, "Acme", storage.SitesPath)
	require.NoError(t, err)
	assert.Equal(t, "null", string(processed))
}

func TestActivityStatus(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.create(t, "Acme")

	view, err := f.svc.ActivityStatus(ctx, "Acme", session.ActivityNearmap)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeNone, view.Outcome)

	f.batch.statuses = []batch.StatusResult{{State: batch.TaskGone}}
	rec, err := f.svc.StartActivity(ctx, "Acme", session.ActivityNearmap, StartInput{AOI: b64("x")})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Save(ctx, "Acme", "tasklogs/T1/stderr.txt", []byte("boom"), false))

	view, err = f.svc.ActivityStatus(ctx, "Acme", session.ActivityNearmap)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeRunning, view.Outcome)
	assert.Equal(t, "boom", view.Logs.StdErr)

	f.drive(t, rec.Nearmap.OrchestratorID, 1)
	view, err = f.svc.ActivityStatus(ctx, "Acme", session.ActivityNearmap)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeUnknown, view.Outcome)
	assert.Empty(t, view.ExecutionInfo)
}

func TestBlobLink(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.svc.BlobLink(ctx, "Acme", "results/out.csv", "read")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	f.create(t, "Acme")
	link, err := f.svc.BlobLink(ctx, "Acme", "results/out.csv", "Write")
	require.NoError(t, err)
	claims := verifyLink(t, f.linker, link)
	assert.Equal(t, storage.PermissionWrite, claims.Permission)
	assert.Equal(t, "results/out.csv", claims.Path)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, time.Minute)

	_, err = f.svc.BlobLink(ctx, "Acme", "", "read")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = f.svc.BlobLink(ctx, "Acme", "x", "delete")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(DefaultConfig(), Dependencies{}, nil)
	assert.Error(t, err)
}

func verifyLink(t *testing.T, l *storage.TokenLinker, link string) *storage.LinkClaims {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://files.example.net/"))
	claims, err := l.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	return claims
}
