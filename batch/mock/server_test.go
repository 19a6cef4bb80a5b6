package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/session"
)

// sequence returns the given values in order, repeating the last one.
func sequence(values ...float64) func() float64 {
	var mu sync.Mutex
	i := 0
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v
	}
}

func newClient(t *testing.T, srv *Server, key string) *batch.HTTPClient {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	cfg := batch.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.APIKey = key
	cfg.StatusRPS = 0
	c, err := batch.NewHTTPClient(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestServer_StartReturnsHexID(t *testing.T) {
	srv := New(DefaultConfig(), nil)
	c := newClient(t, srv, "")

	id, err := c.Start(context.Background(), session.ActivityNearmap, batch.NearmapBody{SessionName: "s"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)
	assert.Equal(t, 1, srv.Starts(session.ActivityNearmap))
	assert.Equal(t, 0, srv.Starts(session.ActivityWavescape))
}

func TestServer_StatusOutcomes(t *testing.T) {
	// running, then completed successfully, then completed with failure.
	srv := New(DefaultConfig(), nil, WithRandom(sequence(0.9, 0.1, 0.5, 0.1, 0.05)))
	c := newClient(t, srv, "")
	ctx := context.Background()

	res, err := c.Status(ctx, session.ActivityValidation, "abc")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskRunning, res.State)

	res, err = c.Status(ctx, session.ActivityValidation, "abc")
	require.NoError(t, err)
	require.Equal(t, batch.TaskCompleted, res.State)
	var ok taskExecution
	require.NoError(t, json.Unmarshal([]byte(res.ExecutionInfo), &ok))
	assert.Equal(t, "success", ok.Result.Value)
	require.NotNil(t, ok.ExitCode)
	assert.Nil(t, ok.FailureInfo)

	res, err = c.Status(ctx, session.ActivityValidation, "abc")
	require.NoError(t, err)
	require.Equal(t, batch.TaskCompleted, res.State)
	var failed taskExecution
	require.NoError(t, json.Unmarshal([]byte(res.ExecutionInfo), &failed))
	assert.Equal(t, "failure", failed.Result.Value)
	require.NotNil(t, failed.FailureInfo)
	assert.Equal(t, "TaskEnded", failed.FailureInfo.Code)
}

func TestServer_Stop(t *testing.T) {
	srv := New(DefaultConfig(), nil)
	c := newClient(t, srv, "")

	require.NoError(t, c.Stop(context.Background(), session.ActivityWavescape, "t-1"))
	assert.True(t, srv.Stopped("t-1"))
	assert.False(t, srv.Stopped("t-2"))
}

func TestServer_APIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "k"
	srv := New(cfg, nil)

	_, err := newClient(t, srv, "wrong").Start(context.Background(), session.ActivityNearmap, batch.NearmapBody{})
	assert.Error(t, err)

	_, err = newClient(t, srv, "k").Start(context.Background(), session.ActivityNearmap, batch.NearmapBody{})
	assert.NoError(t, err)
}

func TestServer_UnknownActivity(t *testing.T) {
	srv := New(DefaultConfig(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown/status/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
