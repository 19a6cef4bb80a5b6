// Package mock serves a stand-in for the batch service. Started tasks never
// run anything: each status call completes the task with a fixed probability,
// and completed tasks report a failure with a second probability.
package mock

import (
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/session"
)

// Config tunes the mock outcome distribution.
type Config struct {
	CompletedChance float64 `yaml:"completed_chance" env:"TASK_COMPLETED_CHANCE"`
	FailureChance   float64 `yaml:"failure_chance" env:"TASK_FAILURE_CHANCE"`
	APIKey          string  `yaml:"api_key" env:"API_KEY"`
}

// DefaultConfig returns the default mock configuration.
func DefaultConfig() Config {
	return Config{CompletedChance: 0.25, FailureChance: 0.10}
}

// Server is an http.Handler implementing the batch service endpoints.
type Server struct {
	config Config
	router chi.Router
	logger *zap.Logger

	mu     sync.Mutex
	rnd    func() float64
	now    func() time.Time
	starts map[session.Activity]int
	stops  map[string]bool
}

// Option configures a Server.
type Option func(*Server)

// WithRandom replaces the random source. fn returns values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(s *Server) { s.rnd = fn }
}

// New creates a mock server.
func New(config Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config: config,
		logger: logger.With(zap.String("component", "batch_mock")),
		rnd:    rand.Float64,
		now:    time.Now,
		starts: make(map[session.Activity]int),
		stops:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.checkKey)
	r.Post("/{activity}/start", s.handleStart)
	r.Get("/{activity}/status/{taskID}", s.handleStatus)
	r.Post("/{activity}/stop/{taskID}", s.handleStop)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Starts returns how many tasks were started for kind.
func (s *Server) Starts(kind session.Activity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[kind]
}

// Stopped reports whether a stop request was received for taskID.
func (s *Server) Stopped(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops[taskID]
}

func (s *Server) checkKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.URL.Query().Get("code") != s.config.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func activityParam(w http.ResponseWriter, r *http.Request) (session.Activity, bool) {
	kind, err := session.ParseActivity(chi.URLParam(r, "activity"))
	if err != nil {
		http.NotFound(w, r)
		return "", false
	}
	return kind, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := activityParam(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.starts[kind]++
	s.mu.Unlock()

	s.logger.Info("task started",
		zap.String("activity", string(kind)),
		zap.String("task_id", taskID),
		zap.ByteString("body", body),
	)
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, taskID)
}

type taskState struct {
	Value string `json:"_value_"`
}

type statusResponse struct {
	State         taskState `json:"state"`
	ExecutionInfo any       `json:"execution_info"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := activityParam(w, r); !ok {
		return
	}

	s.mu.Lock()
	completed := s.rnd() < s.config.CompletedChance
	failed := completed && s.rnd() < s.config.FailureChance
	now := s.now().UTC()
	s.mu.Unlock()

	resp := statusResponse{State: taskState{Value: "running"}, ExecutionInfo: ""}
	if completed {
		resp.State.Value = "completed"
		resp.ExecutionInfo = executionInfo(failed, now)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	kind, ok := activityParam(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	s.mu.Lock()
	s.stops[taskID] = true
	s.mu.Unlock()

	s.logger.Info("task stopped", zap.String("activity", string(kind)), zap.String("task_id", taskID))
	w.WriteHeader(http.StatusOK)
}

type enumValue struct {
	Value string `json:"_value_"`
	Name  string `json:"_name_"`
}

type failureInfo struct {
	Category enumValue `json:"category"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
}

type taskExecution struct {
	EndTime     string       `json:"end_time"`
	ExitCode    *int         `json:"exit_code"`
	FailureInfo *failureInfo `json:"failure_info"`
	RetryCount  int          `json:"retry_count"`
	Result      enumValue    `json:"result"`
}

func executionInfo(failed bool, now time.Time) taskExecution {
	info := taskExecution{EndTime: now.Format(time.RFC3339Nano)}
	if failed {
		info.FailureInfo = &failureInfo{
			Category: enumValue{Value: "usererror", Name: "user_error"},
			Code:     "TaskEnded",
			Message:  "Task Was Ended by User Request",
		}
		info.Result = enumValue{Value: "failure", Name: "failure"}
		return info
	}
	exit := 0
	info.ExitCode = &exit
	info.Result = enumValue{Value: "success", Name: "success"}
	return info
}
