package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/internal/tlsutil"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

const maxResponseBytes = 1 << 20

// Config holds the batch service endpoint. It is injected at startup; the
// client never reads the environment.
type Config struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	StatusRPS   float64       `yaml:"status_rps" env:"STATUS_RPS"`
	StatusBurst int           `yaml:"status_burst" env:"STATUS_BURST"`
}

// DefaultConfig returns the default batch client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:7071/api",
		Timeout:     30 * time.Second,
		StatusRPS:   20,
		StatusBurst: 5,
	}
}

// Validate checks the batch client configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("batch base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid batch base_url: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("batch timeout must be positive")
	}
	if c.StatusRPS < 0 {
		return fmt.Errorf("batch status_rps cannot be negative")
	}
	return nil
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithMetrics records every call on the collector.
func WithMetrics(c *metrics.Collector) ClientOption {
	return func(h *HTTPClient) { h.metrics = c }
}

// NewHTTPClient creates a batch client.
func NewHTTPClient(config Config, logger *zap.Logger, opts ...ClientOption) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := config.StatusBurst
	if config.StatusRPS > 0 {
		limit = rate.Limit(config.StatusRPS)
		if burst <= 0 {
			burst = 1
		}
	}
	c := &HTTPClient{
		config:     config,
		httpClient: tlsutil.SecureHTTPClient(config.Timeout),
		limiter:    rate.NewLimiter(limit, burst),
		tracer:     otel.Tracer("wavescape/batch"),
		logger:     logger.With(zap.String("component", "batch_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// endpoint builds {base}/{activity}/{parts...}?code={key}.
func (c *HTTPClient) endpoint(kind session.Activity, parts ...string) string {
	segments := []string{strings.TrimRight(c.config.BaseURL, "/"), string(kind)}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	u := strings.Join(segments, "/")
	if c.config.APIKey != "" {
		u += "?code=" + url.QueryEscape(c.config.APIKey)
	}
	return u
}

type response struct {
	status int
	body   []byte
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func (c *HTTPClient) startSpan(ctx context.Context, call string, kind session.Activity, taskID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "batch."+call,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("batch.activity", string(kind)),
			attribute.String("batch.task_id", taskID),
		),
	)
}

func endSpan(span trace.Span, status int, err error) {
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func serviceError(action string, status int, cause error) *types.Error {
	msg := fmt.Sprintf("failed to %s", action)
	if status != 0 {
		msg = fmt.Sprintf("%s, status=%d %s", msg, status, http.StatusText(status))
	}
	e := types.NewError(types.ErrServiceError, msg).WithHTTPStatus(http.StatusBadGateway)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// Start launches a task.
func (c *HTTPClient) Start(ctx context.Context, kind session.Activity, body any) (taskID string, err error) {
	ctx, span := c.startSpan(ctx, "start", kind, "")
	began := time.Now()
	status := 0
	defer func() {
		endSpan(span, status, err)
		c.metrics.RecordBatchCall(string(kind), "start", callResult(err), time.Since(began))
	}()

	action := "start " + string(kind)
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "encode start body").WithCause(err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(kind, "start"), payload)
	if err != nil {
		return "", serviceError(action, 0, err)
	}
	status = resp.status
	if resp.status < 200 || resp.status >= 300 {
		c.logger.Error("batch start failed",
			zap.String("activity", string(kind)),
			zap.Int("status", resp.status),
		)
		return "", serviceError(action, resp.status, nil)
	}
	taskID = strings.TrimSpace(string(resp.body))
	if taskID == "" {
		return "", serviceError(action+": empty task id", resp.status, nil)
	}
	c.logger.Info("batch task started",
		zap.String("activity", string(kind)),
		zap.String("task_id", taskID),
	)
	return taskID, nil
}

// Status reports the state of a task. Calls are rate limited.
func (c *HTTPClient) Status(ctx context.Context, kind session.Activity, taskID string) (result StatusResult, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return StatusResult{}, err
	}

	ctx, span := c.startSpan(ctx, "status", kind, taskID)
	began := time.Now()
	status := 0
	defer func() {
		label := string(result.State)
		if err != nil {
			label = "error"
		}
		endSpan(span, status, err)
		c.metrics.RecordBatchCall(string(kind), "status", label, time.Since(began))
	}()

	action := fmt.Sprintf("get %s task %s status", kind, taskID)
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(kind, "status", taskID), nil)
	if err != nil {
		return StatusResult{}, serviceError(action, 0, err)
	}
	status = resp.status

	switch resp.status {
	case http.StatusOK:
		return parseStatus(resp.body)
	case http.StatusNotFound:
		return StatusResult{State: TaskUnready}, nil
	case http.StatusGone:
		return StatusResult{State: TaskGone}, nil
	default:
		return StatusResult{}, serviceError(action, resp.status, nil)
	}
}

func parseStatus(body []byte) (StatusResult, error) {
	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return StatusResult{}, types.NewError(types.ErrServiceError, "malformed status response").WithCause(err)
	}
	if payload.State.Value != string(TaskCompleted) {
		return StatusResult{State: TaskRunning}, nil
	}
	info := []byte("null")
	if len(payload.ExecutionInfo) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload.ExecutionInfo); err != nil {
			return StatusResult{}, types.NewError(types.ErrServiceError, "malformed execution info").WithCause(err)
		}
		info = compact.Bytes()
	}
	return StatusResult{State: TaskCompleted, ExecutionInfo: string(info)}, nil
}

// Stop cancels a task. 410 Gone counts as success.
func (c *HTTPClient) Stop(ctx context.Context, kind session.Activity, taskID string) (err error) {
	ctx, span := c.startSpan(ctx, "stop", kind, taskID)
	began := time.Now()
	status := 0
	defer func() {
		endSpan(span, status, err)
		c.metrics.RecordBatchCall(string(kind), "stop", callResult(err), time.Since(began))
	}()

	action := fmt.Sprintf("stop %s task %s", kind, taskID)
	resp, err := c.do(ctx, http.MethodPost, c.endpoint(kind, "stop", taskID), nil)
	if err != nil {
		return serviceError(action, 0, err)
	}
	status = resp.status
	switch {
	case resp.status >= 200 && resp.status < 300:
		c.logger.Info("batch task stopped", zap.String("activity", string(kind)), zap.String("task_id", taskID))
		return nil
	case resp.status == http.StatusGone:
		c.logger.Info("batch task already gone", zap.String("activity", string(kind)), zap.String("task_id", taskID))
		return nil
	default:
		return serviceError(action, resp.status, nil)
	}
}

func callResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
