package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/internal/ctxkeys"
	"github.com/nellyag1/wavescape-portal222/types"
)

// maxBodyBytes caps request bodies. AOI uploads arrive base64 encoded.
const maxBodyBytes = 64 << 20

// =============================================================================
// Response envelope
// =============================================================================

// Response is the JSON envelope of every non-empty answer.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// Writers
// =============================================================================

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes data in a 200 envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteData(w, r, http.StatusOK, data)
}

// WriteData writes data in an envelope with the given status.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	resp := Response{Success: true, Data: data, Timestamp: time.Now()}
	if r != nil {
		resp.RequestID, _ = ctxkeys.RequestID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteNoContent answers 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError writes err as an error envelope. Errors without a types.Error
// in their chain answer 500 and their text is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var e *types.Error
	if !errors.As(err, &e) {
		e = types.NewError(types.ErrInternalError, "internal server error").WithCause(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = types.StatusFor(e.Code)
	}

	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(e.Code),
			Message:    e.Message,
			Retryable:  e.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	}
	if r != nil {
		resp.RequestID, _ = ctxkeys.RequestID(r.Context())
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.Int("status", status),
			zap.Error(e.Cause),
		}
		if resp.RequestID != "" {
			fields = append(fields, zap.String("request_id", resp.RequestID))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Info("API error", fields...)
		}
	}

	WriteJSON(w, status, resp)
}

// =============================================================================
// Request helpers
// =============================================================================

// DecodeJSONBody decodes the request body into dst. An empty body is a
// validation error.
func DecodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewError(types.ErrValidation, "body is empty; please refer to API documentation")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewError(types.ErrValidation, "body is empty; please refer to API documentation")
		}
		return types.NewError(types.ErrValidation, "body does not contain valid JSON data; please refer to API documentation").
			WithCause(err)
	}
	return nil
}

// ReadBody returns the raw request body.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, types.NewError(types.ErrValidation, "body is empty; please refer to API documentation")
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "read request body").WithCause(err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, types.NewError(types.ErrValidation, "body is empty; please refer to API documentation")
	}
	return data, nil
}

// FlexBool decodes from a JSON boolean or from a string such as "true",
// "False" or "1". Clients of the portal send both.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*b = false
	case bool:
		*b = FlexBool(x)
	case string:
		if strings.TrimSpace(x) == "" {
			*b = false
			return nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return types.Errorf(types.ErrValidation, "%q is not a boolean", x)
		}
		*b = FlexBool(parsed)
	default:
		return types.Errorf(types.ErrValidation, "%s is not a boolean", string(data))
	}
	return nil
}

// =============================================================================
// Status capturing writer
// =============================================================================

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader records the first status written.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the header written and counts bytes.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
