package waitloop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

// DefaultCheckIntervalSeconds is the poll interval when a request leaves it unset.
const DefaultCheckIntervalSeconds = 60

// Request describes the task a loop waits for and the completion to apply.
type Request struct {
	SessionKey           string           `json:"sessionKey"`
	Activity             session.Activity `json:"activity"`
	TaskID               string           `json:"taskId"`
	CompletionAdd        session.State    `json:"completionAdd"`
	CompletionRemove     session.State    `json:"completionRemove"`
	CheckIntervalSeconds int              `json:"checkIntervalSeconds"`
}

// RequestFor builds the standard request for an activity: add the
// COMPLETED tag and remove the RUNNING tag.
func RequestFor(sessionKey string, kind session.Activity, taskID string, intervalSeconds int) Request {
	return Request{
		SessionKey:           sessionKey,
		Activity:             kind,
		TaskID:               taskID,
		CompletionAdd:        kind.CompletedState(),
		CompletionRemove:     kind.RunningState(),
		CheckIntervalSeconds: intervalSeconds,
	}
}

// Validate checks the request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionKey) == "" {
		return types.NewError(types.ErrValidation, "wait loop session key is required")
	}
	if _, err := session.ParseActivity(string(r.Activity)); err != nil {
		return err
	}
	if strings.TrimSpace(r.TaskID) == "" {
		return types.NewError(types.ErrValidation, "wait loop task id is required")
	}
	if !r.CompletionAdd.Valid() || !r.CompletionRemove.Valid() {
		return types.NewError(types.ErrValidation, "wait loop completion tags are invalid")
	}
	if r.CheckIntervalSeconds < 0 {
		return types.NewError(types.ErrValidation, "wait loop check interval cannot be negative")
	}
	return nil
}

// Interval returns the poll interval.
func (r Request) Interval() time.Duration {
	if r.CheckIntervalSeconds <= 0 {
		return DefaultCheckIntervalSeconds * time.Second
	}
	return time.Duration(r.CheckIntervalSeconds) * time.Second
}

// Completion returns the session update applied when polling stops.
func (r Request) Completion(executionInfo string) session.CompletionUpdate {
	return session.CompletionUpdate{
		Activity:      r.Activity,
		TaskID:        r.TaskID,
		AddState:      r.CompletionAdd,
		RemoveState:   r.CompletionRemove,
		ExecutionInfo: executionInfo,
	}
}

// InstanceID derives the loop id from (session, activity, task). The same
// task always maps to the same loop.
func InstanceID(sessionKey string, kind session.Activity, taskID string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"session":  sessionKey,
		"activity": string(kind),
		"taskId":   taskID,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize loop identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "wl-" + hex.EncodeToString(sum[:20]), nil
}

// Phase is the position of a loop in its protocol.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseChecking   Phase = "checking"
	PhaseCompleting Phase = "completing"
	PhaseCompleted  Phase = "completed"
	PhaseTerminated Phase = "terminated"
)

// Terminal reports whether the loop has finished.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseTerminated
}

// Classification names how a status observation was interpreted.
type Classification string

const (
	ClassRunning   Classification = "running"
	ClassUnready   Classification = "unready"
	ClassCompleted Classification = "completed"
	ClassGone      Classification = "gone"
	ClassError     Classification = "error"
)

// Observation is the recorded outcome of one status check.
type Observation struct {
	CheckAgain     bool           `json:"checkAgain"`
	ExecutionInfo  string         `json:"executionInfo"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
	ObservedAt     time.Time      `json:"observedAt"`
}

// Checkpoint is the persisted state of a loop instance.
type Checkpoint struct {
	InstanceID  string       `json:"instanceId"`
	Request     Request      `json:"request"`
	Phase       Phase        `json:"phase"`
	Cycle       int          `json:"cycle"`
	LastCheckAt time.Time    `json:"lastCheckAt"`
	NextWakeAt  time.Time    `json:"nextWakeAt"`
	Observed    *Observation `json:"observed,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (c *Checkpoint) toRecord() (*persistence.LoopRecord, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.InstanceID, err)
	}
	return &persistence.LoopRecord{
		InstanceID: c.InstanceID,
		SessionKey: c.Request.SessionKey,
		NextWakeAt: c.NextWakeAt,
		Done:       c.Phase.Terminal(),
		Data:       data,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}, nil
}

func fromRecord(rec *persistence.LoopRecord) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", rec.InstanceID, err)
	}
	return &c, nil
}
