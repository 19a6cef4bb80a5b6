package session

import (
	"strings"
	"time"

	"github.com/nellyag1/wavescape-portal222/types"
)

// CurrentVersion is the document version written by this build.
const CurrentVersion = 1

// DefaultIterationName is the first entry of every session's iteration list.
const DefaultIterationName = "Initial"

// Activity identifies one of the externally executed batch computations.
type Activity string

const (
	ActivityNearmap    Activity = "nearmap"
	ActivityValidation Activity = "validation"
	ActivityWavescape  Activity = "wavescape"
)

// AllActivities returns the activity kinds in stable order.
func AllActivities() []Activity {
	return []Activity{ActivityNearmap, ActivityValidation, ActivityWavescape}
}

// ParseActivity parses an activity name. Matching is case-insensitive.
func ParseActivity(name string) (Activity, error) {
	a := Activity(strings.ToLower(strings.TrimSpace(name)))
	switch a {
	case ActivityNearmap, ActivityValidation, ActivityWavescape:
		return a, nil
	}
	return "", types.Errorf(types.ErrValidation, "unknown activity %q", name)
}

// String returns the activity name.
func (a Activity) String() string { return string(a) }

// Upper returns the activity name as used in user-facing messages.
func (a Activity) Upper() string { return strings.ToUpper(string(a)) }

// RunningState returns the RUNNING tag of the activity.
func (a Activity) RunningState() State {
	switch a {
	case ActivityNearmap:
		return StateNearmapRunning
	case ActivityValidation:
		return StateValidationRunning
	case ActivityWavescape:
		return StateWavescapeRunning
	}
	panic("session: unknown activity " + string(a))
}

// CompletedState returns the COMPLETED tag of the activity.
func (a Activity) CompletedState() State {
	switch a {
	case ActivityNearmap:
		return StateNearmapCompleted
	case ActivityValidation:
		return StateValidationCompleted
	case ActivityWavescape:
		return StateWavescapeCompleted
	}
	panic("session: unknown activity " + string(a))
}

// ActivityInfo is the per-activity task data of a session.
type ActivityInfo struct {
	TaskID         string `json:"taskId"`
	OrchestratorID string `json:"orchestratorId"`
	ExecutionInfo  string `json:"executionInfo"`
}

// IsZero reports whether nothing was ever recorded for the activity.
func (a ActivityInfo) IsZero() bool {
	return a.TaskID == "" && a.OrchestratorID == "" && a.ExecutionInfo == ""
}

// Record is the persisted session document.
type Record struct {
	Version        int          `json:"version"`
	Name           string       `json:"name"`
	CreatedBy      string       `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	IterationNames []string     `json:"iterationNames"`
	States         StateSet     `json:"states"`
	Configuration  string       `json:"configuration"`
	Nearmap        ActivityInfo `json:"nearmap"`
	Validation     ActivityInfo `json:"validation"`
	Wavescape      ActivityInfo `json:"wavescape"`
}

// New returns a fresh session in state {IDLE}.
func New(name, createdBy string, now time.Time) *Record {
	return &Record{
		Version:        CurrentVersion,
		Name:           name,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		IterationNames: []string{DefaultIterationName},
		States:         NewStateSet(StateIdle),
	}
}

// Validate checks a loaded document before it is handed to callers.
func (r *Record) Validate() error {
	if r == nil {
		return types.NewError(types.ErrValidation, "session record is nil")
	}
	if strings.TrimSpace(r.Name) == "" {
		return types.NewError(types.ErrValidation, "session name is required")
	}
	if r.States.IsEmpty() {
		return types.Errorf(types.ErrValidation, "session %q has no states", r.Name)
	}
	return nil
}

// Activity returns the slot for the given kind.
func (r *Record) Activity(kind Activity) *ActivityInfo {
	switch kind {
	case ActivityNearmap:
		return &r.Nearmap
	case ActivityValidation:
		return &r.Validation
	case ActivityWavescape:
		return &r.Wavescape
	}
	panic("session: unknown activity " + string(kind))
}

// CurrentIteration returns the last iteration name.
func (r *Record) CurrentIteration() string {
	if len(r.IterationNames) == 0 {
		return ""
	}
	return r.IterationNames[len(r.IterationNames)-1]
}

// AppendIteration appends name unless it already is the current iteration.
func (r *Record) AppendIteration(name string) {
	if name == "" || name == r.CurrentIteration() {
		return
	}
	r.IterationNames = append(r.IterationNames, name)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.IterationNames = append([]string(nil), r.IterationNames...)
	return &out
}
