package session

import (
	"time"

	"github.com/nellyag1/wavescape-portal222/types"
)

// CompletionUpdate is the one update a wait loop applies when its task
// reaches a terminal outcome.
type CompletionUpdate struct {
	Activity      Activity `json:"activity"`
	TaskID        string   `json:"taskId"`
	AddState      State    `json:"addState"`
	RemoveState   State    `json:"removeState"`
	ExecutionInfo string   `json:"executionInfo"`
}

// CompletionFor returns the standard completion update for an activity.
func CompletionFor(kind Activity, taskID, executionInfo string) CompletionUpdate {
	return CompletionUpdate{
		Activity:      kind,
		TaskID:        taskID,
		AddState:      kind.CompletedState(),
		RemoveState:   kind.RunningState(),
		ExecutionInfo: executionInfo,
	}
}

func withStates(r *Record, set StateSet, now time.Time) *Record {
	set = Normalize(set)
	if set.IsEmpty() {
		panic("session: state set of " + r.Name + " would become empty")
	}
	out := r.Clone()
	out.States = set
	out.UpdatedAt = now
	return out
}

// ReplaceState clears every tag and sets tag.
func ReplaceState(r *Record, tag State, now time.Time) *Record {
	return withStates(r, NewStateSet(tag), now)
}

// AddState inserts tag. Adding a present tag only refreshes UpdatedAt.
func AddState(r *Record, tag State, now time.Time) *Record {
	return withStates(r, r.States.With(tag), now)
}

// RemoveState discards tag. It panics if tag is the only one left.
func RemoveState(r *Record, tag State, now time.Time) *Record {
	return withStates(r, r.States.Without(tag), now)
}

// ForceStopped wipes every tag and leaves {STOPPED}.
func ForceStopped(r *Record, now time.Time) *Record {
	return ReplaceState(r, StateStopped, now)
}

// BeginActivity moves the record into the running state of kind. When the
// activity is already running it returns an ALREADY_RUNNING error and the
// input record itself, untouched.
//
// A nearmap import resets the session to {NEARMAP_RUNNING}. Validation and
// wavescape clear STOPPED and their COMPLETED tag, then add READY_TO_RUN and
// their RUNNING tag.
func BeginActivity(r *Record, kind Activity, now time.Time) (*Record, error) {
	if g := CanBeginActivity(BeginContextFor(r, kind)); !g.Allowed {
		return r, types.NewError(types.ErrAlreadyRunning, g.Reason)
	}
	return EnterRunning(r, kind, now), nil
}

// EnterRunning applies the transition of BeginActivity without the running
// guard. Callers use it after checking the guard themselves.
func EnterRunning(r *Record, kind Activity, now time.Time) *Record {
	if kind == ActivityNearmap {
		return ReplaceState(r, StateNearmapRunning, now)
	}
	set := r.States.
		Without(StateStopped).
		Without(kind.CompletedState()).
		With(StateReadyToRun).
		With(kind.RunningState())
	return withStates(r, set, now)
}

// CompleteActivity marks kind completed and stores its execution info.
func CompleteActivity(r *Record, kind Activity, executionInfo string, now time.Time) *Record {
	out := withStates(r, r.States.With(kind.CompletedState()).Without(kind.RunningState()), now)
	out.Activity(kind).ExecutionInfo = executionInfo
	return out
}

// ApplyCompletion applies a wait loop's completion update. It returns the
// input record and false when the update is stale: the activity now
// references another task, or u.RemoveState is already gone. Replaying an
// applied update is therefore a no-op.
func ApplyCompletion(r *Record, u CompletionUpdate, now time.Time) (*Record, bool) {
	if r.Activity(u.Activity).TaskID != u.TaskID || !r.States.Has(u.RemoveState) {
		return r, false
	}
	out := withStates(r, r.States.With(u.AddState).Without(u.RemoveState), now)
	out.Activity(u.Activity).ExecutionInfo = u.ExecutionInfo
	return out, true
}

// Configure stores the configuration verbatim and invalidates results that
// depended on the previous one.
func Configure(r *Record, configuration string, now time.Time) *Record {
	set := r.States.
		With(StateConfigurationCompleted).
		Without(StateValidationCompleted).
		Without(StateWavescapeCompleted)
	out := withStates(r, set, now)
	out.Configuration = configuration
	return out
}

// Outcome classifies what is known about an activity's last run.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeUnknown marks a run whose polling stopped without a result,
	// e.g. the task disappeared from the batch service.
	OutcomeUnknown Outcome = "unknown"
)

// OutcomeOf reports the outcome of kind on r.
func OutcomeOf(r *Record, kind Activity) Outcome {
	info := r.Activity(kind)
	switch {
	case r.States.Has(kind.RunningState()):
		return OutcomeRunning
	case info.ExecutionInfo != "":
		return OutcomeSucceeded
	case info.TaskID != "":
		return OutcomeUnknown
	default:
		return OutcomeNone
	}
}
