package session

import "fmt"

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// BeginActivityContext provides context for activity start guards.
type BeginActivityContext struct {
	SessionName string
	Activity    Activity
	States      StateSet
	TaskID      string // task currently recorded for the activity
}

// BeginContextFor builds the guard context from a record.
func BeginContextFor(r *Record, kind Activity) BeginActivityContext {
	return BeginActivityContext{
		SessionName: r.Name,
		Activity:    kind,
		States:      r.States,
		TaskID:      r.Activity(kind).TaskID,
	}
}

// CanBeginActivity evaluates whether an activity can be started.
// Rules:
// - The activity's RUNNING tag must be absent
func CanBeginActivity(ctx BeginActivityContext) GuardResult {
	if ctx.States.Has(ctx.Activity.RunningState()) {
		return GuardResult{
			Allowed: false,
			Reason: fmt.Sprintf("Attempt to start %s when already running for session %q, task id = %s",
				ctx.Activity.Upper(), ctx.SessionName, ctx.TaskID),
		}
	}
	return GuardResult{Allowed: true}
}

// RequiresConfigurationContext provides context for configuration guards.
type RequiresConfigurationContext struct {
	SessionName   string
	Activity      Activity
	Configuration string
}

// CanRunWithConfiguration evaluates whether an activity has the
// configuration it needs.
// Rules:
// - nearmap needs nothing
// - validation and wavescape need a stored configuration
func CanRunWithConfiguration(ctx RequiresConfigurationContext) GuardResult {
	if ctx.Activity == ActivityNearmap {
		return GuardResult{Allowed: true}
	}
	if ctx.Configuration == "" {
		return GuardResult{
			Allowed: false,
			Reason:  fmt.Sprintf("session %q has no configuration, required by %s", ctx.SessionName, ctx.Activity),
		}
	}
	return GuardResult{Allowed: true}
}
