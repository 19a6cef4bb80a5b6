// Package fixtures builds session records for tests.
package fixtures

import (
	"time"

	"github.com/nellyag1/wavescape-portal222/session"
)

// Epoch is the creation time of every fixture session.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Session returns a session created by "user-1" at Epoch. With no states
// it is IDLE; otherwise its state set is exactly states.
func Session(name string, states ...session.State) *session.Record {
	rec := session.New(name, "user-1", Epoch)
	if len(states) > 0 {
		rec.States = session.NewStateSet(states...)
	}
	return rec
}

// Configured returns a session whose configuration is set and whose
// iteration list is [Initial].
func Configured(name string) *session.Record {
	rec := Session(name, session.StateConfigurationCompleted)
	rec.Configuration = `{"bands":[28,39]}`
	return rec
}

// Ready returns a session that can run validation or wavescape.
func Ready(name string) *session.Record {
	rec := Configured(name)
	rec.States = session.NewStateSet(session.StateReadyToRun)
	rec.Nearmap = session.ActivityInfo{TaskID: "nearmap-task", OrchestratorID: "loop-nearmap", ExecutionInfo: `{"result":{"_value_":"Success"}}`}
	return rec
}

// Running returns a session with kind running as task taskID.
func Running(name string, kind session.Activity, taskID string) *session.Record {
	rec := Ready(name)
	rec.States = session.NewStateSet(kind.RunningState())
	*rec.Activity(kind) = session.ActivityInfo{TaskID: taskID, OrchestratorID: "loop-" + string(kind)}
	return rec
}
