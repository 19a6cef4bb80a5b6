// Package batch talks to the external batch service that runs the nearmap,
// validation and wavescape computations.
//
// The service exposes three calls per activity:
//
//	POST {base}/{activity}/start?code={key}          body: JSON, response: task id
//	GET  {base}/{activity}/status/{task}?code={key}  200 state, 404 not visible yet, 410 gone
//	POST {base}/{activity}/stop/{task}?code={key}    2xx or 410 is success
package batch

import (
	"context"

	"github.com/nellyag1/wavescape-portal222/session"
)

// TaskState is the classified state of a batch task.
type TaskState string

const (
	// TaskRunning: the task exists and has not finished.
	TaskRunning TaskState = "running"
	// TaskCompleted: the task finished; ExecutionInfo holds its result.
	TaskCompleted TaskState = "completed"
	// TaskUnready: the status record is not visible yet and may appear later.
	TaskUnready TaskState = "unready"
	// TaskGone: the task no longer exists and never will.
	TaskGone TaskState = "gone"
)

// StatusResult is the answer of a status call.
type StatusResult struct {
	State         TaskState `json:"state"`
	ExecutionInfo string    `json:"execution_info,omitempty"`
}

// Client is the contract the portal needs from the batch service.
type Client interface {
	// Start launches a task and returns its id. Any non-2xx answer is a
	// SERVICE_ERROR.
	Start(ctx context.Context, kind session.Activity, body any) (string, error)

	// Status reports the state of a task. Unexpected answers are
	// SERVICE_ERROR; unready and gone are regular results.
	Status(ctx context.Context, kind session.Activity, taskID string) (StatusResult, error)

	// Stop cancels a task. A task that is already gone counts as stopped.
	Stop(ctx context.Context, kind session.Activity, taskID string) error
}
