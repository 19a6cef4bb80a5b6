// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package types holds the shared error taxonomy of the portal.

Every layer (session state machine, entity store, batch client, wait loop,
activity orchestration, HTTP handlers) reports failures as *Error values
tagged with an ErrorCode so callers can branch on the code instead of on
message text:

  - ErrValidation           bad input, reported, no state change
  - ErrNotFound             unknown session, reported as gone
  - ErrAlreadyExists        session name already taken
  - ErrAlreadyRunning       activity already running for the session
  - ErrServiceError         external batch start/stop call failed
  - ErrTransientPollFailure status not ready yet, polled again, never surfaced
  - ErrTerminalPollFailure  task gone for good, polling stops
  - ErrCleanupFailure       a stop-sequence sub-step failed, logged only
  - ErrInternalError        anything else
*/
package types
