// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package handlers implements the HTTP endpoints of the WaveScape portal.

# Overview

Every handler speaks the standard net/http interface and reads its path
parameters through chi. Successful reads answer with the JSON envelope
Response; state-changing calls answer 201, 202 or 204 like the portal
always did. Errors carry a types.Error code which maps to a status through
types.StatusFor.

# Core types

  - SessionHandler: session CRUD, configuration, sites, activity start and
    status, stop and blob links.
  - HealthHandler: /health, /healthz, /ready and /version.
  - Response / ErrorInfo: the JSON envelope.
  - ResponseWriter: captures the status code for middleware.
  - FlexBool: a boolean that also accepts "true" / "false" strings.
*/
package handlers
