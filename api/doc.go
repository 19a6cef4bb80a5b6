// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package api assembles the HTTP surface of the WaveScape portal.

# Endpoints

	GET  /health, /healthz                 liveness
	GET  /ready, /readyz                   readiness (stores, batch service)
	GET  /version                          build information

	GET  /api/sessions                              list sessions
	PUT  /api/sessions/{name}                       create        201
	GET  /api/sessions/{name}                       read
	PUT  /api/sessions/{name}/configuration         configure     204
	PUT  /api/sessions/{name}/sites                 upload sites  204
	POST /api/sessions/{name}/stop                  stop all      204
	GET  /api/sessions/{name}/link                  blob link
	GET  /api/sessions/{name}/watch                 WebSocket change feed
	POST /api/sessions/{name}/{activity}            start         202
	GET  /api/sessions/{name}/{activity}            status and task logs

	GET  /files/{resource}/{name}/{path}?token=     read a linked blob
	PUT  /files/{resource}/{name}/{path}?token=     write a linked blob

Activities are nearmap, validation and wavescape. Unknown sessions answer
410 Gone. Errors use the JSON envelope of package handlers.

# Authentication

When API keys are configured, /api requires the X-API-Key header (or the
"code" query parameter when enabled).
*/
package api
