// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Command wavescape runs the WaveScape session portal.

# Commands

	wavescape serve   [--config file] [--env-file file]
	wavescape migrate up|down|reset|status|info|version|steps|goto|force
	wavescape health  [--addr url]
	wavescape version

serve assembles the configured session and wait-loop stores, the batch
client, the wait-loop runner and the HTTP API, then runs until SIGINT or
SIGTERM. Prometheus metrics are exposed on a separate port.

# Middleware

Every request passes Recovery, RequestID, SecurityHeaders, OTelTracing,
MetricsMiddleware, RequestLogger, CORS and a per-IP RateLimiter. Requests
below /api additionally pass APIKeyAuth when API keys are configured.

Build information is injected with -ldflags:

	go build -ldflags "-X main.Version=1.2.0 -X main.GitCommit=$(git rev-parse HEAD)"
*/
package main
