// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package metrics collects the portal's Prometheus metrics.

# Overview

Collector registers every vector through promauto, either on the default
registry (NewCollector) or on a caller-supplied one
(NewCollectorWithRegistry). Metrics are isolated by namespace.

# Metrics

  - HTTP: request count, latency, request/response size by method, path
    and status class (2xx/3xx/4xx/5xx).
  - Session store: operations by name and result, latency including the
    time spent queued behind other operations on the same key.
  - Batch service: calls by activity, call and result, with latency.
  - Wait loops: status checks, their classification, terminal phases and
    the number of unfinished loops.
  - Activities: start results and failed stop-cleanup steps.
  - Database: open and idle pool connections.

All Record methods accept a nil receiver so that metrics stay optional.
*/
package metrics
