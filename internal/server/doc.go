// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package server runs the portal's HTTP listeners (the session API and the
Prometheus metrics endpoint) with background serving, optional TLS and
graceful shutdown.
*/
package server
