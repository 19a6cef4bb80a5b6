// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package tlsutil centralizes the TLS settings used by outbound connections:
the batch service HTTP client and the Redis store client.

Every config requires TLS 1.2 or newer and restricts cipher suites to AEAD
constructions.
*/
package tlsutil
