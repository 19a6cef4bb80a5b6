// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Command batchmock serves the batch service endpoints with randomized
outcomes, for local runs of the portal and for end-to-end tests.

Usage:

	batchmock --addr :7071 --completed-chance 0.25 --failure-chance 0.1 --api-key secret

Point the portal's batch base URL at the printed address.
*/
package main
