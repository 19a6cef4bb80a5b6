// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package testutil holds helpers shared by the portal's tests.

  - TestContext / TestContextWithTimeout: contexts cancelled on test cleanup.
  - WaitFor / AssertEventuallyTrue / WaitForChannel: polling for
    asynchronous effects such as wait-loop completions.
  - fixtures: session records in well-known states with fixed timestamps.
*/
package testutil
