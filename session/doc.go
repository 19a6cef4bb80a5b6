// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package session defines the session record and the pure state machine that
drives it.

# Overview

A session owns a configuration, an append-only list of iteration names and
three activity slots (nearmap import, validation, wavescape simulation).
Its lifecycle is tracked as a set of state tags rather than a single state,
because activities of different kinds may run side by side.

# Core types

  - State / StateSet: the enumerated tags and a bitset over them.
  - Activity / ActivityInfo: activity kinds and their per-kind task data.
  - Record: the persisted document, keyed by session name.
  - CompletionUpdate: the single update a wait loop applies on completion.

# Invariants

  - States is never empty. RemoveState panics rather than empty the set.
  - After every mutation, {NEARMAP_COMPLETED, CONFIGURATION_COMPLETED}
    collapses to {READY_TO_RUN}.
  - An activity may only begin while its RUNNING tag is absent.

All transition functions are pure: they take a record and return an updated
copy. Persistence belongs to the caller (see package entity).
*/
package session
