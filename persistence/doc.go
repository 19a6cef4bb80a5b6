// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package persistence provides the storage backends behind session records and
wait-loop checkpoints.

# Interfaces

  - SessionStore: keyed get/save of versioned session documents plus key
    enumeration. Ordering per key is the caller's job (package entity).
  - LoopStore: wait-loop checkpoints indexed by next wake-up time, which is
    what lets a restarted process find every loop that is due.

# Backends

  - memory: maps guarded by a RWMutex, for tests and single-process runs.
  - file: one JSON document per key, written atomically (temp + rename).
  - redis: JSON strings plus set / sorted-set indexes (go-redis v9).
  - database: gorm over postgres, mysql or sqlite.
  - mongo: one document per key (mongo-driver v2).

NewSessionStore and NewLoopStore pick a backend from StoreConfig.
*/
package persistence
