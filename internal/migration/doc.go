// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package migration manages the relational schema of the session and
wait-loop stores for PostgreSQL, MySQL and SQLite, built on golang-migrate.

# Overview

The SQL files under migrations/<dialect> are embedded into the binary and
create the session_documents and wait_loops tables used by the database
store in package persistence. Migrations can be applied, rolled back,
stepped, pinned to a version or forced.

# Core types

  - Migrator / DefaultMigrator: the migration operations and their
    golang-migrate implementation.
  - Config: dialect, connection URL, version table and lock timeout.
  - MigrationStatus / MigrationInfo: per-file and summary state.
  - CLI: terminal formatting for the wavescape migrate command.

Factories build a migrator from the application config
(NewMigratorFromConfig) or from a raw URL (NewMigratorFromURL).
*/
package migration
