// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package database opens the relational database behind the "database" store
type and manages its connection pool.

Open picks the gorm dialector from the configured driver (postgres, mysql,
or sqlite through the pure-Go glebarez driver), applies the pool limits and
starts a background health check that logs failed pings. The resulting
*gorm.DB is shared by the session and wait-loop stores in package
persistence; the schema itself is owned by package migration.
*/
package database
