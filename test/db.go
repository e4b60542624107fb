// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test contains shared helpers for package tests. Not imported by
// production code.
package test

import (
	"fmt"
	"os"
	"testing"

	"github.com/element-hq/pollserver/setup/config"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

// PrepareDBConnectionString returns a connection string for the given
// database type. SQLite databases live in a per-test temporary directory and
// are cleaned up automatically. Postgres tests use the connection string from
// POLLSERVER_TEST_PG_CONN and are skipped if it is unset.
func PrepareDBConnectionString(t *testing.T, dbType DBType) config.DataSource {
	t.Helper()
	switch dbType {
	case DBTypeSQLite:
		return config.DataSource(fmt.Sprintf("file:%s/pollserver_test.db", t.TempDir()))
	case DBTypePostgres:
		connStr := os.Getenv("POLLSERVER_TEST_PG_CONN")
		if connStr == "" {
			t.Skip("POLLSERVER_TEST_PG_CONN not set, skipping postgres test")
		}
		return config.DataSource(connStr)
	default:
		t.Fatalf("unknown database type %d", dbType)
		return ""
	}
}

// WithAllDatabases runs the given test with each supported database driver.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, dbType DBType)) {
	dbs := map[string]DBType{
		"sqlite":   DBTypeSQLite,
		"postgres": DBTypePostgres,
	}
	for name, dbType := range dbs {
		dbt := dbType
		t.Run(name, func(tt *testing.T) {
			tt.Parallel()
			testFn(tt, dbt)
		})
	}
}
