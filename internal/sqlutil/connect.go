// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/element-hq/pollserver/setup/config"
)

// Open opens a database handle for the given connection string and returns
// it together with the Writer appropriate for the underlying database.
// SQLite connection strings use the "file:" URI scheme, anything beginning
// with "postgres://" or "postgresql://" is treated as PostgreSQL.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	var driverName string
	var writer Writer
	connString := string(dbProperties.ConnectionString)
	switch {
	case strings.HasPrefix(connString, "file:"):
		driverName = "sqlite3"
		writer = NewExclusiveWriter()
		connString = sqliteDSN(connString)
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		driverName = "postgres"
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("unrecognised database connection string %q", connString)
	}
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, nil, err
	}
	if driverName == "sqlite3" {
		// SQLite cannot handle connection-level concurrency.
		db.SetMaxOpenConns(1)
	} else {
		if dbProperties.MaxOpenConnections > 0 {
			db.SetMaxOpenConns(dbProperties.MaxOpenConnections)
		}
		if dbProperties.MaxIdleConnections > 0 {
			db.SetMaxIdleConns(dbProperties.MaxIdleConnections)
		}
		if dbProperties.ConnMaxLifetimeSeconds > 0 {
			db.SetConnMaxLifetime(time.Duration(dbProperties.ConnMaxLifetimeSeconds) * time.Second)
		}
	}
	return db, writer, nil
}

// sqliteDSN normalises a file: URI into a DSN accepted by mattn/go-sqlite3,
// forcing busy_timeout so concurrent readers do not fail immediately when
// the single writer holds the lock.
func sqliteDSN(connString string) string {
	uri, err := url.Parse(connString)
	if err != nil {
		return connString
	}
	q := uri.Query()
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	uri.RawQuery = q.Encode()
	return uri.String()
}
