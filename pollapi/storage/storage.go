// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/pollserver/pollapi/storage/postgres"
	"github.com/element-hq/pollserver/pollapi/storage/sqlite3"
	"github.com/element-hq/pollserver/setup/config"
)

// NewPollAPIDatasource opens a database from the connection string in the
// given options.
func NewPollAPIDatasource(dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
