// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"
	"fmt"

	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/element-hq/pollserver/internal/sqlutil"
	"github.com/element-hq/pollserver/pollapi/storage/shared"
	"github.com/element-hq/pollserver/setup/config"
)

// NewDatabase opens a PostgreSQL database and prepares the pollapi tables.
func NewDatabase(dbProperties *config.DatabaseOptions) (*shared.Database, error) {
	db, writer, err := sqlutil.Open(dbProperties)
	if err != nil {
		return nil, err
	}
	for _, create := range []func(*sql.DB) error{
		CreatePollsTable,
		CreateVotesTable,
		CreateBulkOperationsTable,
	} {
		if err = create(db); err != nil {
			sqlutil.CloseOrLog(db)
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}
	polls, err := PreparePollsTable(db)
	if err != nil {
		sqlutil.CloseOrLog(db)
		return nil, err
	}
	votes, err := PrepareVotesTable(db)
	if err != nil {
		sqlutil.CloseOrLog(db)
		return nil, err
	}
	bulkOps, err := PrepareBulkOperationsTable(db)
	if err != nil {
		sqlutil.CloseOrLog(db)
		return nil, err
	}
	return &shared.Database{
		DB:             db,
		Writer:         writer,
		Polls:          polls,
		Votes:          votes,
		BulkOperations: bulkOps,
	}, nil
}
