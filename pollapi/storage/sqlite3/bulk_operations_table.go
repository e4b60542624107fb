// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/element-hq/pollserver/internal/sqlutil"
	"github.com/element-hq/pollserver/pollapi/storage/tables"
	"github.com/element-hq/pollserver/pollapi/types"
)

const bulkOperationsSchema = `
CREATE TABLE IF NOT EXISTS pollapi_bulk_operations (
    operation_id TEXT PRIMARY KEY,
    op_type TEXT NOT NULL,
    actor TEXT NOT NULL,
    -- JSON array of target poll IDs, in submission order
    target_poll_ids TEXT NOT NULL,
    -- JSON parameters (reopen close time extension etc.)
    params TEXT NOT NULL,
    status TEXT NOT NULL,
    processed_count INTEGER NOT NULL,
    success_count INTEGER NOT NULL,
    failure_count INTEGER NOT NULL,
    -- JSON array of {poll_id, message} pairs, in processing order
    item_errors TEXT NOT NULL,
    created_ts BIGINT NOT NULL,
    started_ts BIGINT NOT NULL,
    finished_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS pollapi_bulk_operations_actor_idx ON pollapi_bulk_operations(actor, status);
`

const insertBulkOperationSQL = "" +
	"INSERT INTO pollapi_bulk_operations (operation_id, op_type, actor, target_poll_ids, params, status, processed_count, success_count, failure_count, item_errors, created_ts, started_ts, finished_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)"

const selectBulkOperationSQL = "" +
	"SELECT operation_id, op_type, actor, target_poll_ids, params, status, processed_count, success_count, failure_count, item_errors, created_ts, started_ts, finished_ts" +
	" FROM pollapi_bulk_operations WHERE operation_id = $1"

const updateBulkOperationSQL = "" +
	"UPDATE pollapi_bulk_operations SET status = $1, processed_count = $2, success_count = $3, failure_count = $4, item_errors = $5, started_ts = $6, finished_ts = $7" +
	" WHERE operation_id = $8"

const selectRunningCountForActorSQL = "" +
	"SELECT COUNT(*) FROM pollapi_bulk_operations WHERE actor = $1 AND status IN ('pending', 'running')"

const updateUnfinishedOperationsSQL = "" +
	"UPDATE pollapi_bulk_operations SET status = $1, finished_ts = $2 WHERE status IN ('pending', 'running')"

type bulkOperationsStatements struct {
	db                              *sql.DB
	insertBulkOperationStmt         *sql.Stmt
	selectBulkOperationStmt         *sql.Stmt
	updateBulkOperationStmt         *sql.Stmt
	selectRunningCountForActorStmt  *sql.Stmt
	updateUnfinishedOperationsStmt  *sql.Stmt
}

func CreateBulkOperationsTable(db *sql.DB) error {
	_, err := db.Exec(bulkOperationsSchema)
	return err
}

func PrepareBulkOperationsTable(db *sql.DB) (tables.BulkOperations, error) {
	s := &bulkOperationsStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.insertBulkOperationStmt, insertBulkOperationSQL},
		{&s.selectBulkOperationStmt, selectBulkOperationSQL},
		{&s.updateBulkOperationStmt, updateBulkOperationSQL},
		{&s.selectRunningCountForActorStmt, selectRunningCountForActorSQL},
		{&s.updateUnfinishedOperationsStmt, updateUnfinishedOperationsSQL},
	}.Prepare(db)
}

func (s *bulkOperationsStatements) InsertBulkOperation(ctx context.Context, txn *sql.Tx, op *types.BulkOperation) error {
	targets, err := json.Marshal(op.TargetPollIDs)
	if err != nil {
		return err
	}
	params, err := json.Marshal(op.Params)
	if err != nil {
		return err
	}
	itemErrors, err := json.Marshal(op.Errors)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.insertBulkOperationStmt)
	_, err = stmt.ExecContext(ctx,
		op.ID, string(op.Type), op.Actor, string(targets), string(params),
		string(op.Status), op.ProcessedCount, op.SuccessCount, op.FailureCount,
		string(itemErrors), millis(op.CreatedAt), millis(op.StartedAt), millis(op.FinishedAt),
	)
	return err
}

func (s *bulkOperationsStatements) SelectBulkOperation(ctx context.Context, txn *sql.Tx, operationID string) (*types.BulkOperation, error) {
	var op types.BulkOperation
	var opType, status, targets, params, itemErrors string
	var createdTS, startedTS, finishedTS int64
	stmt := sqlutil.TxStmt(txn, s.selectBulkOperationStmt)
	if err := stmt.QueryRowContext(ctx, operationID).Scan(
		&op.ID, &opType, &op.Actor, &targets, &params, &status,
		&op.ProcessedCount, &op.SuccessCount, &op.FailureCount,
		&itemErrors, &createdTS, &startedTS, &finishedTS,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &op.TargetPollIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &op.Params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(itemErrors), &op.Errors); err != nil {
		return nil, err
	}
	op.Type = types.BulkOperationType(opType)
	op.Status = types.BulkOperationStatus(status)
	op.CreatedAt = fromMillis(createdTS)
	op.StartedAt = fromMillis(startedTS)
	op.FinishedAt = fromMillis(finishedTS)
	return &op, nil
}

func (s *bulkOperationsStatements) UpdateBulkOperation(ctx context.Context, txn *sql.Tx, op *types.BulkOperation) error {
	itemErrors, err := json.Marshal(op.Errors)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updateBulkOperationStmt)
	_, err = stmt.ExecContext(ctx,
		string(op.Status), op.ProcessedCount, op.SuccessCount, op.FailureCount,
		string(itemErrors), millis(op.StartedAt), millis(op.FinishedAt), op.ID,
	)
	return err
}

func (s *bulkOperationsStatements) SelectRunningCountForActor(ctx context.Context, txn *sql.Tx, actor string) (int, error) {
	var count int
	stmt := sqlutil.TxStmt(txn, s.selectRunningCountForActorStmt)
	err := stmt.QueryRowContext(ctx, actor).Scan(&count)
	return count, err
}

func (s *bulkOperationsStatements) UpdateUnfinishedOperations(ctx context.Context, txn *sql.Tx, status types.BulkOperationStatus, finishedAt time.Time) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.updateUnfinishedOperationsStmt)
	result, err := stmt.ExecContext(ctx, string(status), millis(finishedAt))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
