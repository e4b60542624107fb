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

	"github.com/element-hq/pollserver/internal"
	"github.com/element-hq/pollserver/internal/sqlutil"
	"github.com/element-hq/pollserver/pollapi/storage/tables"
	"github.com/element-hq/pollserver/pollapi/types"
)

const pollsSchema = `
CREATE TABLE IF NOT EXISTS pollapi_polls (
    poll_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    open_ts BIGINT NOT NULL,
    close_ts BIGINT NOT NULL,
    timezone TEXT NOT NULL,
    -- JSON array of {label, marker} pairs, in display order
    options TEXT NOT NULL,
    multiple_choice BOOLEAN NOT NULL,
    max_choices INTEGER NOT NULL,
    anonymous BOOLEAN NOT NULL,
    created_by TEXT NOT NULL,
    message_ref TEXT NOT NULL DEFAULT '',
    created_ts BIGINT NOT NULL,
    updated_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS pollapi_polls_status_idx ON pollapi_polls(status);
`

const insertPollSQL = "" +
	"INSERT INTO pollapi_polls (poll_id, name, description, status, open_ts, close_ts, timezone, options, multiple_choice, max_choices, anonymous, created_by, message_ref, created_ts, updated_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)"

const selectPollSQL = "" +
	"SELECT poll_id, name, description, status, open_ts, close_ts, timezone, options, multiple_choice, max_choices, anonymous, created_by, message_ref, created_ts, updated_ts" +
	" FROM pollapi_polls WHERE poll_id = $1"

const selectPollsByStatusSQL = "" +
	"SELECT poll_id, name, description, status, open_ts, close_ts, timezone, options, multiple_choice, max_choices, anonymous, created_by, message_ref, created_ts, updated_ts" +
	" FROM pollapi_polls WHERE status = $1 ORDER BY open_ts ASC, poll_id ASC"

const updatePollStatusSQL = "" +
	"UPDATE pollapi_polls SET status = $1, updated_ts = $2 WHERE poll_id = $3 AND status = $4"

const updatePollStatusCloseSQL = "" +
	"UPDATE pollapi_polls SET status = $1, close_ts = $2, updated_ts = $3 WHERE poll_id = $4 AND status = $5"

const updatePollFieldsSQL = "" +
	"UPDATE pollapi_polls SET name = $1, description = $2, open_ts = $3, close_ts = $4, timezone = $5, options = $6, multiple_choice = $7, max_choices = $8, anonymous = $9, updated_ts = $10" +
	" WHERE poll_id = $11"

const updatePollMessageRefSQL = "" +
	"UPDATE pollapi_polls SET message_ref = $1, updated_ts = $2 WHERE poll_id = $3"

const deletePollSQL = "" +
	"DELETE FROM pollapi_polls WHERE poll_id = $1"

type pollsStatements struct {
	db                         *sql.DB
	insertPollStmt             *sql.Stmt
	selectPollStmt             *sql.Stmt
	selectPollsByStatusStmt    *sql.Stmt
	updatePollStatusStmt       *sql.Stmt
	updatePollStatusCloseStmt  *sql.Stmt
	updatePollFieldsStmt       *sql.Stmt
	updatePollMessageRefStmt   *sql.Stmt
	deletePollStmt             *sql.Stmt
}

func CreatePollsTable(db *sql.DB) error {
	_, err := db.Exec(pollsSchema)
	return err
}

func PreparePollsTable(db *sql.DB) (tables.Polls, error) {
	s := &pollsStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.insertPollStmt, insertPollSQL},
		{&s.selectPollStmt, selectPollSQL},
		{&s.selectPollsByStatusStmt, selectPollsByStatusSQL},
		{&s.updatePollStatusStmt, updatePollStatusSQL},
		{&s.updatePollStatusCloseStmt, updatePollStatusCloseSQL},
		{&s.updatePollFieldsStmt, updatePollFieldsSQL},
		{&s.updatePollMessageRefStmt, updatePollMessageRefSQL},
		{&s.deletePollStmt, deletePollSQL},
	}.Prepare(db)
}

func (s *pollsStatements) InsertPoll(ctx context.Context, txn *sql.Tx, poll *types.Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.insertPollStmt)
	_, err = stmt.ExecContext(ctx,
		poll.ID, poll.Name, poll.Description, string(poll.Status),
		millis(poll.OpenTime), millis(poll.CloseTime), poll.Timezone,
		string(options), poll.MultipleChoice, poll.MaxChoices, poll.Anonymous,
		poll.CreatedBy, poll.MessageRef, millis(poll.CreatedAt), millis(poll.UpdatedAt),
	)
	return err
}

func (s *pollsStatements) SelectPoll(ctx context.Context, txn *sql.Tx, pollID string) (*types.Poll, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPollStmt)
	return scanPoll(stmt.QueryRowContext(ctx, pollID))
}

func (s *pollsStatements) SelectPollsByStatus(ctx context.Context, txn *sql.Tx, status types.PollStatus) ([]*types.Poll, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPollsByStatusStmt)
	rows, err := stmt.QueryContext(ctx, string(status))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectPollsByStatus: rows.close() failed")

	var polls []*types.Poll
	for rows.Next() {
		poll, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		polls = append(polls, poll)
	}
	return polls, rows.Err()
}

func (s *pollsStatements) UpdatePollStatus(
	ctx context.Context, txn *sql.Tx, pollID string,
	fromStatus, toStatus types.PollStatus, closeTime *time.Time, updatedAt time.Time,
) (bool, error) {
	var result sql.Result
	var err error
	if closeTime != nil {
		stmt := sqlutil.TxStmt(txn, s.updatePollStatusCloseStmt)
		result, err = stmt.ExecContext(ctx, string(toStatus), millis(*closeTime), millis(updatedAt), pollID, string(fromStatus))
	} else {
		stmt := sqlutil.TxStmt(txn, s.updatePollStatusStmt)
		result, err = stmt.ExecContext(ctx, string(toStatus), millis(updatedAt), pollID, string(fromStatus))
	}
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (s *pollsStatements) UpdatePollFields(ctx context.Context, txn *sql.Tx, poll *types.Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updatePollFieldsStmt)
	_, err = stmt.ExecContext(ctx,
		poll.Name, poll.Description, millis(poll.OpenTime), millis(poll.CloseTime),
		poll.Timezone, string(options), poll.MultipleChoice, poll.MaxChoices,
		poll.Anonymous, millis(poll.UpdatedAt), poll.ID,
	)
	return err
}

func (s *pollsStatements) UpdatePollMessageRef(ctx context.Context, txn *sql.Tx, pollID, messageRef string, updatedAt time.Time) error {
	stmt := sqlutil.TxStmt(txn, s.updatePollMessageRefStmt)
	_, err := stmt.ExecContext(ctx, messageRef, millis(updatedAt), pollID)
	return err
}

func (s *pollsStatements) DeletePoll(ctx context.Context, txn *sql.Tx, pollID string) error {
	stmt := sqlutil.TxStmt(txn, s.deletePollStmt)
	_, err := stmt.ExecContext(ctx, pollID)
	return err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPoll(row scannable) (*types.Poll, error) {
	var poll types.Poll
	var status, options string
	var openTS, closeTS, createdTS, updatedTS int64
	if err := row.Scan(
		&poll.ID, &poll.Name, &poll.Description, &status,
		&openTS, &closeTS, &poll.Timezone, &options,
		&poll.MultipleChoice, &poll.MaxChoices, &poll.Anonymous,
		&poll.CreatedBy, &poll.MessageRef, &createdTS, &updatedTS,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &poll.Options); err != nil {
		return nil, err
	}
	poll.Status = types.PollStatus(status)
	poll.OpenTime = fromMillis(openTS)
	poll.CloseTime = fromMillis(closeTS)
	poll.CreatedAt = fromMillis(createdTS)
	poll.UpdatedAt = fromMillis(updatedTS)
	return &poll, nil
}
