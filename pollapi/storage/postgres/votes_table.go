// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/pollserver/internal"
	"github.com/element-hq/pollserver/internal/sqlutil"
	"github.com/element-hq/pollserver/pollapi/storage/tables"
	"github.com/element-hq/pollserver/pollapi/types"
)

const votesSchema = `
CREATE TABLE IF NOT EXISTS pollapi_votes (
    poll_id TEXT NOT NULL,
    voter_id TEXT NOT NULL,
    -- JSON array of selected option indices
    option_indices TEXT NOT NULL,
    cast_ts BIGINT NOT NULL,
    PRIMARY KEY (poll_id, voter_id)
);
`

const upsertVoteSQL = "" +
	"INSERT INTO pollapi_votes (poll_id, voter_id, option_indices, cast_ts)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (poll_id, voter_id) DO UPDATE SET option_indices = $3, cast_ts = $4"

const selectVotesForPollSQL = "" +
	"SELECT poll_id, voter_id, option_indices, cast_ts FROM pollapi_votes WHERE poll_id = $1 ORDER BY cast_ts ASC, voter_id ASC"

const selectVoteCountSQL = "" +
	"SELECT COUNT(*) FROM pollapi_votes WHERE poll_id = $1"

const deleteVotesForPollSQL = "" +
	"DELETE FROM pollapi_votes WHERE poll_id = $1"

type votesStatements struct {
	db                      *sql.DB
	upsertVoteStmt          *sql.Stmt
	selectVotesForPollStmt  *sql.Stmt
	selectVoteCountStmt     *sql.Stmt
	deleteVotesForPollStmt  *sql.Stmt
}

func CreateVotesTable(db *sql.DB) error {
	_, err := db.Exec(votesSchema)
	return err
}

func PrepareVotesTable(db *sql.DB) (tables.Votes, error) {
	s := &votesStatements{db: db}

	return s, sqlutil.StatementList{
		{&s.upsertVoteStmt, upsertVoteSQL},
		{&s.selectVotesForPollStmt, selectVotesForPollSQL},
		{&s.selectVoteCountStmt, selectVoteCountSQL},
		{&s.deleteVotesForPollStmt, deleteVotesForPollSQL},
	}.Prepare(db)
}

func (s *votesStatements) UpsertVote(ctx context.Context, txn *sql.Tx, vote *types.Vote) error {
	indices, err := json.Marshal(vote.OptionIndices)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.upsertVoteStmt)
	_, err = stmt.ExecContext(ctx, vote.PollID, vote.VoterID, string(indices), millis(vote.CastAt))
	return err
}

func (s *votesStatements) SelectVotesForPoll(ctx context.Context, txn *sql.Tx, pollID string) ([]types.Vote, error) {
	stmt := sqlutil.TxStmt(txn, s.selectVotesForPollStmt)
	rows, err := stmt.QueryContext(ctx, pollID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectVotesForPoll: rows.close() failed")

	var votes []types.Vote
	for rows.Next() {
		var vote types.Vote
		var indices string
		var castTS int64
		if err = rows.Scan(&vote.PollID, &vote.VoterID, &indices, &castTS); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(indices), &vote.OptionIndices); err != nil {
			return nil, err
		}
		vote.CastAt = fromMillis(castTS)
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}

func (s *votesStatements) SelectVoteCount(ctx context.Context, txn *sql.Tx, pollID string) (int, error) {
	var count int
	stmt := sqlutil.TxStmt(txn, s.selectVoteCountStmt)
	err := stmt.QueryRowContext(ctx, pollID).Scan(&count)
	return count, err
}

func (s *votesStatements) DeleteVotesForPoll(ctx context.Context, txn *sql.Tx, pollID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteVotesForPollStmt)
	_, err := stmt.ExecContext(ctx, pollID)
	return err
}
