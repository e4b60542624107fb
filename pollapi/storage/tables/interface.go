// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"time"

	"github.com/element-hq/pollserver/pollapi/types"
)

type Polls interface {
	InsertPoll(ctx context.Context, txn *sql.Tx, poll *types.Poll) error
	SelectPoll(ctx context.Context, txn *sql.Tx, pollID string) (*types.Poll, error)
	SelectPollsByStatus(ctx context.Context, txn *sql.Tx, status types.PollStatus) ([]*types.Poll, error)
	// UpdatePollStatus conditionally transitions a poll from one status to
	// another. The update only applies if the stored status still equals
	// fromStatus; returns true if a row was updated. A non-nil closeTime
	// rewrites the close time in the same statement (used by reopen).
	UpdatePollStatus(ctx context.Context, txn *sql.Tx, pollID string, fromStatus, toStatus types.PollStatus, closeTime *time.Time, updatedAt time.Time) (bool, error)
	// UpdatePollFields rewrites the mutable fields of the poll row. The
	// status column is deliberately not touched here; status only moves
	// through UpdatePollStatus.
	UpdatePollFields(ctx context.Context, txn *sql.Tx, poll *types.Poll) error
	UpdatePollMessageRef(ctx context.Context, txn *sql.Tx, pollID, messageRef string, updatedAt time.Time) error
	DeletePoll(ctx context.Context, txn *sql.Tx, pollID string) error
}

type Votes interface {
	// UpsertVote records a voter's selection, replacing any previous vote
	// by the same voter on the same poll.
	UpsertVote(ctx context.Context, txn *sql.Tx, vote *types.Vote) error
	SelectVotesForPoll(ctx context.Context, txn *sql.Tx, pollID string) ([]types.Vote, error)
	SelectVoteCount(ctx context.Context, txn *sql.Tx, pollID string) (int, error)
	DeleteVotesForPoll(ctx context.Context, txn *sql.Tx, pollID string) error
}

type BulkOperations interface {
	InsertBulkOperation(ctx context.Context, txn *sql.Tx, op *types.BulkOperation) error
	SelectBulkOperation(ctx context.Context, txn *sql.Tx, operationID string) (*types.BulkOperation, error)
	// UpdateBulkOperation persists the worker's view of the operation:
	// status, counters, per-item errors and timestamps.
	UpdateBulkOperation(ctx context.Context, txn *sql.Tx, op *types.BulkOperation) error
	SelectRunningCountForActor(ctx context.Context, txn *sql.Tx, actor string) (int, error)
	// UpdateUnfinishedOperations marks every pending/running operation with
	// the given status. Run at startup: an operation left non-terminal by a
	// previous process is a batch-level fault.
	UpdateUnfinishedOperations(ctx context.Context, txn *sql.Tx, status types.BulkOperationStatus, finishedAt time.Time) (int64, error)
}
