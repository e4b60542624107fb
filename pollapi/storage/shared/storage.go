// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/element-hq/pollserver/internal/sqlutil"
	"github.com/element-hq/pollserver/pollapi/storage/tables"
	"github.com/element-hq/pollserver/pollapi/types"
)

// Database is the single durable source of truth for polls, votes and bulk
// operations. The scheduler's job table is always reconstructible from the
// poll rows here; it is never persisted independently.
type Database struct {
	DB             *sql.DB
	Writer         sqlutil.Writer
	Polls          tables.Polls
	Votes          tables.Votes
	BulkOperations tables.BulkOperations
}

func (d *Database) CreatePoll(ctx context.Context, poll *types.Poll) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Polls.InsertPoll(ctx, txn, poll)
	})
}

// GetPoll returns the poll or types.ErrPollNotFound.
func (d *Database) GetPoll(ctx context.Context, pollID string) (*types.Poll, error) {
	poll, err := d.Polls.SelectPoll(ctx, nil, pollID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrPollNotFound
	}
	return poll, err
}

func (d *Database) GetPollsByStatus(ctx context.Context, status types.PollStatus) ([]*types.Poll, error) {
	return d.Polls.SelectPollsByStatus(ctx, nil, status)
}

// UpdatePollStatus performs a conditional status transition: the write only
// succeeds if the stored status still equals fromStatus. Returns false when
// another writer got there first. This is the store-level guarantee that two
// concurrent writers cannot both transition the same poll.
func (d *Database) UpdatePollStatus(ctx context.Context, pollID string, fromStatus, toStatus types.PollStatus, closeTime *time.Time) (bool, error) {
	var updated bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		updated, err = d.Polls.UpdatePollStatus(ctx, txn, pollID, fromStatus, toStatus, closeTime, time.Now())
		return err
	})
	return updated, err
}

// ReopenPoll transitions closed -> active with a new close time, optionally
// deleting all existing votes in the same transaction.
func (d *Database) ReopenPoll(ctx context.Context, pollID string, closeTime time.Time, resetVotes bool) (bool, error) {
	var updated bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		updated, err = d.Polls.UpdatePollStatus(ctx, txn, pollID, types.PollStatusClosed, types.PollStatusActive, &closeTime, time.Now())
		if err != nil || !updated {
			return err
		}
		if resetVotes {
			return d.Votes.DeleteVotesForPoll(ctx, txn, pollID)
		}
		return nil
	})
	return updated, err
}

func (d *Database) UpdatePollFields(ctx context.Context, poll *types.Poll) error {
	poll.UpdatedAt = time.Now()
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Polls.UpdatePollFields(ctx, txn, poll)
	})
}

func (d *Database) SetPollMessageRef(ctx context.Context, pollID, messageRef string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Polls.UpdatePollMessageRef(ctx, txn, pollID, messageRef, time.Now())
	})
}

// DeletePoll removes the poll and all of its votes in one transaction.
func (d *Database) DeletePoll(ctx context.Context, pollID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Votes.DeleteVotesForPoll(ctx, txn, pollID); err != nil {
			return err
		}
		return d.Polls.DeletePoll(ctx, txn, pollID)
	})
}

func (d *Database) UpsertVote(ctx context.Context, vote *types.Vote) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Votes.UpsertVote(ctx, txn, vote)
	})
}

// GetResults tallies the votes for a poll into a per-option count slice of
// the given length. Indices beyond the option count (possible if options
// were removed by hand in the database) are ignored.
func (d *Database) GetResults(ctx context.Context, pollID string, numOptions int) (types.Results, error) {
	votes, err := d.Votes.SelectVotesForPoll(ctx, nil, pollID)
	if err != nil {
		return nil, err
	}
	results := make(types.Results, numOptions)
	for _, vote := range votes {
		for _, idx := range vote.OptionIndices {
			if idx >= 0 && idx < numOptions {
				results[idx]++
			}
		}
	}
	return results, nil
}

func (d *Database) HasVotes(ctx context.Context, pollID string) (bool, error) {
	count, err := d.Votes.SelectVoteCount(ctx, nil, pollID)
	return count > 0, err
}

func (d *Database) CreateBulkOperation(ctx context.Context, op *types.BulkOperation) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.BulkOperations.InsertBulkOperation(ctx, txn, op)
	})
}

// GetBulkOperation returns the operation or types.ErrOperationNotFound.
func (d *Database) GetBulkOperation(ctx context.Context, operationID string) (*types.BulkOperation, error) {
	op, err := d.BulkOperations.SelectBulkOperation(ctx, nil, operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrOperationNotFound
	}
	return op, err
}

func (d *Database) UpdateBulkOperation(ctx context.Context, op *types.BulkOperation) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.BulkOperations.UpdateBulkOperation(ctx, txn, op)
	})
}

func (d *Database) CountRunningOperationsForActor(ctx context.Context, actor string) (int, error) {
	return d.BulkOperations.SelectRunningCountForActor(ctx, nil, actor)
}

// FailUnfinishedBulkOperations marks operations left pending/running by a
// previous process as failed. A worker that disappeared mid-batch is a
// batch-level fault, distinct from per-item failures.
func (d *Database) FailUnfinishedBulkOperations(ctx context.Context) (int64, error) {
	var affected int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		affected, err = d.BulkOperations.UpdateUnfinishedOperations(ctx, txn, types.BulkStatusFailed, time.Now())
		return err
	})
	return affected, err
}
