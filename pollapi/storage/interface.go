// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"time"

	"github.com/element-hq/pollserver/pollapi/types"
)

type Database interface {
	CreatePoll(ctx context.Context, poll *types.Poll) error
	GetPoll(ctx context.Context, pollID string) (*types.Poll, error)
	GetPollsByStatus(ctx context.Context, status types.PollStatus) ([]*types.Poll, error)
	// UpdatePollStatus conditionally transitions pollID from fromStatus to
	// toStatus, returning false if the stored status no longer matched.
	UpdatePollStatus(ctx context.Context, pollID string, fromStatus, toStatus types.PollStatus, closeTime *time.Time) (bool, error)
	ReopenPoll(ctx context.Context, pollID string, closeTime time.Time, resetVotes bool) (bool, error)
	UpdatePollFields(ctx context.Context, poll *types.Poll) error
	SetPollMessageRef(ctx context.Context, pollID, messageRef string) error
	DeletePoll(ctx context.Context, pollID string) error

	UpsertVote(ctx context.Context, vote *types.Vote) error
	GetResults(ctx context.Context, pollID string, numOptions int) (types.Results, error)
	HasVotes(ctx context.Context, pollID string) (bool, error)

	CreateBulkOperation(ctx context.Context, op *types.BulkOperation) error
	GetBulkOperation(ctx context.Context, operationID string) (*types.BulkOperation, error)
	UpdateBulkOperation(ctx context.Context, op *types.BulkOperation) error
	CountRunningOperationsForActor(ctx context.Context, actor string) (int, error)
	FailUnfinishedBulkOperations(ctx context.Context) (int64, error)
}
