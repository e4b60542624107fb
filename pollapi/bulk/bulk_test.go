// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bulk_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/pollserver/pollapi/bulk"
	"github.com/element-hq/pollserver/pollapi/storage"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/process"
	"github.com/element-hq/pollserver/test"
)

// stubLifecycle counts operations and can fail or block specific polls.
type stubLifecycle struct {
	mu      sync.Mutex
	applied []string
	errs    map[string]error
	notify  map[string]bool
	block   chan struct{}
}

func newStubLifecycle() *stubLifecycle {
	return &stubLifecycle{errs: map[string]error{}, notify: map[string]bool{}}
}

func (s *stubLifecycle) apply(pollID string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, pollID)
	if s.notify[pollID] {
		return &types.NotificationError{Step: "refresh", Err: errors.New("gateway down")}
	}
	return s.errs[pollID]
}

func (s *stubLifecycle) OpenPoll(ctx context.Context, pollID string, reason types.TransitionReason) error {
	return s.apply(pollID)
}

func (s *stubLifecycle) ClosePoll(ctx context.Context, pollID string, reason types.TransitionReason) error {
	return s.apply(pollID)
}

func (s *stubLifecycle) ReopenPoll(ctx context.Context, pollID string, newCloseTime *time.Time, extendBy time.Duration, resetVotes bool, reason types.TransitionReason) error {
	return s.apply(pollID)
}

func (s *stubLifecycle) DeletePoll(ctx context.Context, pollID string) error {
	return s.apply(pollID)
}

func (s *stubLifecycle) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func newTestEngine(t *testing.T, lifecycle bulk.LifecycleAPI, cfg *config.Bulk) (*bulk.Engine, storage.Database) {
	t.Helper()
	db, err := storage.NewPollAPIDatasource(&config.DatabaseOptions{
		ConnectionString: test.PrepareDBConnectionString(t, test.DBTypeSQLite),
	})
	require.NoError(t, err)
	if cfg == nil {
		cfg = &config.Bulk{}
	}
	cfg.Defaults()
	return bulk.NewEngine(process.NewProcessContext(), cfg, db, lifecycle), db
}

func waitForTerminal(t *testing.T, engine *bulk.Engine, operationID string) *types.BulkProgress {
	t.Helper()
	var progress *types.BulkProgress
	require.Eventually(t, func() bool {
		var err error
		progress, err = engine.GetProgress(context.Background(), operationID)
		require.NoError(t, err)
		return progress.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return progress
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newStubLifecycle(), nil)

	tests := []struct {
		name    string
		opType  types.BulkOperationType
		actor   string
		targets []string
		params  types.BulkParams
	}{
		{"unknown type", types.BulkOperationType("export"), "@a:b", []string{"x"}, types.BulkParams{}},
		{"empty actor", types.BulkClose, "", []string{"x"}, types.BulkParams{}},
		{"no targets", types.BulkClose, "@a:b", nil, types.BulkParams{}},
		{"duplicate targets", types.BulkClose, "@a:b", []string{"x", "x"}, types.BulkParams{}},
		{"empty target id", types.BulkClose, "@a:b", []string{""}, types.BulkParams{}},
		{"reopen without params", types.BulkReopen, "@a:b", []string{"x"}, types.BulkParams{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Submit(ctx, tc.opType, tc.actor, tc.targets, tc.params)
			assert.True(t, types.IsValidationError(err), "expected a validation error, got %v", err)
		})
	}

	t.Run("too many targets", func(t *testing.T) {
		targets := make([]string, 1001)
		for i := range targets {
			targets[i] = uuid.NewString()
		}
		_, err := engine.Submit(ctx, types.BulkClose, "@a:b", targets, types.BulkParams{})
		assert.True(t, types.IsValidationError(err))
	})
}

func TestPerActorCap(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t, newStubLifecycle(), &config.Bulk{MaxPerActor: 1})

	// A running operation left by another worker counts against the cap.
	require.NoError(t, db.CreateBulkOperation(ctx, &types.BulkOperation{
		ID: uuid.NewString(), Type: types.BulkClose, Actor: "@admin:example.org",
		TargetPollIDs: []string{"x"}, Status: types.BulkStatusRunning, CreatedAt: time.Now(),
	}))

	_, err := engine.Submit(ctx, types.BulkClose, "@admin:example.org", []string{"y"}, types.BulkParams{})
	assert.ErrorIs(t, err, bulk.ErrTooManyOperations)

	// A different actor is unaffected.
	op, err := engine.Submit(ctx, types.BulkClose, "@other:example.org", []string{"y"}, types.BulkParams{})
	require.NoError(t, err)
	waitForTerminal(t, engine, op.ID)
}

func TestItemFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	lifecycle := newStubLifecycle()
	lifecycle.errs["bad"] = &types.PreconditionError{PollID: "bad", Operation: "close", Status: types.PollStatusClosed}
	engine, db := newTestEngine(t, lifecycle, nil)

	op, err := engine.Submit(ctx, types.BulkClose, "@admin:example.org", []string{"a", "bad", "b"}, types.BulkParams{})
	require.NoError(t, err)

	progress := waitForTerminal(t, engine, op.ID)
	assert.Equal(t, types.BulkStatusCompleted, progress.Status, "item failures do not fail the batch")
	assert.Equal(t, 3, progress.ProcessedCount)
	assert.Equal(t, 2, progress.SuccessCount)
	assert.Equal(t, 1, progress.FailureCount)
	require.Len(t, progress.Errors, 1)
	assert.Equal(t, "bad", progress.Errors[0].PollID)

	// The terminal record is persisted for after a restart.
	stored, err := db.GetBulkOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BulkStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.FailureCount)
}

func TestNotificationFailureCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	lifecycle := newStubLifecycle()
	lifecycle.notify["a"] = true
	engine, _ := newTestEngine(t, lifecycle, nil)

	op, err := engine.Submit(ctx, types.BulkClose, "@admin:example.org", []string{"a", "b"}, types.BulkParams{})
	require.NoError(t, err)

	progress := waitForTerminal(t, engine, op.ID)
	assert.Equal(t, 2, progress.SuccessCount, "the transition committed, so the item succeeded")
	assert.Zero(t, progress.FailureCount)
}

func TestCancelStopsRemainingItems(t *testing.T) {
	ctx := context.Background()
	lifecycle := newStubLifecycle()
	lifecycle.block = make(chan struct{})
	engine, _ := newTestEngine(t, lifecycle, &config.Bulk{ItemConcurrency: 1})

	targets := make([]string, 20)
	for i := range targets {
		targets[i] = uuid.NewString()
	}
	op, err := engine.Submit(ctx, types.BulkClose, "@admin:example.org", targets, types.BulkParams{})
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, op.ID))
	close(lifecycle.block)

	progress := waitForTerminal(t, engine, op.ID)
	assert.Equal(t, types.BulkStatusCancelled, progress.Status)
	assert.Less(t, progress.ProcessedCount, len(targets), "cancellation must stop the remaining items")
	assert.Less(t, lifecycle.appliedCount(), len(targets))

	t.Run("cancelling a finished operation fails", func(t *testing.T) {
		err := engine.Cancel(ctx, op.ID)
		assert.True(t, types.IsValidationError(err))
	})

	t.Run("unknown operation", func(t *testing.T) {
		err := engine.Cancel(ctx, uuid.NewString())
		assert.ErrorIs(t, err, types.ErrOperationNotFound)
	})
}

func TestProgressWhileRunning(t *testing.T) {
	ctx := context.Background()
	lifecycle := newStubLifecycle()
	lifecycle.block = make(chan struct{})
	engine, _ := newTestEngine(t, lifecycle, &config.Bulk{ItemConcurrency: 1})

	op, err := engine.Submit(ctx, types.BulkClose, "@admin:example.org", []string{"a", "b", "c", "d"}, types.BulkParams{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		progress, err := engine.GetProgress(ctx, op.ID)
		require.NoError(t, err)
		return progress.Status == types.BulkStatusRunning
	}, time.Second, 5*time.Millisecond)

	progress, err := engine.GetProgress(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, progress.TotalCount)
	assert.Zero(t, progress.ProcessedCount, "nothing has finished while the worker is blocked")

	close(lifecycle.block)
	final := waitForTerminal(t, engine, op.ID)
	assert.Equal(t, types.BulkStatusCompleted, final.Status)
	assert.Equal(t, 4, final.ProcessedCount)
	assert.Equal(t, float64(100), final.Percentage)
}
