// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package bulk executes lifecycle operations against many polls as a single
// tracked unit. Submission is validated synchronously, execution happens on a
// background worker, and progress is queryable throughout.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/process"
)

var operationsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pollserver",
		Subsystem: "bulk",
		Name:      "operations_finished",
		Help:      "Total number of bulk operations reaching a terminal status",
	},
	[]string{"type", "status"},
)

var registerBulkMetrics sync.Once

func init() {
	registerBulkMetrics.Do(func() {
		prometheus.MustRegister(operationsFinished)
	})
}

// ErrTooManyOperations is returned when an actor is already at their
// concurrent operation cap.
var ErrTooManyOperations = errors.New("too many running bulk operations for this actor")

// LifecycleAPI is the slice of the lifecycle service the engine needs. Every
// item goes through the same per-poll serialisation as a direct call.
type LifecycleAPI interface {
	OpenPoll(ctx context.Context, pollID string, reason types.TransitionReason) error
	ClosePoll(ctx context.Context, pollID string, reason types.TransitionReason) error
	ReopenPoll(ctx context.Context, pollID string, newCloseTime *time.Time, extendBy time.Duration, resetVotes bool, reason types.TransitionReason) error
	DeletePoll(ctx context.Context, pollID string) error
}

// Store is the persistence the engine needs for operation records.
type Store interface {
	CreateBulkOperation(ctx context.Context, op *types.BulkOperation) error
	GetBulkOperation(ctx context.Context, operationID string) (*types.BulkOperation, error)
	UpdateBulkOperation(ctx context.Context, op *types.BulkOperation) error
	CountRunningOperationsForActor(ctx context.Context, actor string) (int, error)
}

// runningOp is the live state of an executing operation. The mutex guards the
// op snapshot and currentPollID; cancellation is a channel close so the
// worker observes it between items without polling a lock.
type runningOp struct {
	mu            sync.Mutex
	op            types.BulkOperation
	currentPollID string
	cancelOnce    sync.Once
	cancelled     chan struct{}
}

func (r *runningOp) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

func (r *runningOp) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// Engine runs bulk operations. One worker goroutine per operation, bounded
// item concurrency within it.
type Engine struct {
	process   *process.ProcessContext
	cfg       *config.Bulk
	db        Store
	lifecycle LifecycleAPI

	mu       sync.Mutex
	running  map[string]*runningOp
	finished *gocache.Cache
}

func NewEngine(processCtx *process.ProcessContext, cfg *config.Bulk, db Store, lifecycle LifecycleAPI) *Engine {
	return &Engine{
		process:   processCtx,
		cfg:       cfg,
		db:        db,
		lifecycle: lifecycle,
		running:   map[string]*runningOp{},
		finished:  gocache.New(cfg.RetainFinishedFor, cfg.RetainFinishedFor/4),
	}
}

// Submit validates and enqueues a bulk operation, returning the persisted
// record with its assigned ID. Execution starts immediately on a background
// worker.
func (e *Engine) Submit(ctx context.Context, opType types.BulkOperationType, actor string, targets []string, params types.BulkParams) (*types.BulkOperation, error) {
	if !types.KnownBulkOperationType(opType) {
		return nil, &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown bulk operation type %q", opType)}
	}
	if actor == "" {
		return nil, &types.ValidationError{Field: "actor", Reason: "actor must not be empty"}
	}
	if len(targets) == 0 {
		return nil, &types.ValidationError{Field: "target_poll_ids", Reason: "at least one target poll is required"}
	}
	if len(targets) > e.cfg.MaxTargets {
		return nil, &types.ValidationError{Field: "target_poll_ids", Reason: fmt.Sprintf("at most %d targets are allowed", e.cfg.MaxTargets)}
	}
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if id == "" {
			return nil, &types.ValidationError{Field: "target_poll_ids", Reason: "target poll IDs must not be empty"}
		}
		if _, ok := seen[id]; ok {
			return nil, &types.ValidationError{Field: "target_poll_ids", Reason: fmt.Sprintf("duplicate target poll %q", id)}
		}
		seen[id] = struct{}{}
	}
	if opType == types.BulkReopen {
		if params.NewCloseTime == nil && params.ExtendBy <= 0 {
			return nil, &types.ValidationError{Field: "params", Reason: "reopen requires a new close time or an extension"}
		}
	}

	count, err := e.db.CountRunningOperationsForActor(ctx, actor)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count running operations")
	}
	if count >= e.cfg.MaxPerActor {
		return nil, ErrTooManyOperations
	}

	op := &types.BulkOperation{
		ID:            uuid.NewString(),
		Type:          opType,
		Actor:         actor,
		TargetPollIDs: targets,
		Params:        params,
		Status:        types.BulkStatusPending,
		CreatedAt:     time.Now(),
	}
	if err = e.db.CreateBulkOperation(ctx, op); err != nil {
		return nil, errors.Wrap(err, "failed to store bulk operation")
	}

	run := &runningOp{op: *op, cancelled: make(chan struct{})}
	e.mu.Lock()
	e.running[op.ID] = run
	e.mu.Unlock()

	e.process.ComponentStarted()
	go func() {
		defer e.process.ComponentFinished()
		e.execute(run)
	}()

	logrus.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"type":         op.Type,
		"actor":        actor,
		"targets":      len(targets),
	}).Info("Submitted bulk operation")
	return op, nil
}

// execute runs the operation to completion. Item failures are recorded and
// never abort the batch; only a storage fault while persisting the record
// fails the batch itself.
func (e *Engine) execute(run *runningOp) {
	ctx := e.process.Context()

	run.mu.Lock()
	run.op.Status = types.BulkStatusRunning
	run.op.StartedAt = time.Now()
	snapshot := run.op
	run.mu.Unlock()
	if err := e.db.UpdateBulkOperation(ctx, &snapshot); err != nil {
		logrus.WithError(err).WithField("operation_id", snapshot.ID).Error("Failed to mark bulk operation running")
	}

	sem := semaphore.NewWeighted(int64(e.cfg.ItemConcurrency))
	var wg sync.WaitGroup

	for _, pollID := range snapshot.TargetPollIDs {
		if run.isCancelled() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		run.mu.Lock()
		run.currentPollID = pollID
		run.mu.Unlock()

		wg.Add(1)
		go func(pollID string) {
			defer wg.Done()
			defer sem.Release(1)
			err := e.applyItem(ctx, &snapshot, pollID)

			run.mu.Lock()
			run.op.ProcessedCount++
			if err != nil {
				run.op.FailureCount++
				run.op.Errors = append(run.op.Errors, types.BulkItemError{PollID: pollID, Message: err.Error()})
			} else {
				run.op.SuccessCount++
			}
			run.mu.Unlock()
		}(pollID)
	}
	wg.Wait()

	run.mu.Lock()
	switch {
	case run.isCancelled():
		run.op.Status = types.BulkStatusCancelled
	case ctx.Err() != nil:
		// Shutdown mid-batch. Leave the row running; the restart sweep marks
		// it failed.
		run.op.Status = types.BulkStatusRunning
	default:
		run.op.Status = types.BulkStatusCompleted
	}
	run.op.FinishedAt = time.Now()
	run.currentPollID = ""
	final := run.op
	run.mu.Unlock()

	if final.Status.IsTerminal() {
		if err := e.db.UpdateBulkOperation(ctx, &final); err != nil {
			logrus.WithError(err).WithField("operation_id", final.ID).Error("Failed to persist bulk operation result")
			sentry.CaptureException(err)
			final.Status = types.BulkStatusFailed
		}
		operationsFinished.WithLabelValues(string(final.Type), string(final.Status)).Inc()
		logrus.WithFields(logrus.Fields{
			"operation_id": final.ID,
			"status":       final.Status,
			"succeeded":    final.SuccessCount,
			"failed":       final.FailureCount,
		}).Info("Bulk operation finished")
	}

	e.mu.Lock()
	delete(e.running, final.ID)
	e.mu.Unlock()
	e.finished.SetDefault(final.ID, &final)
}

// applyItem applies the operation's lifecycle action to one poll. A
// notification failure after the transition committed still counts as a
// success for the item; the poll did transition.
func (e *Engine) applyItem(ctx context.Context, op *types.BulkOperation, pollID string) error {
	var err error
	switch op.Type {
	case types.BulkOpen:
		err = e.lifecycle.OpenPoll(ctx, pollID, types.ReasonBulk)
	case types.BulkClose:
		err = e.lifecycle.ClosePoll(ctx, pollID, types.ReasonBulk)
	case types.BulkReopen:
		err = e.lifecycle.ReopenPoll(ctx, pollID, op.Params.NewCloseTime, op.Params.ExtendBy, op.Params.ResetVotes, types.ReasonBulk)
	case types.BulkDelete:
		err = e.lifecycle.DeletePoll(ctx, pollID)
	}
	if types.IsNotificationError(err) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"operation_id": op.ID,
			"poll_id":      pollID,
		}).Warn("Bulk item transitioned but notification failed")
		return nil
	}
	return err
}

// Cancel stops an operation after the items already in flight finish. Only
// pending or running operations can be cancelled.
func (e *Engine) Cancel(ctx context.Context, operationID string) error {
	e.mu.Lock()
	run, ok := e.running[operationID]
	e.mu.Unlock()
	if ok {
		run.cancel()
		logrus.WithField("operation_id", operationID).Info("Cancelled bulk operation")
		return nil
	}
	op, err := e.lookupFinished(ctx, operationID)
	if err != nil {
		return err
	}
	return &types.ValidationError{Field: "operation_id", Reason: fmt.Sprintf("operation is already %s", op.Status)}
}

// GetProgress returns the live view of an operation: in-memory counters for
// running operations, the retained record for finished ones, and the store
// as the fallback after a restart.
func (e *Engine) GetProgress(ctx context.Context, operationID string) (*types.BulkProgress, error) {
	e.mu.Lock()
	run, ok := e.running[operationID]
	e.mu.Unlock()
	if ok {
		run.mu.Lock()
		defer run.mu.Unlock()
		return progressOf(&run.op, run.currentPollID), nil
	}
	op, err := e.lookupFinished(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return progressOf(op, ""), nil
}

func (e *Engine) lookupFinished(ctx context.Context, operationID string) (*types.BulkOperation, error) {
	if cached, ok := e.finished.Get(operationID); ok {
		return cached.(*types.BulkOperation), nil
	}
	return e.db.GetBulkOperation(ctx, operationID)
}

func progressOf(op *types.BulkOperation, currentPollID string) *types.BulkProgress {
	total := len(op.TargetPollIDs)
	var pct float64
	if total > 0 {
		pct = float64(op.ProcessedCount) / float64(total) * 100
	}
	return &types.BulkProgress{
		OperationID:    op.ID,
		Status:         op.Status,
		TotalCount:     total,
		ProcessedCount: op.ProcessedCount,
		SuccessCount:   op.SuccessCount,
		FailureCount:   op.FailureCount,
		Percentage:     pct,
		CurrentPollID:  currentPollID,
		Errors:         op.Errors,
	}
}
