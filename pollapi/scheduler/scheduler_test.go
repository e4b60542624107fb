// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/pollserver/pollapi/scheduler"
	"github.com/element-hq/pollserver/pollapi/storage"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/process"
	"github.com/element-hq/pollserver/test"
)

type recordingFirer struct {
	mu     sync.Mutex
	opens  []string
	closes []string
	errs   map[string]error
}

func (f *recordingFirer) FireScheduledOpen(ctx context.Context, pollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, pollID)
	return f.errs[pollID]
}

func (f *recordingFirer) FireScheduledClose(ctx context.Context, pollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, pollID)
	return f.errs[pollID]
}

func (f *recordingFirer) openCount(pollID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.opens {
		if id == pollID {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, db storage.Database) (*scheduler.Service, *recordingFirer) {
	t.Helper()
	firer := &recordingFirer{errs: map[string]error{}}
	svc := scheduler.NewService(process.NewProcessContext(), &config.Scheduler{FireTimeout: 5 * time.Second}, db)
	svc.SetFirer(firer)
	return svc, firer
}

func openTestDatabase(t *testing.T) storage.Database {
	t.Helper()
	db, err := storage.NewPollAPIDatasource(&config.DatabaseOptions{
		ConnectionString: test.PrepareDBConnectionString(t, test.DBTypeSQLite),
	})
	require.NoError(t, err)
	return db
}

func TestSchedulingIsIdempotentPerKind(t *testing.T) {
	svc, firer := newTestScheduler(t, openTestDatabase(t))

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	svc.ScheduleOpen("poll-1", first)
	svc.ScheduleOpen("poll-1", second)

	fireAt, ok := svc.PendingJob("poll-1", types.JobOpen)
	require.True(t, ok)
	assert.WithinDuration(t, second, fireAt, time.Second, "the replacement job should win")

	// The close job is independent of the open job.
	svc.ScheduleClose("poll-1", second)
	_, ok = svc.PendingJob("poll-1", types.JobClose)
	assert.True(t, ok)
	_, ok = svc.PendingJob("poll-1", types.JobOpen)
	assert.True(t, ok)

	assert.Equal(t, 0, firer.openCount("poll-1"))
}

func TestCancelledJobDoesNotFire(t *testing.T) {
	svc, firer := newTestScheduler(t, openTestDatabase(t))

	svc.ScheduleOpen("poll-1", time.Now().Add(20*time.Millisecond))
	svc.Cancel("poll-1", types.JobOpen)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, firer.openCount("poll-1"))
	_, ok := svc.PendingJob("poll-1", types.JobOpen)
	assert.False(t, ok)
}

func TestDueJobFiresOnce(t *testing.T) {
	svc, firer := newTestScheduler(t, openTestDatabase(t))

	svc.ScheduleOpen("poll-1", time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return firer.openCount("poll-1") == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, firer.openCount("poll-1"), "a job must fire exactly once")
	_, ok := svc.PendingJob("poll-1", types.JobOpen)
	assert.False(t, ok, "a fired job should leave the table")
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	overdue := test.NewPoll(test.WithOpenTime(time.Now().Add(-time.Hour)), test.WithCloseTime(time.Now().Add(time.Hour)))
	upcoming := test.NewPoll()
	activePoll := test.NewPoll(test.WithStatus(types.PollStatusActive), test.WithCloseTime(time.Now().Add(time.Hour)))
	expired := test.NewPoll(test.WithStatus(types.PollStatusActive), test.WithCloseTime(time.Now().Add(-time.Minute)))
	for _, p := range []*types.Poll{overdue, upcoming, activePoll, expired} {
		require.NoError(t, db.CreatePoll(ctx, p))
	}

	svc, firer := newTestScheduler(t, db)
	require.NoError(t, svc.RestoreFromStore(ctx))

	// Overdue transitions fired synchronously during restore.
	assert.Equal(t, []string{overdue.ID}, firer.opens)
	assert.Equal(t, []string{expired.ID}, firer.closes)

	// Future transitions are back in the job table.
	_, ok := svc.PendingJob(upcoming.ID, types.JobOpen)
	assert.True(t, ok)
	_, ok = svc.PendingJob(activePoll.ID, types.JobClose)
	assert.True(t, ok)
}

func TestRestoreFailuresAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	broken := test.NewPoll(test.WithOpenTime(time.Now().Add(-2 * time.Hour)), test.WithCloseTime(time.Now().Add(time.Hour)))
	healthy := test.NewPoll(test.WithOpenTime(time.Now().Add(-time.Hour)), test.WithCloseTime(time.Now().Add(time.Hour)))
	require.NoError(t, db.CreatePoll(ctx, broken))
	require.NoError(t, db.CreatePoll(ctx, healthy))

	svc, firer := newTestScheduler(t, db)
	firer.errs[broken.ID] = errors.New("gateway exploded")

	require.NoError(t, svc.RestoreFromStore(ctx))
	assert.Equal(t, 1, firer.openCount(broken.ID))
	assert.Equal(t, 1, firer.openCount(healthy.ID), "one failing poll must not block the others")
}
