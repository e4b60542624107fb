// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package scheduler fires poll lifecycle transitions at their scheduled
// wall-clock times. The job table lives only in memory: it is derived from
// the poll rows in the store and rebuilt by RestoreFromStore at startup,
// which is the single recovery code path after a restart.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/pollapi/storage"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/process"
)

var (
	jobsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollserver",
			Subsystem: "scheduler",
			Name:      "jobs_scheduled",
			Help:      "Total number of transition jobs scheduled",
		},
		[]string{"kind"},
	)
	jobsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollserver",
			Subsystem: "scheduler",
			Name:      "jobs_fired",
			Help:      "Total number of transition jobs fired, by outcome",
		},
		[]string{"kind", "outcome"},
	)
	jobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pollserver",
			Subsystem: "scheduler",
			Name:      "jobs_pending",
			Help:      "Number of transition jobs currently in the job table",
		},
	)
)

var registerSchedulerMetrics sync.Once

func init() {
	registerSchedulerMetrics.Do(func() {
		prometheus.MustRegister(jobsScheduled, jobsFired, jobsPending)
	})
}

// TransitionFirer is what the scheduler invokes when a job comes due. It is
// implemented by the lifecycle service; an interface breaks the dependency
// cycle between the two.
type TransitionFirer interface {
	FireScheduledOpen(ctx context.Context, pollID string) error
	FireScheduledClose(ctx context.Context, pollID string) error
}

type job struct {
	pollID string
	kind   types.JobKind
	fireAt time.Time
	timer  *time.Timer
}

// Service maintains the in-memory job table. At most one open job and one
// close job exist per poll; scheduling a replacement cancels the prior job
// of the same kind.
type Service struct {
	process *process.ProcessContext
	db      storage.Database
	cfg     *config.Scheduler

	mu    sync.Mutex
	firer TransitionFirer
	jobs  map[string]map[types.JobKind]*job
}

func NewService(processCtx *process.ProcessContext, cfg *config.Scheduler, db storage.Database) *Service {
	return &Service{
		process: processCtx,
		db:      db,
		cfg:     cfg,
		jobs:    map[string]map[types.JobKind]*job{},
	}
}

// SetFirer wires in the lifecycle service. Must be called before any job can
// fire; jobs scheduled earlier are fine as long as the firer is set before
// their fire time.
func (s *Service) SetFirer(firer TransitionFirer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firer = firer
}

// ScheduleOpen schedules (or reschedules) the open transition for a poll.
func (s *Service) ScheduleOpen(pollID string, at time.Time) {
	s.schedule(pollID, types.JobOpen, at)
}

// ScheduleClose schedules (or reschedules) the close transition for a poll.
func (s *Service) ScheduleClose(pollID string, at time.Time) {
	s.schedule(pollID, types.JobClose, at)
}

func (s *Service) schedule(pollID string, kind types.JobKind, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(pollID, kind)

	j := &job{
		pollID: pollID,
		kind:   kind,
		fireAt: at,
	}
	j.timer = time.AfterFunc(time.Until(at), func() {
		s.fire(j)
	})
	if s.jobs[pollID] == nil {
		s.jobs[pollID] = map[types.JobKind]*job{}
	}
	s.jobs[pollID][kind] = j
	jobsScheduled.WithLabelValues(string(kind)).Inc()
	jobsPending.Inc()

	logrus.WithFields(logrus.Fields{
		"poll_id": pollID,
		"kind":    kind,
		"fire_at": at.UTC(),
	}).Debug("Scheduled transition job")
}

// Cancel removes a job if present. No-op if absent. Manual transitions call
// this so the now-redundant scheduled job does not fire later.
func (s *Service) Cancel(pollID string, kind types.JobKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(pollID, kind)
}

// CancelAll removes every job for a poll. Called before a poll is deleted.
func (s *Service) CancelAll(pollID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(pollID, types.JobOpen)
	s.removeLocked(pollID, types.JobClose)
}

func (s *Service) removeLocked(pollID string, kind types.JobKind) {
	kinds, ok := s.jobs[pollID]
	if !ok {
		return
	}
	j, ok := kinds[kind]
	if !ok {
		return
	}
	j.timer.Stop()
	delete(kinds, kind)
	if len(kinds) == 0 {
		delete(s.jobs, pollID)
	}
	jobsPending.Dec()
}

// PendingJob reports the fire time of the poll's job of the given kind, if
// one exists. Used by the admin API and tests.
func (s *Service) PendingJob(pollID string, kind types.JobKind) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kinds, ok := s.jobs[pollID]; ok {
		if j, ok := kinds[kind]; ok {
			return j.fireAt, true
		}
	}
	return time.Time{}, false
}

// fire runs when a job's timer goes off. The job must still be the current
// entry in the table: a replacement or cancellation that raced the timer
// wins, and the stale firing is dropped.
func (s *Service) fire(j *job) {
	s.mu.Lock()
	current, ok := s.jobs[j.pollID][j.kind]
	if !ok || current != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs[j.pollID], j.kind)
	if len(s.jobs[j.pollID]) == 0 {
		delete(s.jobs, j.pollID)
	}
	jobsPending.Dec()
	firer := s.firer
	s.mu.Unlock()

	s.invoke(firer, j.pollID, j.kind)
}

// invoke calls the lifecycle service for a due job, bounded by the
// configured fire timeout. A failed firing is logged and not retried: the
// poll stays in its prior status and is picked up again by the next restart
// or a manual action.
func (s *Service) invoke(firer TransitionFirer, pollID string, kind types.JobKind) {
	if firer == nil {
		logrus.WithField("poll_id", pollID).Error("Scheduler fired with no transition firer wired")
		jobsFired.WithLabelValues(string(kind), "failed").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(s.process.Context(), s.cfg.FireTimeout)
	defer cancel()

	var err error
	switch kind {
	case types.JobOpen:
		err = firer.FireScheduledOpen(ctx, pollID)
	case types.JobClose:
		err = firer.FireScheduledClose(ctx, pollID)
	}
	if err != nil {
		// A precondition failure here means a manual transition raced the
		// scheduled one and already moved the poll on. That is harmless.
		if types.IsPreconditionError(err) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"poll_id": pollID,
				"kind":    kind,
			}).Warn("Scheduled transition no longer applicable")
			jobsFired.WithLabelValues(string(kind), "superseded").Inc()
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"poll_id": pollID,
			"kind":    kind,
		}).Error("Scheduled transition failed")
		sentry.CaptureException(err)
		jobsFired.WithLabelValues(string(kind), "failed").Inc()
		return
	}
	jobsFired.WithLabelValues(string(kind), "ok").Inc()
}

// RestoreFromStore rebuilds the job table from the poll rows. Polls whose
// fire time has already passed fire immediately and synchronously, before
// the caller starts accepting external triggers; this is what prevents lost
// transitions when the process was down across a scheduled time. Each
// overdue poll fires independently: one failure does not block the others.
func (s *Service) RestoreFromStore(ctx context.Context) error {
	now := time.Now()

	scheduled, err := s.db.GetPollsByStatus(ctx, types.PollStatusScheduled)
	if err != nil {
		return err
	}
	active, err := s.db.GetPollsByStatus(ctx, types.PollStatusActive)
	if err != nil {
		return err
	}

	var overdue []*job
	for _, poll := range scheduled {
		if poll.OpenTime.After(now) {
			s.ScheduleOpen(poll.ID, poll.OpenTime)
		} else {
			overdue = append(overdue, &job{pollID: poll.ID, kind: types.JobOpen, fireAt: poll.OpenTime})
		}
	}
	for _, poll := range active {
		if poll.CloseTime.After(now) {
			s.ScheduleClose(poll.ID, poll.CloseTime)
		} else {
			overdue = append(overdue, &job{pollID: poll.ID, kind: types.JobClose, fireAt: poll.CloseTime})
		}
	}

	logrus.WithFields(logrus.Fields{
		"scheduled": len(scheduled),
		"active":    len(active),
		"overdue":   len(overdue),
	}).Info("Restored scheduler state from store")

	s.mu.Lock()
	firer := s.firer
	s.mu.Unlock()
	for _, j := range overdue {
		s.invoke(firer, j.pollID, j.kind)
	}
	return nil
}
