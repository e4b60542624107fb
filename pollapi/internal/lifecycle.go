// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal implements the poll lifecycle service. All status
// transitions, edits and votes go through here; the service serialises
// operations per poll and keeps the scheduler, cache, gateway and event
// stream consistent with the store.
package internal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/internal/caching"
	"github.com/element-hq/pollserver/pollapi/gateway"
	"github.com/element-hq/pollserver/pollapi/producers"
	"github.com/element-hq/pollserver/pollapi/scheduler"
	"github.com/element-hq/pollserver/pollapi/state"
	"github.com/element-hq/pollserver/pollapi/storage"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
)

// LifecycleService owns every mutation of poll state. The conditional status
// update in the store is the real guard against double transitions; the
// per-poll locks on top of it serialise the surrounding scheduler, cache and
// gateway work so concurrent operations cannot interleave their side effects.
type LifecycleService struct {
	Cfg       *config.PollAPI
	DB        storage.Database
	Scheduler *scheduler.Service
	Gateway   gateway.MessagingGateway
	Cache     caching.PollCache
	Producer  *producers.LifecycleEventProducer

	pollMusMu sync.Mutex
	pollMus   map[string]*pollMutex
}

type pollMutex struct {
	sync.Mutex
	refs int
}

// lockPoll acquires the mutex for a poll, creating it on first use. The
// returned function releases it and drops the entry once no goroutine holds
// or awaits it, so the map does not grow with every poll ever touched.
func (s *LifecycleService) lockPoll(pollID string) func() {
	s.pollMusMu.Lock()
	if s.pollMus == nil {
		s.pollMus = map[string]*pollMutex{}
	}
	mu, ok := s.pollMus[pollID]
	if !ok {
		mu = &pollMutex{}
		s.pollMus[pollID] = mu
	}
	mu.refs++
	s.pollMusMu.Unlock()

	mu.Lock()
	return func() {
		mu.Unlock()
		s.pollMusMu.Lock()
		mu.refs--
		if mu.refs == 0 {
			delete(s.pollMus, pollID)
		}
		s.pollMusMu.Unlock()
	}
}

// CreatePollRequest carries the fields needed to create a poll. The open and
// close instants must already be resolved to UTC; handlers do the timezone
// resolution before calling in.
type CreatePollRequest struct {
	Name           string
	Description    string
	OpenTime       time.Time
	CloseTime      time.Time
	Timezone       string
	Options        []types.PollOption
	MultipleChoice bool
	MaxChoices     int
	Anonymous      bool
	CreatedBy      string
	// OpenImmediately opens the poll as part of creation instead of waiting
	// for a scheduled open time. The open time defaults to now.
	OpenImmediately bool
}

// CreatePoll validates the request, stores the poll in the scheduled status
// and registers its open job. With OpenImmediately set the poll is opened
// straight away; an announcement failure comes back as a NotificationError
// alongside the created poll.
func (s *LifecycleService) CreatePoll(ctx context.Context, req *CreatePollRequest) (*types.Poll, error) {
	if req.Name == "" {
		return nil, &types.ValidationError{Field: "name", Reason: "name must not be empty"}
	}
	now := time.Now()
	if req.OpenImmediately && req.OpenTime.IsZero() {
		req.OpenTime = now
	}
	if err := state.ValidateTimes(req.OpenTime, req.CloseTime); err != nil {
		return nil, err
	}
	if !req.OpenImmediately && !req.OpenTime.After(now) {
		return nil, &types.ValidationError{Field: "open_time", Reason: "open time must be in the future"}
	}
	if err := state.ValidateOptions(req.Options); err != nil {
		return nil, err
	}
	poll := &types.Poll{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		Status:         types.PollStatusScheduled,
		OpenTime:       req.OpenTime.UTC(),
		CloseTime:      req.CloseTime.UTC(),
		Timezone:       req.Timezone,
		Options:        req.Options,
		MultipleChoice: req.MultipleChoice,
		MaxChoices:     req.MaxChoices,
		Anonymous:      req.Anonymous,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.DB.CreatePoll(ctx, poll); err != nil {
		return nil, errors.Wrap(err, "failed to store poll")
	}
	logrus.WithFields(logrus.Fields{
		"poll_id":    poll.ID,
		"open_time":  poll.OpenTime,
		"close_time": poll.CloseTime,
	}).Info("Created poll")

	if req.OpenImmediately {
		err := s.OpenPoll(ctx, poll.ID, types.ReasonManual)
		if err != nil && !types.IsNotificationError(err) {
			return nil, err
		}
		opened, getErr := s.DB.GetPoll(ctx, poll.ID)
		if getErr != nil {
			return nil, getErr
		}
		return opened, err
	}

	s.Scheduler.ScheduleOpen(poll.ID, poll.OpenTime)
	s.Cache.StorePoll(poll)
	return poll, nil
}

// GetPoll returns the poll from cache or store.
func (s *LifecycleService) GetPoll(ctx context.Context, pollID string) (*types.Poll, error) {
	if poll, ok := s.Cache.GetPoll(pollID); ok {
		return poll, nil
	}
	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	s.Cache.StorePoll(poll)
	return poll, nil
}

// ListPolls returns every poll in the given status. Not cached; listing is
// an admin operation, not a hot path.
func (s *LifecycleService) ListPolls(ctx context.Context, status types.PollStatus) ([]*types.Poll, error) {
	return s.DB.GetPollsByStatus(ctx, status)
}

// GetResults returns the current tallies for a poll.
func (s *LifecycleService) GetResults(ctx context.Context, pollID string) (*types.Poll, types.Results, error) {
	poll, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return nil, nil, err
	}
	if results, ok := s.Cache.GetPollResults(pollID); ok {
		return poll, results, nil
	}
	results, err := s.DB.GetResults(ctx, pollID, len(poll.Options))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to tally votes")
	}
	s.Cache.StorePollResults(pollID, results)
	return poll, results, nil
}

// DeletePoll removes a poll, its votes and its scheduled jobs, then redacts
// the announcement message if one was posted. Redaction failure is reported
// as a NotificationError; the poll is gone regardless.
func (s *LifecycleService) DeletePoll(ctx context.Context, pollID string) error {
	unlock := s.lockPoll(pollID)
	defer unlock()

	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	s.Scheduler.CancelAll(pollID)
	if err = s.DB.DeletePoll(ctx, pollID); err != nil {
		return errors.Wrap(err, "failed to delete poll")
	}
	s.Cache.InvalidatePoll(pollID)

	logrus.WithField("poll_id", pollID).Info("Deleted poll")

	if poll.MessageRef != "" {
		if err = s.Gateway.Redact(ctx, pollID, poll.MessageRef); err != nil {
			logrus.WithError(err).WithField("poll_id", pollID).Warn("Failed to redact poll announcement")
			return &types.NotificationError{Step: "redact", Err: err}
		}
	}
	return nil
}

// CastVote records a voter's selection on an active poll. Re-voting replaces
// the previous selection.
func (s *LifecycleService) CastVote(ctx context.Context, pollID, voterID string, optionIndices []int) error {
	unlock := s.lockPoll(pollID)
	defer unlock()

	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if poll.Status != types.PollStatusActive {
		return &types.PreconditionError{PollID: pollID, Operation: "vote on", Status: poll.Status}
	}
	if voterID == "" {
		return &types.ValidationError{Field: "voter_id", Reason: "voter ID must not be empty"}
	}
	if err = state.ValidateSelection(poll, optionIndices); err != nil {
		return err
	}
	vote := &types.Vote{
		PollID:        pollID,
		VoterID:       voterID,
		OptionIndices: optionIndices,
		CastAt:        time.Now(),
	}
	if err = s.DB.UpsertVote(ctx, vote); err != nil {
		return errors.Wrap(err, "failed to store vote")
	}
	s.Cache.InvalidatePoll(pollID)
	return nil
}

// FireScheduledOpen implements scheduler.TransitionFirer.
func (s *LifecycleService) FireScheduledOpen(ctx context.Context, pollID string) error {
	return s.OpenPoll(ctx, pollID, types.ReasonScheduled)
}

// FireScheduledClose implements scheduler.TransitionFirer.
func (s *LifecycleService) FireScheduledClose(ctx context.Context, pollID string) error {
	return s.ClosePoll(ctx, pollID, types.ReasonScheduled)
}
