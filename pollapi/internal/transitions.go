// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/pollapi/state"
	"github.com/element-hq/pollserver/pollapi/types"
)

// OpenPoll transitions a poll from scheduled to active, announces it through
// the gateway and schedules its close job. The announcement happens after the
// transition has committed; if it fails the poll stays active and the error
// comes back as a NotificationError.
func (s *LifecycleService) OpenPoll(ctx context.Context, pollID string, reason types.TransitionReason) error {
	unlock := s.lockPoll(pollID)
	defer unlock()

	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if !state.CanOpen(poll) {
		return &types.PreconditionError{PollID: pollID, Operation: "open", Status: poll.Status}
	}
	updated, err := s.DB.UpdatePollStatus(ctx, pollID, types.PollStatusScheduled, types.PollStatusActive, nil)
	if err != nil {
		return errors.Wrap(err, "failed to update poll status")
	}
	if !updated {
		return &types.PreconditionError{PollID: pollID, Operation: "open", Status: poll.Status}
	}
	poll.Status = types.PollStatusActive
	s.Cache.InvalidatePoll(pollID)

	// A manual open supersedes the pending open job. The scheduled path has
	// already consumed its job, so cancelling again is a no-op.
	s.Scheduler.Cancel(pollID, types.JobOpen)
	s.Scheduler.ScheduleClose(pollID, poll.CloseTime)

	s.Producer.ProduceTransition(pollID, "open", types.PollStatusScheduled, types.PollStatusActive, reason)
	logrus.WithFields(logrus.Fields{
		"poll_id": pollID,
		"reason":  reason,
	}).Info("Opened poll")

	messageRef, err := s.Gateway.Announce(ctx, poll)
	if err != nil {
		logrus.WithError(err).WithField("poll_id", pollID).Warn("Failed to announce poll")
		return &types.NotificationError{Step: "announce", Err: err}
	}
	if messageRef != "" {
		if err = s.DB.SetPollMessageRef(ctx, pollID, messageRef); err != nil {
			return errors.Wrap(err, "failed to store message ref")
		}
		s.Cache.InvalidatePoll(pollID)
	}
	return nil
}

// ClosePoll transitions a poll from active to closed and reveals the final
// tallies through the gateway. Closed polls always reveal aggregate results;
// anonymity hides voter identities, not counts.
func (s *LifecycleService) ClosePoll(ctx context.Context, pollID string, reason types.TransitionReason) error {
	unlock := s.lockPoll(pollID)
	defer unlock()

	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if !state.CanClose(poll) {
		return &types.PreconditionError{PollID: pollID, Operation: "close", Status: poll.Status}
	}
	updated, err := s.DB.UpdatePollStatus(ctx, pollID, types.PollStatusActive, types.PollStatusClosed, nil)
	if err != nil {
		return errors.Wrap(err, "failed to update poll status")
	}
	if !updated {
		return &types.PreconditionError{PollID: pollID, Operation: "close", Status: poll.Status}
	}
	poll.Status = types.PollStatusClosed
	s.Cache.InvalidatePoll(pollID)
	s.Scheduler.Cancel(pollID, types.JobClose)

	s.Producer.ProduceTransition(pollID, "close", types.PollStatusActive, types.PollStatusClosed, reason)
	logrus.WithFields(logrus.Fields{
		"poll_id": pollID,
		"reason":  reason,
	}).Info("Closed poll")

	if poll.MessageRef != "" {
		results, err := s.DB.GetResults(ctx, pollID, len(poll.Options))
		if err != nil {
			return errors.Wrap(err, "failed to tally votes")
		}
		if err = s.Gateway.RevealResults(ctx, poll, results, poll.MessageRef); err != nil {
			logrus.WithError(err).WithField("poll_id", pollID).Warn("Failed to reveal poll results")
			return &types.NotificationError{Step: "reveal", Err: err}
		}
	}
	return nil
}

// ReopenPoll transitions a closed poll back to active with a new close time.
// Exactly one of newCloseTime and extendBy must be supplied; extendBy counts
// from the moment of reopening. Votes are kept unless resetVotes is set.
func (s *LifecycleService) ReopenPoll(ctx context.Context, pollID string, newCloseTime *time.Time, extendBy time.Duration, resetVotes bool, reason types.TransitionReason) error {
	unlock := s.lockPoll(pollID)
	defer unlock()

	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if !state.CanReopen(poll) {
		return &types.PreconditionError{PollID: pollID, Operation: "reopen", Status: poll.Status}
	}

	now := time.Now()
	var closeTime time.Time
	switch {
	case newCloseTime != nil && extendBy != 0:
		return &types.ValidationError{Field: "close_time", Reason: "supply either a new close time or an extension, not both"}
	case newCloseTime != nil:
		closeTime = newCloseTime.UTC()
	case extendBy > 0:
		closeTime = now.Add(extendBy).UTC()
	default:
		return &types.ValidationError{Field: "close_time", Reason: "a new close time or an extension is required"}
	}
	if !closeTime.After(now) {
		return &types.ValidationError{Field: "close_time", Reason: "new close time must be in the future"}
	}
	if closeTime.Sub(now) > types.MaxPollDuration {
		return &types.ValidationError{Field: "close_time", Reason: "new close time exceeds the maximum poll duration"}
	}

	updated, err := s.DB.ReopenPoll(ctx, pollID, closeTime, resetVotes)
	if err != nil {
		return errors.Wrap(err, "failed to reopen poll")
	}
	if !updated {
		return &types.PreconditionError{PollID: pollID, Operation: "reopen", Status: poll.Status}
	}
	poll.Status = types.PollStatusActive
	poll.CloseTime = closeTime
	s.Cache.InvalidatePoll(pollID)
	s.Scheduler.ScheduleClose(pollID, closeTime)

	s.Producer.ProduceTransition(pollID, "reopen", types.PollStatusClosed, types.PollStatusActive, reason)
	logrus.WithFields(logrus.Fields{
		"poll_id":     pollID,
		"close_time":  closeTime,
		"reset_votes": resetVotes,
		"reason":      reason,
	}).Info("Reopened poll")

	if poll.MessageRef != "" {
		if err = s.Gateway.Refresh(ctx, poll, nil, poll.MessageRef); err != nil {
			logrus.WithError(err).WithField("poll_id", pollID).Warn("Failed to refresh poll announcement")
			return &types.NotificationError{Step: "refresh", Err: err}
		}
	}
	return nil
}

// EditResult is the outcome of an edit: the poll after the accepted fields
// were applied, plus the fields that were rejected and why. An edit where
// every field is rejected is not an error; the caller inspects Rejected.
type EditResult struct {
	Poll     *types.Poll
	Rejected []state.RejectedField
}

// EditPoll applies a partial field update. Fields the actor's role or the
// poll's status forbid are rejected individually; the legal subset is
// validated as a whole and applied atomically. Time changes reschedule the
// corresponding jobs.
func (s *LifecycleService) EditPoll(ctx context.Context, pollID string, role state.Role, proposed *state.EditRequest) (*EditResult, error) {
	unlock := s.lockPoll(pollID)
	defer unlock()

	if proposed == nil || proposed.IsEmpty() {
		return nil, &types.ValidationError{Reason: "no fields proposed"}
	}
	poll, err := s.DB.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	hasVotes, err := s.DB.HasVotes(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check for votes")
	}
	accepted, rejected := state.ValidateEdit(poll, role, proposed, hasVotes)
	if accepted.IsEmpty() {
		return &EditResult{Poll: poll, Rejected: rejected}, nil
	}

	edited := *poll
	if accepted.Name != nil {
		edited.Name = *accepted.Name
	}
	if accepted.Description != nil {
		edited.Description = *accepted.Description
	}
	if accepted.OpenTime != nil {
		edited.OpenTime = accepted.OpenTime.UTC()
	}
	if accepted.CloseTime != nil {
		edited.CloseTime = accepted.CloseTime.UTC()
	}
	if accepted.Options != nil {
		edited.Options = *accepted.Options
	}
	if accepted.MultipleChoice != nil {
		edited.MultipleChoice = *accepted.MultipleChoice
	}
	if accepted.MaxChoices != nil {
		edited.MaxChoices = *accepted.MaxChoices
	}
	if accepted.Anonymous != nil {
		edited.Anonymous = *accepted.Anonymous
	}

	// The combined result must still satisfy the poll invariants, even when
	// only one of the two instants changed.
	if accepted.OpenTime != nil || accepted.CloseTime != nil {
		if err = state.ValidateTimes(edited.OpenTime, edited.CloseTime); err != nil {
			return nil, err
		}
		if accepted.CloseTime != nil && poll.Status == types.PollStatusActive && !edited.CloseTime.After(time.Now()) {
			return nil, &types.ValidationError{Field: "close_time", Reason: "new close time must be in the future"}
		}
	}
	if edited.MaxChoices < 0 || edited.MaxChoices > len(edited.Options) {
		return nil, &types.ValidationError{Field: "max_choices", Reason: "max choices out of range for the option count"}
	}

	if err = s.DB.UpdatePollFields(ctx, &edited); err != nil {
		return nil, errors.Wrap(err, "failed to store edited poll")
	}
	s.Cache.InvalidatePoll(pollID)

	if accepted.OpenTime != nil && edited.Status == types.PollStatusScheduled {
		s.Scheduler.ScheduleOpen(pollID, edited.OpenTime)
	}
	// Scheduled polls get their close job when they open, so only active
	// polls need a reschedule here.
	if accepted.CloseTime != nil && edited.Status == types.PollStatusActive {
		s.Scheduler.ScheduleClose(pollID, edited.CloseTime)
	}

	logrus.WithFields(logrus.Fields{
		"poll_id":  pollID,
		"role":     role,
		"rejected": len(rejected),
	}).Info("Edited poll")

	// Active polls mirror voter-visible fields into the announcement.
	if edited.Status == types.PollStatusActive && edited.MessageRef != "" && voterVisibleChange(&accepted) {
		if err = s.Gateway.Refresh(ctx, &edited, nil, edited.MessageRef); err != nil {
			logrus.WithError(err).WithField("poll_id", pollID).Warn("Failed to refresh poll announcement")
			return &EditResult{Poll: &edited, Rejected: rejected}, &types.NotificationError{Step: "refresh", Err: err}
		}
	}
	return &EditResult{Poll: &edited, Rejected: rejected}, nil
}

func voterVisibleChange(accepted *state.EditRequest) bool {
	return accepted.Name != nil || accepted.Description != nil ||
		accepted.Options != nil || accepted.CloseTime != nil
}
