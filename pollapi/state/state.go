// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the poll state machine: transition preconditions,
// field validation and the edit permission table. Everything in this package
// is pure logic with no I/O, so the lifecycle service can consult it while
// holding the per-poll lock without blocking.
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/element-hq/pollserver/pollapi/types"
)

// CanOpen reports whether the poll may transition scheduled -> active.
func CanOpen(poll *types.Poll) bool {
	return poll.Status == types.PollStatusScheduled
}

// CanClose reports whether the poll may transition active -> closed.
func CanClose(poll *types.Poll) bool {
	return poll.Status == types.PollStatusActive
}

// CanReopen reports whether the poll may transition closed -> active.
// Deliberately false for active polls: "reopening" a poll that is already
// active signals a caller bug and must surface as a precondition failure,
// not silently succeed.
func CanReopen(poll *types.Poll) bool {
	return poll.Status == types.PollStatusClosed
}

// ValidateTimes checks the open/close instants against the poll duration
// invariants.
func ValidateTimes(openTime, closeTime time.Time) error {
	if !closeTime.After(openTime) {
		return &types.ValidationError{Field: "close_time", Reason: "close time must be after open time"}
	}
	d := closeTime.Sub(openTime)
	if d < types.MinPollDuration {
		return &types.ValidationError{Field: "close_time", Reason: fmt.Sprintf("poll must run for at least %s", types.MinPollDuration)}
	}
	if d > types.MaxPollDuration {
		return &types.ValidationError{Field: "close_time", Reason: fmt.Sprintf("poll must not run for longer than %s", types.MaxPollDuration)}
	}
	return nil
}

// ValidateOptions checks the option list invariants.
func ValidateOptions(options []types.PollOption) error {
	if len(options) < types.MinPollOptions {
		return &types.ValidationError{Field: "options", Reason: fmt.Sprintf("at least %d options are required", types.MinPollOptions)}
	}
	if len(options) > types.MaxPollOptions {
		return &types.ValidationError{Field: "options", Reason: fmt.Sprintf("at most %d options are allowed", types.MaxPollOptions)}
	}
	seen := make(map[string]struct{}, len(options))
	for i, opt := range options {
		if strings.TrimSpace(opt.Label) == "" {
			return &types.ValidationError{Field: "options", Reason: fmt.Sprintf("option %d has an empty label", i)}
		}
		if opt.Marker != "" {
			if _, ok := seen[opt.Marker]; ok {
				return &types.ValidationError{Field: "options", Reason: fmt.Sprintf("duplicate option marker %q", opt.Marker)}
			}
			seen[opt.Marker] = struct{}{}
		}
	}
	return nil
}

// ValidateSelection checks a voter's option selection against the poll's
// choice settings. It does not check poll status; that is the lifecycle
// service's job.
func ValidateSelection(poll *types.Poll, optionIndices []int) error {
	if len(optionIndices) == 0 {
		return &types.ValidationError{Field: "option_indices", Reason: "at least one option must be selected"}
	}
	if !poll.MultipleChoice && len(optionIndices) > 1 {
		return &types.ValidationError{Field: "option_indices", Reason: "poll does not allow multiple choices"}
	}
	if poll.MultipleChoice && poll.MaxChoices > 0 && len(optionIndices) > poll.MaxChoices {
		return &types.ValidationError{Field: "option_indices", Reason: fmt.Sprintf("at most %d choices are allowed", poll.MaxChoices)}
	}
	seen := make(map[int]struct{}, len(optionIndices))
	for _, idx := range optionIndices {
		if idx < 0 || idx >= len(poll.Options) {
			return &types.ValidationError{Field: "option_indices", Reason: fmt.Sprintf("option index %d out of range", idx)}
		}
		if _, ok := seen[idx]; ok {
			return &types.ValidationError{Field: "option_indices", Reason: fmt.Sprintf("option index %d selected twice", idx)}
		}
		seen[idx] = struct{}{}
	}
	return nil
}
