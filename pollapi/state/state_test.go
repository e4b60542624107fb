// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/pollserver/pollapi/state"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/test"
)

func TestTransitionPreconditions(t *testing.T) {
	tests := []struct {
		status    types.PollStatus
		canOpen   bool
		canClose  bool
		canReopen bool
	}{
		{types.PollStatusScheduled, true, false, false},
		{types.PollStatusActive, false, true, false},
		{types.PollStatusClosed, false, false, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			poll := test.NewPoll(test.WithStatus(tc.status))
			assert.Equal(t, tc.canOpen, state.CanOpen(poll))
			assert.Equal(t, tc.canClose, state.CanClose(poll))
			assert.Equal(t, tc.canReopen, state.CanReopen(poll))
		})
	}
}

func TestReopeningActivePollIsRejected(t *testing.T) {
	// An already-active poll must not be silently "reopened"; the caller is
	// confused about its state and needs to hear about it.
	poll := test.NewPoll(test.WithStatus(types.PollStatusActive))
	assert.False(t, state.CanReopen(poll))
}

func TestValidateTimes(t *testing.T) {
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		openTime  time.Time
		closeTime time.Time
		wantErr   bool
	}{
		{"valid day long poll", base, base.Add(24 * time.Hour), false},
		{"exactly minimum duration", base, base.Add(types.MinPollDuration), false},
		{"exactly maximum duration", base, base.Add(types.MaxPollDuration), false},
		{"close before open", base, base.Add(-time.Hour), true},
		{"close equals open", base, base, true},
		{"shorter than minimum", base, base.Add(30 * time.Second), true},
		{"longer than maximum", base, base.Add(types.MaxPollDuration + time.Minute), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.ValidateTimes(tc.openTime, tc.closeTime)
			if tc.wantErr {
				assert.Error(t, err)
				assert.True(t, types.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	opt := func(label, marker string) types.PollOption {
		return types.PollOption{Label: label, Marker: marker}
	}
	tests := []struct {
		name    string
		options []types.PollOption
		wantErr bool
	}{
		{"two options", []types.PollOption{opt("A", "1"), opt("B", "2")}, false},
		{"no markers", []types.PollOption{opt("A", ""), opt("B", "")}, false},
		{"single option", []types.PollOption{opt("A", "1")}, true},
		{"empty label", []types.PollOption{opt("A", "1"), opt("  ", "2")}, true},
		{"duplicate marker", []types.PollOption{opt("A", "1"), opt("B", "1")}, true},
		{
			"too many options",
			func() []types.PollOption {
				options := make([]types.PollOption, types.MaxPollOptions+1)
				for i := range options {
					options[i] = opt(string(rune('A'+i)), "")
				}
				return options
			}(),
			true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.ValidateOptions(tc.options)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSelection(t *testing.T) {
	single := test.NewPoll()
	multi := test.NewPoll(test.WithMultipleChoice(2))
	unlimited := test.NewPoll(test.WithMultipleChoice(0))

	tests := []struct {
		name    string
		poll    *types.Poll
		indices []int
		wantErr bool
	}{
		{"single choice", single, []int{0}, false},
		{"empty selection", single, nil, true},
		{"multiple on single choice poll", single, []int{0, 1}, true},
		{"within max choices", multi, []int{0, 2}, false},
		{"over max choices", multi, []int{0, 1, 2}, true},
		{"unlimited multi", unlimited, []int{0, 1, 2}, false},
		{"out of range", single, []int{3}, true},
		{"negative index", single, []int{-1}, true},
		{"duplicate index", multi, []int{1, 1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.ValidateSelection(tc.poll, tc.indices)
			if tc.wantErr {
				assert.Error(t, err)
				assert.True(t, types.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
