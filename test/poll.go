// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"time"

	"github.com/google/uuid"

	"github.com/element-hq/pollserver/pollapi/types"
)

type PollModifier func(*types.Poll)

// NewPoll returns a valid scheduled poll with sensible defaults, adjusted by
// the given modifiers.
func NewPoll(modifiers ...PollModifier) *types.Poll {
	now := time.Now().UTC().Truncate(time.Millisecond)
	poll := &types.Poll{
		ID:          uuid.NewString(),
		Name:        "Lunch poll",
		Description: "Where shall we eat?",
		Status:      types.PollStatusScheduled,
		OpenTime:    now.Add(time.Hour),
		CloseTime:   now.Add(25 * time.Hour),
		Timezone:    "Europe/London",
		Options: []types.PollOption{
			{Label: "Pizza", Marker: "A"},
			{Label: "Sushi", Marker: "B"},
			{Label: "Tacos", Marker: "C"},
		},
		CreatedBy: "@admin:example.org",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range modifiers {
		m(poll)
	}
	return poll
}

func WithStatus(status types.PollStatus) PollModifier {
	return func(p *types.Poll) { p.Status = status }
}

func WithOpenTime(t time.Time) PollModifier {
	return func(p *types.Poll) { p.OpenTime = t.UTC() }
}

func WithCloseTime(t time.Time) PollModifier {
	return func(p *types.Poll) { p.CloseTime = t.UTC() }
}

func WithOptions(options ...types.PollOption) PollModifier {
	return func(p *types.Poll) { p.Options = options }
}

func WithMultipleChoice(maxChoices int) PollModifier {
	return func(p *types.Poll) {
		p.MultipleChoice = true
		p.MaxChoices = maxChoices
	}
}

func WithAnonymous() PollModifier {
	return func(p *types.Poll) { p.Anonymous = true }
}

func WithMessageRef(ref string) PollModifier {
	return func(p *types.Poll) { p.MessageRef = ref }
}
