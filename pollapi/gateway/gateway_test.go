// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/pollserver/pollapi/types"
)

func renderTestPoll() *types.Poll {
	return &types.Poll{
		ID:          "poll-1",
		Name:        "Team lunch",
		Description: "Pick a venue",
		Status:      types.PollStatusActive,
		CloseTime:   time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		Timezone:    "Europe/London",
		Options: []types.PollOption{
			{Label: "Pizza", Marker: "A"},
			{Label: "Sushi", Marker: "B"},
			{Label: "Tacos"},
		},
	}
}

func TestRenderPollBodyActive(t *testing.T) {
	body := renderPollBody(renderTestPoll(), nil)

	lines := strings.Split(body, "\n")
	assert.Equal(t, "Team lunch", lines[0])
	assert.Equal(t, "Pick a venue", lines[1])
	assert.Equal(t, "A Pizza", lines[2])
	assert.Equal(t, "B Sushi", lines[3])
	assert.Equal(t, "3. Tacos", lines[4], "options without a marker fall back to numbering")
	assert.Contains(t, lines[5], "Voting closes at 2026-09-01 12:00 UTC")
	assert.Contains(t, lines[5], "Europe/London")
}

func TestRenderPollBodyClosedShowsTallies(t *testing.T) {
	poll := renderTestPoll()
	poll.Status = types.PollStatusClosed

	body := renderPollBody(poll, types.Results{4, 0, 2})

	assert.True(t, strings.HasPrefix(body, "[closed] Team lunch\n"))
	assert.Contains(t, body, "A Pizza: 4")
	assert.Contains(t, body, "B Sushi: 0")
	assert.Contains(t, body, "3. Tacos: 2")
	assert.NotContains(t, body, "Voting closes", "closed polls do not advertise a deadline")
}

func TestRenderPollBodyScheduledOmitsDeadline(t *testing.T) {
	poll := renderTestPoll()
	poll.Status = types.PollStatusScheduled
	poll.Description = ""

	body := renderPollBody(poll, nil)
	assert.True(t, strings.HasPrefix(body, "Team lunch\n"))
	assert.NotContains(t, body, "Pick a venue")
	assert.NotContains(t, body, "Voting closes")
}
