// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrix"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
)

// MatrixGateway posts poll announcements into a Matrix room and keeps them
// updated using message edits. The message reference is the event ID of the
// original announcement.
type MatrixGateway struct {
	client *gomatrix.Client
	roomID string
}

func NewMatrixGateway(cfg *config.Gateway) (*MatrixGateway, error) {
	client, err := gomatrix.NewClient(cfg.HomeserverURL, cfg.UserID, cfg.GetAccessToken())
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	// gomatrix calls do not take a context, so the request timeout bounds
	// them instead. The lifecycle service additionally wraps gateway calls
	// in a deadline of its own.
	client.Client.Timeout = cfg.RequestTimeout
	return &MatrixGateway{
		client: client,
		roomID: cfg.RoomID,
	}, nil
}

func (g *MatrixGateway) Announce(ctx context.Context, poll *types.Poll) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body := renderPollBody(poll, nil)
	resp, err := g.client.SendMessageEvent(g.roomID, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	})
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"poll_id":  poll.ID,
		"event_id": resp.EventID,
	}).Info("Announced poll")
	return resp.EventID, nil
}

func (g *MatrixGateway) Refresh(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error {
	return g.edit(ctx, poll, renderPollBody(poll, nil), messageRef)
}

func (g *MatrixGateway) RevealResults(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error {
	return g.edit(ctx, poll, renderPollBody(poll, results), messageRef)
}

func (g *MatrixGateway) Redact(ctx context.Context, pollID, messageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.client.RedactEvent(g.roomID, messageRef, &gomatrix.ReqRedact{
		Reason: "poll deleted",
	})
	return err
}

// edit replaces the content of the announcement message using a Matrix
// message edit (m.replace relation).
func (g *MatrixGateway) edit(ctx context.Context, poll *types.Poll, body, messageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if messageRef == "" {
		return fmt.Errorf("poll %s has no announcement message to edit", poll.ID)
	}
	_, err := g.client.SendMessageEvent(g.roomID, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "* " + body,
		"m.new_content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": messageRef,
		},
	})
	return err
}

// renderPollBody formats the message text for a poll. When results are
// non-nil the tallies are shown (the closed-poll rendering); otherwise the
// options are listed with their markers as voting affordances.
func renderPollBody(poll *types.Poll, results types.Results) string {
	var b strings.Builder
	switch poll.Status {
	case types.PollStatusClosed:
		fmt.Fprintf(&b, "[closed] %s\n", poll.Name)
	default:
		fmt.Fprintf(&b, "%s\n", poll.Name)
	}
	if poll.Description != "" {
		fmt.Fprintf(&b, "%s\n", poll.Description)
	}
	for i, opt := range poll.Options {
		marker := opt.Marker
		if marker == "" {
			marker = fmt.Sprintf("%d.", i+1)
		}
		if results != nil && i < len(results) {
			fmt.Fprintf(&b, "%s %s: %d\n", marker, opt.Label, results[i])
		} else {
			fmt.Fprintf(&b, "%s %s\n", marker, opt.Label)
		}
	}
	if poll.Status == types.PollStatusActive {
		fmt.Fprintf(&b, "Voting closes at %s (%s)", poll.CloseTime.UTC().Format("2006-01-02 15:04 MST"), poll.Timezone)
	}
	return b.String()
}
