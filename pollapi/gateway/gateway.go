// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package gateway reflects poll state into the chat platform. Gateway calls
// happen after the internal state transition has committed; their failures
// are surfaced but never roll a transition back.
package gateway

import (
	"context"

	"github.com/element-hq/pollserver/pollapi/types"
)

// MessagingGateway is the contract for the external chat platform. Every
// call may fail with a network or permission error; callers treat those as
// non-fatal to internal consistency.
type MessagingGateway interface {
	// Announce posts the poll's message and returns its external reference.
	Announce(ctx context.Context, poll *types.Poll) (messageRef string, err error)
	// Refresh updates the message content after a voter-visible edit or a
	// reopen.
	Refresh(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error
	// RevealResults updates the message to display final tallies. Closed
	// polls always reveal aggregate results, anonymous or not.
	RevealResults(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error
	// Redact removes the message, best-effort, when a poll is deleted.
	Redact(ctx context.Context, pollID, messageRef string) error
}

// NoopGateway is used when the gateway is disabled in the configuration.
// Announce returns an empty reference, so polls simply never carry one.
type NoopGateway struct{}

func (NoopGateway) Announce(ctx context.Context, poll *types.Poll) (string, error) {
	return "", nil
}

func (NoopGateway) Refresh(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error {
	return nil
}

func (NoopGateway) RevealResults(ctx context.Context, poll *types.Poll, results types.Results, messageRef string) error {
	return nil
}

func (NoopGateway) Redact(ctx context.Context, pollID, messageRef string) error {
	return nil
}
