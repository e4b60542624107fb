// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"github.com/nats-io/nats.go"
)

// Message header names used on lifecycle events.
const (
	PollID = "poll_id"
)

// Topic names, without the configured prefix.
var (
	OutputPollLifecycleEvent = "OutputPollLifecycleEvent"
	OutputBulkOperationEvent = "OutputBulkOperationEvent"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputPollLifecycleEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputBulkOperationEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}
