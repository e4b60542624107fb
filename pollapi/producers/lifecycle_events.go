// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package producers emits poll lifecycle events onto JetStream so that other
// services (notifier bots, audit pipelines) can react without polling the
// database.
package producers

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/jetstream"
)

// PollLifecycleEvent is the wire format of a lifecycle event.
type PollLifecycleEvent struct {
	PollID     string                 `json:"poll_id"`
	Transition string                 `json:"transition"`
	FromStatus types.PollStatus       `json:"from_status"`
	ToStatus   types.PollStatus       `json:"to_status"`
	Reason     types.TransitionReason `json:"reason"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// LifecycleEventProducer publishes lifecycle events. Publish failures are
// logged and swallowed: events are advisory and must never fail a
// transition that has already committed.
type LifecycleEventProducer struct {
	Topic     string
	JetStream jetstream.JetStreamPublisher
}

func (p *LifecycleEventProducer) ProduceTransition(
	pollID, transition string,
	fromStatus, toStatus types.PollStatus,
	reason types.TransitionReason,
) {
	if p == nil || p.JetStream == nil {
		return
	}
	event := PollLifecycleEvent{
		PollID:     pollID,
		Transition: transition,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to marshal poll lifecycle event")
		return
	}
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.PollID, pollID)
	msg.Data = payload
	if _, err = p.JetStream.PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"poll_id":    pollID,
			"transition": transition,
		}).Error("Failed to publish poll lifecycle event")
	}
}
