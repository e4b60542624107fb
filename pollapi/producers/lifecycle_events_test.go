// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/jetstream"
)

type stubJetStreamPublisher struct {
	published []*nats.Msg
	returnErr error
}

func (s *stubJetStreamPublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	s.published = append(s.published, msg)
	if s.returnErr != nil {
		return nil, s.returnErr
	}
	return &nats.PubAck{}, nil
}

func TestProduceTransitionPublishesEvent(t *testing.T) {
	publisher := &stubJetStreamPublisher{}
	producer := &LifecycleEventProducer{
		Topic:     "PollserverOutputPollLifecycleEvent",
		JetStream: publisher,
	}

	producer.ProduceTransition("poll-1", "open", types.PollStatusScheduled, types.PollStatusActive, types.ReasonScheduled)

	require.Len(t, publisher.published, 1)
	msg := publisher.published[0]
	assert.Equal(t, "PollserverOutputPollLifecycleEvent", msg.Subject)
	assert.Equal(t, "poll-1", msg.Header.Get(jetstream.PollID))

	var event PollLifecycleEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "poll-1", event.PollID)
	assert.Equal(t, "open", event.Transition)
	assert.Equal(t, types.PollStatusScheduled, event.FromStatus)
	assert.Equal(t, types.PollStatusActive, event.ToStatus)
	assert.Equal(t, types.ReasonScheduled, event.Reason)
	assert.False(t, event.OccurredAt.IsZero())
}

func TestProduceTransitionSwallowsPublishFailure(t *testing.T) {
	publisher := &stubJetStreamPublisher{returnErr: errors.New("jetstream unavailable")}
	producer := &LifecycleEventProducer{
		Topic:     "PollserverOutputPollLifecycleEvent",
		JetStream: publisher,
	}

	// Must not panic or surface the error; events are advisory.
	producer.ProduceTransition("poll-1", "close", types.PollStatusActive, types.PollStatusClosed, types.ReasonManual)
	assert.Len(t, publisher.published, 1)
}

func TestProduceTransitionWithoutPublisherIsNoop(t *testing.T) {
	var nilProducer *LifecycleEventProducer
	nilProducer.ProduceTransition("poll-1", "open", types.PollStatusScheduled, types.PollStatusActive, types.ReasonManual)

	producer := &LifecycleEventProducer{}
	producer.ProduceTransition("poll-1", "open", types.PollStatusScheduled, types.PollStatusActive, types.ReasonManual)
}
