// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/process"
)

// JetStreamPublisher is the subset of the JetStream context that producers
// need. Tests substitute a stub.
type JetStreamPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSInstance holds the singleton connection for the process.
type NATSInstance struct {
	onceInit sync.Once
	nc       *nats.Conn
	js       nats.JetStreamContext
}

// Prepare connects to the configured NATS servers and ensures the streams we
// publish to exist. It panics on failure, as the process cannot run without
// its event stream once JetStream is configured.
func (s *NATSInstance) Prepare(processContext *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn) {
	s.onceInit.Do(func() {
		opts := []nats.Option{
			nats.MaxReconnects(-1),
			nats.ReconnectJitter(time.Second, time.Second),
			nats.ReconnectWait(time.Second * 10),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logrus.WithError(err).Warn("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logrus.Info("Reconnected to NATS")
			}),
		}
		nc, err := nats.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
		}
		s.nc = nc
		s.js = setupNATS(cfg, nc)
		if processContext != nil {
			go func() {
				<-processContext.WaitForShutdown()
				nc.Close()
			}()
		}
	})
	return s.js, s.nc
}

func setupNATS(cfg *config.JetStream, nc *nats.Conn) nats.JetStreamContext {
	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
	}

	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != nats.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		if info == nil {
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = []string{name}
			if _, err = js.AddStream(&namespaced); err != nil {
				logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
			}
		}
	}
	return js
}
