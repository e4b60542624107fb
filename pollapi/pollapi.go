// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pollapi

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/internal/caching"
	"github.com/element-hq/pollserver/internal/httputil"
	"github.com/element-hq/pollserver/pollapi/bulk"
	"github.com/element-hq/pollserver/pollapi/gateway"
	"github.com/element-hq/pollserver/pollapi/internal"
	"github.com/element-hq/pollserver/pollapi/producers"
	"github.com/element-hq/pollserver/pollapi/routing"
	"github.com/element-hq/pollserver/pollapi/scheduler"
	"github.com/element-hq/pollserver/pollapi/storage"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/jetstream"
	"github.com/element-hq/pollserver/setup/process"
)

// PollAPI bundles the wired-up components of the poll service.
type PollAPI struct {
	DB        storage.Database
	Lifecycle *internal.LifecycleService
	Scheduler *scheduler.Service
	Bulk      *bulk.Engine
}

// NewPollAPI opens the store and wires the scheduler, lifecycle service and
// bulk engine together. The caller must invoke Start before serving requests.
func NewPollAPI(
	processCtx *process.ProcessContext,
	cfg *config.Config,
	caches *caching.Caches,
	natsInstance *jetstream.NATSInstance,
) *PollAPI {
	db, err := storage.NewPollAPIDatasource(&cfg.PollAPI.Database)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to poll database")
	}

	var gw gateway.MessagingGateway = gateway.NoopGateway{}
	if cfg.PollAPI.Gateway.Enabled {
		matrixGW, err := gateway.NewMatrixGateway(&cfg.PollAPI.Gateway)
		if err != nil {
			logrus.WithError(err).Panic("failed to create matrix gateway")
		}
		gw = matrixGW
	}

	producer := &producers.LifecycleEventProducer{}
	if len(cfg.Global.JetStream.Addresses) > 0 {
		js, _ := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)
		producer.Topic = cfg.Global.JetStream.Prefixed(jetstream.OutputPollLifecycleEvent)
		producer.JetStream = js
	}

	sched := scheduler.NewService(processCtx, &cfg.PollAPI.Scheduler, db)
	lifecycle := &internal.LifecycleService{
		Cfg:       &cfg.PollAPI,
		DB:        db,
		Scheduler: sched,
		Gateway:   gw,
		Cache:     caches,
		Producer:  producer,
	}
	sched.SetFirer(lifecycle)

	engine := bulk.NewEngine(processCtx, &cfg.PollAPI.Bulk, db, lifecycle)

	return &PollAPI{
		DB:        db,
		Lifecycle: lifecycle,
		Scheduler: sched,
		Bulk:      engine,
	}
}

// Start performs the restart recovery sequence: operations a dead process
// left unfinished are failed, then the scheduler job table is rebuilt and
// overdue transitions fire. Must complete before the HTTP listener opens.
func (p *PollAPI) Start(processCtx *process.ProcessContext) error {
	ctx := processCtx.Context()
	failed, err := p.DB.FailUnfinishedBulkOperations(ctx)
	if err != nil {
		return err
	}
	if failed > 0 {
		logrus.WithField("count", failed).Warn("Marked bulk operations from a previous run as failed")
	}
	return p.Scheduler.RestoreFromStore(ctx)
}

// AddRoutes registers the admin API on the router.
func (p *PollAPI) AddRoutes(router *mux.Router, cfg *config.PollAPI, rateLimits *httputil.RateLimits) {
	routing.Setup(router, cfg, p.Lifecycle, p.Bulk, rateLimits)
}
