// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/pollserver/internal"
	"github.com/element-hq/pollserver/internal/caching"
	"github.com/element-hq/pollserver/internal/httputil"
	"github.com/element-hq/pollserver/pollapi"
	"github.com/element-hq/pollserver/setup/config"
	"github.com/element-hq/pollserver/setup/jetstream"
	"github.com/element-hq/pollserver/setup/process"
)

var (
	configPath    = flag.String("config", "pollserver.yaml", "The path to the config file")
	enableMetrics = flag.Bool("metrics", true, "Expose prometheus metrics on /metrics")
)

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
	}

	processCtx := process.NewProcessContext()
	caches := caching.NewRistrettoCache(
		cfg.Global.Cache.EstimatedMaxSize,
		cfg.Global.Cache.MaxAge,
		*enableMetrics,
	)
	natsInstance := &jetstream.NATSInstance{}

	api := pollapi.NewPollAPI(processCtx, cfg, caches, natsInstance)

	// Recovery must finish before any request or timer can race it.
	if err = api.Start(processCtx); err != nil {
		logrus.WithError(err).Fatal("Failed to restore scheduler state")
	}

	rateLimits := httputil.NewRateLimits(&cfg.PollAPI.RateLimiting)
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	api.AddRoutes(router, &cfg.PollAPI, rateLimits)
	if *enableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Handle("/health", httputil.MakeHTTPAPI("health", nil, false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.PollAPI.ListenAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		logrus.WithField("address", cfg.PollAPI.ListenAddress).Info("Starting poll API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to serve HTTP")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logrus.Info("Shutdown signal received")
		processCtx.ShutdownPollserver()
	}()

	<-processCtx.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down HTTP server cleanly")
	}
	rateLimits.Stop()
	processCtx.WaitForComponentsToFinish()
	if cfg.Global.Sentry.Enabled {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warn("failed to flush all Sentry events!")
		}
	}
	logrus.Info("Poll API server shut down cleanly")
}
