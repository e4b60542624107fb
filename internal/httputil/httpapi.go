// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pollserver",
		Subsystem: "pollapi",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by handler",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"handler"},
)

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(clientAPIRequestDuration)
	})
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse returns a JSONResponse with the given code and message.
func MessageResponse(code int, msg string) util.JSONResponse {
	return util.JSONResponse{
		Code: code,
		JSON: ErrorResponse{Error: msg},
	}
}

// UnmarshalJSONRequest decodes the request body into iface, returning a
// ready-made 400 response on failure.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		resp := MessageResponse(http.StatusBadRequest, "failed to read request body")
		return &resp
	}
	if err = json.Unmarshal(body, iface); err != nil {
		util.GetLogger(req.Context()).WithError(err).Debug("Failed to decode request body")
		resp := MessageResponse(http.StatusBadRequest, "The request body could not be decoded into valid JSON: "+err.Error())
		return &resp
	}
	return nil
}

// MakeServiceAPI turns a JSON request handler into an http.Handler, applying
// rate limiting and request duration metrics. rateLimits may be nil.
func MakeServiceAPI(metricsName string, rateLimits *RateLimits, f func(*http.Request) util.JSONResponse) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		if rateLimits != nil {
			if r := rateLimits.Limit(req); r != nil {
				return *r
			}
		}
		timer := prometheus.NewTimer(clientAPIRequestDuration.WithLabelValues(metricsName))
		defer timer.ObserveDuration()
		return f(req)
	}
	return util.MakeJSONAPI(util.NewJSONRequestHandler(h))
}

// MakeHTTPAPI wraps a plain http.HandlerFunc with logging, optional rate
// limiting and optional duration metrics. Used for endpoints that do not
// speak JSON, like the health check.
func MakeHTTPAPI(metricsName string, rateLimits *RateLimits, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	withLimits := func(w http.ResponseWriter, req *http.Request) {
		if rateLimits != nil {
			if r := rateLimits.Limit(req); r != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(r.Code)
				if err := json.NewEncoder(w).Encode(r.JSON); err != nil {
					logrus.WithError(err).Error("Failed to write rate limit response")
				}
				return
			}
		}
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withLimits)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		timer := prometheus.NewTimer(clientAPIRequestDuration.WithLabelValues(metricsName))
		defer timer.ObserveDuration()
		withLimits(w, req)
	})
}

// BasicAuth protects the metrics endpoint.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only applies if both
// username and password are set.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if h == nil {
		logrus.Error("Not wrapping nil handler in BasicAuth")
		return nil
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b.Username != "" && b.Password != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != b.Username || pass != b.Password {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}
		h.ServeHTTP(w, r)
	}
}
