// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

type PollAPI struct {
	Global *Global `yaml:"-"`

	// Database for polls, votes and bulk operations.
	Database DatabaseOptions `yaml:"database"`

	// Gateway configuration for the Matrix room that polls are announced
	// into.
	Gateway Gateway `yaml:"gateway"`

	// Scheduler options
	Scheduler Scheduler `yaml:"scheduler"`

	// Bulk operation options
	Bulk Bulk `yaml:"bulk"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// The address to listen on for the admin API.
	ListenAddress string `yaml:"listen_address"`
}

func (c *PollAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults(10)
	c.Gateway.Defaults()
	c.Scheduler.Defaults()
	c.Bulk.Defaults()
	c.RateLimiting.Defaults()
	if c.ListenAddress == "" {
		c.ListenAddress = "localhost:8400"
	}
}

func (c *PollAPI) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs)
	c.Gateway.Verify(configErrs)
	c.Scheduler.Verify(configErrs)
	c.Bulk.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
}

type Gateway struct {
	// If not enabled, transitions commit internally but nothing is posted
	// anywhere. Useful for development.
	Enabled bool `yaml:"enabled"`
	// Base URL of the Matrix homeserver to post through.
	HomeserverURL string `yaml:"homeserver_url"`
	// The Matrix user ID the gateway posts as.
	UserID string `yaml:"user_id"`
	// The room that poll announcements are sent to.
	RoomID string `yaml:"room_id"`
	// How long a single gateway call may take before it is abandoned.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	accessTokenOnce sync.Once
	accessToken     string
}

func (g *Gateway) Defaults() {
	if g.RequestTimeout == 0 {
		g.RequestTimeout = 10 * time.Second
	}
}

func (g *Gateway) Verify(configErrs *ConfigErrors) {
	if !g.Enabled {
		return
	}
	checkNotEmpty(configErrs, "poll_api.gateway.homeserver_url", g.HomeserverURL)
	checkNotEmpty(configErrs, "poll_api.gateway.user_id", g.UserID)
	checkNotEmpty(configErrs, "poll_api.gateway.room_id", g.RoomID)
	if g.HomeserverURL != "" {
		u, err := url.Parse(g.HomeserverURL)
		if err != nil || (!strings.EqualFold(u.Scheme, "https") && !strings.EqualFold(u.Scheme, "http")) || u.Host == "" {
			configErrs.Add("poll_api.gateway.homeserver_url must be a valid http(s):// URL")
		}
	}
	if g.GetAccessToken() == "" {
		configErrs.Add("poll_api.gateway enabled but POLLSERVER_GATEWAY_ACCESS_TOKEN is empty")
	}
	if g.RequestTimeout <= 0 {
		configErrs.Add("poll_api.gateway.request_timeout must be positive")
	}
}

// GetAccessToken returns the gateway access token. Tokens are taken from the
// environment rather than the config file so they do not end up committed
// alongside the rest of the configuration.
func (g *Gateway) GetAccessToken() string {
	g.accessTokenOnce.Do(func() {
		g.accessToken = os.Getenv("POLLSERVER_GATEWAY_ACCESS_TOKEN")
	})
	return g.accessToken
}

type Scheduler struct {
	// How long a scheduled firing may spend inside the lifecycle service
	// before it is abandoned. Bounds the time the scheduler can be stalled
	// by a slow external dependency.
	FireTimeout time.Duration `yaml:"fire_timeout"`
}

func (s *Scheduler) Defaults() {
	if s.FireTimeout == 0 {
		s.FireTimeout = 30 * time.Second
	}
}

func (s *Scheduler) Verify(configErrs *ConfigErrors) {
	if s.FireTimeout <= 0 {
		configErrs.Add("poll_api.scheduler.fire_timeout must be positive")
	}
}

type Bulk struct {
	// The maximum number of polls a single bulk operation may target.
	MaxTargets int `yaml:"max_targets"`
	// How many items a bulk worker processes concurrently. Kept small so a
	// bulk operation cannot exhaust the messaging gateway's rate limits.
	ItemConcurrency int `yaml:"item_concurrency"`
	// How many operations a single actor may have running at once.
	MaxPerActor int `yaml:"max_per_actor"`
	// How long finished operations remain queryable.
	RetainFinishedFor time.Duration `yaml:"retain_finished_for"`
}

func (b *Bulk) Defaults() {
	if b.MaxTargets == 0 {
		b.MaxTargets = 1000
	}
	if b.ItemConcurrency == 0 {
		b.ItemConcurrency = 4
	}
	if b.MaxPerActor == 0 {
		b.MaxPerActor = 2
	}
	if b.RetainFinishedFor == 0 {
		b.RetainFinishedFor = 24 * time.Hour
	}
}

func (b *Bulk) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "poll_api.bulk.max_targets", int64(b.MaxTargets))
	checkPositive(configErrs, "poll_api.bulk.item_concurrency", int64(b.ItemConcurrency))
	checkPositive(configErrs, "poll_api.bulk.max_per_actor", int64(b.MaxPerActor))
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		if r.Threshold <= 0 || r.CooloffMS <= 0 {
			configErrs.Add(
				"poll_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
					"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
			)
		}
		for name, override := range r.PerEndpointOverrides {
			if override.Threshold <= 0 || override.CooloffMS <= 0 {
				configErrs.Add(
					fmt.Sprintf("poll_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
				)
			}
		}
		for _, ip := range r.ExemptIPAddresses {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				if parsedIP := net.ParseIP(ip); parsedIP == nil {
					configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "poll_api.rate_limiting.exempt_ip_addresses", ip))
				}
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	r.Threshold = 20
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}
