// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
)

const (
	pollsCost       = "polls"       // prefix for poll cache keys
	pollResultsCost = "pollresults" // prefix for tally cache keys
)

// NewRistrettoCache creates a new in-memory cache of the given approximate
// maximum size, with entries expiring after maxAge.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10),
		BufferItems: 64,
		MaxCost:     int64(maxCost),
		Metrics:     true,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		promauto(cache)
	}
	return &Caches{
		Polls: &RistrettoCachePartition[string, *types.Poll]{
			cache:  cache,
			Prefix: pollsCost,
			MaxAge: maxAge,
		},
		PollResults: &RistrettoCachePartition[string, types.Results]{
			cache:  cache,
			Prefix: pollResultsCost,
			MaxAge: maxAge,
		},
	}
}

func promauto(cache *ristretto.Cache) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pollserver",
		Subsystem: "caching_ristretto",
		Name:      "ratio",
	}, func() float64 {
		return cache.Metrics.Ratio()
	}))
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pollserver",
		Subsystem: "caching_ristretto",
		Name:      "cost",
	}, func() float64 {
		return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
	}))
}

// RistrettoCachePartition is one keyspace within the shared ristretto cache.
// The prefix keeps partitions from colliding with each other.
type RistrettoCachePartition[K comparable, V any] struct {
	cache  *ristretto.Cache
	Prefix string
	MaxAge time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.Prefix, key)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	c.cache.SetWithTTL(c.key(key), value, 1, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
