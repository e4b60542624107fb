// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/element-hq/pollserver/pollapi/types"
)

// Caches contains a set of references to caches. They may be shared across
// components, so the cache for polls lives here rather than inside any one
// service.
type Caches struct {
	Polls       CachePartition[string, *types.Poll]    // poll ID -> poll
	PollResults CachePartition[string, types.Results]  // poll ID -> tallies
}

// CachePartition defines the required methods on a single cache partition.
type CachePartition[K comparable, V any] interface {
	Set(key K, value V)
	Unset(key K)
	Get(key K) (value V, ok bool)
}

const (
	EnableMetrics  = true
	DisableMetrics = false
)
