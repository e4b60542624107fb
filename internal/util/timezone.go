// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"fmt"
	"strings"
	"time"
)

// ValidateTimezone checks that the given name is a loadable IANA timezone
// identifier. An empty name is rejected rather than defaulting to UTC so
// that callers must be explicit about the zone a local time belongs to.
func ValidateTimezone(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("timezone must not be empty")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q", name)
	}
	return nil
}

// ResolveLocalTime converts a wall-clock time expressed in the given IANA
// timezone into an absolute instant. The layout is RFC3339 without an offset
// ("2006-01-02T15:04:05"); the offset comes from the zone.
func ResolveLocalTime(local string, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q", timezone)
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", local, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid local time %q: %w", local, err)
	}
	return t.UTC(), nil
}
