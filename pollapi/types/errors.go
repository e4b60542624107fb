// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
)

// ErrPollNotFound is returned when a poll ID does not exist in the store.
var ErrPollNotFound = errors.New("poll not found")

// ErrOperationNotFound is returned when a bulk operation ID is unknown.
var ErrOperationNotFound = errors.New("bulk operation not found")

// PreconditionError means the caller attempted a transition that is invalid
// for the poll's current status, e.g. reopening a poll that is already
// active. It usually indicates a caller bug or a stale client view and is
// never retried automatically.
type PreconditionError struct {
	PollID    string
	Operation string
	Status    PollStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s poll %s in status %q", e.Operation, e.PollID, e.Status)
}

// IsPreconditionError reports whether err is (or wraps) a PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// ValidationError means proposed field values violate poll invariants. It is
// raised before any mutation, so the request is safe to retry with corrected
// input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError means a messaging gateway or cache call failed after the
// internal state transition had already committed. The transition is not
// rolled back; the external mirror stays stale until the next successful
// refresh.
type NotificationError struct {
	Step string // "announce", "refresh", "reveal", "redact"
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("external notification %q failed: %v", e.Step, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// IsNotificationError reports whether err is (or wraps) a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}
