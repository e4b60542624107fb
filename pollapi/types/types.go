// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"time"
)

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollStatusScheduled PollStatus = "scheduled"
	PollStatusActive    PollStatus = "active"
	PollStatusClosed    PollStatus = "closed"
)

// KnownPollStatus reports whether s is one of the defined lifecycle states.
func KnownPollStatus(s PollStatus) bool {
	switch s {
	case PollStatusScheduled, PollStatusActive, PollStatusClosed:
		return true
	}
	return false
}

// Poll duration bounds, enforced at creation and on every close-time edit.
const (
	MinPollDuration = time.Minute
	MaxPollDuration = 30 * 24 * time.Hour
)

// Option count bounds.
const (
	MinPollOptions = 2
	MaxPollOptions = 10
)

// PollOption is a single votable entry. The marker is the short label shown
// next to the option in the announcement message (an emoji or letter).
type PollOption struct {
	Label  string `json:"label"`
	Marker string `json:"marker"`
}

// Poll is a time-bounded voting campaign. The status field is only ever
// mutated by the lifecycle service.
type Poll struct {
	ID          string       `json:"poll_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Status      PollStatus   `json:"status"`
	OpenTime    time.Time    `json:"open_time"`
	CloseTime   time.Time    `json:"close_time"`
	// IANA zone the creator supplied their local times in. Stored so that
	// re-display uses the creator's zone even if the admin console's clock
	// differs.
	Timezone       string       `json:"timezone"`
	Options        []PollOption `json:"options"`
	MultipleChoice bool         `json:"multiple_choice"`
	// Maximum selections per vote when MultipleChoice is set. Zero means
	// no limit beyond the option count.
	MaxChoices int    `json:"max_choices"`
	Anonymous  bool   `json:"anonymous"`
	CreatedBy  string `json:"created_by"`
	// External message identifier, set once the poll has been announced.
	// Empty before announcement.
	MessageRef string    `json:"message_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Vote is a single voter's selection on a poll. One row per (poll, voter);
// re-voting replaces the previous selection while the poll is active.
type Vote struct {
	PollID        string    `json:"poll_id"`
	VoterID       string    `json:"voter_id"`
	OptionIndices []int     `json:"option_indices"`
	CastAt        time.Time `json:"cast_at"`
}

// Results holds the vote count per option index, in option order.
type Results []int

// JobKind distinguishes the two scheduled transition kinds.
type JobKind string

const (
	JobOpen  JobKind = "open"
	JobClose JobKind = "close"
)

// TransitionReason records what triggered a lifecycle transition.
type TransitionReason string

const (
	ReasonScheduled TransitionReason = "scheduled"
	ReasonManual    TransitionReason = "manual"
	ReasonBulk      TransitionReason = "bulk"
)

// BulkOperationType is the lifecycle operation a bulk request applies.
type BulkOperationType string

const (
	BulkOpen   BulkOperationType = "open"
	BulkClose  BulkOperationType = "close"
	BulkReopen BulkOperationType = "reopen"
	BulkDelete BulkOperationType = "delete"
)

// KnownBulkOperationType reports whether t is a supported bulk type.
func KnownBulkOperationType(t BulkOperationType) bool {
	switch t {
	case BulkOpen, BulkClose, BulkReopen, BulkDelete:
		return true
	}
	return false
}

// BulkOperationStatus is the batch-level state of a bulk operation. The
// terminal states describe the batch, not its items: an operation that ran
// to the end of its list is "completed" even if some items failed.
type BulkOperationStatus string

const (
	BulkStatusPending   BulkOperationStatus = "pending"
	BulkStatusRunning   BulkOperationStatus = "running"
	BulkStatusCompleted BulkOperationStatus = "completed"
	BulkStatusFailed    BulkOperationStatus = "failed"
	BulkStatusCancelled BulkOperationStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s BulkOperationStatus) IsTerminal() bool {
	switch s {
	case BulkStatusCompleted, BulkStatusFailed, BulkStatusCancelled:
		return true
	}
	return false
}

// BulkItemError records a single poll's failure inside a bulk operation.
type BulkItemError struct {
	PollID  string `json:"poll_id"`
	Message string `json:"message"`
}

// BulkParams carries the per-operation parameters. Only reopen uses them.
type BulkParams struct {
	NewCloseTime *time.Time    `json:"new_close_time,omitempty"`
	ExtendBy     time.Duration `json:"extend_by,omitempty"`
	ResetVotes   bool          `json:"reset_votes,omitempty"`
}

// BulkOperation is a batch request applying one lifecycle operation to many
// polls. Mutated only by the worker executing it.
type BulkOperation struct {
	ID             string              `json:"operation_id"`
	Type           BulkOperationType   `json:"type"`
	Actor          string              `json:"actor"`
	TargetPollIDs  []string            `json:"target_poll_ids"`
	Params         BulkParams          `json:"params"`
	Status         BulkOperationStatus `json:"status"`
	ProcessedCount int                 `json:"processed_count"`
	SuccessCount   int                 `json:"success_count"`
	FailureCount   int                 `json:"failure_count"`
	Errors         []BulkItemError     `json:"errors,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	FinishedAt     time.Time           `json:"finished_at,omitempty"`
}

// BulkProgress is the live view of a bulk operation returned by the engine.
type BulkProgress struct {
	OperationID    string              `json:"operation_id"`
	Status         BulkOperationStatus `json:"status"`
	TotalCount     int                 `json:"total_count"`
	ProcessedCount int                 `json:"processed_count"`
	SuccessCount   int                 `json:"success_count"`
	FailureCount   int                 `json:"failure_count"`
	Percentage     float64             `json:"percentage"`
	CurrentPollID  string              `json:"current_poll_id,omitempty"`
	Errors         []BulkItemError     `json:"errors,omitempty"`
}
