// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"fmt"
	"time"

	"github.com/element-hq/pollserver/pollapi/types"
)

// Field names used in edit requests and permission checks.
const (
	FieldName           = "name"
	FieldDescription    = "description"
	FieldOpenTime       = "open_time"
	FieldCloseTime      = "close_time"
	FieldOptions        = "options"
	FieldMultipleChoice = "multiple_choice"
	FieldMaxChoices     = "max_choices"
	FieldAnonymous      = "anonymous"
)

// Role is the closed set of actor roles. Permission decisions are made from
// the (role, field) table below, never from free-form editor type strings.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleViewer Role = "viewer"
)

// EditRequest is a partial field map. Nil pointers mean "not proposed".
type EditRequest struct {
	Name           *string             `json:"name,omitempty"`
	Description    *string             `json:"description,omitempty"`
	OpenTime       *time.Time          `json:"open_time,omitempty"`
	CloseTime      *time.Time          `json:"close_time,omitempty"`
	Options        *[]types.PollOption `json:"options,omitempty"`
	MultipleChoice *bool               `json:"multiple_choice,omitempty"`
	MaxChoices     *int                `json:"max_choices,omitempty"`
	Anonymous      *bool               `json:"anonymous,omitempty"`
}

// IsEmpty reports whether no field is proposed.
func (r *EditRequest) IsEmpty() bool {
	return r.Name == nil && r.Description == nil && r.OpenTime == nil &&
		r.CloseTime == nil && r.Options == nil && r.MultipleChoice == nil &&
		r.MaxChoices == nil && r.Anonymous == nil
}

// RejectedField explains why a proposed field was discarded.
type RejectedField struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// allowedEditFields is the set of fields mutable in a given status. The
// choice settings are frozen once a poll is active because changing them
// would reinterpret votes already cast.
var allowedEditFields = map[types.PollStatus]map[string]bool{
	types.PollStatusScheduled: {
		FieldName: true, FieldDescription: true, FieldOpenTime: true,
		FieldCloseTime: true, FieldOptions: true, FieldMultipleChoice: true,
		FieldMaxChoices: true, FieldAnonymous: true,
	},
	types.PollStatusActive: {
		FieldName: true, FieldDescription: true, FieldCloseTime: true,
		FieldOptions: true,
	},
	types.PollStatusClosed: {},
}

// rolePermissions maps (role, field) -> allowed. Owners may not change the
// anonymity of a poll after creation; only admins can.
var rolePermissions = map[Role]map[string]bool{
	RoleAdmin: {
		FieldName: true, FieldDescription: true, FieldOpenTime: true,
		FieldCloseTime: true, FieldOptions: true, FieldMultipleChoice: true,
		FieldMaxChoices: true, FieldAnonymous: true,
	},
	RoleOwner: {
		FieldName: true, FieldDescription: true, FieldOpenTime: true,
		FieldCloseTime: true, FieldOptions: true, FieldMultipleChoice: true,
		FieldMaxChoices: true,
	},
	RoleViewer: {},
}

// ValidateEdit returns the subset of the proposed fields legal for the
// poll's current status and the given actor role, plus the rejected fields
// with reasons. hasVotes must reflect whether any votes exist for the poll,
// since votes freeze the existing option entries.
func ValidateEdit(poll *types.Poll, role Role, proposed *EditRequest, hasVotes bool) (EditRequest, []RejectedField) {
	var accepted EditRequest
	var rejected []RejectedField

	allowed := allowedEditFields[poll.Status]
	perms, ok := rolePermissions[role]
	if !ok {
		perms = rolePermissions[RoleViewer]
	}

	consider := func(field string, propose func()) {
		if !perms[field] {
			rejected = append(rejected, RejectedField{field, fmt.Sprintf("role %q may not edit this field", role)})
			return
		}
		if !allowed[field] {
			rejected = append(rejected, RejectedField{field, fmt.Sprintf("not editable while poll is %s", poll.Status)})
			return
		}
		propose()
	}

	if proposed.Name != nil {
		consider(FieldName, func() { accepted.Name = proposed.Name })
	}
	if proposed.Description != nil {
		consider(FieldDescription, func() { accepted.Description = proposed.Description })
	}
	if proposed.OpenTime != nil {
		consider(FieldOpenTime, func() { accepted.OpenTime = proposed.OpenTime })
	}
	if proposed.CloseTime != nil {
		consider(FieldCloseTime, func() { accepted.CloseTime = proposed.CloseTime })
	}
	if proposed.MultipleChoice != nil {
		consider(FieldMultipleChoice, func() { accepted.MultipleChoice = proposed.MultipleChoice })
	}
	if proposed.MaxChoices != nil {
		consider(FieldMaxChoices, func() { accepted.MaxChoices = proposed.MaxChoices })
	}
	if proposed.Anonymous != nil {
		consider(FieldAnonymous, func() { accepted.Anonymous = proposed.Anonymous })
	}
	if proposed.Options != nil {
		consider(FieldOptions, func() {
			if err := validateOptionEdit(poll, *proposed.Options, hasVotes); err != nil {
				rejected = append(rejected, RejectedField{FieldOptions, err.Error()})
				return
			}
			accepted.Options = proposed.Options
		})
	}

	return accepted, rejected
}

// validateOptionEdit enforces the option immutability rules. While a poll is
// active, or once any votes exist, every stored option must appear in the
// proposal unchanged and in its original order; only a suffix of brand-new
// entries may be added, and appending is only permitted while active.
func validateOptionEdit(poll *types.Poll, proposed []types.PollOption, hasVotes bool) error {
	if err := ValidateOptions(proposed); err != nil {
		return err
	}
	frozen := hasVotes || poll.Status == types.PollStatusActive
	if !frozen {
		return nil
	}
	if len(proposed) < len(poll.Options) {
		return fmt.Errorf("existing options cannot be removed")
	}
	for i, existing := range poll.Options {
		if proposed[i] != existing {
			return fmt.Errorf("existing option %d cannot be modified or reordered", i)
		}
	}
	if len(proposed) > len(poll.Options) && poll.Status != types.PollStatusActive {
		return fmt.Errorf("new options can only be appended while the poll is active")
	}
	return nil
}
