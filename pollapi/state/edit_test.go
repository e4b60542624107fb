// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/pollserver/pollapi/state"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/test"
)

func strPtr(s string) *string { return &s }

func rejectedFields(rejected []state.RejectedField) []string {
	fields := make([]string, 0, len(rejected))
	for _, r := range rejected {
		fields = append(fields, r.Field)
	}
	return fields
}

func TestEditFieldsByStatus(t *testing.T) {
	name := strPtr("Renamed poll")
	openTime := time.Now().Add(2 * time.Hour)
	anon := true
	proposed := &state.EditRequest{
		Name:      name,
		OpenTime:  &openTime,
		Anonymous: &anon,
	}

	t.Run("scheduled polls accept everything", func(t *testing.T) {
		poll := test.NewPoll()
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, proposed, false)
		assert.Empty(t, rejected)
		assert.Equal(t, name, accepted.Name)
		assert.NotNil(t, accepted.OpenTime)
		assert.NotNil(t, accepted.Anonymous)
	})

	t.Run("active polls reject structural fields", func(t *testing.T) {
		poll := test.NewPoll(test.WithStatus(types.PollStatusActive))
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, proposed, false)
		assert.Equal(t, name, accepted.Name)
		assert.Nil(t, accepted.OpenTime)
		assert.Nil(t, accepted.Anonymous)
		assert.ElementsMatch(t, []string{state.FieldOpenTime, state.FieldAnonymous}, rejectedFields(rejected))
	})

	t.Run("closed polls reject everything", func(t *testing.T) {
		poll := test.NewPoll(test.WithStatus(types.PollStatusClosed))
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, proposed, false)
		assert.True(t, accepted.IsEmpty())
		assert.Len(t, rejected, 3)
	})
}

func TestEditRolePermissions(t *testing.T) {
	anon := false
	proposed := &state.EditRequest{
		Name:      strPtr("New name"),
		Anonymous: &anon,
	}
	poll := test.NewPoll()

	t.Run("admin may change anonymity", func(t *testing.T) {
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, proposed, false)
		assert.Empty(t, rejected)
		assert.NotNil(t, accepted.Anonymous)
	})

	t.Run("owner may not change anonymity", func(t *testing.T) {
		accepted, rejected := state.ValidateEdit(poll, state.RoleOwner, proposed, false)
		assert.NotNil(t, accepted.Name)
		assert.Nil(t, accepted.Anonymous)
		assert.Equal(t, []string{state.FieldAnonymous}, rejectedFields(rejected))
	})

	t.Run("viewer may edit nothing", func(t *testing.T) {
		accepted, rejected := state.ValidateEdit(poll, state.RoleViewer, proposed, false)
		assert.True(t, accepted.IsEmpty())
		assert.Len(t, rejected, 2)
	})

	t.Run("unknown role is treated as viewer", func(t *testing.T) {
		accepted, rejected := state.ValidateEdit(poll, state.Role("superuser"), proposed, false)
		assert.True(t, accepted.IsEmpty())
		assert.Len(t, rejected, 2)
	})
}

func TestOptionEditFreezing(t *testing.T) {
	existing := []types.PollOption{
		{Label: "Pizza", Marker: "A"},
		{Label: "Sushi", Marker: "B"},
	}

	t.Run("free replacement while scheduled with no votes", func(t *testing.T) {
		poll := test.NewPoll(test.WithOptions(existing...))
		replacement := []types.PollOption{
			{Label: "Curry", Marker: "X"},
			{Label: "Ramen", Marker: "Y"},
		}
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &replacement}, false)
		assert.Empty(t, rejected)
		require.NotNil(t, accepted.Options)
		assert.Equal(t, replacement, *accepted.Options)
	})

	t.Run("votes freeze existing options", func(t *testing.T) {
		poll := test.NewPoll(test.WithOptions(existing...))
		replacement := []types.PollOption{
			{Label: "Curry", Marker: "X"},
			{Label: "Ramen", Marker: "Y"},
		}
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &replacement}, true)
		assert.Nil(t, accepted.Options)
		require.Len(t, rejected, 1)
		assert.Equal(t, state.FieldOptions, rejected[0].Field)
	})

	t.Run("append only while active", func(t *testing.T) {
		poll := test.NewPoll(test.WithStatus(types.PollStatusActive), test.WithOptions(existing...))
		appended := append(append([]types.PollOption{}, existing...), types.PollOption{Label: "Tacos", Marker: "C"})
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &appended}, true)
		assert.Empty(t, rejected)
		require.NotNil(t, accepted.Options)
		assert.Len(t, *accepted.Options, 3)
	})

	t.Run("reorder rejected while active", func(t *testing.T) {
		poll := test.NewPoll(test.WithStatus(types.PollStatusActive), test.WithOptions(existing...))
		reordered := []types.PollOption{existing[1], existing[0]}
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &reordered}, false)
		assert.Nil(t, accepted.Options)
		require.Len(t, rejected, 1)
	})

	t.Run("modification rejected once voted", func(t *testing.T) {
		poll := test.NewPoll(test.WithOptions(existing...))
		proposal := []types.PollOption{existing[0], {Label: "Swapped", Marker: "Q"}}
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &proposal}, true)
		assert.Nil(t, accepted.Options)
		require.Len(t, rejected, 1)
	})

	t.Run("append rejected while scheduled with votes", func(t *testing.T) {
		poll := test.NewPoll(test.WithOptions(existing...))
		appended := append(append([]types.PollOption{}, existing...), types.PollOption{Label: "Tacos", Marker: "C"})
		accepted, rejected := state.ValidateEdit(poll, state.RoleAdmin, &state.EditRequest{Options: &appended}, true)
		assert.Nil(t, accepted.Options)
		require.Len(t, rejected, 1)
	})
}
