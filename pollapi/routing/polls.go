// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/pollserver/internal/httputil"
	internalutil "github.com/element-hq/pollserver/internal/util"
	pollapi "github.com/element-hq/pollserver/pollapi/internal"
	"github.com/element-hq/pollserver/pollapi/state"
	"github.com/element-hq/pollserver/pollapi/types"
)

// createPollRequest accepts either absolute RFC3339 instants or local
// wall-clock times with an IANA zone. Local times win if both are given.
type createPollRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	OpenTime        *time.Time         `json:"open_time,omitempty"`
	CloseTime       *time.Time         `json:"close_time,omitempty"`
	LocalOpenTime   string             `json:"local_open_time,omitempty"`
	LocalCloseTime  string             `json:"local_close_time,omitempty"`
	Timezone        string             `json:"timezone,omitempty"`
	Options         []types.PollOption `json:"options"`
	MultipleChoice  bool               `json:"multiple_choice"`
	MaxChoices      int                `json:"max_choices"`
	Anonymous       bool               `json:"anonymous"`
	CreatedBy       string             `json:"created_by"`
	OpenImmediately bool               `json:"open_immediately"`
}

type pollResponse struct {
	Poll    *types.Poll   `json:"poll"`
	Results types.Results `json:"results,omitempty"`
	Warning string        `json:"warning,omitempty"`
}

func CreatePoll(req *http.Request, lifecycle *pollapi.LifecycleService) util.JSONResponse {
	var r createPollRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	create := &pollapi.CreatePollRequest{
		Name:            r.Name,
		Description:     r.Description,
		Timezone:        r.Timezone,
		Options:         r.Options,
		MultipleChoice:  r.MultipleChoice,
		MaxChoices:      r.MaxChoices,
		Anonymous:       r.Anonymous,
		CreatedBy:       r.CreatedBy,
		OpenImmediately: r.OpenImmediately,
	}
	switch {
	case r.LocalOpenTime != "" || r.LocalCloseTime != "":
		if err := internalutil.ValidateTimezone(r.Timezone); err != nil {
			return httputil.MessageResponse(http.StatusBadRequest, err.Error())
		}
		if r.LocalOpenTime != "" {
			openTime, err := internalutil.ResolveLocalTime(r.LocalOpenTime, r.Timezone)
			if err != nil {
				return httputil.MessageResponse(http.StatusBadRequest, err.Error())
			}
			create.OpenTime = openTime
		}
		closeTime, err := internalutil.ResolveLocalTime(r.LocalCloseTime, r.Timezone)
		if err != nil {
			return httputil.MessageResponse(http.StatusBadRequest, err.Error())
		}
		create.CloseTime = closeTime
	case r.CloseTime != nil:
		if r.Timezone != "" {
			if err := internalutil.ValidateTimezone(r.Timezone); err != nil {
				return httputil.MessageResponse(http.StatusBadRequest, err.Error())
			}
		}
		if r.OpenTime != nil {
			create.OpenTime = *r.OpenTime
		}
		create.CloseTime = *r.CloseTime
	default:
		return httputil.MessageResponse(http.StatusBadRequest, "open_time and close_time (or their local equivalents with a timezone) are required")
	}
	if create.OpenTime.IsZero() && !r.OpenImmediately {
		return httputil.MessageResponse(http.StatusBadRequest, "open_time is required unless open_immediately is set")
	}

	poll, err := lifecycle.CreatePoll(req.Context(), create)
	if err != nil && !types.IsNotificationError(err) {
		return errorResponse(req, err)
	}
	resp := pollResponse{Poll: poll}
	if err != nil {
		resp.Warning = err.Error()
	}
	return util.JSONResponse{
		Code: http.StatusCreated,
		JSON: resp,
	}
}

func ListPolls(req *http.Request, lifecycle *pollapi.LifecycleService) util.JSONResponse {
	status := types.PollStatus(req.URL.Query().Get("status"))
	if !types.KnownPollStatus(status) {
		return httputil.MessageResponse(http.StatusBadRequest, "a valid status query parameter is required")
	}
	polls, err := lifecycle.ListPolls(req.Context(), status)
	if err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			Polls []*types.Poll `json:"polls"`
		}{Polls: polls},
	}
}

func GetPoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	poll, results, err := lifecycle.GetResults(req.Context(), pollID)
	if err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: pollResponse{Poll: poll, Results: results},
	}
}

// transitionResponse reports a committed transition, carrying a warning when
// the external notification failed afterwards.
func transitionResponse(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string, err error) util.JSONResponse {
	if err != nil && !types.IsNotificationError(err) {
		return errorResponse(req, err)
	}
	resp := pollResponse{}
	if err != nil {
		resp.Warning = err.Error()
	}
	poll, getErr := lifecycle.GetPoll(req.Context(), pollID)
	if getErr != nil {
		return errorResponse(req, getErr)
	}
	resp.Poll = poll
	return util.JSONResponse{Code: http.StatusOK, JSON: resp}
}

func OpenPoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	err := lifecycle.OpenPoll(req.Context(), pollID, types.ReasonManual)
	return transitionResponse(req, lifecycle, pollID, err)
}

func ClosePoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	err := lifecycle.ClosePoll(req.Context(), pollID, types.ReasonManual)
	return transitionResponse(req, lifecycle, pollID, err)
}

type reopenPollRequest struct {
	NewCloseTime *time.Time `json:"new_close_time,omitempty"`
	ExtendBy     string     `json:"extend_by,omitempty"`
	ResetVotes   bool       `json:"reset_votes"`
}

func ReopenPoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	var r reopenPollRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	var extendBy time.Duration
	if r.ExtendBy != "" {
		var err error
		if extendBy, err = time.ParseDuration(r.ExtendBy); err != nil {
			return httputil.MessageResponse(http.StatusBadRequest, "invalid extend_by duration: "+err.Error())
		}
	}
	err := lifecycle.ReopenPoll(req.Context(), pollID, r.NewCloseTime, extendBy, r.ResetVotes, types.ReasonManual)
	return transitionResponse(req, lifecycle, pollID, err)
}

type editPollRequest struct {
	Role    state.Role        `json:"role"`
	Changes state.EditRequest `json:"changes"`
}

type editPollResponse struct {
	Poll     *types.Poll           `json:"poll"`
	Rejected []state.RejectedField `json:"rejected_fields,omitempty"`
	Warning  string                `json:"warning,omitempty"`
}

func EditPoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	var r editPollRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	result, err := lifecycle.EditPoll(req.Context(), pollID, r.Role, &r.Changes)
	if err != nil && !types.IsNotificationError(err) {
		return errorResponse(req, err)
	}
	resp := editPollResponse{Poll: result.Poll, Rejected: result.Rejected}
	if err != nil {
		resp.Warning = err.Error()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: resp}
}

func DeletePoll(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	err := lifecycle.DeletePoll(req.Context(), pollID)
	if err != nil && !types.IsNotificationError(err) {
		return errorResponse(req, err)
	}
	resp := struct {
		Warning string `json:"warning,omitempty"`
	}{}
	if err != nil {
		resp.Warning = err.Error()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: resp}
}

type castVoteRequest struct {
	VoterID       string `json:"voter_id"`
	OptionIndices []int  `json:"option_indices"`
}

func CastVote(req *http.Request, lifecycle *pollapi.LifecycleService, pollID string) util.JSONResponse {
	var r castVoteRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if err := lifecycle.CastVote(req.Context(), pollID, r.VoterID, r.OptionIndices); err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
