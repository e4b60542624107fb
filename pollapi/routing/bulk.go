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
	"github.com/element-hq/pollserver/pollapi/bulk"
	"github.com/element-hq/pollserver/pollapi/types"
)

type submitBulkRequest struct {
	Type          types.BulkOperationType `json:"type"`
	Actor         string                  `json:"actor"`
	TargetPollIDs []string                `json:"target_poll_ids"`
	Params        bulkParams              `json:"params"`
}

type bulkParams struct {
	NewCloseTime *time.Time `json:"new_close_time,omitempty"`
	ExtendBy     string     `json:"extend_by,omitempty"`
	ResetVotes   bool       `json:"reset_votes"`
}

func SubmitBulkOperation(req *http.Request, engine *bulk.Engine) util.JSONResponse {
	var r submitBulkRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	params := types.BulkParams{
		NewCloseTime: r.Params.NewCloseTime,
		ResetVotes:   r.Params.ResetVotes,
	}
	if r.Params.ExtendBy != "" {
		var err error
		if params.ExtendBy, err = time.ParseDuration(r.Params.ExtendBy); err != nil {
			return httputil.MessageResponse(http.StatusBadRequest, "invalid extend_by duration: "+err.Error())
		}
	}
	op, err := engine.Submit(req.Context(), r.Type, r.Actor, r.TargetPollIDs, params)
	if err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusAccepted,
		JSON: op,
	}
}

func GetBulkProgress(req *http.Request, engine *bulk.Engine, operationID string) util.JSONResponse {
	progress, err := engine.GetProgress(req.Context(), operationID)
	if err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: progress}
}

func CancelBulkOperation(req *http.Request, engine *bulk.Engine, operationID string) util.JSONResponse {
	if err := engine.Cancel(req.Context(), operationID); err != nil {
		return errorResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
