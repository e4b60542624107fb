// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing exposes the admin HTTP API. Handlers translate between the
// JSON wire format and the lifecycle service; no poll logic lives here.
package routing

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/pollserver/internal/httputil"
	"github.com/element-hq/pollserver/pollapi/bulk"
	pollapi "github.com/element-hq/pollserver/pollapi/internal"
	"github.com/element-hq/pollserver/pollapi/types"
	"github.com/element-hq/pollserver/setup/config"
)

// Setup registers all poll API routes on the given router.
func Setup(
	router *mux.Router,
	cfg *config.PollAPI,
	lifecycle *pollapi.LifecycleService,
	engine *bulk.Engine,
	rateLimits *httputil.RateLimits,
) {
	v1 := router.PathPrefix("/pollserver/v1").Subrouter()

	v1.Handle("/polls",
		httputil.MakeServiceAPI("create_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			return CreatePoll(req, lifecycle)
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/polls",
		httputil.MakeServiceAPI("list_polls", rateLimits, func(req *http.Request) util.JSONResponse {
			return ListPolls(req, lifecycle)
		}),
	).Methods(http.MethodGet, http.MethodOptions)

	v1.Handle("/polls/{pollID}",
		httputil.MakeServiceAPI("get_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return GetPoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodGet, http.MethodOptions)

	v1.Handle("/polls/{pollID}",
		httputil.MakeServiceAPI("edit_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return EditPoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodPut, http.MethodOptions)

	v1.Handle("/polls/{pollID}",
		httputil.MakeServiceAPI("delete_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return DeletePoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodDelete, http.MethodOptions)

	v1.Handle("/polls/{pollID}/open",
		httputil.MakeServiceAPI("open_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return OpenPoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/polls/{pollID}/close",
		httputil.MakeServiceAPI("close_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return ClosePoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/polls/{pollID}/reopen",
		httputil.MakeServiceAPI("reopen_poll", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return ReopenPoll(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/polls/{pollID}/votes",
		httputil.MakeServiceAPI("cast_vote", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return CastVote(req, lifecycle, vars["pollID"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/bulk",
		httputil.MakeServiceAPI("submit_bulk", rateLimits, func(req *http.Request) util.JSONResponse {
			return SubmitBulkOperation(req, engine)
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	v1.Handle("/bulk/{operationID}",
		httputil.MakeServiceAPI("bulk_progress", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return GetBulkProgress(req, engine, vars["operationID"])
		}),
	).Methods(http.MethodGet, http.MethodOptions)

	v1.Handle("/bulk/{operationID}/cancel",
		httputil.MakeServiceAPI("cancel_bulk", rateLimits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return CancelBulkOperation(req, engine, vars["operationID"])
		}),
	).Methods(http.MethodPost, http.MethodOptions)
}

// errorResponse maps the lifecycle error taxonomy onto HTTP statuses. A
// NotificationError is not mapped here: the transition committed, so handlers
// return success with a warning instead.
func errorResponse(req *http.Request, err error) util.JSONResponse {
	switch {
	case errors.Is(err, types.ErrPollNotFound), errors.Is(err, types.ErrOperationNotFound):
		return httputil.MessageResponse(http.StatusNotFound, err.Error())
	case types.IsValidationError(err):
		return httputil.MessageResponse(http.StatusBadRequest, err.Error())
	case types.IsPreconditionError(err):
		return httputil.MessageResponse(http.StatusConflict, err.Error())
	case errors.Is(err, bulk.ErrTooManyOperations):
		return httputil.MessageResponse(http.StatusTooManyRequests, err.Error())
	default:
		util.GetLogger(req.Context()).WithError(err).Error("Request failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: httputil.ErrorResponse{Error: "internal server error"},
		}
	}
}
