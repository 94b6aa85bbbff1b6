// Copyright 2021-2022 The ranger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ranger/bus"
	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// StatsReader reads the router counters
type StatsReader interface {
	// Stats fetch the router counters
	Stats(ctxt context.Context) (ranger.RouterStats, error)
}

// ReadinessCheck reports whether the gateway can serve traffic
type ReadinessCheck func() (bool, error)

// APIRestRangerAdminHandler REST handler for gateway administration
type APIRestRangerAdminHandler struct {
	goutils.RestAPIHandler
	exchange  string
	stats     StatsReader
	publisher bus.Publisher
	ready     ReadinessCheck
	validate  *validator.Validate
}

// GetAPIRestRangerAdminHandler define APIRestRangerAdminHandler
func GetAPIRestRangerAdminHandler(
	exchange string,
	stats StatsReader,
	publisher bus.Publisher,
	ready ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestRangerAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "ranger-admin",
		"instance":  exchange,
	}
	return APIRestRangerAdminHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		exchange:  exchange,
		stats:     stats,
		publisher: publisher,
		ready:     ready,
		validate:  validator.New(),
	}, nil
}

// RegisterRoutes attach the admin API to a router under pathPrefix
func (h APIRestRangerAdminHandler) RegisterRoutes(parent *mux.Router, pathPrefix string) *mux.Router {
	mainRouter := RegisterPathPrefix(parent, pathPrefix, nil)
	adminRouter := RegisterPathPrefix(mainRouter, "/v1/admin", nil)

	_ = RegisterPathPrefix(adminRouter, "/stats", map[string]http.HandlerFunc{
		"get": h.RouterStatsHandler(),
	})
	_ = RegisterPathPrefix(
		adminRouter, "/event/{scope}/{id}/{event}", map[string]http.HandlerFunc{
			"post": h.PublishEventHandler(),
		},
	)

	// Health check
	_ = RegisterPathPrefix(adminRouter, "/alive", map[string]http.HandlerFunc{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(adminRouter, "/ready", map[string]http.HandlerFunc{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}

// Write logging support
func (h APIRestRangerAdminHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Router stats

// APIRestRespRouterStats response for router stats
type APIRestRespRouterStats struct {
	goutils.RestAPIBaseResponse
	// Stats are the router counters
	Stats ranger.RouterStats `json:"stats" validate:"required"`
}

// RouterStats godoc
// @Summary Fetch router stats
// @Description Fetch the connection, subscription, store and delivery counters of the router
// @tags Admin
// @Produce json
// @Param Ranger-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRouterStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Ranger-Request-ID "Request ID to match against logs"
// @Router /v1/admin/stats [get]
func (h APIRestRangerAdminHandler) RouterStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		msg := "Unable to read router stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRouterStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: stats,
	}
}

// RouterStatsHandler Wrapper around RouterStats
func (h APIRestRangerAdminHandler) RouterStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RouterStats(w, r)
	}
}

// =======================================================================
// Event publish

// PublishEvent godoc
// @Summary Publish an event
// @Description Publish a JSON event onto the bus exchange under routing key "scope.id.event"
// @tags Admin
// @Accept json
// @Produce json
// @Param Ranger-Request-ID header string false "User provided request ID to match against logs"
// @Param scope path string true "Event scope: public or private"
// @Param id path string true "Market / object ID, or user ID for private events"
// @Param event path string true "Event name"
// @Param payload body string true "JSON event payload"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Ranger-Request-ID "Request ID to match against logs"
// @Router /v1/admin/event/{scope}/{id}/{event} [post]
func (h APIRestRangerAdminHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	key := common.RoutingKey{Type: vars["scope"], ID: vars["id"], Event: vars["event"]}
	if err := key.Validate(h.validate); err != nil {
		msg := "Invalid routing key"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if !json.Valid(payload) {
		msg := "Event payload is not JSON"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.publisher.Publish(
		r.Context(), h.exchange, key.Type, key.ID, key.Event, json.RawMessage(payload),
	); err != nil {
		msg := "Failed to publish event"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, key)
		respCode = http.StatusInternalServerError
		if errors.Is(err, common.ErrInvalidRoutingKey) {
			respCode = http.StatusBadRequest
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestRangerAdminHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For admin REST API liveness check
// @Description Will return success to indicate the gateway is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestRangerAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRangerAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For admin REST API readiness check
// @Description Will return success if the gateway is connected to the bus
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestRangerAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready, err := h.ready()
	switch {
	case err != nil:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	case !ready:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRangerAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
