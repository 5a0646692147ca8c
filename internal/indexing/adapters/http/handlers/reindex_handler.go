package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/contentindex/internal/indexing/app/service"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/reindex"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/response"
)

// Rebuilder runs index rebuilds inside the indexer process
type Rebuilder interface {
	StartReindex(opts reindex.Options) error
	ReindexStatus() service.RebuildStatus
}

// ReindexHandler lets managers rebuild an index while the indexer holds it
// open
type ReindexHandler struct {
	service Rebuilder
	logger  logger.Logger
}

func NewReindexHandler(service Rebuilder, logger logger.Logger) *ReindexHandler {
	return &ReindexHandler{service: service, logger: logger}
}

func (h *ReindexHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/reindex", h.Start).Methods("POST")
	router.HandleFunc("/admin/reindex", h.Status).Methods("GET")
	router.HandleFunc("/admin/reindex", methodNotAllowed("GET", "POST"))
}

// Start handles POST /admin/reindex with an optional body
// {"index": "", "clear": false, "progressive": false, "batch_size": 0}
func (h *ReindexHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !security.IsManager(r.Context()) {
		response.Error(w, response.ErrForbidden)
		return
	}

	var opts reindex.Options
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		response.ErrorWithMessage(w, http.StatusBadRequest, response.ErrBadRequest.Code, "invalid request body")
		return
	}

	err := h.service.StartReindex(opts)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrReindexRunning):
		response.ErrorWithMessage(w, http.StatusConflict, response.ErrConflict.Code, err.Error())
		return
	case errors.Is(err, model.ErrUnknownIndex):
		response.ErrorWithMessage(w, http.StatusNotFound, response.ErrNotFound.Code, err.Error())
		return
	default:
		// only option validation fails before the rebuild starts
		response.ErrorWithMessage(w, http.StatusBadRequest, response.ErrBadRequest.Code, err.Error())
		return
	}

	h.logger.Info("Reindex requested",
		"user", security.UserFrom(r.Context()).Marker(),
		"index", opts.Index,
		"clear", opts.Clear,
	)
	h.respondJSON(w, http.StatusAccepted, h.service.ReindexStatus())
}

// Status handles GET /admin/reindex
func (h *ReindexHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !security.IsManager(r.Context()) {
		response.Error(w, response.ErrForbidden)
		return
	}
	h.respondJSON(w, http.StatusOK, h.service.ReindexStatus())
}

func (h *ReindexHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}
