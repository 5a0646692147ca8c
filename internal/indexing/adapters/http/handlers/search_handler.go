package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/query"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/response"
)

// maxLimit caps the limit parameter of a search request
const maxLimit = 100

// Searcher is the part of the index service the handler needs
type Searcher interface {
	Search(ctx context.Context, q string, opts ...query.Option) (*model.SearchResult, error)
	ObjectTypes(ctx context.Context, index string) ([]model.ObjectType, error)
}

type SearchHandler struct {
	service Searcher
	logger  logger.Logger
	// extras are query parameters forwarded to the search filter hooks
	extras []string
}

func NewSearchHandler(service Searcher, logger logger.Logger, extras ...string) *SearchHandler {
	return &SearchHandler{
		service: service,
		logger:  logger,
		extras:  extras,
	}
}

func (h *SearchHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/search", h.Search).Methods("GET")
	router.HandleFunc("/search/object-types", h.ObjectTypes).Methods("GET")
	router.HandleFunc("/search", methodNotAllowed("GET"))
	router.HandleFunc("/search/object-types", methodNotAllowed("GET"))
}

// methodNotAllowed answers requests whose path matched a route registered
// for other methods. It must be registered after those routes.
func methodNotAllowed(allowed ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		response.Error(w, response.ErrMethodNotAllowed)
	}
}

// Search handles GET /search?q=&type=&index=&facet=&prefix=&limit=
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	opts, apiErr := searchOptions(params)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}
	for _, name := range h.extras {
		if v := params.Get(name); v != "" {
			opts = append(opts, query.WithExtra(name, v))
		}
	}

	result, err := h.service.Search(r.Context(), params.Get("q"), opts...)
	if err != nil {
		h.respondServiceError(w, "Search failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ObjectTypes handles GET /search/object-types?index=
func (h *SearchHandler) ObjectTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.ObjectTypes(r.Context(), r.URL.Query().Get("index"))
	if err != nil {
		h.respondServiceError(w, "Failed to list object types", err)
		return
	}
	if types == nil {
		types = []model.ObjectType{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"object_types": types})
}

func searchOptions(params map[string][]string) ([]query.Option, *response.APIError) {
	get := func(key string) string {
		if v := params[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var opts []query.Option
	if index := get("index"); index != "" {
		opts = append(opts, query.InIndex(index))
	}
	if types := params["type"]; len(types) > 0 {
		opts = append(opts, query.ForTypes(types...))
	}

	if v := get("facet"); v != "" {
		facet, err := strconv.ParseBool(v)
		if err != nil {
			return nil, badRequest("facet", "must be a boolean")
		}
		if facet {
			opts = append(opts, query.FacetByType())
		}
	}
	if v := get("prefix"); v != "" {
		prefix, err := strconv.ParseBool(v)
		if err != nil {
			return nil, badRequest("prefix", "must be a boolean")
		}
		if !prefix {
			opts = append(opts, query.WithoutPrefix())
		}
	}
	if v := get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxLimit {
			return nil, badRequest("limit", "must be between 1 and "+strconv.Itoa(maxLimit))
		}
		opts = append(opts, query.WithLimit(limit))
	}
	return opts, nil
}

func badRequest(param, reason string) *response.APIError {
	return (&response.APIError{
		StatusCode: http.StatusBadRequest,
		Code:       response.ErrBadRequest.Code,
		Message:    "invalid parameter " + param,
	}).WithDetails(param, reason)
}

func (h *SearchHandler) respondServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, model.ErrQueryParse):
		response.ErrorWithMessage(w, http.StatusBadRequest, "QUERY_PARSE_ERROR", err.Error())
	case errors.Is(err, model.ErrUnknownIndex):
		response.ErrorWithMessage(w, http.StatusNotFound, response.ErrNotFound.Code, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, response.ErrServiceUnavailable)
	default:
		h.logger.Error(msg, "error", err)
		response.Error(w, response.ErrInternal)
	}
}

func (h *SearchHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}
