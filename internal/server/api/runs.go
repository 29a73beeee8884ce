// Package api provides the HTTP API handlers of the run ledger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felippe-mendonca/dataset-creator/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// RunsHandler handles HTTP requests for run resources.
type RunsHandler struct {
	store *store.Store
}

// NewRunsHandler creates a new RunsHandler with the given store.
func NewRunsHandler(s *store.Store) *RunsHandler {
	return &RunsHandler{store: s}
}

// ServeHTTP routes /api/runs and /api/runs/{id}. The ledger is read only.
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/runs")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		h.list(w, r)
		return
	}
	h.get(w, r, path)
}

type runResponse struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Folder      string  `json:"folder"`
	Status      string  `json:"status"`
	GroupsTotal int     `json:"groups_total"`
	ItemsTotal  int     `json:"items_total"`
	Flushed     int     `json:"flushed"`
	Retries     int     `json:"retries"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

type groupResponse struct {
	GroupKey  string `json:"group_key"`
	Items     int    `json:"items"`
	Path      string `json:"path"`
	FlushedAt string `json:"flushed_at"`
}

type runDetailResponse struct {
	runResponse
	Groups []groupResponse `json:"groups"`
}

type listRunsResponse struct {
	Runs []runResponse `json:"runs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (h *RunsHandler) toResponse(run *store.Run) (runResponse, error) {
	flushed, err := h.store.Groups().CountByRun(run.ID)
	if err != nil {
		return runResponse{}, err
	}
	retries, err := h.store.Retries().CountByRun(run.ID)
	if err != nil {
		return runResponse{}, err
	}
	resp := runResponse{
		ID:          run.ID,
		Kind:        run.Kind,
		Folder:      run.Folder,
		Status:      string(run.Status),
		GroupsTotal: run.GroupsTotal,
		ItemsTotal:  run.ItemsTotal,
		Flushed:     flushed,
		Retries:     retries,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		f := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &f
	}
	return resp, nil
}

// list handles GET /api/runs?limit=N.
// @Summary List runs
// @Description List the most recent request runs, newest first, with their persisted group and retry counts
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs (default 20, at most 500)"
// @Success 200 {object} api.listRunsResponse "Recent runs"
// @Failure 400 {object} api.errorResponse "Invalid limit"
// @Failure 500 {object} api.errorResponse "Internal server error"
// @Router /runs [get]
func (h *RunsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	runs, err := h.store.Runs().ListRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := listRunsResponse{Runs: make([]runResponse, 0, len(runs))}
	for _, run := range runs {
		rr, err := h.toResponse(run)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count run progress")
			return
		}
		resp.Runs = append(resp.Runs, rr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// get handles GET /api/runs/{id}.
// @Summary Get run
// @Description Retrieve one run with every group it persisted
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} api.runDetailResponse "Run details"
// @Failure 404 {object} api.errorResponse "Run not found"
// @Failure 500 {object} api.errorResponse "Internal server error"
// @Router /runs/{id} [get]
func (h *RunsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	run, err := h.store.Runs().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	rr, err := h.toResponse(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count run progress")
		return
	}
	groups, err := h.store.Groups().ListByRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}

	resp := runDetailResponse{runResponse: rr, Groups: make([]groupResponse, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, groupResponse{
			GroupKey:  g.GroupKey,
			Items:     g.Items,
			Path:      g.Path,
			FlushedAt: g.FlushedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
