// Package api provides the HTTP API handlers and routing for the PCE service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"pce/internal/apperrors"
	"pce/internal/health"
	"pce/internal/job"
	"pce/internal/module"
	"strconv"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Response is the envelope of every API response.
type Response struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	URL           string `json:"url"`
	Reason        string `json:"reason,omitempty"`
	Field         string `json:"field,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// Handler contains HTTP handlers for the PCE API
type Handler struct {
	modules *module.Orchestrator
	jobs    *job.Orchestrator
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(modules *module.Orchestrator, jobs *job.Orchestrator, healthChecker *health.Checker) *Handler {
	return &Handler{
		modules: modules,
		jobs:    jobs,
		health:  healthChecker,
	}
}

// ListModules handles GET /v1/modules. The state query parameter may be
// repeated or comma separated.
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	var states []module.State
	for _, raw := range r.URL.Query()["state"] {
		for _, s := range strings.Split(raw, ",") {
			state := module.State(strings.TrimSpace(s))
			if !state.Valid() {
				h.handleError(w, r, apperrors.Validation("state", fmt.Sprintf("unknown module state %q", s)))
				return
			}
			states = append(states, state)
		}
	}

	views, err := h.modules.List(r.Context(), states...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, fmt.Sprintf("%d modules", len(views)), views)
}

// GetModule handles GET /v1/modules/{modId}
func (h *Handler) GetModule(w http.ResponseWriter, r *http.Request) {
	modID, err := pathID(r, "modId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.modules.Get(r.Context(), modID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(v.State), v)
}

// InstallModule handles POST /v1/modules
func (h *Handler) InstallModule(w http.ResponseWriter, r *http.Request) {
	var req module.InstallRequest
	if err := decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.modules.Install(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, string(v.State), v)
}

// DeployModule handles POST /v1/modules/{modId}/deploy
func (h *Handler) DeployModule(w http.ResponseWriter, r *http.Request) {
	modID, err := pathID(r, "modId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.modules.Deploy(r.Context(), modID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(v.State), v)
}

// MarkModuleReady handles POST /v1/modules/{modId}/ready
func (h *Handler) MarkModuleReady(w http.ResponseWriter, r *http.Request) {
	modID, err := pathID(r, "modId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.modules.MarkReady(r.Context(), modID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(v.State), v)
}

// DeleteModule handles DELETE /v1/modules/{modId}
func (h *Handler) DeleteModule(w http.ResponseWriter, r *http.Request) {
	modID, err := pathID(r, "modId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.modules.Delete(r.Context(), modID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(res), map[string]any{"mod_id": modID, "result": res})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	views, err := h.jobs.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, fmt.Sprintf("%d jobs", len(views)), views)
}

// GetJob handles GET /v1/jobs/{jobId}. The job is refreshed against the
// scheduler before it is returned.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "jobId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(v.State), v)
}

// LaunchJob handles POST /v1/jobs
func (h *Handler) LaunchJob(w http.ResponseWriter, r *http.Request) {
	var req job.LaunchRequest
	if err := decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	v, err := h.jobs.Launch(r.Context(), req)
	if err != nil {
		// A refused launch still has a record worth returning.
		if v.JobID != 0 {
			h.writeErrorData(w, r, err, v)
			return
		}
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, string(v.State), v)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "jobId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.jobs.Delete(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, string(res), map[string]any{"job_id": jobID, "result": res})
}

// GetJobFile handles GET /v1/jobs/{jobId}/files/{path...}
func (h *Handler) GetJobFile(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "jobId")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	path, err := h.jobs.FilePath(r.Context(), jobID, r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeRaw(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the state directory or the scheduler is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeRaw(w, status, response)
}

func pathID(r *http.Request, name string) (int, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return 0, apperrors.Validation(name, name+" is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation(name, name+" must be a positive integer")
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Validation("body", "Invalid request body: "+err.Error())
	}
	return nil
}

// writeJSON writes a successful enveloped response
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	h.writeRaw(w, status, Response{
		StatusCode:    status,
		StatusMessage: message,
		URL:           r.URL.Path,
		Data:          data,
	})
}

// writeRaw writes a JSON response
func (h *Handler) writeRaw(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles errors from the orchestrators with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorData(w, r, err, nil)
}

func (h *Handler) writeErrorData(w http.ResponseWriter, r *http.Request, err error, data any) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := Response{
		StatusCode:    status,
		StatusMessage: err.Error(),
		URL:           r.URL.Path,
		Data:          data,
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Reason = appErr.Reason
		resp.Field = appErr.Field
	}
	h.writeRaw(w, status, resp)
}
