package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/uploadgate/uploadgate/internal/config"
	"github.com/uploadgate/uploadgate/internal/events"
	"github.com/uploadgate/uploadgate/internal/job"
	"github.com/uploadgate/uploadgate/internal/upload"
	"github.com/uploadgate/uploadgate/internal/webhook"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store     job.Store
	initiator *upload.Initiator
	receiver  *webhook.Receiver
	notifier  *webhook.Notifier
	hub       *events.Hub
	cfg       *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, in *upload.Initiator, rc *webhook.Receiver, no *webhook.Notifier, hub *events.Hub, cfg *config.Config) *Handler {
	return &Handler{store: store, initiator: in, receiver: rc, notifier: no, hub: hub, cfg: cfg}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/uploads", h.InitiateUpload)
	mux.HandleFunc("POST /api/v1/uploads/{id}/dispatch", h.DispatchWorker)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("POST /api/v1/webhooks/jobs", h.JobWebhook)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// InitiateUpload handles POST /api/v1/uploads: validates the proposed file,
// mints a presigned write URL and creates the job in pending state.
func (h *Handler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req upload.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The session layer in front of this service forwards the caller
	// identity; absent in development.
	owner := r.Header.Get("X-User-ID")
	if owner == "" {
		owner = "anonymous"
	}

	resp, err := h.initiator.Initiate(r.Context(), owner, req)
	if err != nil {
		var ve *upload.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to initiate upload")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// DispatchWorker handles POST /api/v1/uploads/{id}/dispatch. The client
// calls it after finishing the direct upload; the service then notifies
// the processing worker asynchronously with a signed request.
func (h *Handler) DispatchWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if h.cfg.WorkerURL == "" {
		writeError(w, http.StatusServiceUnavailable, "no worker configured")
		return
	}

	// Retries must survive this request but stop on server shutdown.
	h.notifier.Send(context.WithoutCancel(r.Context()), h.cfg.WorkerURL, webhook.Notification{
		JobID:       j.ID,
		Key:         j.Metadata[job.MetaStorageKey],
		FileName:    j.FileName,
		FileType:    j.FileType,
		CallbackURL: callbackURL(r),
	})

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": j.ID})
}

func callbackURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + "/api/v1/webhooks/jobs"
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
// Responses carry cache-busting headers so pollers always see fresh state.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "malformed job id")
		return
	}

	j, err := h.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.store.Delete(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// JobWebhook handles POST /api/v1/webhooks/jobs, the worker callback that
// drives job state transitions. Source gates run before the body is read.
func (h *Handler) JobWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.receiver.Authenticate(clientIP(r), r.Header.Get(webhook.SecretHeader)); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	j, err := h.receiver.Process(r.Context(), body)
	if err != nil {
		var ae *webhook.AuthError
		var ve *webhook.ValidationError
		switch {
		case errors.As(err, &ae):
			writeError(w, http.StatusUnauthorized, ae.Error())
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, job.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, job.ErrConflict):
			writeError(w, http.StatusConflict, "stale status transition refused")
		default:
			writeError(w, http.StatusInternalServerError, "failed to apply update")
		}
		return
	}

	h.hub.Publish(j)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   j.ID,
		"status":  j.Status,
	})
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
