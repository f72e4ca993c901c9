// Package handlers implements the control API endpoints over the job queue.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/regenrek/moltlets/internal/errors"
	"github.com/regenrek/moltlets/pkg/jobqueue"
)

// ProtocolVersion is the enqueue protocol understood by this server.
const ProtocolVersion = 1

// Jobs serves the /v1/jobs endpoints.
type Jobs struct {
	Queue  *jobqueue.Queue
	Logger *zap.Logger
}

// EnqueueRequest is the POST /v1/jobs/enqueue body.
type EnqueueRequest struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Requester       string          `json:"requester"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`

	// RunAt optionally delays the job, RFC 3339. A malformed value is
	// treated as "run immediately" rather than rejected; clients that
	// care should send a well-formed timestamp.
	RunAt string `json:"runAt,omitempty"`
}

// EnqueueResponse is the enqueue success body.
type EnqueueResponse struct {
	JobID string `json:"jobId"`
}

// Enqueue handles POST /v1/jobs/enqueue.
func (h *Jobs) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.Validation(w, r, "malformed JSON body: "+err.Error())
		return
	}

	var runAt time.Time
	if req.RunAt != "" {
		if parsed, err := time.Parse(time.RFC3339, req.RunAt); err == nil {
			runAt = parsed
		}
	}

	jobID, err := h.Queue.Enqueue(r.Context(), jobqueue.EnqueueParams{
		Kind:      req.Kind,
		Requester: req.Requester,
		Payload:   req.Payload,
		RunAt:     runAt,
	})
	if err != nil {
		var validationErr *jobqueue.ValidationError
		if errors.As(err, &validationErr) || errors.Is(err, jobqueue.ErrUnknownKind) {
			apperrors.Validation(w, r, err.Error())
			return
		}
		h.Logger.Error("enqueue failed", zap.Error(err))
		apperrors.Internal(w, r, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusOK, EnqueueResponse{JobID: jobID})
}

// Get handles GET /v1/jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.Queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobqueue.ErrNotFound) {
			apperrors.NotFound(w, r, "job not found: "+jobID)
			return
		}
		h.Logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		apperrors.Internal(w, r, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// List handles GET /v1/jobs?status=a,b&kind=k&limit=n.
// Unrecognized status values in the filter are ignored rather than rejected.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	filter := jobqueue.ListFilter{Kind: r.URL.Query().Get("kind")}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobqueue.Status(strings.TrimSpace(part))
			if status.Valid() {
				filter.Statuses = append(filter.Statuses, status)
			}
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	jobs, err := h.Queue.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error("list jobs failed", zap.Error(err))
		apperrors.Internal(w, r, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Cancel handles POST /v1/jobs/{id}/cancel. Only queued jobs are cancelable;
// a claimed job may already have caused an irreversible side effect.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	err := h.Queue.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"canceled": true})
	case errors.Is(err, jobqueue.ErrNotFound):
		apperrors.NotFound(w, r, "job not found: "+jobID)
	case errors.Is(err, jobqueue.ErrConflict):
		apperrors.Conflict(w, r, "job is not cancelable: already claimed or terminal")
	default:
		h.Logger.Error("cancel failed", zap.String("job_id", jobID), zap.Error(err))
		apperrors.Internal(w, r, "cancel failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
