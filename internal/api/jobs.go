package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/queue"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// JobHandler exposes enqueue, job listing, queue metrics, and dead-letter
// operations.
type JobHandler struct {
	queue       *queue.Queue
	jobs        repositories.JobRepository
	deadLetters repositories.DeadLetterRepository
	logger      *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(q *queue.Queue, jobs repositories.JobRepository, deadLetters repositories.DeadLetterRepository, logger *zap.Logger) *JobHandler {
	return &JobHandler{queue: q, jobs: jobs, deadLetters: deadLetters, logger: logger}
}

// enqueueRequest is the body of POST /jobs.
type enqueueRequest struct {
	Queue          string         `json:"queue"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
	BackoffBaseMS  int            `json:"backoffBaseMs,omitempty"`
	DelayMS        int            `json:"delayMs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Enqueue handles POST /jobs.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Queue == "" || req.Type == "" {
		ErrBadRequest(w, "queue and type are required")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), req.Queue, req.Type, req.Payload, queue.EnqueueOptions{
		Priority:       req.Priority,
		Attempts:       req.Attempts,
		BackoffBaseMS:  req.BackoffBaseMS,
		Delay:          time.Duration(req.DelayMS) * time.Millisecond,
		UserID:         userFromCtx(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("enqueue failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, map[string]string{"jobId": jobID.String()})
}

// QueueMetrics handles GET /queues/{queue}/metrics.
func (h *JobHandler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	counts, err := h.queue.Metrics(r.Context(), queueName)
	if err != nil {
		h.logger.Error("queue metrics failed", zap.String("queue", queueName), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, counts)
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	jobs, total, err := h.jobs.List(r.Context(), userFromCtx(r.Context()), opts)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"jobs": jobs, "total": total})
}

// GetByID handles GET /jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get job", err)
		return
	}
	if job.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}
	Ok(w, job)
}

// ListDeadLetters handles GET /deadletters.
func (h *JobHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	entries, total, err := h.deadLetters.List(r.Context(), userFromCtx(r.Context()), opts)
	if err != nil {
		h.logger.Error("list dead letters failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"entries": entries, "total": total})
}

// ReplayDeadLetter handles POST /deadletters/{id}/replay: the original job
// returns to waiting with a fresh attempt budget and the entry is resolved.
func (h *JobHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entry, err := h.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get dead letter", err)
		return
	}
	if entry.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}
	if entry.ResolvedAt != nil {
		ErrConflict(w, "entry already resolved")
		return
	}

	if err := h.jobs.Requeue(r.Context(), entry.JobID); err != nil {
		respondRepoErr(w, h.logger, "requeue job", err)
		return
	}
	if err := h.deadLetters.Resolve(r.Context(), entry.ID, time.Now().UTC()); err != nil {
		h.logger.Error("resolve dead letter failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("dead letter replayed",
		zap.String("entry_id", entry.ID.String()),
		zap.String("job_id", entry.JobID.String()),
	)
	Ok(w, map[string]string{"jobId": entry.JobID.String()})
}

// PurgeDeadLetter handles DELETE /deadletters/{id}: the entry is resolved
// and its job becomes dead (terminal).
func (h *JobHandler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	entry, err := h.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get dead letter", err)
		return
	}
	if entry.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}
	if entry.ResolvedAt != nil {
		ErrConflict(w, "entry already resolved")
		return
	}

	if err := h.jobs.MarkDead(r.Context(), entry.JobID); err != nil && !errors.Is(err, repositories.ErrStale) {
		h.logger.Error("mark job dead failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.deadLetters.Resolve(r.Context(), entry.ID, time.Now().UTC()); err != nil {
		h.logger.Error("resolve dead letter failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------------

// listOptions reads limit/offset query parameters with sane bounds.
func listOptions(r *http.Request) repositories.ListOptions {
	limit := 50
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// pathID parses the {id} URL parameter. Writes a 400 and returns false on
// malformed IDs.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// respondRepoErr maps repository errors to HTTP responses.
func respondRepoErr(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, err.Error())
	default:
		logger.Error(op+" failed", zap.Error(err))
		ErrInternal(w)
	}
}
