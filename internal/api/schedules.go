package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/mission"
	"github.com/gpilot-io/gpilot/internal/repositories"
	"github.com/gpilot-io/gpilot/internal/schedule"
)

// ScheduleHandler exposes recurring-schedule CRUD and manual triggering.
type ScheduleHandler struct {
	schedules repositories.ScheduleRepository
	runner    *schedule.Scheduler
	logger    *zap.Logger
}

// NewScheduleHandler creates a ScheduleHandler.
func NewScheduleHandler(schedules repositories.ScheduleRepository, runner *schedule.Scheduler, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, runner: runner, logger: logger}
}

// scheduleRequest is the body for schedule create/update.
type scheduleRequest struct {
	Name    string        `json:"name"`
	Cron    string        `json:"cron"`
	Plan    *mission.Plan `json:"plan"`
	Enabled *bool         `json:"enabled,omitempty"`
}

// Create handles POST /schedules. The plan template is validated up front so
// a schedule can never tick into a ValidationError.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Cron == "" || req.Plan == nil {
		ErrUnprocessable(w, "name, cron and plan are required")
		return
	}
	if err := req.Plan.Validate(); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	planJSON, _ := json.Marshal(req.Plan)
	now := time.Now().UTC()
	next := schedule.NextRun(req.Cron, now)
	sched := &db.Schedule{
		UserID:    userFromCtx(r.Context()),
		Name:      req.Name,
		CronExpr:  req.Cron,
		Plan:      string(planJSON),
		Enabled:   req.Enabled == nil || *req.Enabled,
		NextRunAt: &next,
	}
	if err := h.schedules.Create(r.Context(), sched); err != nil {
		h.logger.Error("create schedule failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if sched.Enabled {
		if err := h.runner.Add(sched); err != nil {
			h.logger.Error("register schedule failed", zap.Error(err))
		}
	}
	Created(w, sched)
}

// List handles GET /schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.ListByUser(r.Context(), userFromCtx(r.Context()))
	if err != nil {
		h.logger.Error("list schedules failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, schedules)
}

// Update handles PATCH /schedules/{id}.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name != "" {
		sched.Name = req.Name
	}
	if req.Cron != "" {
		sched.CronExpr = req.Cron
		next := schedule.NextRun(req.Cron, time.Now().UTC())
		sched.NextRunAt = &next
	}
	if req.Plan != nil {
		if err := req.Plan.Validate(); err != nil {
			ErrUnprocessable(w, err.Error())
			return
		}
		planJSON, _ := json.Marshal(req.Plan)
		sched.Plan = string(planJSON)
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if err := h.schedules.Update(r.Context(), sched); err != nil {
		respondRepoErr(w, h.logger, "update schedule", err)
		return
	}
	if err := h.runner.Update(sched); err != nil {
		h.logger.Error("reschedule failed", zap.Error(err))
	}
	Ok(w, sched)
}

// Delete handles DELETE /schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), sched.ID); err != nil {
		respondRepoErr(w, h.logger, "delete schedule", err)
		return
	}
	h.runner.Remove(sched.ID)
	NoContent(w)
}

// Trigger handles POST /schedules/{id}/trigger.
func (h *ScheduleHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.runner.TriggerNow(r.Context(), sched.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("trigger schedule failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *ScheduleHandler) owned(w http.ResponseWriter, r *http.Request) (*db.Schedule, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	sched, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get schedule", err)
		return nil, false
	}
	if sched.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return nil, false
	}
	return sched, true
}
