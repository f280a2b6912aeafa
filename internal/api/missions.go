package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/mission"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// MissionHandler exposes mission submission and inspection.
type MissionHandler struct {
	launcher *mission.Launcher
	missions repositories.MissionRepository
	logger   *zap.Logger
}

// NewMissionHandler creates a MissionHandler.
func NewMissionHandler(launcher *mission.Launcher, missions repositories.MissionRepository, logger *zap.Logger) *MissionHandler {
	return &MissionHandler{launcher: launcher, missions: missions, logger: logger}
}

// Submit handles POST /missions. The body is the plan document itself.
func (h *MissionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var plan mission.Plan
	if !decodeJSON(w, r, &plan) {
		return
	}

	missionID, err := h.launcher.Launch(r.Context(), userFromCtx(r.Context()), &plan)
	if err != nil {
		if errors.Is(err, mission.ErrInvalidPlan) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("mission launch failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, map[string]string{"missionId": missionID.String()})
}

// missionView is the API shape of a mission: JSON documents are inlined
// rather than returned as strings.
type missionView struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Plan       json.RawMessage `json:"plan"`
	Result     json.RawMessage `json:"result"`
	Audit      json.RawMessage `json:"audit"`
	AgentCosts json.RawMessage `json:"agentCosts"`
	TotalCost  int64           `json:"totalCost"`
	TokensUsed int64           `json:"tokensUsed"`
	FailedStep string          `json:"failedStep,omitempty"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

// GetByID handles GET /missions/{id}, returning the mission with its full
// audit trail (step errors and skip reasons included).
func (h *MissionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.missions.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get mission", err)
		return
	}
	if m.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}

	Ok(w, missionView{
		ID:         m.ID.String(),
		Status:     string(m.Status),
		Plan:       rawOr(m.Plan, "{}"),
		Result:     rawOr(m.Result, "{}"),
		Audit:      rawOr(m.Audit, "[]"),
		AgentCosts: rawOr(m.AgentCosts, "{}"),
		TotalCost:  m.TotalCost,
		TokensUsed: m.TokensUsed,
		FailedStep: m.FailedStep,
		CreatedAt:  m.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:  m.UpdatedAt.UTC().Format(timeLayout),
	})
}

// List handles GET /missions.
func (h *MissionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	missions, total, err := h.missions.List(r.Context(), userFromCtx(r.Context()), opts)
	if err != nil {
		h.logger.Error("list missions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"missions": missions, "total": total})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// rawOr guards against empty JSON columns on rows that predate their first
// write: an empty json.RawMessage is not valid JSON and breaks marshaling.
func rawOr(s, fallback string) json.RawMessage {
	if s == "" {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(s)
}
