package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
)

// validAlertConditions is the closed set of rule comparison operators.
var validAlertConditions = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true, "eq": true,
}

// AlertHandler exposes alert rule CRUD and the firing history.
type AlertHandler struct {
	alerts repositories.AlertRepository
	logger *zap.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts repositories.AlertRepository, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger}
}

// ruleRequest is the body for rule create/update.
type ruleRequest struct {
	Name          string   `json:"name"`
	Metric        string   `json:"metric"`
	Condition     string   `json:"condition"`
	Threshold     float64  `json:"threshold"`
	WindowMinutes int      `json:"windowMinutes,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	WebhookIDs    []string `json:"webhookIds,omitempty"`
	IsActive      *bool    `json:"isActive,omitempty"`
}

func (req *ruleRequest) validate() string {
	if req.Name == "" || req.Metric == "" {
		return "name and metric are required"
	}
	if !validAlertConditions[req.Condition] {
		return "condition must be one of gt, gte, lt, lte, eq"
	}
	return ""
}

// CreateRule handles POST /alerts/rules.
func (h *AlertHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}

	channels, _ := json.Marshal(orEmpty(req.Channels))
	webhookIDs, _ := json.Marshal(orEmpty(req.WebhookIDs))

	rule := &db.AlertRule{
		UserID:        userFromCtx(r.Context()),
		Name:          req.Name,
		Metric:        req.Metric,
		Condition:     req.Condition,
		Threshold:     req.Threshold,
		WindowMinutes: defaultWindow(req.WindowMinutes),
		Channels:      string(channels),
		WebhookIDs:    string(webhookIDs),
		IsActive:      req.IsActive == nil || *req.IsActive,
	}
	if err := h.alerts.CreateRule(r.Context(), rule); err != nil {
		h.logger.Error("create rule failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, rule)
}

// ListRules handles GET /alerts/rules.
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.alerts.ListRules(r.Context(), userFromCtx(r.Context()))
	if err != nil {
		h.logger.Error("list rules failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, rules)
}

// UpdateRule handles PATCH /alerts/rules/{id}. The evaluator owns is_firing;
// this endpoint never touches it.
func (h *AlertHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.alerts.GetRule(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get rule", err)
		return
	}
	if rule.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}

	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		ErrUnprocessable(w, msg)
		return
	}

	channels, _ := json.Marshal(orEmpty(req.Channels))
	webhookIDs, _ := json.Marshal(orEmpty(req.WebhookIDs))

	rule.Name = req.Name
	rule.Metric = req.Metric
	rule.Condition = req.Condition
	rule.Threshold = req.Threshold
	rule.WindowMinutes = defaultWindow(req.WindowMinutes)
	rule.Channels = string(channels)
	rule.WebhookIDs = string(webhookIDs)
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := h.alerts.UpdateRule(r.Context(), rule); err != nil {
		respondRepoErr(w, h.logger, "update rule", err)
		return
	}
	Ok(w, rule)
}

// DeleteRule handles DELETE /alerts/rules/{id}.
func (h *AlertHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.alerts.GetRule(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get rule", err)
		return
	}
	if rule.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}
	if err := h.alerts.DeleteRule(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, "delete rule", err)
		return
	}
	NoContent(w)
}

// ListFirings handles GET /alerts/firings.
func (h *AlertHandler) ListFirings(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	firings, total, err := h.alerts.ListFirings(r.Context(), userFromCtx(r.Context()), opts)
	if err != nil {
		h.logger.Error("list firings failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"firings": firings, "total": total})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func defaultWindow(minutes int) int {
	if minutes <= 0 {
		return 5
	}
	return minutes
}
