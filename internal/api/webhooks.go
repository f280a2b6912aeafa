package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpilot-io/gpilot/internal/db"
	"github.com/gpilot-io/gpilot/internal/repositories"
	"github.com/gpilot-io/gpilot/internal/webhooks"
)

// WebhookHandler exposes endpoint CRUD, secret rotation, and the delivery log.
type WebhookHandler struct {
	repo       repositories.WebhookRepository
	dispatcher *webhooks.Dispatcher
	logger     *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(repo repositories.WebhookRepository, dispatcher *webhooks.Dispatcher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{repo: repo, dispatcher: dispatcher, logger: logger}
}

// endpointView is the API shape of an endpoint. The secret is never returned.
type endpointView struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewOf(ep *db.WebhookEndpoint) endpointView {
	var events []string
	_ = json.Unmarshal([]byte(ep.Events), &events)
	if events == nil {
		events = []string{}
	}
	return endpointView{
		ID:        ep.ID.String(),
		URL:       ep.URL,
		Events:    events,
		IsActive:  ep.IsActive,
		CreatedAt: ep.CreatedAt,
	}
}

// endpointRequest is the body for endpoint create/update.
type endpointRequest struct {
	URL      string   `json:"url"`
	Secret   string   `json:"secret,omitempty"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"isActive,omitempty"`
}

// CreateEndpoint handles POST /webhooks/endpoints.
func (h *WebhookHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		ErrUnprocessable(w, "url must be an http(s) URL")
		return
	}
	if req.Secret == "" {
		ErrUnprocessable(w, "secret is required")
		return
	}
	if len(req.Events) == 0 {
		ErrUnprocessable(w, "at least one event type is required")
		return
	}

	events, _ := json.Marshal(req.Events)
	endpoint := &db.WebhookEndpoint{
		UserID:   userFromCtx(r.Context()),
		URL:      req.URL,
		Secret:   db.EncryptedString(req.Secret),
		Events:   string(events),
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if err := h.repo.CreateEndpoint(r.Context(), endpoint); err != nil {
		h.logger.Error("create endpoint failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, viewOf(endpoint))
}

// ListEndpoints handles GET /webhooks/endpoints.
func (h *WebhookHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.repo.ListEndpoints(r.Context(), userFromCtx(r.Context()))
	if err != nil {
		h.logger.Error("list endpoints failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]endpointView, 0, len(endpoints))
	for i := range endpoints {
		views = append(views, viewOf(&endpoints[i]))
	}
	Ok(w, views)
}

// UpdateEndpoint handles PATCH /webhooks/endpoints/{id}. Secrets rotate
// through the dedicated rotation endpoint, not here.
func (h *WebhookHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.ownedEndpoint(w, r)
	if !ok {
		return
	}

	var req endpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Secret != "" {
		ErrUnprocessable(w, "secrets change via the rotate endpoint")
		return
	}

	if req.URL != "" {
		if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
			ErrUnprocessable(w, "url must be an http(s) URL")
			return
		}
		endpoint.URL = req.URL
	}
	if req.Events != nil {
		events, _ := json.Marshal(req.Events)
		endpoint.Events = string(events)
	}
	if req.IsActive != nil {
		endpoint.IsActive = *req.IsActive
	}

	if err := h.repo.UpdateEndpoint(r.Context(), endpoint); err != nil {
		respondRepoErr(w, h.logger, "update endpoint", err)
		return
	}
	Ok(w, viewOf(endpoint))
}

// DeleteEndpoint handles DELETE /webhooks/endpoints/{id}.
func (h *WebhookHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.ownedEndpoint(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteEndpoint(r.Context(), endpoint.ID); err != nil {
		respondRepoErr(w, h.logger, "delete endpoint", err)
		return
	}
	NoContent(w)
}

// rotateRequest is the body for POST /webhooks/endpoints/{id}/rotate.
type rotateRequest struct {
	Secret string `json:"secret"`
}

// RotateSecret handles POST /webhooks/endpoints/{id}/rotate. Rotation is
// rate-limited to one per user per hour.
func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Secret == "" {
		ErrUnprocessable(w, "secret is required")
		return
	}

	err := h.dispatcher.RotateSecret(r.Context(), userFromCtx(r.Context()), id, req.Secret)
	if err != nil {
		if strings.Contains(err.Error(), "rate limited") {
			ErrTooManyRequests(w, err.Error())
			return
		}
		respondRepoErr(w, h.logger, "rotate secret", err)
		return
	}
	NoContent(w)
}

// ListDeliveries handles GET /webhooks/deliveries?endpointId=….
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	endpointID, err := uuid.Parse(r.URL.Query().Get("endpointId"))
	if err != nil {
		ErrBadRequest(w, "endpointId query parameter is required")
		return
	}

	endpoint, err := h.repo.GetEndpoint(r.Context(), endpointID)
	if err != nil {
		respondRepoErr(w, h.logger, "get endpoint", err)
		return
	}
	if endpoint.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return
	}

	opts := listOptions(r)
	deliveries, total, err := h.repo.ListDeliveries(r.Context(), endpointID, opts)
	if err != nil {
		h.logger.Error("list deliveries failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"deliveries": deliveries, "total": total})
}

// ownedEndpoint loads the endpoint in {id} and verifies caller ownership.
func (h *WebhookHandler) ownedEndpoint(w http.ResponseWriter, r *http.Request) (*db.WebhookEndpoint, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	endpoint, err := h.repo.GetEndpoint(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, "get endpoint", err)
		return nil, false
	}
	if endpoint.UserID != userFromCtx(r.Context()) {
		ErrNotFound(w)
		return nil, false
	}
	return endpoint, true
}
