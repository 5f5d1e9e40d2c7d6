package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/circuitbreaker"
	"github.com/lumenhq/pulse/internal/db"
	"github.com/lumenhq/pulse/internal/router"
)

// NotificationStore defines the database operations the API surface needs.
type NotificationStore interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	ListChannelAttempts(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryAttempt, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) error
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
	GetPreference(ctx context.Context, userID uuid.UUID, notifType string, defaults db.NotificationPreference) (*db.NotificationPreference, error)
	UpdatePreference(ctx context.Context, pref *db.NotificationPreference) error
}

// EventRouter routes ingested events; implemented by the router package.
type EventRouter interface {
	Route(ctx context.Context, ev *router.Event) (*router.RouteResult, error)
}

// GatewayStatus exposes the live-connection view of this instance.
type GatewayStatus interface {
	LocalConnectionCount() int
	InstanceID() string
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	store    NotificationStore
	router   EventRouter
	breakers *circuitbreaker.Registry
	gateway  GatewayStatus
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store NotificationStore, eventRouter EventRouter, breakers *circuitbreaker.Registry, gateway GatewayStatus) *Handler {
	return &Handler{
		logger:   logger,
		store:    store,
		router:   eventRouter,
		breakers: breakers,
		gateway:  gateway,
	}
}

// IngestEvent handles POST /v1/events. This is the service-to-service ingest
// surface: upstream systems submit occurrences here and the router decides
// persistence and fan-out.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev router.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if ev.RecipientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id is required")
		return
	}
	if _, err := router.Lookup(ev.Type); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown type",
			"type must be one of: message, application_status, mentorship_request, system")
		return
	}
	if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	result, err := h.router.Route(ctx, &ev)
	if err != nil {
		h.logger.Error("failed to route event",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("recipient_id", ev.RecipientID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "routing_error", "Failed to route event", "")
		return
	}

	status := http.StatusAccepted
	if result.Suppressed {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// ListNotifications handles GET /v1/notifications?limit=20&offset=0 for the
// authenticated user.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.store.ListNotificationsByRecipient(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	if notifications == nil {
		notifications = []*db.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.store.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	// Recipients only see their own notifications.
	if notif.RecipientID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListNotificationAttempts handles GET /v1/notifications/{id}/attempts
func (h *Handler) ListNotificationAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.store.GetNotification(ctx, notifID)
	if err != nil || notif.RecipientID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	attempts, err := h.store.ListChannelAttempts(ctx, notifID)
	if err != nil {
		h.logger.Error("failed to list channel attempts",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list attempts", "")
		return
	}

	if attempts == nil {
		attempts = []*db.DeliveryAttempt{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  attempts,
		"count": len(attempts),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.store.MarkRead(ctx, notifID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark read", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    idStr,
		"state": db.StateRead,
	})
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	count, err := h.store.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"unread": count})
}

// GetPreference handles GET /v1/preferences/{type}
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	notifType := chi.URLParam(r, "type")
	def, err := router.Lookup(notifType)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown type", "")
		return
	}

	pref, err := h.store.GetPreference(ctx, userID, notifType, def.DefaultPreference())
	if err != nil {
		h.logger.Error("failed to get preference",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preference", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// PreferenceRequest is the mutable portion of a preference row.
type PreferenceRequest struct {
	SocketEnabled   bool    `json:"socket_enabled"`
	PushEnabled     bool    `json:"push_enabled"`
	EmailEnabled    bool    `json:"email_enabled"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty"`
	Frequency       string  `json:"frequency"`
}

// UpdatePreference handles PUT /v1/preferences/{type}
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	notifType := chi.URLParam(r, "type")
	if _, err := router.Lookup(notifType); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown type", "")
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Frequency == "" {
		req.Frequency = db.FrequencyInstant
	}
	if req.Frequency != db.FrequencyInstant && req.Frequency != db.FrequencyDigest {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid frequency",
			"frequency must be instant or digest")
		return
	}
	if !validQuietHours(req.QuietHoursStart) || !validQuietHours(req.QuietHoursEnd) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours",
			"quiet hours must be HH:MM in 24-hour time")
		return
	}
	if (req.QuietHoursStart == nil) != (req.QuietHoursEnd == nil) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours",
			"quiet_hours_start and quiet_hours_end must be set together")
		return
	}

	pref := &db.NotificationPreference{
		UserID:          userID,
		Type:            notifType,
		SocketEnabled:   req.SocketEnabled,
		PushEnabled:     req.PushEnabled,
		EmailEnabled:    req.EmailEnabled,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
		Frequency:       req.Frequency,
	}

	if err := h.store.UpdatePreference(ctx, pref); err != nil {
		h.logger.Error("failed to update preference",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preference", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// Status handles GET /v1/status: instance identity, live connections, and
// provider circuit breaker states.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"instance_id": h.gateway.InstanceID(),
		"connections": h.gateway.LocalConnectionCount(),
	}
	if h.breakers != nil {
		resp["circuits"] = h.breakers.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func validQuietHours(v *string) bool {
	if v == nil {
		return true
	}
	_, err := time.Parse("15:04", *v)
	return err == nil
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
