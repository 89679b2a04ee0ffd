package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/events"
	"github.com/rahulvn/vigil/internal/ledger"
	"github.com/rahulvn/vigil/internal/redis"
	"github.com/rahulvn/vigil/internal/registry"
	"github.com/rahulvn/vigil/internal/reporting"
	"github.com/rahulvn/vigil/internal/scheduler"
	"github.com/rahulvn/vigil/internal/store"
)

// DetectionRequest is a violation event from the detection pipeline.
type DetectionRequest struct {
	Plate         *string `json:"plate"`
	ViolationType string  `json:"violation_type"`
	FineAmount    float64 `json:"fine_amount"`
	Location      string  `json:"location"`
	EvidenceRef   string  `json:"evidence_ref"`
}

// DetectionResponse is returned after ingesting a detection event.
type DetectionResponse struct {
	ViolationID    int64  `json:"violation_id"`
	NotificationID *int64 `json:"notification_id,omitempty"`
}

// PartyRequest is the body for registering a party.
type PartyRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// NotificationRequest is the body for scheduling a notification.
type NotificationRequest struct {
	ViolationID    int64  `json:"violation_id"`
	Type           string `json:"type"`
	RecipientEmail string `json:"recipient_email"`
}

// PaymentRequest is the body for recording a payment attempt.
type PaymentRequest struct {
	ViolationID int64   `json:"violation_id"`
	Amount      float64 `json:"amount"`
	Method      string  `json:"method"`
}

// SettleRequest is the body for finalizing a payment attempt.
type SettleRequest struct {
	TransactionID string `json:"transaction_id"`
	Succeeded     bool   `json:"succeeded"`
}

// ReminderRequest is the body for scheduling a payment reminder.
type ReminderRequest struct {
	ViolationID   int64     `json:"violation_id"`
	Type          string    `json:"type"`
	ScheduledDate time.Time `json:"scheduled_date"`
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
	logger          *zap.Logger
	registry        *registry.Service
	scheduler       *scheduler.Service
	ledger          *ledger.Service
	reporting       *reporting.Service
	idempotency     *redis.IdempotencyService // nil if Redis not configured
	publisher       *events.Publisher         // nil if SQS not configured
	deliveryTimeout time.Duration
}

// NewHandler creates a new API handler. idempotency and publisher may be
// nil; detection dedup and event emission are then disabled.
func NewHandler(
	logger *zap.Logger,
	reg *registry.Service,
	sched *scheduler.Service,
	led *ledger.Service,
	rep *reporting.Service,
	idempotency *redis.IdempotencyService,
	publisher *events.Publisher,
	deliveryTimeout time.Duration,
) *Handler {
	if deliveryTimeout == 0 {
		deliveryTimeout = 30 * time.Second
	}
	return &Handler{
		logger:          logger,
		registry:        reg,
		scheduler:       sched,
		ledger:          led,
		reporting:       rep,
		idempotency:     idempotency,
		publisher:       publisher,
		deliveryTimeout: deliveryTimeout,
	}
}

// IngestDetection handles POST /v1/detections.
// Events are deduplicated by evidence_ref: a redelivered event returns the
// violation created the first time instead of recording a duplicate.
func (h *Handler) IngestDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ViolationType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "violation_type is required")
		return
	}

	dedup := req.EvidenceRef != "" && h.idempotency != nil
	if dedup {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.EvidenceRef)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateEvent) {
				h.writeError(w, http.StatusConflict, "duplicate_event",
					"Detection event is already being ingested",
					"Another event with this evidence reference is in flight")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("evidence_ref", req.EvidenceRef),
			)
			dedup = false
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(DetectionResponse{ViolationID: cached.ViolationID})
			return
		}
	}

	id, err := h.registry.RecordViolation(ctx, req.Plate, req.ViolationType, req.FineAmount, req.Location, req.EvidenceRef)
	if err != nil {
		if dedup {
			if relErr := h.idempotency.Release(ctx, req.EvidenceRef); relErr != nil {
				h.logger.Warn("failed to release idempotency reservation", zap.Error(relErr))
			}
		}
		h.writeServiceError(w, err, "Failed to record violation")
		return
	}

	if dedup {
		if err := h.idempotency.Store(ctx, req.EvidenceRef, &redis.IdempotencyResult{ViolationID: id}); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("evidence_ref", req.EvidenceRef),
			)
		}
	}

	if h.publisher != nil {
		if v, err := h.registry.GetViolation(ctx, id); err == nil {
			h.publisher.ViolationRecorded(ctx, v)
		}
	}

	resp := DetectionResponse{ViolationID: id}
	resp.NotificationID = h.scheduleNotice(r, id, req.Plate)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// scheduleNotice queues the violation notice for a plate with a registered
// party. Best effort: an unidentified plate or unregistered party just
// means no notice goes out.
func (h *Handler) scheduleNotice(r *http.Request, violationID int64, plate *string) *int64 {
	if plate == nil || *plate == "" {
		return nil
	}
	ctx := r.Context()

	party, err := h.registry.GetParty(ctx, *plate)
	if err != nil || party.Email == "" {
		return nil
	}

	n, err := h.scheduler.ScheduleNotification(ctx, violationID, store.NotifyViolationNotice, party.Email)
	if err != nil {
		h.logger.Warn("failed to schedule violation notice",
			zap.Int64("violation_id", violationID),
			zap.Error(err),
		)
		return nil
	}
	return &n.ID
}

// UpsertParty handles PUT /v1/parties/{plate}
func (h *Handler) UpsertParty(w http.ResponseWriter, r *http.Request) {
	plate := chi.URLParam(r, "plate")

	var req PartyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	p := &store.Party{
		Plate:     plate,
		OwnerName: req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		Address:   req.Address,
	}
	if err := h.registry.UpsertParty(r.Context(), p); err != nil {
		h.writeServiceError(w, err, "Failed to upsert party")
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// GetParty handles GET /v1/parties/{plate}
func (h *Handler) GetParty(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.GetParty(r.Context(), chi.URLParam(r, "plate"))
	if err != nil {
		h.writeServiceError(w, err, "Failed to get party")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// GetViolation handles GET /v1/violations/{id}
func (h *Handler) GetViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	v, err := h.registry.GetViolation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get violation")
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

// ListViolations handles GET /v1/violations?plate=XYZ
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	plate := r.URL.Query().Get("plate")
	violations, err := h.registry.ListViolationsByPlate(r.Context(), plate)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list violations")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  violations,
		"count": len(violations),
	})
}

// MarkViolationProcessed handles POST /v1/violations/{id}/processed
func (h *Handler) MarkViolationProcessed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.registry.MarkProcessed(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to mark violation processed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "processed": true})
}

// GetViolationSummary handles GET /v1/violations/{id}/summary
func (h *Handler) GetViolationSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.reporting.ViolationSummary(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to build violation summary")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ListViolationPayments handles GET /v1/violations/{id}/payments
func (h *Handler) ListViolationPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	payments, err := h.ledger.ListPayments(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list payments")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  payments,
		"count": len(payments),
	})
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	n, err := h.scheduler.ScheduleNotification(r.Context(), req.ViolationID, req.Type, req.RecipientEmail)
	if err != nil {
		h.writeServiceError(w, err, "Failed to schedule notification")
		return
	}
	h.writeJSON(w, http.StatusCreated, n)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.scheduler.GetNotification(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ListAbandonedNotifications handles GET /v1/notifications/abandoned
func (h *Handler) ListAbandonedNotifications(w http.ResponseWriter, r *http.Request) {
	limit := h.queryLimit(r, 20)
	abandoned, err := h.scheduler.Abandoned(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list abandoned notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  abandoned,
		"count": len(abandoned),
	})
}

// AttemptDelivery handles POST /v1/notifications/{id}/attempt.
// Forces one synchronous delivery attempt outside the sweep schedule.
func (h *Handler) AttemptDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.scheduler.AttemptDelivery(r.Context(), id, h.deliveryTimeout)
	if err != nil {
		h.writeServiceError(w, err, "Delivery attempt failed")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	p, err := h.ledger.RecordPaymentAttempt(r.Context(), req.ViolationID, req.Amount, req.Method)
	if err != nil {
		h.writeServiceError(w, err, "Failed to record payment")
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// GetPayment handles GET /v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.ledger.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get payment")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// SettlePayment handles POST /v1/payments/{id}/settle
func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.ledger.SettlePayment(r.Context(), id, req.TransactionID, req.Succeeded); err != nil {
		h.writeServiceError(w, err, "Failed to settle payment")
		return
	}

	p, err := h.ledger.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get payment")
		return
	}

	if h.publisher != nil && p.Status == store.PayCompleted {
		h.publisher.PaymentCompleted(r.Context(), p.ViolationID, p.ID)
	}
	h.writeJSON(w, http.StatusOK, p)
}

// RefundPayment handles POST /v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.Refund(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to refund payment")
		return
	}

	p, err := h.ledger.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get payment")
		return
	}

	if h.publisher != nil {
		h.publisher.PaymentRefunded(r.Context(), p.ViolationID, p.ID)
	}
	h.writeJSON(w, http.StatusOK, p)
}

// CreateReminder handles POST /v1/reminders
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	rem, err := h.scheduler.ScheduleReminder(r.Context(), req.ViolationID, req.Type, req.ScheduledDate)
	if err != nil {
		h.writeServiceError(w, err, "Failed to schedule reminder")
		return
	}
	h.writeJSON(w, http.StatusCreated, rem)
}

// GetStatistics handles GET /v1/stats
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reporting.StatisticsByType(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to build statistics")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) queryLimit(r *http.Request, def int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			return l
		}
	}
	return def
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps sentinel errors from the service layer to HTTP
// status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, err.Error())
	case errors.Is(err, store.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", title, err.Error())
	case errors.Is(err, store.ErrInvalidState):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_state", title, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", title, "")
	default:
		h.logger.Error("unhandled service error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
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
