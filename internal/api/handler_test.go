package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/gateway"
	"github.com/rahulvn/vigil/internal/ledger"
	"github.com/rahulvn/vigil/internal/registry"
	"github.com/rahulvn/vigil/internal/reporting"
	"github.com/rahulvn/vigil/internal/scheduler"
	"github.com/rahulvn/vigil/internal/store"
	"github.com/rahulvn/vigil/internal/store/memory"
)

func newTestRouter(t *testing.T) (chi.Router, *memory.Store) {
	t.Helper()
	logger := zap.NewNop()
	st := memory.New()

	reg := registry.New(st, registry.Config{}, logger)
	sched := scheduler.New(st, gateway.NewLogSender(logger), scheduler.Config{}, logger)
	led := ledger.New(st, sched, ledger.Config{}, logger)
	rep := reporting.New(st, logger)

	h := NewHandler(logger, reg, sched, led, rep, nil, nil, time.Second)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/detections", h.IngestDetection)
		r.Put("/parties/{plate}", h.UpsertParty)
		r.Get("/parties/{plate}", h.GetParty)
		r.Get("/violations", h.ListViolations)
		r.Get("/violations/{id}", h.GetViolation)
		r.Post("/violations/{id}/processed", h.MarkViolationProcessed)
		r.Get("/violations/{id}/summary", h.GetViolationSummary)
		r.Get("/violations/{id}/payments", h.ListViolationPayments)
		r.Post("/notifications", h.CreateNotification)
		r.Get("/notifications/abandoned", h.ListAbandonedNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/notifications/{id}/attempt", h.AttemptDelivery)
		r.Post("/payments", h.CreatePayment)
		r.Get("/payments/{id}", h.GetPayment)
		r.Post("/payments/{id}/settle", h.SettlePayment)
		r.Post("/payments/{id}/refund", h.RefundPayment)
		r.Post("/reminders", h.CreateReminder)
		r.Get("/stats", h.GetStatistics)
	})
	return r, st
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func ingest(t *testing.T, r http.Handler, plate string) DetectionResponse {
	t.Helper()
	body := map[string]interface{}{
		"violation_type": "no_helmet",
		"location":       "MG Road",
		"evidence_ref":   fmt.Sprintf("cam1/%d.jpg", time.Now().UnixNano()),
	}
	if plate != "" {
		body["plate"] = plate
	}
	rec := doJSON(t, r, http.MethodPost, "/v1/detections", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp DetectionResponse
	decode(t, rec, &resp)
	return resp
}

func TestIngestDetection_Created(t *testing.T) {
	r, st := newTestRouter(t)

	resp := ingest(t, r, "KA01AB1234")
	if resp.ViolationID == 0 {
		t.Fatal("expected violation id")
	}

	v, err := st.GetViolation(context.Background(), resp.ViolationID)
	if err != nil {
		t.Fatalf("violation not persisted: %v", err)
	}
	if v.FineAmount != 100 {
		t.Fatalf("fine = %.2f, want catalog default 100", v.FineAmount)
	}
	// No registered party, so no notice was scheduled
	if resp.NotificationID != nil {
		t.Fatal("expected no notification without a registered party")
	}
}

func TestIngestDetection_SchedulesNoticeForRegisteredParty(t *testing.T) {
	r, st := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPut, "/v1/parties/KA01AB1234", PartyRequest{
		Name: "Asha", Email: "asha@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert party = %d: %s", rec.Code, rec.Body.String())
	}

	resp := ingest(t, r, "KA01AB1234")
	if resp.NotificationID == nil {
		t.Fatal("expected a scheduled violation notice")
	}

	n, err := st.GetNotification(context.Background(), *resp.NotificationID)
	if err != nil {
		t.Fatalf("notification not persisted: %v", err)
	}
	if n.Type != store.NotifyViolationNotice || n.RecipientEmail != "asha@example.com" {
		t.Fatalf("unexpected notice: %+v", n)
	}
}

func TestIngestDetection_BadRequest(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/detections", map[string]string{"location": "MG Road"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/v1/detections", map[string]interface{}{
		"violation_type": "jaywalking",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content-type = %s", ct)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/detections", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", rec2.Code)
	}
}

func TestGetParty_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/v1/parties/UNKNOWN", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	if errResp.Type != "not_found" {
		t.Fatalf("type = %s", errResp.Type)
	}
}

func TestGetViolation_InvalidID(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/v1/violations/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateNotification_ConflictOnLiveDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	body := NotificationRequest{
		ViolationID:    resp.ViolationID,
		Type:           store.NotifyViolationNotice,
		RecipientEmail: "a@b.c",
	}
	rec := doJSON(t, r, http.MethodPost, "/v1/notifications", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodPost, "/v1/notifications", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d, want 409", rec.Code)
	}
}

func TestAttemptDelivery_SendsAndTerminalIs422(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	var n store.Notification
	rec := doJSON(t, r, http.MethodPost, "/v1/notifications", NotificationRequest{
		ViolationID:    resp.ViolationID,
		Type:           store.NotifyViolationNotice,
		RecipientEmail: "a@b.c",
	})
	decode(t, rec, &n)

	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/notifications/%d/attempt", n.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attempt = %d: %s", rec.Code, rec.Body.String())
	}
	var got store.Notification
	decode(t, rec, &got)
	if got.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}

	// A second attempt hits a terminal record
	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/notifications/%d/attempt", n.ID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("terminal attempt = %d, want 422", rec.Code)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	// Mismatched amount is rejected
	rec := doJSON(t, r, http.MethodPost, "/v1/payments", PaymentRequest{
		ViolationID: resp.ViolationID, Amount: 50, Method: "card",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatch = %d, want 400", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/v1/payments", PaymentRequest{
		ViolationID: resp.ViolationID, Amount: 100, Method: "card",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var p store.Payment
	decode(t, rec, &p)

	// Settle
	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/payments/%d/settle", p.ID), SettleRequest{
		TransactionID: "TXN-1", Succeeded: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle = %d: %s", rec.Code, rec.Body.String())
	}
	var settled store.Payment
	decode(t, rec, &settled)
	if settled.Status != store.PayCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}

	// Summary now reports paid
	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/violations/%d/summary", resp.ViolationID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary = %d", rec.Code)
	}
	var summary store.ViolationSummary
	decode(t, rec, &summary)
	if summary.DerivedStatus != store.DerivedPaid {
		t.Fatalf("derived = %s, want paid", summary.DerivedStatus)
	}

	// Competing settlement conflicts
	rec = doJSON(t, r, http.MethodPost, "/v1/payments", PaymentRequest{
		ViolationID: resp.ViolationID, Amount: 100, Method: "upi",
	})
	var p2 store.Payment
	decode(t, rec, &p2)
	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/payments/%d/settle", p2.ID), SettleRequest{
		TransactionID: "TXN-2", Succeeded: true,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second settle = %d, want 409", rec.Code)
	}

	// Refund reopens
	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/payments/%d/refund", p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/violations/%d/summary", resp.ViolationID), nil)
	decode(t, rec, &summary)
	if summary.DerivedStatus != store.DerivedUnpaid {
		t.Fatalf("derived after refund = %s, want unpaid", summary.DerivedStatus)
	}

	// Both attempts visible on the violation
	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/violations/%d/payments", resp.ViolationID), nil)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 2 {
		t.Fatalf("payments = %d, want 2", list.Count)
	}
}

func TestRefundPayment_PendingIs422(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	rec := doJSON(t, r, http.MethodPost, "/v1/payments", PaymentRequest{
		ViolationID: resp.ViolationID, Amount: 100, Method: "card",
	})
	var p store.Payment
	decode(t, rec, &p)

	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/payments/%d/refund", p.ID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("refund pending = %d, want 422", rec.Code)
	}
}

func TestCreateReminderAndStats(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	rec := doJSON(t, r, http.MethodPost, "/v1/reminders", ReminderRequest{
		ViolationID:   resp.ViolationID,
		Type:          "payment_due",
		ScheduledDate: time.Now().Add(7 * 24 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reminder = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var stats []store.TypeStats
	decode(t, rec, &stats)
	if len(stats) != 1 || stats[0].Type != "no_helmet" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMarkViolationProcessed(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := ingest(t, r, "")

	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/v1/violations/%d/processed", resp.ViolationID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("processed = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/violations/%d", resp.ViolationID), nil)
	var v store.Violation
	decode(t, rec, &v)
	if !v.Processed {
		t.Fatal("violation should be processed")
	}
}

func TestListViolations_RequiresPlate(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/v1/violations", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
