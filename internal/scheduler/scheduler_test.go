package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/circuitbreaker"
	"github.com/rahulvn/vigil/internal/gateway"
	"github.com/rahulvn/vigil/internal/store"
	"github.com/rahulvn/vigil/internal/store/memory"
)

// fakeSender fails with the scripted errors in order, then succeeds.
type fakeSender struct {
	mu   sync.Mutex
	errs []error
	sent []gateway.Message
}

func (f *fakeSender) Send(ctx context.Context, msg gateway.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) SupportsChannel(string) bool { return true }

func newTestService(t *testing.T, sender gateway.Sender, cfg Config) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := New(st, sender, cfg, zap.NewNop())
	return svc, st
}

func seedViolation(t *testing.T, st *memory.Store, plate *string) int64 {
	t.Helper()
	due := time.Now().Add(30 * 24 * time.Hour)
	id, err := st.CreateViolation(context.Background(), &store.Violation{
		Plate:          plate,
		Type:           "no_helmet",
		FineAmount:     100,
		PaymentStatus:  store.PaymentPending,
		PaymentDueDate: &due,
	})
	if err != nil {
		t.Fatalf("seed violation: %v", err)
	}
	return id
}

func TestScheduleNotification_Validation(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	if _, err := svc.ScheduleNotification(ctx, vid, "", "a@b.c"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing type: %v", err)
	}
	if _, err := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing recipient: %v", err)
	}
	if _, err := svc.ScheduleNotification(ctx, 9999, store.NotifyViolationNotice, "a@b.c"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown violation: %v", err)
	}
}

func TestScheduleNotification_ReturnsPersistedRecord(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	n, err := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n.ID == 0 {
		t.Fatal("scheduled notification must carry its store ID")
	}
	if _, err := st.GetNotification(ctx, n.ID); err != nil {
		t.Fatalf("returned ID does not resolve: %v", err)
	}

	r, err := svc.ScheduleReminder(ctx, vid, "payment_due", time.Now())
	if err != nil {
		t.Fatalf("schedule reminder: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("scheduled reminder must carry its store ID")
	}
}

func TestScheduleNotification_OneLivePerPair(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	if _, err := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c"); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if _, err := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate live schedule: %v", err)
	}
}

func TestAttemptDelivery_Success(t *testing.T) {
	sender := &fakeSender{}
	svc, st := newTestService(t, sender, Config{})
	plate := "KA01AB1234"
	vid := seedViolation(t, st, &plate)
	ctx := context.Background()

	n, err := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "owner@example.com")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", got.RetryCount)
	}

	v, _ := st.GetViolation(ctx, vid)
	if !v.NotificationSent {
		t.Fatal("violation notification_sent should flip on first send")
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.Channel != gateway.ChannelEmail || msg.Recipient != "owner@example.com" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !strings.Contains(msg.Subject, plate) {
		t.Fatalf("subject %q should name the plate", msg.Subject)
	}
}

func TestAttemptDelivery_FailureSchedulesBackoff(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("ses timeout")}}
	svc, st := newTestService(t, sender, Config{BaseDelay: time.Minute, MaxDelay: time.Hour})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c")
	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.LastAttempt == nil || !got.LastAttempt.Equal(fixed) {
		t.Fatalf("last_attempt = %v, want %v", got.LastAttempt, fixed)
	}
	if got.NextAttemptAt == nil {
		t.Fatal("next_attempt_at should be set")
	}
	want := fixed.Add(2 * time.Minute)
	if !got.NextAttemptAt.Equal(want) {
		t.Fatalf("next_attempt_at = %v, want %v", got.NextAttemptAt, want)
	}
	if got.LeaseToken != nil {
		t.Fatal("lease should be released after the attempt")
	}
}

func TestAttemptDelivery_AbandonsAtMaxRetries(t *testing.T) {
	sender := &fakeSender{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	svc, st := newTestService(t, sender, Config{MaxRetries: 3, BaseDelay: time.Millisecond})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c")

	var got *store.Notification
	var err error
	for i := 0; i < 3; i++ {
		// Walk the clock past next_attempt_at so each claim succeeds
		svc.now = func() time.Time { return time.Now().Add(time.Duration(i+1) * time.Hour) }
		got, err = svc.AttemptDelivery(ctx, n.ID, time.Second)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if got.Status != store.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", got.RetryCount)
	}

	// Terminal records reject further attempts
	if _, err := svc.AttemptDelivery(ctx, n.ID, time.Second); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("attempt on abandoned: %v", err)
	}

	abandoned, err := svc.Abandoned(ctx, 10)
	if err != nil || len(abandoned) != 1 {
		t.Fatalf("abandoned list = %d (%v), want 1", len(abandoned), err)
	}
}

func TestAttemptDelivery_CircuitOpenPreservesBudget(t *testing.T) {
	sender := &fakeSender{errs: []error{circuitbreaker.ErrCircuitOpen}}
	svc, st := newTestService(t, sender, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c")
	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, deferral must not consume the budget", got.RetryCount)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.LeaseToken != nil {
		t.Fatal("claim should be released")
	}

	// Immediately retryable once the breaker closes
	got, err = svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("retry after deferral: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestAttemptDelivery_ConcurrentClaimConflicts(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{LeaseTTL: time.Minute})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifyViolationNotice, "a@b.c")

	// Hold a lease as another worker would
	if _, _, err := st.ClaimNotification(ctx, n.ID, time.Now(), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := svc.AttemptDelivery(ctx, n.ID, time.Second); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	svc := New(memory.New(), &fakeSender{}, Config{
		BaseDelay: time.Minute,
		MaxDelay:  10 * time.Minute,
	}, zap.NewNop())

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{10, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := svc.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBuildMessage_SMSUsesPartyPhone(t *testing.T) {
	sender := &fakeSender{}
	svc, st := newTestService(t, sender, Config{})
	ctx := context.Background()

	plate := "KA01AB1234"
	if err := st.UpsertParty(ctx, &store.Party{
		Plate: plate, OwnerName: "Asha", Email: "a@b.c", Phone: "+911234567890",
	}); err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	vid := seedViolation(t, st, &plate)

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifySMS, "a@b.c")
	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}

	msg := sender.sent[0]
	if msg.Channel != gateway.ChannelSMS {
		t.Fatalf("channel = %s, want sms", msg.Channel)
	}
	if msg.Recipient != "+911234567890" {
		t.Fatalf("recipient = %s, want party phone", msg.Recipient)
	}
}

func TestBuildMessage_SMSWithoutPhoneBurnsAttempt(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{MaxRetries: 3})
	ctx := context.Background()

	plate := "KA01AB1234"
	if err := st.UpsertParty(ctx, &store.Party{Plate: plate, OwnerName: "Asha"}); err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	vid := seedViolation(t, st, &plate)

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifySMS, "a@b.c")
	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, unresolvable recipients must consume an attempt", got.RetryCount)
	}
}

func TestBuildMessage_ReceiptRequiresCompletedPayment(t *testing.T) {
	sender := &fakeSender{}
	svc, st := newTestService(t, sender, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	n, _ := svc.ScheduleNotification(ctx, vid, store.NotifyReceipt, "a@b.c")

	// No completed payment yet: the attempt fails
	got, err := svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}

	// Settle a payment, then the receipt resolves
	pid, _ := st.CreatePayment(ctx, &store.Payment{ViolationID: vid, Amount: 100, Method: "card"})
	if err := st.CompletePayment(ctx, pid, "TXN-42", time.Now()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	got, err = svc.AttemptDelivery(ctx, n.ID, time.Second)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}

	msg := sender.sent[0]
	if msg.Subject != gateway.PaymentReceiptSubject {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "TXN-42") {
		t.Fatalf("receipt body should carry the transaction id: %q", msg.Body)
	}
}

func TestReminders_ScheduleDueAndMarkSent(t *testing.T) {
	svc, st := newTestService(t, &fakeSender{}, Config{})
	vid := seedViolation(t, st, nil)
	ctx := context.Background()

	date := time.Now().Add(-time.Hour)
	r, err := svc.ScheduleReminder(ctx, vid, "payment_due", date)
	if err != nil {
		t.Fatalf("schedule reminder: %v", err)
	}

	if _, err := svc.ScheduleReminder(ctx, vid, "", date); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing type: %v", err)
	}

	due, err := svc.DueReminders(ctx, time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %d (%v), want 1", len(due), err)
	}

	if err := svc.MarkReminderSent(ctx, r.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	due, _ = svc.DueReminders(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("due after send = %d, want 0", len(due))
	}

	// Idempotent
	if err := svc.MarkReminderSent(ctx, r.ID); err != nil {
		t.Fatalf("second mark sent: %v", err)
	}
}
