// Package memory provides an in-process Store used by tests and local
// development. A single mutex stands in for the row-scoped transactions of
// the postgres implementation, which trivially gives the same per-violation
// atomicity guarantees.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahulvn/vigil/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	parties       map[string]*store.Party
	violations    map[int64]*store.Violation
	notifications map[int64]*store.Notification
	reminders     map[int64]*store.PaymentReminder
	payments      map[int64]*store.Payment

	nextViolationID    int64
	nextNotificationID int64
	nextReminderID     int64
	nextPaymentID      int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		parties:       make(map[string]*store.Party),
		violations:    make(map[int64]*store.Violation),
		notifications: make(map[int64]*store.Notification),
		reminders:     make(map[int64]*store.PaymentReminder),
		payments:      make(map[int64]*store.Payment),
	}
}

func (s *Store) UpsertParty(ctx context.Context, p *store.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.parties[p.Plate]; ok {
		existing.OwnerName = p.OwnerName
		existing.Email = p.Email
		existing.Phone = p.Phone
		existing.Address = p.Address
		existing.UpdatedAt = now
		return nil
	}

	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.parties[p.Plate] = &cp
	return nil
}

func (s *Store) GetParty(ctx context.Context, plate string) (*store.Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parties[plate]
	if !ok {
		return nil, fmt.Errorf("party %s: %w", plate, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CreateViolation(ctx context.Context, v *store.Violation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextViolationID++
	cp := *v
	cp.ID = s.nextViolationID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.violations[cp.ID] = &cp
	// Write generated fields back, same as the postgres scan does.
	*v = cp
	return cp.ID, nil
}

func (s *Store) GetViolation(ctx context.Context, id int64) (*store.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getViolationLocked(id)
}

func (s *Store) getViolationLocked(id int64) (*store.Violation, error) {
	v, ok := s.violations[id]
	if !ok {
		return nil, fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListViolationsByPlate(ctx context.Context, plate string) ([]*store.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Violation
	for _, v := range s.violations {
		if v.Plate != nil && *v.Plate == plate {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) MarkViolationProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	v.Processed = true
	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n *store.Notification) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[n.ViolationID]; !ok {
		return 0, fmt.Errorf("violation %d: %w", n.ViolationID, store.ErrNotFound)
	}

	for _, existing := range s.notifications {
		if existing.ViolationID == n.ViolationID && existing.Type == n.Type && !existing.Terminal() {
			return 0, fmt.Errorf("live %s notification exists for violation %d: %w",
				n.Type, n.ViolationID, store.ErrConflict)
		}
	}

	s.nextNotificationID++
	cp := *n
	cp.ID = s.nextNotificationID
	if cp.Status == "" {
		cp.Status = store.StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.notifications[cp.ID] = &cp
	*n = cp
	return cp.ID, nil
}

func (s *Store) GetNotification(ctx context.Context, id int64) (*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNotificationsByStatus(ctx context.Context, status string, limit int) ([]*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Notification
	for _, n := range s.notifications {
		if n.Status == status {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func leaseHeld(n *store.Notification, now time.Time) bool {
	return n.LeaseToken != nil && n.LeaseExpiresAt != nil && n.LeaseExpiresAt.After(now)
}

func lease(n *store.Notification, now time.Time, ttl time.Duration) string {
	token := uuid.New().String()
	expires := now.Add(ttl)
	n.LeaseToken = &token
	n.LeaseExpiresAt = &expires
	return token
}

func (s *Store) ClaimNotification(ctx context.Context, id int64, now time.Time, leaseTTL time.Duration) (*store.Notification, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, "", fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if n.Terminal() {
		return nil, "", fmt.Errorf("notification %d is %s: %w", id, n.Status, store.ErrInvalidState)
	}
	if leaseHeld(n, now) {
		return nil, "", fmt.Errorf("notification %d has an active lease: %w", id, store.ErrConflict)
	}

	token := lease(n, now, leaseTTL)
	cp := *n
	return &cp, token, nil
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Notification
	for _, n := range s.notifications {
		if n.Status != store.StatusPending {
			continue
		}
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
			continue
		}
		if leaseHeld(n, now) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimDueNotifications(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*store.Notification
	for _, n := range s.notifications {
		if n.Status != store.StatusPending {
			continue
		}
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
			continue
		}
		if leaseHeld(n, now) {
			continue
		}
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*store.Notification, 0, len(due))
	for _, n := range due {
		lease(n, now, leaseTTL)
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// checkLeaseLocked validates a lease token against the current record.
// A mismatch means another worker re-claimed the record after the caller's
// lease expired, so the caller's attempt must not be recorded.
func (s *Store) checkLeaseLocked(id int64, token string) (*store.Notification, error) {
	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if n.Terminal() {
		return nil, fmt.Errorf("notification %d is %s: %w", id, n.Status, store.ErrInvalidState)
	}
	if n.LeaseToken == nil || *n.LeaseToken != token {
		return nil, fmt.Errorf("stale lease for notification %d: %w", id, store.ErrConflict)
	}
	return n, nil
}

func clearLease(n *store.Notification) {
	n.LeaseToken = nil
	n.LeaseExpiresAt = nil
}

func (s *Store) ReleaseNotification(ctx context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.checkLeaseLocked(id, token)
	if err != nil {
		return err
	}
	clearLease(n)
	return nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, id int64, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.checkLeaseLocked(id, token)
	if err != nil {
		return err
	}

	n.Status = store.StatusSent
	n.LastAttempt = &at
	n.NextAttemptAt = nil
	clearLease(n)

	// Same critical section as the status update, mirroring the postgres
	// transaction that covers both rows.
	if v, ok := s.violations[n.ViolationID]; ok {
		v.NotificationSent = true
	}
	return nil
}

func (s *Store) RescheduleNotification(ctx context.Context, id int64, token string, retryCount int, at, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.checkLeaseLocked(id, token)
	if err != nil {
		return err
	}
	if retryCount < n.RetryCount {
		return fmt.Errorf("retry count would decrease for notification %d: %w", id, store.ErrInvalidState)
	}

	n.Status = store.StatusPending
	n.RetryCount = retryCount
	n.LastAttempt = &at
	n.NextAttemptAt = &next
	clearLease(n)
	return nil
}

func (s *Store) AbandonNotification(ctx context.Context, id int64, token string, retryCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.checkLeaseLocked(id, token)
	if err != nil {
		return err
	}
	if retryCount < n.RetryCount {
		return fmt.Errorf("retry count would decrease for notification %d: %w", id, store.ErrInvalidState)
	}

	n.Status = store.StatusAbandoned
	n.RetryCount = retryCount
	n.LastAttempt = &at
	n.NextAttemptAt = nil
	clearLease(n)
	return nil
}

func (s *Store) CreateReminder(ctx context.Context, r *store.PaymentReminder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[r.ViolationID]; !ok {
		return 0, fmt.Errorf("violation %d: %w", r.ViolationID, store.ErrNotFound)
	}

	s.nextReminderID++
	cp := *r
	cp.ID = s.nextReminderID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.reminders[cp.ID] = &cp
	*r = cp
	return cp.ID, nil
}

func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]*store.PaymentReminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.PaymentReminder
	for _, r := range s.reminders {
		if !r.Sent && !r.ScheduledDate.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %d: %w", id, store.ErrNotFound)
	}
	r.Sent = true
	return nil
}

func (s *Store) CreatePayment(ctx context.Context, p *store.Payment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[p.ViolationID]; !ok {
		return 0, fmt.Errorf("violation %d: %w", p.ViolationID, store.ErrNotFound)
	}

	s.nextPaymentID++
	cp := *p
	cp.ID = s.nextPaymentID
	if cp.Status == "" {
		cp.Status = store.PayPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.payments[cp.ID] = &cp
	*p = cp
	return cp.ID, nil
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*store.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPaymentsByViolation(ctx context.Context, violationID int64) ([]*store.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Payment
	for _, p := range s.payments {
		if p.ViolationID == violationID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CompletePayment(ctx context.Context, id int64, transactionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	if p.Status != store.PayPending {
		return fmt.Errorf("payment %d is %s: %w", id, p.Status, store.ErrInvalidState)
	}
	for _, other := range s.payments {
		if other.ViolationID == p.ViolationID && other.ID != p.ID && other.Status == store.PayCompleted {
			return fmt.Errorf("violation %d already settled by payment %d: %w",
				p.ViolationID, other.ID, store.ErrConflict)
		}
	}

	p.Status = store.PayCompleted
	p.TransactionID = &transactionID
	p.PaymentDate = &at

	if v, ok := s.violations[p.ViolationID]; ok {
		v.PaymentStatus = store.PaymentPaid
	}
	return nil
}

func (s *Store) FailPayment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	if p.Status != store.PayPending {
		return fmt.Errorf("payment %d is %s: %w", id, p.Status, store.ErrInvalidState)
	}
	p.Status = store.PayFailed
	return nil
}

func (s *Store) RefundPayment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	if p.Status != store.PayCompleted {
		return fmt.Errorf("payment %d is %s, refund requires completed: %w",
			id, p.Status, store.ErrInvalidState)
	}

	p.Status = store.PayRefunded
	if v, ok := s.violations[p.ViolationID]; ok {
		v.PaymentStatus = store.PaymentPending
	}
	return nil
}

func (s *Store) MarkViolationOverdue(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	if v.PaymentStatus != store.PaymentPending || v.PaymentDueDate == nil || !now.After(*v.PaymentDueDate) {
		return nil
	}
	v.PaymentStatus = store.PaymentOverdue
	return nil
}

func (s *Store) SweepOverdue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped int64
	for _, v := range s.violations {
		if v.PaymentStatus == store.PaymentPending && v.PaymentDueDate != nil && now.After(*v.PaymentDueDate) {
			v.PaymentStatus = store.PaymentOverdue
			flipped++
		}
	}
	return flipped, nil
}

func (s *Store) StatisticsByType(ctx context.Context) ([]store.TypeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]*store.TypeStats)
	for _, v := range s.violations {
		st, ok := byType[v.Type]
		if !ok {
			st = &store.TypeStats{Type: v.Type}
			byType[v.Type] = st
		}
		st.Total++
		st.FineTotal += v.FineAmount
		switch v.PaymentStatus {
		case store.PaymentPaid:
			st.Paid++
			st.PaidTotal += v.FineAmount
		case store.PaymentPending:
			st.Pending++
		}
	}

	out := make([]store.TypeStats, 0, len(byType))
	for _, st := range byType {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Store) ViolationSummary(ctx context.Context, id int64) (*store.ViolationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return nil, fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}

	summary := &store.ViolationSummary{
		ViolationID:   v.ID,
		Plate:         v.Plate,
		Type:          v.Type,
		FineAmount:    v.FineAmount,
		Location:      v.Location,
		PaymentStatus: v.PaymentStatus,
		DerivedStatus: store.DerivedUnpaid,
		CreatedAt:     v.CreatedAt,
	}

	if v.Plate != nil {
		if p, ok := s.parties[*v.Plate]; ok {
			summary.OwnerName = p.OwnerName
			summary.OwnerEmail = p.Email
		}
	}

	for _, p := range s.payments {
		if p.ViolationID != id || p.Status != store.PayCompleted {
			continue
		}
		if summary.LatestPayment == nil || p.ID > summary.LatestPayment.ID {
			cp := *p
			summary.LatestPayment = &cp
		}
	}
	if summary.LatestPayment != nil {
		summary.DerivedStatus = store.DerivedPaid
	}
	return summary, nil
}
