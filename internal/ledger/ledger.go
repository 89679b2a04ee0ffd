// Package ledger owns Payment records and is the sole writer of a
// violation's payment_status. Settlement, refund and the overdue sweep all
// run through it.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/metrics"
	"github.com/rahulvn/vigil/internal/scheduler"
	"github.com/rahulvn/vigil/internal/store"
)

// amountEpsilon absorbs float rounding when comparing payment amounts to
// the assessed fine.
const amountEpsilon = 0.005

// Config holds ledger policy.
type Config struct {
	// AllowPartialPayments permits payment attempts below the assessed
	// fine. Default false: the attempt amount must match fine_amount
	// exactly.
	AllowPartialPayments bool
}

// Service is the payment ledger.
type Service struct {
	store  store.Store
	sched  *scheduler.Service // nil disables receipt notifications
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger service. sched may be nil, which disables the
// payment receipt notification scheduled after a successful settlement.
func New(st store.Store, sched *scheduler.Service, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		sched:  sched,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RecordPaymentAttempt creates a pending payment against a violation.
// Unless partial payments are enabled, the amount must match the assessed
// fine exactly.
func (s *Service) RecordPaymentAttempt(ctx context.Context, violationID int64, amount float64, method string) (*store.Payment, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive: %w", store.ErrValidation)
	}
	if method == "" {
		return nil, fmt.Errorf("payment method is required: %w", store.ErrValidation)
	}

	v, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}

	if !s.config.AllowPartialPayments && math.Abs(amount-v.FineAmount) > amountEpsilon {
		return nil, fmt.Errorf("payment amount %.2f does not match fine %.2f: %w",
			amount, v.FineAmount, store.ErrValidation)
	}
	if s.config.AllowPartialPayments && amount-v.FineAmount > amountEpsilon {
		return nil, fmt.Errorf("payment amount %.2f exceeds fine %.2f: %w",
			amount, v.FineAmount, store.ErrValidation)
	}

	p := &store.Payment{
		ViolationID: violationID,
		Amount:      amount,
		Method:      method,
		Status:      store.PayPending,
	}
	id, err := s.store.CreatePayment(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

// GetPayment returns a single payment.
func (s *Service) GetPayment(ctx context.Context, id int64) (*store.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// ListPayments returns all payment attempts for a violation.
func (s *Service) ListPayments(ctx context.Context, violationID int64) ([]*store.Payment, error) {
	return s.store.ListPaymentsByViolation(ctx, violationID)
}

// SettlePayment finalizes a pending payment. On success the violation is
// marked paid in the same store transaction, and a receipt notification is
// scheduled for the party if one can be resolved. A settlement against a
// violation that already has a different completed payment fails with
// ErrConflict.
func (s *Service) SettlePayment(ctx context.Context, paymentID int64, transactionID string, succeeded bool) error {
	if !succeeded {
		if err := s.store.FailPayment(ctx, paymentID); err != nil {
			return err
		}
		metrics.RecordPayment("failed")
		return nil
	}

	if transactionID == "" {
		return fmt.Errorf("transaction id is required to settle: %w", store.ErrValidation)
	}

	if err := s.store.CompletePayment(ctx, paymentID, transactionID, s.now()); err != nil {
		return err
	}
	metrics.RecordPayment("completed")

	s.scheduleReceipt(ctx, paymentID)
	return nil
}

// scheduleReceipt queues the payment receipt email. Best effort: a
// violation without a resolvable party email simply gets no receipt.
func (s *Service) scheduleReceipt(ctx context.Context, paymentID int64) {
	if s.sched == nil {
		return
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		s.logger.Warn("receipt lookup failed", zap.Error(err))
		return
	}
	v, err := s.store.GetViolation(ctx, p.ViolationID)
	if err != nil || v.Plate == nil {
		return
	}
	party, err := s.store.GetParty(ctx, *v.Plate)
	if err != nil || party.Email == "" {
		return
	}

	if _, err := s.sched.ScheduleNotification(ctx, v.ID, store.NotifyReceipt, party.Email); err != nil {
		s.logger.Warn("failed to schedule payment receipt",
			zap.Int64("violation_id", v.ID),
			zap.Error(err),
		)
	}
}

// Refund reverses a completed payment and reopens the violation for
// collection. Requires the payment to be completed.
func (s *Service) Refund(ctx context.Context, paymentID int64) error {
	if err := s.store.RefundPayment(ctx, paymentID); err != nil {
		return err
	}
	metrics.RecordPayment("refunded")
	return nil
}

// MarkOverdue flips a single pending violation past its due date to
// overdue. Idempotent, safe to re-run on a schedule.
func (s *Service) MarkOverdue(ctx context.Context, violationID int64) error {
	return s.store.MarkViolationOverdue(ctx, violationID, s.now())
}

// OverdueSweeper periodically flips every pending violation past its due
// date to overdue.
type OverdueSweeper struct {
	store    store.Store
	interval time.Duration
	logger   *zap.Logger
}

// NewOverdueSweeper creates the daily overdue sweep.
func NewOverdueSweeper(st store.Store, interval time.Duration, logger *zap.Logger) *OverdueSweeper {
	if interval == 0 {
		interval = 24 * time.Hour
	}
	return &OverdueSweeper{
		store:    st,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the sweep loop until ctx is cancelled. Store failures are
// logged and retried on the next tick.
func (s *OverdueSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("overdue sweeper stopping")
			return
		case <-ticker.C:
			flipped, err := s.store.SweepOverdue(ctx, time.Now())
			if err != nil {
				s.logger.Error("overdue sweep failed", zap.Error(err))
				continue
			}
			if flipped > 0 {
				s.logger.Info("violations marked overdue", zap.Int64("count", flipped))
				metrics.RecordOverdueSwept(flipped)
			}
		}
	}
}
