// Package scheduler drives the notification retry state machine and the
// calendar-driven payment reminders. Each notification is a persisted
// finite-state record (status + retry_count + last_attempt); the scheduler
// never blocks waiting out a backoff, so the engine survives process
// restarts mid-retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/circuitbreaker"
	"github.com/rahulvn/vigil/internal/gateway"
	"github.com/rahulvn/vigil/internal/metrics"
	"github.com/rahulvn/vigil/internal/store"
)

// Config holds retry policy.
type Config struct {
	// MaxRetries is the delivery attempt budget before a notification is
	// abandoned. Default 3.
	MaxRetries int

	// BaseDelay seeds the exponential backoff: delay = BaseDelay * 2^retry.
	// Default 1 minute.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default 1 hour.
	MaxDelay time.Duration

	// LeaseTTL bounds how long a claimed notification stays invisible to
	// other workers. Default 2 minutes.
	LeaseTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Minute
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = time.Hour
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * time.Minute
	}
}

// Service is the notification scheduler.
type Service struct {
	store  store.Store
	sender gateway.Sender
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a scheduler service.
func New(st store.Store, sender gateway.Sender, cfg Config, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		store:  st,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ScheduleNotification creates a pending notification for a violation.
// At most one live notification may exist per (violation, type) pair; a
// second schedule while one is live fails with ErrConflict.
func (s *Service) ScheduleNotification(ctx context.Context, violationID int64, notificationType, recipientEmail string) (*store.Notification, error) {
	if notificationType == "" {
		return nil, fmt.Errorf("notification type is required: %w", store.ErrValidation)
	}
	if recipientEmail == "" {
		return nil, fmt.Errorf("recipient is required: %w", store.ErrValidation)
	}

	n := &store.Notification{
		ViolationID:    violationID,
		Type:           notificationType,
		RecipientEmail: recipientEmail,
		Status:         store.StatusPending,
	}
	id, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return nil, err
	}
	n.ID = id
	return n, nil
}

// GetNotification returns a single notification.
func (s *Service) GetNotification(ctx context.Context, id int64) (*store.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

// DueNotifications returns a snapshot of pending notifications eligible to
// run at or before now. The snapshot is finite and not restartable:
// re-query for a fresh one.
func (s *Service) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*store.Notification, error) {
	return s.store.DueNotifications(ctx, now, limit)
}

// Abandoned lists terminally failed notifications for manual follow-up.
// They are never retried automatically.
func (s *Service) Abandoned(ctx context.Context, limit int) ([]*store.Notification, error) {
	return s.store.ListNotificationsByStatus(ctx, store.StatusAbandoned, limit)
}

// AttemptDelivery claims the notification, performs one delivery attempt
// against the gateway and finalizes the outcome. The gateway call runs
// outside any store transaction under the caller-supplied timeout; a
// timeout counts as a failed attempt. Attempts on terminal notifications
// fail with ErrInvalidState; a concurrent in-flight attempt fails with
// ErrConflict.
func (s *Service) AttemptDelivery(ctx context.Context, id int64, timeout time.Duration) (*store.Notification, error) {
	n, token, err := s.store.ClaimNotification(ctx, id, s.now(), s.config.LeaseTTL)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, n, token, timeout)
}

// DeliverClaimed runs one delivery attempt for a notification already
// claimed by the sweep.
func (s *Service) DeliverClaimed(ctx context.Context, n *store.Notification, timeout time.Duration) (*store.Notification, error) {
	if n.LeaseToken == nil {
		return nil, fmt.Errorf("notification %d carries no lease: %w", n.ID, store.ErrConflict)
	}
	return s.deliver(ctx, n, *n.LeaseToken, timeout)
}

func (s *Service) deliver(ctx context.Context, n *store.Notification, token string, timeout time.Duration) (*store.Notification, error) {
	msg, err := s.buildMessage(ctx, n)
	if err != nil {
		// Unbuildable messages burn an attempt like any other failure, so
		// a violation with no resolvable recipient eventually abandons
		// instead of looping forever.
		return s.recordFailure(ctx, n, token, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = s.sender.Send(sendCtx, msg)

	switch {
	case err == nil:
		at := s.now()
		if err := s.store.MarkNotificationSent(ctx, n.ID, token, at); err != nil {
			return nil, err
		}
		metrics.RecordDeliveryAttempt("sent", n.Type)
		return s.store.GetNotification(ctx, n.ID)

	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		// The downstream is known-dead; returning the claim without
		// consuming an attempt preserves the retry budget.
		if relErr := s.store.ReleaseNotification(ctx, n.ID, token); relErr != nil {
			return nil, relErr
		}
		metrics.RecordDeliveryAttempt("deferred", n.Type)
		return s.store.GetNotification(ctx, n.ID)

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown, not a delivery verdict. Release so retry_count is
		// never charged for an attempt that did not run to completion.
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if relErr := s.store.ReleaseNotification(relCtx, n.ID, token); relErr != nil {
			return nil, relErr
		}
		return nil, ctx.Err()

	default:
		return s.recordFailure(ctx, n, token, err)
	}
}

func (s *Service) recordFailure(ctx context.Context, n *store.Notification, token string, cause error) (*store.Notification, error) {
	at := s.now()
	retry := n.RetryCount + 1

	s.logger.Warn("delivery attempt failed",
		zap.Int64("notification_id", n.ID),
		zap.Int("retry_count", retry),
		zap.Error(cause),
	)

	if retry >= s.config.MaxRetries {
		if err := s.store.AbandonNotification(ctx, n.ID, token, retry, at); err != nil {
			return nil, err
		}
		metrics.RecordDeliveryAttempt("abandoned", n.Type)
	} else {
		next := at.Add(s.backoff(retry))
		if err := s.store.RescheduleNotification(ctx, n.ID, token, retry, at, next); err != nil {
			return nil, err
		}
		metrics.RecordDeliveryAttempt("failed", n.Type)
	}
	return s.store.GetNotification(ctx, n.ID)
}

// backoff computes BaseDelay * 2^retry capped at MaxDelay.
func (s *Service) backoff(retry int) time.Duration {
	d := s.config.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= s.config.MaxDelay {
			return s.config.MaxDelay
		}
	}
	if d > s.config.MaxDelay {
		d = s.config.MaxDelay
	}
	return d
}

// buildMessage resolves the notification into a concrete outbound message
// using the violation, its party and the message templates.
func (s *Service) buildMessage(ctx context.Context, n *store.Notification) (gateway.Message, error) {
	v, err := s.store.GetViolation(ctx, n.ViolationID)
	if err != nil {
		return gateway.Message{}, err
	}

	plate := "unidentified"
	if v.Plate != nil {
		plate = *v.Plate
	}

	switch n.Type {
	case store.NotifySMS:
		phone, err := s.partyPhone(ctx, v)
		if err != nil {
			return gateway.Message{}, err
		}
		return gateway.Message{
			Channel:   gateway.ChannelSMS,
			Recipient: phone,
			Body: fmt.Sprintf("Traffic violation recorded for %s: %s, fine $%.2f. Pay at https://traffic.gov/pay-fine",
				plate, v.Type, v.FineAmount),
		}, nil

	case store.NotifyReceipt:
		summary, err := s.store.ViolationSummary(ctx, v.ID)
		if err != nil {
			return gateway.Message{}, err
		}
		if summary.LatestPayment == nil || summary.LatestPayment.TransactionID == nil {
			return gateway.Message{}, fmt.Errorf("no completed payment for violation %d: %w", v.ID, store.ErrInvalidState)
		}
		p := summary.LatestPayment
		return gateway.Message{
			Channel:   gateway.ChannelEmail,
			Recipient: n.RecipientEmail,
			Subject:   gateway.PaymentReceiptSubject,
			Body:      gateway.PaymentReceipt(*p.TransactionID, p.Method, p.Amount, *p.PaymentDate),
		}, nil

	default:
		return gateway.Message{
			Channel:   gateway.ChannelEmail,
			Recipient: n.RecipientEmail,
			Subject:   gateway.ViolationNoticeSubject(plate),
			Body:      gateway.ViolationNotice(plate, v.Type, v.FineAmount, v.CreatedAt),
		}, nil
	}
}

func (s *Service) partyPhone(ctx context.Context, v *store.Violation) (string, error) {
	if v.Plate == nil {
		return "", fmt.Errorf("violation %d has no plate for SMS delivery: %w", v.ID, store.ErrValidation)
	}
	party, err := s.store.GetParty(ctx, *v.Plate)
	if err != nil {
		return "", err
	}
	if party.Phone == "" {
		return "", fmt.Errorf("party %s has no phone number: %w", *v.Plate, store.ErrValidation)
	}
	return party.Phone, nil
}

// ScheduleReminder creates a calendar-driven payment reminder.
func (s *Service) ScheduleReminder(ctx context.Context, violationID int64, reminderType string, date time.Time) (*store.PaymentReminder, error) {
	if reminderType == "" {
		return nil, fmt.Errorf("reminder type is required: %w", store.ErrValidation)
	}

	r := &store.PaymentReminder{
		ViolationID:   violationID,
		Type:          reminderType,
		ScheduledDate: date,
	}
	id, err := s.store.CreateReminder(ctx, r)
	if err != nil {
		return nil, err
	}
	r.ID = id
	return r, nil
}

// DueReminders yields unsent reminders scheduled at or before now.
func (s *Service) DueReminders(ctx context.Context, now time.Time, limit int) ([]*store.PaymentReminder, error) {
	return s.store.DueReminders(ctx, now, limit)
}

// MarkReminderSent flags a reminder as sent. Idempotent.
func (s *Service) MarkReminderSent(ctx context.Context, id int64) error {
	return s.store.MarkReminderSent(ctx, id)
}
