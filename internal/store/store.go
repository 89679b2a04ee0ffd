// Package store defines the durable data model for the violation lifecycle
// engine and the interface every backing store implements. Two
// implementations exist: postgres (production, pgx) and memory (tests and
// local development).
package store

import (
	"context"
	"time"
)

// Store is the system of record for parties, violations, notifications,
// reminders and payments.
//
// Mutations that touch a Violation together with one of its child records
// (MarkNotificationSent, CompletePayment, RefundPayment) are atomic with
// respect to concurrent readers of that violation. Nothing is ordered
// across different violations.
//
// Notification mutations that consume a delivery attempt take a lease
// token returned by a Claim call. A mismatched or expired token fails with
// ErrConflict, which is what keeps retry_count accurate when workers race
// or a lease expires mid-flight.
type Store interface {
	// Parties
	UpsertParty(ctx context.Context, p *Party) error
	GetParty(ctx context.Context, plate string) (*Party, error)

	// Violations. ListViolationsByPlate orders by creation time descending.
	CreateViolation(ctx context.Context, v *Violation) (int64, error)
	GetViolation(ctx context.Context, id int64) (*Violation, error)
	ListViolationsByPlate(ctx context.Context, plate string) ([]*Violation, error)
	MarkViolationProcessed(ctx context.Context, id int64) error

	// Notifications. CreateNotification fails with ErrConflict if a live
	// (non-terminal) notification of the same type already exists for the
	// violation.
	CreateNotification(ctx context.Context, n *Notification) (int64, error)
	GetNotification(ctx context.Context, id int64) (*Notification, error)
	ListNotificationsByStatus(ctx context.Context, status string, limit int) ([]*Notification, error)

	// ClaimNotification leases a single pending notification for one
	// delivery attempt. ErrInvalidState if terminal, ErrConflict if another
	// worker holds an unexpired lease. Returns the record and lease token.
	ClaimNotification(ctx context.Context, id int64, now time.Time, leaseTTL time.Duration) (*Notification, string, error)

	// DueNotifications is the read-only snapshot of pending notifications
	// whose next eligible time is at or before now, lease-free. Used for
	// inspection; workers claim through ClaimDueNotifications.
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	// ClaimDueNotifications atomically leases up to limit pending
	// notifications whose next eligible time is at or before now. The
	// returned records carry their lease tokens. The result is a snapshot:
	// finite, not restartable.
	ClaimDueNotifications(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]*Notification, error)

	// ReleaseNotification returns a leased notification to the due pool
	// without consuming an attempt (shutdown, breaker open).
	ReleaseNotification(ctx context.Context, id int64, token string) error

	// MarkNotificationSent finalizes a successful delivery and flips the
	// violation's notification_sent flag in the same transaction.
	MarkNotificationSent(ctx context.Context, id int64, token string, at time.Time) error

	// RescheduleNotification records a failed attempt: bumps retry_count,
	// stamps last_attempt, sets the next eligible time and re-enters the
	// pending pool.
	RescheduleNotification(ctx context.Context, id int64, token string, retryCount int, at, next time.Time) error

	// AbandonNotification records a final failed attempt and moves the
	// record to its terminal abandoned state.
	AbandonNotification(ctx context.Context, id int64, token string, retryCount int, at time.Time) error

	// Payment reminders. MarkReminderSent is idempotent.
	CreateReminder(ctx context.Context, r *PaymentReminder) (int64, error)
	DueReminders(ctx context.Context, now time.Time, limit int) ([]*PaymentReminder, error)
	MarkReminderSent(ctx context.Context, id int64) error

	// Payments. CompletePayment fails with ErrConflict if the violation
	// already has a different completed payment; on success it sets the
	// violation's payment_status to paid in the same transaction.
	// RefundPayment requires completed and reopens the violation for
	// collection. MarkViolationOverdue is an idempotent no-op unless the
	// violation is pending and past its due date.
	CreatePayment(ctx context.Context, p *Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	ListPaymentsByViolation(ctx context.Context, violationID int64) ([]*Payment, error)
	CompletePayment(ctx context.Context, id int64, transactionID string, at time.Time) error
	FailPayment(ctx context.Context, id int64) error
	RefundPayment(ctx context.Context, id int64) error
	MarkViolationOverdue(ctx context.Context, id int64, now time.Time) error

	// SweepOverdue flips every pending violation past its due date to
	// overdue and reports how many rows changed. Safe to re-run.
	SweepOverdue(ctx context.Context, now time.Time) (int64, error)

	// Read-side aggregation. Both reflect one consistent snapshot.
	StatisticsByType(ctx context.Context) ([]TypeStats, error)
	ViolationSummary(ctx context.Context, id int64) (*ViolationSummary, error)
}
