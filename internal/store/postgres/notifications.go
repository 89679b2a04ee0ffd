package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/store"
)

const notificationColumns = `
	id, violation_id, notification_type, recipient_email, status, retry_count,
	last_attempt, next_attempt_at, lease_token, lease_expires_at, created_at
`

func scanNotification(row pgx.Row) (*store.Notification, error) {
	var n store.Notification
	err := row.Scan(
		&n.ID, &n.ViolationID, &n.Type, &n.RecipientEmail, &n.Status,
		&n.RetryCount, &n.LastAttempt, &n.NextAttemptAt, &n.LeaseToken,
		&n.LeaseExpiresAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification relies on the partial unique index over live
// notifications to enforce at most one live record per (violation, type).
func (s *Store) CreateNotification(ctx context.Context, n *store.Notification) (int64, error) {
	query := `
		INSERT INTO notifications (violation_id, notification_type, recipient_email, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	status := n.Status
	if status == "" {
		status = store.StatusPending
	}

	err := s.db.Pool().QueryRow(ctx, query,
		n.ViolationID, n.Type, n.RecipientEmail, status,
	).Scan(&n.ID, &n.CreatedAt)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("live %s notification exists for violation %d: %w",
			n.Type, n.ViolationID, store.ErrConflict)
	}
	if err != nil {
		return 0, ioErr("insert notification", err)
	}

	n.Status = status
	s.logger.Info("notification scheduled",
		zap.Int64("notification_id", n.ID),
		zap.Int64("violation_id", n.ViolationID),
		zap.String("notification_type", n.Type),
	)
	return n.ID, nil
}

func (s *Store) GetNotification(ctx context.Context, id int64) (*store.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query notification", err)
	}
	return n, nil
}

func (s *Store) ListNotificationsByStatus(ctx context.Context, status string, limit int) ([]*store.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, ioErr("query notifications", err)
	}
	defer rows.Close()

	var notifications []*store.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, ioErr("scan notification", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate notifications", err)
	}
	return notifications, nil
}

func (s *Store) ClaimNotification(ctx context.Context, id int64, now time.Time, leaseTTL time.Duration) (*store.Notification, string, error) {
	query := `
		UPDATE notifications
		SET lease_token = gen_random_uuid()::text, lease_expires_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'failed')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
		RETURNING ` + notificationColumns

	n, err := scanNotification(s.db.Pool().QueryRow(ctx, query, id, now.Add(leaseTTL), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", s.diagnoseClaimFailure(ctx, id)
	}
	if err != nil {
		return nil, "", ioErr("claim notification", err)
	}
	return n, *n.LeaseToken, nil
}

// diagnoseClaimFailure distinguishes why a conditional claim matched no row.
func (s *Store) diagnoseClaimFailure(ctx context.Context, id int64) error {
	var status string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return ioErr("query notification status", err)
	}
	if status == store.StatusSent || status == store.StatusAbandoned {
		return fmt.Errorf("notification %d is %s: %w", id, status, store.ErrInvalidState)
	}
	return fmt.Errorf("notification %d has an active lease: %w", id, store.ErrConflict)
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*store.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY id
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, ioErr("query due notifications", err)
	}
	defer rows.Close()

	var due []*store.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, ioErr("scan due notification", err)
		}
		due = append(due, n)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate due notifications", err)
	}
	return due, nil
}

// ClaimDueNotifications uses SKIP LOCKED so concurrent sweeps partition the
// due pool instead of blocking on each other.
func (s *Store) ClaimDueNotifications(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]*store.Notification, error) {
	query := `
		UPDATE notifications
		SET lease_token = gen_random_uuid()::text, lease_expires_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'pending'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	rows, err := s.db.Pool().Query(ctx, query, now.Add(leaseTTL), now, limit)
	if err != nil {
		return nil, ioErr("claim due notifications", err)
	}
	defer rows.Close()

	var claimed []*store.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, ioErr("scan claimed notification", err)
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate claimed notifications", err)
	}
	return claimed, nil
}

func (s *Store) ReleaseNotification(ctx context.Context, id int64, token string) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2
	`, id, token)
	if err != nil {
		return ioErr("release notification", err)
	}
	if result.RowsAffected() == 0 {
		return s.diagnoseLeaseFailure(ctx, id)
	}
	return nil
}

func (s *Store) diagnoseLeaseFailure(ctx context.Context, id int64) error {
	var status string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return ioErr("query notification status", err)
	}
	if status == store.StatusSent || status == store.StatusAbandoned {
		return fmt.Errorf("notification %d is %s: %w", id, status, store.ErrInvalidState)
	}
	return fmt.Errorf("stale lease for notification %d: %w", id, store.ErrConflict)
}

// MarkNotificationSent finalizes the attempt and flips the violation's
// notification_sent flag in one transaction.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64, token string, at time.Time) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var violationID int64
	err = tx.QueryRow(ctx, `
		UPDATE notifications
		SET status = 'sent', last_attempt = $3, next_attempt_at = NULL,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2 AND status NOT IN ('sent', 'abandoned')
		RETURNING violation_id
	`, id, token, at).Scan(&violationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.diagnoseLeaseFailure(ctx, id)
	}
	if err != nil {
		return ioErr("mark notification sent", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE violations SET notification_sent = TRUE WHERE id = $1`, violationID); err != nil {
		return ioErr("flag violation notified", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ioErr("commit transaction", err)
	}

	s.logger.Info("notification sent",
		zap.Int64("notification_id", id),
		zap.Int64("violation_id", violationID),
	)
	return nil
}

func (s *Store) RescheduleNotification(ctx context.Context, id int64, token string, retryCount int, at, next time.Time) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = 'pending', retry_count = $3, last_attempt = $4,
		    next_attempt_at = $5, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2
		  AND status NOT IN ('sent', 'abandoned') AND retry_count <= $3
	`, id, token, retryCount, at, next)
	if err != nil {
		return ioErr("reschedule notification", err)
	}
	if result.RowsAffected() == 0 {
		return s.diagnoseLeaseFailure(ctx, id)
	}
	return nil
}

func (s *Store) AbandonNotification(ctx context.Context, id int64, token string, retryCount int, at time.Time) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = 'abandoned', retry_count = $3, last_attempt = $4,
		    next_attempt_at = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2
		  AND status NOT IN ('sent', 'abandoned') AND retry_count <= $3
	`, id, token, retryCount, at)
	if err != nil {
		return ioErr("abandon notification", err)
	}
	if result.RowsAffected() == 0 {
		return s.diagnoseLeaseFailure(ctx, id)
	}

	s.logger.Warn("notification abandoned",
		zap.Int64("notification_id", id),
		zap.Int("retry_count", retryCount),
	)
	return nil
}

func (s *Store) CreateReminder(ctx context.Context, r *store.PaymentReminder) (int64, error) {
	query := `
		INSERT INTO payment_reminders (violation_id, reminder_type, scheduled_date)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		r.ViolationID, r.Type, r.ScheduledDate,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return 0, ioErr("insert reminder", err)
	}
	return r.ID, nil
}

func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]*store.PaymentReminder, error) {
	query := `
		SELECT id, violation_id, reminder_type, scheduled_date, sent, created_at
		FROM payment_reminders
		WHERE sent = FALSE AND scheduled_date <= $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, ioErr("query due reminders", err)
	}
	defer rows.Close()

	var reminders []*store.PaymentReminder
	for rows.Next() {
		var r store.PaymentReminder
		if err := rows.Scan(&r.ID, &r.ViolationID, &r.Type, &r.ScheduledDate, &r.Sent, &r.CreatedAt); err != nil {
			return nil, ioErr("scan reminder", err)
		}
		reminders = append(reminders, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate reminders", err)
	}
	return reminders, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, id int64) error {
	result, err := s.db.Pool().Exec(ctx,
		`UPDATE payment_reminders SET sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return ioErr("mark reminder sent", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("reminder %d: %w", id, store.ErrNotFound)
	}
	return nil
}
