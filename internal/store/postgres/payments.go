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

const paymentColumns = `
	id, violation_id, amount, payment_method, transaction_id, status,
	payment_date, created_at
`

func scanPayment(row pgx.Row) (*store.Payment, error) {
	var p store.Payment
	err := row.Scan(
		&p.ID, &p.ViolationID, &p.Amount, &p.Method, &p.TransactionID,
		&p.Status, &p.PaymentDate, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *store.Payment) (int64, error) {
	query := `
		INSERT INTO payments (violation_id, amount, payment_method, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	status := p.Status
	if status == "" {
		status = store.PayPending
	}

	err := s.db.Pool().QueryRow(ctx, query,
		p.ViolationID, p.Amount, p.Method, status,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return 0, ioErr("insert payment", err)
	}

	p.Status = status
	s.logger.Info("payment attempt recorded",
		zap.Int64("payment_id", p.ID),
		zap.Int64("violation_id", p.ViolationID),
		zap.Float64("amount", p.Amount),
	)
	return p.ID, nil
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*store.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query payment", err)
	}
	return p, nil
}

func (s *Store) ListPaymentsByViolation(ctx context.Context, violationID int64) ([]*store.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE violation_id = $1 ORDER BY id`

	rows, err := s.db.Pool().Query(ctx, query, violationID)
	if err != nil {
		return nil, ioErr("query payments", err)
	}
	defer rows.Close()

	var payments []*store.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, ioErr("scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate payments", err)
	}
	return payments, nil
}

// CompletePayment settles a pending payment. The violation row is locked
// first so concurrent settlements against the same violation serialize and
// exactly one can win.
func (s *Store) CompletePayment(ctx context.Context, id int64, transactionID string, at time.Time) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var violationID int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT violation_id, status FROM payments WHERE id = $1`, id,
	).Scan(&violationID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return ioErr("query payment", err)
	}
	if status != store.PayPending {
		return fmt.Errorf("payment %d is %s: %w", id, status, store.ErrInvalidState)
	}

	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM violations WHERE id = $1 FOR UPDATE`, violationID); err != nil {
		return ioErr("lock violation", err)
	}

	var alreadySettled bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE violation_id = $1 AND status = 'completed' AND id <> $2
		)
	`, violationID, id).Scan(&alreadySettled)
	if err != nil {
		return ioErr("check settlement", err)
	}
	if alreadySettled {
		return fmt.Errorf("violation %d already settled: %w", violationID, store.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'completed', transaction_id = $2, payment_date = $3
		WHERE id = $1
	`, id, transactionID, at); err != nil {
		return ioErr("complete payment", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE violations SET payment_status = 'paid' WHERE id = $1`, violationID); err != nil {
		return ioErr("mark violation paid", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ioErr("commit transaction", err)
	}

	s.logger.Info("payment settled",
		zap.Int64("payment_id", id),
		zap.Int64("violation_id", violationID),
		zap.String("transaction_id", transactionID),
	)
	return nil
}

func (s *Store) FailPayment(ctx context.Context, id int64) error {
	result, err := s.db.Pool().Exec(ctx,
		`UPDATE payments SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return ioErr("fail payment", err)
	}
	if result.RowsAffected() == 0 {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("payment %d is %s: %w", id, p.Status, store.ErrInvalidState)
	}
	return nil
}

// RefundPayment reverses a completed payment and reopens the violation for
// collection in the same transaction.
func (s *Store) RefundPayment(ctx context.Context, id int64) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var violationID int64
	err = tx.QueryRow(ctx, `
		UPDATE payments SET status = 'refunded'
		WHERE id = $1 AND status = 'completed'
		RETURNING violation_id
	`, id).Scan(&violationID)
	if errors.Is(err, pgx.ErrNoRows) {
		p, getErr := s.GetPayment(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("payment %d is %s, refund requires completed: %w",
			id, p.Status, store.ErrInvalidState)
	}
	if err != nil {
		return ioErr("refund payment", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE violations SET payment_status = 'pending' WHERE id = $1`, violationID); err != nil {
		return ioErr("reopen violation", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ioErr("commit transaction", err)
	}

	s.logger.Info("payment refunded",
		zap.Int64("payment_id", id),
		zap.Int64("violation_id", violationID),
	)
	return nil
}

func (s *Store) SweepOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE violations SET payment_status = 'overdue'
		WHERE payment_status = 'pending'
		  AND payment_due_date IS NOT NULL AND payment_due_date < $1
	`, now)
	if err != nil {
		return 0, ioErr("sweep overdue", err)
	}
	return result.RowsAffected(), nil
}

func (s *Store) MarkViolationOverdue(ctx context.Context, id int64, now time.Time) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE violations SET payment_status = 'overdue'
		WHERE id = $1 AND payment_status = 'pending'
		  AND payment_due_date IS NOT NULL AND payment_due_date < $2
	`, id, now)
	if err != nil {
		return ioErr("mark violation overdue", err)
	}
	if result.RowsAffected() == 0 {
		// Already overdue, paid, waived, or not yet due: a no-op. Only a
		// missing row is an error.
		var exists bool
		if err := s.db.Pool().QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM violations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return ioErr("query violation", err)
		}
		if !exists {
			return fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
		}
	}
	return nil
}
