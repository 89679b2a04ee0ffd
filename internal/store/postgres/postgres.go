// Package postgres implements store.Store on PostgreSQL via pgx. Row-scoped
// transactions around violation + child-record updates provide the
// per-violation linearizability the engine relies on.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/db"
	"github.com/rahulvn/vigil/internal/store"
)

// Store is the production store backed by a pgx connection pool.
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// New creates a postgres-backed store.
func New(database *db.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger,
	}
}

// ioErr wraps a driver error so callers can match store.ErrStoreUnavailable
// while keeping the underlying cause in the chain.
func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, err, store.ErrStoreUnavailable)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) UpsertParty(ctx context.Context, p *store.Party) error {
	query := `
		INSERT INTO parties (plate, owner_name, email, phone, address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plate) DO UPDATE SET
			owner_name = EXCLUDED.owner_name,
			email      = EXCLUDED.email,
			phone      = EXCLUDED.phone,
			address    = EXCLUDED.address,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		p.Plate, p.OwnerName, p.Email, p.Phone, p.Address,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to upsert party",
			zap.Error(err),
			zap.String("plate", p.Plate),
		)
		return ioErr("upsert party", err)
	}
	return nil
}

func (s *Store) GetParty(ctx context.Context, plate string) (*store.Party, error) {
	query := `
		SELECT plate, owner_name, email, phone, address, created_at, updated_at
		FROM parties
		WHERE plate = $1
	`

	var p store.Party
	err := s.db.Pool().QueryRow(ctx, query, plate).Scan(
		&p.Plate, &p.OwnerName, &p.Email, &p.Phone, &p.Address,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("party %s: %w", plate, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query party", err)
	}
	return &p, nil
}

const violationColumns = `
	id, plate, violation_type, fine_amount, location, evidence_reference,
	processed, notification_sent, payment_status, payment_due_date, created_at
`

func scanViolation(row pgx.Row) (*store.Violation, error) {
	var v store.Violation
	err := row.Scan(
		&v.ID, &v.Plate, &v.Type, &v.FineAmount, &v.Location, &v.EvidenceRef,
		&v.Processed, &v.NotificationSent, &v.PaymentStatus, &v.PaymentDueDate,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) CreateViolation(ctx context.Context, v *store.Violation) (int64, error) {
	query := `
		INSERT INTO violations (
			plate, violation_type, fine_amount, location, evidence_reference,
			payment_status, payment_due_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		v.Plate, v.Type, v.FineAmount, v.Location, v.EvidenceRef,
		v.PaymentStatus, v.PaymentDueDate,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		s.logger.Error("failed to create violation",
			zap.Error(err),
			zap.String("violation_type", v.Type),
		)
		return 0, ioErr("insert violation", err)
	}

	s.logger.Info("violation recorded",
		zap.Int64("violation_id", v.ID),
		zap.String("violation_type", v.Type),
		zap.Float64("fine_amount", v.FineAmount),
	)
	return v.ID, nil
}

func (s *Store) GetViolation(ctx context.Context, id int64) (*store.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations WHERE id = $1`

	v, err := scanViolation(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query violation", err)
	}
	return v, nil
}

func (s *Store) ListViolationsByPlate(ctx context.Context, plate string) ([]*store.Violation, error) {
	query := `
		SELECT ` + violationColumns + `
		FROM violations
		WHERE plate = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.Pool().Query(ctx, query, plate)
	if err != nil {
		return nil, ioErr("query violations", err)
	}
	defer rows.Close()

	var violations []*store.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, ioErr("scan violation", err)
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate violations", err)
	}
	return violations, nil
}

func (s *Store) MarkViolationProcessed(ctx context.Context, id int64) error {
	result, err := s.db.Pool().Exec(ctx,
		`UPDATE violations SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return ioErr("mark violation processed", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	return nil
}
