package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rahulvn/vigil/internal/store"
)

// StatisticsByType recomputes the per-type aggregates from source rows in a
// single statement, which is one consistent snapshot under READ COMMITTED.
func (s *Store) StatisticsByType(ctx context.Context) ([]store.TypeStats, error) {
	query := `
		SELECT violation_type,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE payment_status = 'paid'),
		       COUNT(*) FILTER (WHERE payment_status = 'pending'),
		       COALESCE(SUM(fine_amount), 0),
		       COALESCE(SUM(fine_amount) FILTER (WHERE payment_status = 'paid'), 0)
		FROM violations
		GROUP BY violation_type
		ORDER BY violation_type
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, ioErr("query statistics", err)
	}
	defer rows.Close()

	var stats []store.TypeStats
	for rows.Next() {
		var st store.TypeStats
		if err := rows.Scan(&st.Type, &st.Total, &st.Paid, &st.Pending, &st.FineTotal, &st.PaidTotal); err != nil {
			return nil, ioErr("scan statistics", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate statistics", err)
	}
	return stats, nil
}

// ViolationSummary joins the violation with its party and latest completed
// payment in one statement so the derived status and the stored status come
// from the same snapshot.
func (s *Store) ViolationSummary(ctx context.Context, id int64) (*store.ViolationSummary, error) {
	query := `
		SELECT v.id, v.plate, COALESCE(o.owner_name, ''), COALESCE(o.email, ''),
		       v.violation_type, v.fine_amount, v.location, v.payment_status,
		       v.created_at,
		       p.id, p.violation_id, p.amount, p.payment_method,
		       p.transaction_id, p.status, p.payment_date, p.created_at
		FROM violations v
		LEFT JOIN parties o ON o.plate = v.plate
		LEFT JOIN LATERAL (
			SELECT * FROM payments
			WHERE violation_id = v.id AND status = 'completed'
			ORDER BY id DESC
			LIMIT 1
		) p ON TRUE
		WHERE v.id = $1
	`

	var summary store.ViolationSummary
	var payID *int64
	var payViolationID *int64
	var payAmount *float64
	var payMethod, payStatus *string
	var payTxID *string
	var payDate, payCreated *time.Time

	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&summary.ViolationID, &summary.Plate, &summary.OwnerName, &summary.OwnerEmail,
		&summary.Type, &summary.FineAmount, &summary.Location, &summary.PaymentStatus,
		&summary.CreatedAt,
		&payID, &payViolationID, &payAmount, &payMethod,
		&payTxID, &payStatus, &payDate, &payCreated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("violation %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("query summary", err)
	}

	summary.DerivedStatus = store.DerivedUnpaid
	if payID != nil {
		summary.DerivedStatus = store.DerivedPaid
		summary.LatestPayment = &store.Payment{
			ID:            *payID,
			ViolationID:   *payViolationID,
			Amount:        *payAmount,
			Method:        *payMethod,
			TransactionID: payTxID,
			Status:        *payStatus,
			PaymentDate:   payDate,
			CreatedAt:     *payCreated,
		}
	}
	return &summary, nil
}
