// Package reporting builds read-only aggregate views over violations,
// notifications and payments. Views are computed on demand from current
// rows; nothing here mutates state.
package reporting

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/store"
)

// Service is the reconciliation view builder.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// New creates a reporting service.
func New(st store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// StatisticsByType returns per-type violation counts, notification coverage
// and fine totals. Types with no violations are absent from the result.
func (s *Service) StatisticsByType(ctx context.Context) ([]store.TypeStats, error) {
	return s.store.StatisticsByType(ctx)
}

// ViolationSummary assembles the full picture for one violation: the
// violation row, its registered party if the plate resolves, and the latest
// completed payment. The derived status is "paid" exactly when a completed
// payment exists, so a refund flips it back to "unpaid".
func (s *Service) ViolationSummary(ctx context.Context, violationID int64) (*store.ViolationSummary, error) {
	if violationID <= 0 {
		return nil, fmt.Errorf("violation id must be positive: %w", store.ErrValidation)
	}
	return s.store.ViolationSummary(ctx, violationID)
}
