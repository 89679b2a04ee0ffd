// Package registry owns the Party and Violation lifecycle: creating and
// updating registered parties, recording detected violations and the
// read-side lookups over both. Violations are never hard-deleted; they are
// retained for audit.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/metrics"
	"github.com/rahulvn/vigil/internal/store"
)

// ViolationType describes a recognized violation category and its default
// fine.
type ViolationType struct {
	Code        string
	Description string
	FineAmount  float64
	Severity    string
}

// Catalog is the set of recognized violation types. RecordViolation rejects
// anything outside it, and falls back to the catalog fine when the detector
// supplies no amount.
var Catalog = map[string]ViolationType{
	"no_helmet": {
		Code:        "VIO001",
		Description: "Riding without helmet",
		FineAmount:  100.00,
		Severity:    "high",
	},
	"triple_riding": {
		Code:        "VIO002",
		Description: "Triple riding on motorcycle",
		FineAmount:  150.00,
		Severity:    "medium",
	},
	"no_license_plate": {
		Code:        "VIO003",
		Description: "Missing or unreadable license plate",
		FineAmount:  200.00,
		Severity:    "high",
	},
}

// Config holds registry policy.
type Config struct {
	// PaymentDuePeriod is how long a party has to pay before the overdue
	// sweep flips the violation. Default 30 days.
	PaymentDuePeriod time.Duration
}

// Service is the Registry Store.
type Service struct {
	store  store.Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry service.
func New(st store.Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.PaymentDuePeriod == 0 {
		cfg.PaymentDuePeriod = 30 * 24 * time.Hour
	}
	return &Service{
		store:  st,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// UpsertParty creates or updates the party registered for a plate.
func (s *Service) UpsertParty(ctx context.Context, p *store.Party) error {
	if p.Plate == "" {
		return fmt.Errorf("plate is required: %w", store.ErrValidation)
	}
	return s.store.UpsertParty(ctx, p)
}

// GetParty looks up a registered party by plate.
func (s *Service) GetParty(ctx context.Context, plate string) (*store.Party, error) {
	return s.store.GetParty(ctx, plate)
}

// RecordViolation creates a violation in its initial state:
// unprocessed, not notified, payment pending, due date set from policy.
// A zero amount takes the catalog default for the type.
func (s *Service) RecordViolation(ctx context.Context, plate *string, violationType string, amount float64, location, evidenceRef string) (int64, error) {
	vt, ok := Catalog[violationType]
	if !ok {
		return 0, fmt.Errorf("unrecognized violation type %q: %w", violationType, store.ErrValidation)
	}
	if amount < 0 {
		return 0, fmt.Errorf("fine amount must be non-negative: %w", store.ErrValidation)
	}
	if amount == 0 {
		amount = vt.FineAmount
	}

	dueDate := s.now().Add(s.config.PaymentDuePeriod)
	v := &store.Violation{
		Plate:          plate,
		Type:           violationType,
		FineAmount:     amount,
		Location:       location,
		EvidenceRef:    evidenceRef,
		PaymentStatus:  store.PaymentPending,
		PaymentDueDate: &dueDate,
	}

	id, err := s.store.CreateViolation(ctx, v)
	if err != nil {
		return 0, err
	}

	metrics.RecordViolation(violationType)
	s.logger.Info("violation recorded",
		zap.Int64("violation_id", id),
		zap.String("violation_type", violationType),
		zap.String("code", vt.Code),
	)
	return id, nil
}

// MarkProcessed flags a violation as processed. Idempotent.
func (s *Service) MarkProcessed(ctx context.Context, id int64) error {
	return s.store.MarkViolationProcessed(ctx, id)
}

// GetViolation returns a single violation.
func (s *Service) GetViolation(ctx context.Context, id int64) (*store.Violation, error) {
	return s.store.GetViolation(ctx, id)
}

// ListViolationsByPlate returns a plate's violations, newest first.
func (s *Service) ListViolationsByPlate(ctx context.Context, plate string) ([]*store.Violation, error) {
	if plate == "" {
		return nil, fmt.Errorf("plate is required: %w", store.ErrValidation)
	}
	return s.store.ListViolationsByPlate(ctx, plate)
}
