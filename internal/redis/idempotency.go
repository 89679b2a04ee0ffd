package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long processed detection events are remembered.
	// Detectors re-emit the same frame on reconnect, so a day of dedup
	// covers any realistic retry horizon.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while an event is being recorded.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateEvent indicates a detection event that was already ingested.
var ErrDuplicateEvent = errors.New("duplicate detection event")

// IdempotencyResult stores the violation created for an ingested event.
type IdempotencyResult struct {
	ViolationID int64 `json:"violation_id"`
	CreatedAt   int64 `json:"created_at"`
}

// IdempotencyService deduplicates detection events using Redis. Events are
// keyed by their evidence reference, which the detector derives from the
// captured frame and therefore repeats on redelivery.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(evidenceRef string) string {
	return fmt.Sprintf("detection:%s", evidenceRef)
}

// Check retrieves the cached result for an evidence reference.
// Returns (nil, nil) if the event is new, (result, nil) if already
// ingested, or ErrDuplicateEvent if ingestion is currently in flight.
func (s *IdempotencyService) Check(ctx context.Context, evidenceRef string) (*IdempotencyResult, error) {
	key := s.buildKey(evidenceRef)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateEvent
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("detection event already ingested",
		zap.String("evidence_ref", evidenceRef),
		zap.Int64("violation_id", result.ViolationID),
	)

	return &result, nil
}

// Store saves the violation created for an ingested event.
func (s *IdempotencyService) Store(ctx context.Context, evidenceRef string, result *IdempotencyResult) error {
	key := s.buildKey(evidenceRef)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an ingestion lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if the key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, evidenceRef string) (bool, error) {
	key := s.buildKey(evidenceRef)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for an existing result or reserves the
// key. Returns the cached result if found, nil if reserved successfully,
// or ErrDuplicateEvent if another ingestion holds the lock.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, evidenceRef string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, evidenceRef)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, evidenceRef)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateEvent
	}

	return nil, nil
}

// Release drops a reserved key after a failed ingestion so the event can be
// retried immediately.
func (s *IdempotencyService) Release(ctx context.Context, evidenceRef string) error {
	return s.client.rdb.Del(ctx, s.buildKey(evidenceRef)).Err()
}
