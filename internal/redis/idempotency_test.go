package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewEvent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "cam3/frame-001.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new event, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateEvent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// First ingestion reserves
	if _, err := svc.CheckOrReserve(ctx, "cam3/frame-001.jpg"); err != nil {
		t.Fatalf("first event failed: %v", err)
	}

	// Redelivery while in flight
	if _, err := svc.CheckOrReserve(ctx, "cam3/frame-001.jpg"); err != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		ViolationID: 42,
		CreatedAt:   time.Now().Unix(),
	}

	if err := svc.Store(ctx, "cam3/frame-001.jpg", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "cam3/frame-001.jpg")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.ViolationID != 42 {
		t.Errorf("expected violation 42, got %d", result.ViolationID)
	}
}

func TestIdempotencyService_DistinctEvidenceRefs(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "cam1/frame-001.jpg"); err != nil {
		t.Fatalf("first event failed: %v", err)
	}

	// A different frame is a different event
	result, err := svc.CheckOrReserve(ctx, "cam2/frame-001.jpg")
	if err != nil {
		t.Fatalf("second event should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("second event should get nil (new event)")
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Reserve
	reserved, err := svc.Reserve(ctx, "cam3/frame-002.jpg")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	// Store result
	if err := svc.Store(ctx, "cam3/frame-002.jpg", &IdempotencyResult{
		ViolationID: 7,
	}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Check returns stored result
	cached, err := svc.Check(ctx, "cam3/frame-002.jpg")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached.ViolationID != 7 {
		t.Errorf("expected violation 7, got %d", cached.ViolationID)
	}
}

func TestIdempotencyService_ReleaseReopensEvent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "cam3/frame-003.jpg"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Ingestion failed; release the reservation
	if err := svc.Release(ctx, "cam3/frame-003.jpg"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// The event can be retried
	result, err := svc.CheckOrReserve(ctx, "cam3/frame-003.jpg")
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("retry should get nil (new event)")
	}
}
