package crm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, cache IdempotencyCache) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "crm.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Call{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000100, 0) },
		Cache:    cache,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func samplePayload(key string) calls.CreateCallPayload {
	duration := 95
	outcome := "interested"
	return calls.CreateCallPayload{
		UserLeadID:     5,
		UserID:         1,
		CallDate:       time.Unix(1700000000, 0).UTC(),
		Duration:       &duration,
		Outcome:        &outcome,
		IdempotencyKey: key,
	}
}

func TestCreateCallStoresNewCall(t *testing.T) {
	service, db := newTestService(t, nil)

	outcome, err := service.CreateCall(context.Background(), samplePayload("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Duplicate {
		t.Fatalf("first delivery must not be reported as duplicate")
	}
	if outcome.Call.ID <= 0 {
		t.Fatalf("expected server-assigned id, got %d", outcome.Call.ID)
	}

	var stored Call
	if err := db.Take(&stored, outcome.Call.ID).Error; err != nil {
		t.Fatalf("failed to load stored call: %v", err)
	}
	if stored.UserLeadID != 5 || stored.UserID != 1 {
		t.Fatalf("unexpected stored references: %+v", stored)
	}
	if stored.DurationSeconds == nil || *stored.DurationSeconds != 95 {
		t.Fatalf("expected duration to be stored")
	}
}

func TestCreateCallConvergesRepeatedIdempotencyKey(t *testing.T) {
	service, db := newTestService(t, nil)

	first, err := service.CreateCall(context.Background(), samplePayload("key-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.CreateCall(context.Background(), samplePayload("key-1"))
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected redelivery to be reported as duplicate")
	}
	if second.Call.ID != first.Call.ID {
		t.Fatalf("expected redelivery to return original id %d, got %d", first.Call.ID, second.Call.ID)
	}

	var count int64
	if err := db.Model(&Call{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count calls: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one stored call, got %d", count)
	}
}

func TestCreateCallWithoutKeyInsertsEveryDelivery(t *testing.T) {
	service, db := newTestService(t, nil)

	for i := 0; i < 2; i++ {
		if _, err := service.CreateCall(context.Background(), samplePayload("")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	var count int64
	if err := db.Model(&Call{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count calls: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected keyless deliveries to insert separately, got %d", count)
	}
}

func TestCreateCallRejectsInvalidPayload(t *testing.T) {
	service, _ := newTestService(t, nil)
	payload := samplePayload("key-1")
	payload.UserLeadID = 0

	_, err := service.CreateCall(context.Background(), payload)
	if !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "crm.create_call.invalid_call" {
		t.Fatalf("unexpected service error code: %v", err)
	}
}

func TestCreateCallRequiresDatabase(t *testing.T) {
	service := &Service{}
	_, err := service.CreateCall(context.Background(), samplePayload("key-1"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "crm.create_call.missing_database" {
		t.Fatalf("expected missing database code, got %v", err)
	}
}

func TestCreateCallUsesRedisIdempotencyCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisIdempotencyCacheWithClient(client, time.Hour)

	service, _ := newTestService(t, cache)
	first, err := service.CreateCall(context.Background(), samplePayload("key-redis"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	callID, found, err := cache.Lookup(context.Background(), 1, "key-redis")
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	if !found || callID != first.Call.ID {
		t.Fatalf("expected cache to remember call %d, got %d (found=%v)", first.Call.ID, callID, found)
	}
	if ttl := server.TTL(cache.key(1, "key-redis")); ttl != time.Hour {
		t.Fatalf("expected one hour ttl, got %s", ttl)
	}

	second, err := service.CreateCall(context.Background(), samplePayload("key-redis"))
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if !second.Duplicate || second.Call.ID != first.Call.ID {
		t.Fatalf("expected cached duplicate of %d, got %+v", first.Call.ID, second)
	}
}

func TestCreateCallFallsBackWhenCacheUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisIdempotencyCacheWithClient(client, time.Hour)
	service, _ := newTestService(t, cache)

	first, err := service.CreateCall(context.Background(), samplePayload("key-down"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server.Close()

	second, err := service.CreateCall(context.Background(), samplePayload("key-down"))
	if err != nil {
		t.Fatalf("expected database fallback when cache is down: %v", err)
	}
	if !second.Duplicate || second.Call.ID != first.Call.ID {
		t.Fatalf("expected database to converge the duplicate, got %+v", second)
	}
}

func TestRedisIdempotencyCacheMissesUnknownKey(t *testing.T) {
	server := miniredis.RunT(t)
	cache, err := NewRedisIdempotencyCache(context.Background(), server.Addr(), 0)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	_, found, err := cache.Lookup(context.Background(), 7, "unknown")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if found {
		t.Fatalf("expected miss for unknown key")
	}
	if cache.ttl != defaultIdempotencyTTL {
		t.Fatalf("expected default ttl, got %s", cache.ttl)
	}
}
