//go:build integration

package lock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	uri, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLockerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newRedisLocker(startRedis(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ok, err := l.Acquire(ctx, "inventory/staging", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	ok, err = l.Acquire(ctx, "inventory/staging", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected busy, got %v %v", ok, err)
	}
	ok, err = l.Acquire(ctx, "inventory/staging", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected re-acquire by owner to extend, got %v %v", ok, err)
	}
	if ok, _ := l.Refresh(ctx, "inventory/staging", "b", time.Minute); ok {
		t.Fatal("non-owner refresh must fail")
	}
	owner, held, err := l.Owner(ctx, "inventory/staging")
	if err != nil || !held || owner != "a" {
		t.Fatalf("unexpected owner %q %v %v", owner, held, err)
	}
	if err := l.Release(ctx, "inventory/staging", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := l.Owner(ctx, "inventory/staging"); !held {
		t.Fatal("non-owner release must not drop the lease")
	}
	if err := l.Release(ctx, "inventory/staging", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := l.Owner(ctx, "inventory/staging"); held {
		t.Fatal("expected lease to be released")
	}
}
