//go:build integration

package stores

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// setupRedisStore connects to the Redis named by FERRITE_REDIS_ADDR
// under a unique key prefix.
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("FERRITE_REDIS_ADDR")
	if addr == "" {
		t.Skip("FERRITE_REDIS_ADDR not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, RedisConfig{
		Addr:             addr,
		KeyPrefix:        fmt.Sprintf("ferrite-test-%d:", time.Now().UnixNano()),
		TTL:              time.Minute,
		LockPollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		artifacts, err := store.List(cleanupCtx)
		if err == nil {
			for _, a := range artifacts {
				_ = store.Delete(cleanupCtx, a.Fingerprint)
			}
		}
		_ = store.Close()
	})

	return store
}

func TestRedisStoreRoundTrip_Integration(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	// Miss before store
	if _, ok, err := store.Lookup(ctx, "absent"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	src := filepath.Join(t.TempDir(), "libz.a")
	if err := os.WriteFile(src, []byte("archive bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := &engine.Artifact{
		Ref:         "zlib/1.3.1",
		Fingerprint: "fp-redis-1",
		Path:        src,
		Info:        &engine.PackageInfo{Libs: []string{"z"}},
	}
	if err := store.Store(ctx, a); err != nil {
		t.Fatalf("failed to store artifact: %v", err)
	}

	got, ok, err := store.Lookup(ctx, a.Fingerprint)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after store")
	}
	if got.Size != int64(len("archive bytes")) {
		t.Errorf("expected size %d, got %d", len("archive bytes"), got.Size)
	}
	if got.Info == nil || len(got.Info.Libs) != 1 {
		t.Errorf("expected package info to round-trip, got %+v", got.Info)
	}

	rc, err := store.Open(ctx, a.Fingerprint)
	if err != nil {
		t.Fatalf("failed to open content: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("failed to read content: %v", err)
	}
	if string(content) != "archive bytes" {
		t.Errorf("unexpected content: %q", content)
	}

	if err := store.Delete(ctx, a.Fingerprint); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, ok, _ := store.Lookup(ctx, a.Fingerprint); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisStoreListStats_Integration(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := &engine.Artifact{
			Ref:         "pkg/1.0",
			Fingerprint: fmt.Sprintf("fp-list-%d", i),
			Size:        100,
		}
		if err := store.Store(ctx, a); err != nil {
			t.Fatalf("failed to store artifact: %v", err)
		}
	}

	artifacts, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(artifacts))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Artifacts != 3 || stats.TotalSize != 300 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRedisStoreLock_Integration(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	release, err := store.Lock(ctx, "fp-lock-1")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(waitCtx, "fp-lock-1"); err == nil {
		t.Fatal("expected second lock to time out while held")
	}

	release()

	release2, err := store.Lock(ctx, "fp-lock-1")
	if err != nil {
		t.Fatalf("failed to reacquire lock after release: %v", err)
	}
	release2()
}
