package lock

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zairovarsen/telegram-bot/internal/cache"
	"github.com/zairovarsen/telegram-bot/internal/logging"
)

func setupTestManager(t *testing.T, maxAttempts int) (*Manager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create cache: %v", err)
	}

	logger := logging.NewWriterLogger(io.Discard)
	return NewManager(c, logger, time.Millisecond, maxAttempts), mr
}

func TestAcquireRelease(t *testing.T) {
	m, mr := setupTestManager(t, 3)
	defer mr.Close()

	ctx := context.Background()

	l, err := m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if !mr.Exists("lock:token:user:1") {
		t.Fatal("Lock key should exist after acquire")
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if mr.Exists("lock:token:user:1") {
		t.Fatal("Lock key should be gone after release")
	}

	// Release is idempotent
	if err := l.Release(ctx); err != nil {
		t.Errorf("Second release should be a no-op: %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	m, mr := setupTestManager(t, 3)
	defer mr.Close()

	ctx := context.Background()

	held, err := m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A second caller exhausts its retry budget
	_, err = m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("Expected ErrAcquireFailed, got %v", err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// After release the resource is acquirable again
	l, err := m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	l.Release(ctx)
}

func TestLateReleaseDoesNotStealLock(t *testing.T) {
	m, mr := setupTestManager(t, 3)
	defer mr.Close()

	ctx := context.Background()

	stale, err := m.Acquire(ctx, time.Second, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// The holder crashes and the key expires at the store level
	mr.FastForward(2 * time.Second)
	m.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	// A new caller takes over the expired resource
	fresh, err := m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}

	// The crashed holder's late release must be a no-op
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("Late release errored: %v", err)
	}

	if !mr.Exists("lock:token:user:1") {
		t.Fatal("Late release deleted the new holder's lock")
	}

	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestMultiResourceAcquire(t *testing.T) {
	m, mr := setupTestManager(t, 1)
	defer mr.Close()

	ctx := context.Background()

	l, err := m.Acquire(ctx, time.Minute, "lock:token:user:1", "lock:image:user:1")
	if err != nil {
		t.Fatalf("Multi-resource acquire failed: %v", err)
	}

	if !mr.Exists("lock:token:user:1") || !mr.Exists("lock:image:user:1") {
		t.Fatal("Both lock keys should exist")
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if mr.Exists("lock:token:user:1") || mr.Exists("lock:image:user:1") {
		t.Fatal("Both lock keys should be gone after release")
	}
}

func TestMultiResourcePartialContention(t *testing.T) {
	m, mr := setupTestManager(t, 1)
	defer mr.Close()

	ctx := context.Background()

	// Someone else holds the second resource
	if err := mr.Set("lock:image:user:1", "other-holder"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Acquire(ctx, time.Minute, "lock:token:user:1", "lock:image:user:1")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("Expected ErrAcquireFailed, got %v", err)
	}

	// The first resource must not be left set
	if mr.Exists("lock:token:user:1") {
		t.Fatal("Partial acquisition was not rolled back")
	}
}

func TestAcquireStoreError(t *testing.T) {
	m, mr := setupTestManager(t, 2)

	// Kill the store underneath the manager
	mr.Close()

	_, err := m.Acquire(context.Background(), time.Minute, "lock:token:user:1")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("Expected ErrAcquireFailed on store error, got %v", err)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	m, mr := setupTestManager(t, 1000)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())

	held, err := m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release(context.Background())

	cancel()

	_, err = m.Acquire(ctx, time.Minute, "lock:token:user:1")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("Expected ErrAcquireFailed on cancelled context, got %v", err)
	}
}
