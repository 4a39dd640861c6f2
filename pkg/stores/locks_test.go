package stores

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedLock_Exclusion(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	entered := make(chan struct{})
	go func() {
		r2, err := lock.Acquire(ctx, "fp-1")
		if err != nil {
			t.Errorf("second acquire failed: %v", err)
			close(entered)
			return
		}
		close(entered)
		r2()
	}()

	select {
	case <-entered:
		t.Fatal("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestKeyedLock_IndependentKeys(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	r1, err := lock.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("failed to acquire fp-1: %v", err)
	}
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := lock.Acquire(ctx, "fp-2")
		if err != nil {
			t.Errorf("acquire fp-2 failed: %v", err)
		} else {
			r2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire of a different key blocked")
	}
}

func TestKeyedLock_ContextCancelled(t *testing.T) {
	lock := NewKeyedLock()

	release, err := lock.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := lock.Acquire(ctx, "fp-1")
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected cancellation error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestKeyedLock_ReleaseIsIdempotent(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	release()
	release() // must not panic or corrupt state

	r2, err := lock.Acquire(ctx, "fp-1")
	if err != nil {
		t.Fatalf("reacquire after double release failed: %v", err)
	}
	r2()
}

func TestKeyedLock_ManyContenders(t *testing.T) {
	lock := NewKeyedLock()
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := lock.Acquire(ctx, "fp-1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()

			release()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("expected at most 1 holder at a time, observed %d", maxInCritical)
	}
}
