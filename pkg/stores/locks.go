package stores

import (
	"context"
	"sync"
)

// KeyedLock serializes producers of one key within a process. Store
// backends compose it with their own cross-process mechanism where one
// exists.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyedLock creates an empty keyed lock set.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[string]chan struct{})}
}

// Acquire takes the lock for key, blocking until the key is free or the
// context is done. The returned release function is safe to call more
// than once.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		waitCh, taken := l.held[key]
		if !taken {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}
			return release, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
			// Holder released, contend again.
		}
	}
}
