// Package lock provides mutual exclusion across process boundaries via
// Redis set-if-absent keys. Handlers on different hosts contend for the
// same named resources; the key TTL bounds the damage of a crashed
// holder to the TTL window.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zairovarsen/telegram-bot/internal/logging"
)

// ErrAcquireFailed is returned when a lock could not be acquired within
// the manager's retry budget, or the underlying store failed. The
// caller must not proceed with the guarded mutation.
var ErrAcquireFailed = errors.New("lock acquisition failed")

// Store is the set-if-absent primitive the manager runs on.
// *cache.Cache satisfies it.
type Store interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Manager acquires and releases named locks.
type Manager struct {
	store       Store
	log         *logging.Logger
	retryDelay  time.Duration
	maxAttempts int

	now func() time.Time
}

// Lock is an acquired mutual-exclusion ticket spanning one or more
// resource names.
type Lock struct {
	manager   *Manager
	keys      []string
	token     string
	expiresAt time.Time
	released  bool
}

// NewManager creates a lock manager. retryDelay is the wait between
// contention retries; maxAttempts bounds how often one Acquire call
// retries before giving up with ErrAcquireFailed.
func NewManager(store Store, logger *logging.Logger, retryDelay time.Duration, maxAttempts int) *Manager {
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 50
	}
	return &Manager{
		store:       store,
		log:         logger,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Acquire takes all given resources atomically: either every key is
// set or none remain set. ttl is the auto-expiry safety net, configured
// independently of the caller's own give-up policy (the retry budget
// and ctx). On contention it backs off and retries until the budget is
// exhausted.
func (m *Manager) Acquire(ctx context.Context, ttl time.Duration, resources ...string) (*Lock, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: no resources given", ErrAcquireFailed)
	}

	token := uuid.New().String()
	start := m.now()

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		acquired, err := m.tryAcquire(ctx, token, ttl, resources)
		if err != nil {
			return nil, err
		}
		if acquired {
			lock := &Lock{
				manager:   m,
				keys:      resources,
				token:     token,
				expiresAt: m.now().Add(ttl),
			}
			m.log.LogLockEvent(resources[0], "acquired", m.now().Sub(start))
			return lock, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAcquireFailed, ctx.Err())
		case <-time.After(m.retryDelay):
		}
	}

	return nil, fmt.Errorf("%w: retry budget exhausted for %v", ErrAcquireFailed, resources)
}

// tryAcquire attempts one pass over all resources. If any key is held
// or the store errors, the keys set during this pass are rolled back.
func (m *Manager) tryAcquire(ctx context.Context, token string, ttl time.Duration, resources []string) (bool, error) {
	var held []string
	for _, key := range resources {
		ok, err := m.store.SetIfAbsent(ctx, key, token, ttl)
		if err != nil {
			m.rollback(ctx, held)
			return false, fmt.Errorf("%w: %v", ErrAcquireFailed, err)
		}
		if !ok {
			m.rollback(ctx, held)
			return false, nil
		}
		held = append(held, key)
	}
	return true, nil
}

func (m *Manager) rollback(ctx context.Context, held []string) {
	if len(held) == 0 {
		return
	}
	if err := m.store.Delete(ctx, held...); err != nil {
		m.log.ErrorWithErr("Failed to roll back partially acquired lock", err)
	}
}

// Release deletes the lock keys, unless the lock already expired: a
// late release after expiry must not delete a key a new holder has
// since acquired. Safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	if l.manager.now().After(l.expiresAt) {
		l.manager.log.LogLockEvent(l.keys[0], "release_skipped_expired", 0)
		return nil
	}

	if err := l.manager.store.Delete(ctx, l.keys...); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.manager.log.LogLockEvent(l.keys[0], "released", 0)
	return nil
}

// ExpiresAt reports when the lock's TTL elapses.
func (l *Lock) ExpiresAt() time.Time {
	return l.expiresAt
}
