// Package reconcile periodically compares the cache mirror against the
// durable store and re-seeds entries that drifted apart, for example
// after a tolerated cache write failure during commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/metrics"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// Store pages balance rows for the sweep. *database.Repository
// satisfies it.
type Store interface {
	ListBalances(ctx context.Context, limit int, afterUserID int64) ([]*models.UserBalance, error)
	GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error)
}

// Cache is the mirror side under inspection. *cache.Cache satisfies it.
type Cache interface {
	GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error)
	SetBalance(ctx context.Context, balance *models.UserBalance) error
}

// Locker guards each repair against racing in-flight debits.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration, resources ...string) (*lock.Lock, error)
}

// Sweeper walks all balances on an interval and repairs drifted cache
// entries under the same per-user locks the engine uses.
type Sweeper struct {
	store    Store
	cache    Cache
	locks    Locker
	log      *logging.Logger
	interval time.Duration
	pageSize int
	lockTTL  time.Duration
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper. The locker should carry a small retry
// budget: a user busy with a request is simply skipped until the next
// sweep.
func NewSweeper(store Store, cache Cache, locks Locker, logger *logging.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		cache:    cache,
		locks:    locks,
		log:      logger,
		interval: interval,
		pageSize: 500,
		lockTTL:  5 * time.Second,
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checked, repaired, err := s.SweepOnce(ctx)
				if err != nil {
					s.log.ErrorWithErr("Balance sweep failed", err)
					continue
				}
				if repaired > 0 {
					s.log.Warnf("Balance sweep repaired %d of %d cache entries", repaired, checked)
				}
			}
		}
	}()

	s.log.Info("Balance sweeper started")
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// SweepOnce walks every balance row once and returns how many entries
// were checked and repaired.
func (s *Sweeper) SweepOnce(ctx context.Context) (checked, repaired int, err error) {
	var afterUserID int64

	for {
		page, err := s.store.ListBalances(ctx, s.pageSize, afterUserID)
		if err != nil {
			return checked, repaired, fmt.Errorf("failed to page balances: %w", err)
		}
		if len(page) == 0 {
			return checked, repaired, nil
		}

		for _, row := range page {
			afterUserID = row.UserID
			checked++

			if s.repairIfDrifted(ctx, row.UserID) {
				repaired++
			}
		}
	}
}

// repairIfDrifted re-seeds one user's cache entry when it disagrees
// with the store. The comparison and the write happen under both of
// the user's quota locks so a concurrent debit cannot be overwritten.
func (s *Sweeper) repairIfDrifted(ctx context.Context, userID int64) bool {
	cached, err := s.cache.GetBalance(ctx, userID)
	if err != nil {
		s.log.WithUserID(userID).ErrorWithErr("Sweep failed to read cache", err)
		return false
	}
	if cached == nil {
		// Cold entry, the next read seeds it from the store.
		return false
	}

	held, err := s.locks.Acquire(ctx, s.lockTTL,
		keys.Lock(keys.KindToken, userID),
		keys.Lock(keys.KindImage, userID),
	)
	if err != nil {
		if !errors.Is(err, lock.ErrAcquireFailed) {
			s.log.WithUserID(userID).ErrorWithErr("Sweep failed to acquire locks", err)
		}
		return false
	}
	defer func() {
		if rerr := held.Release(ctx); rerr != nil {
			s.log.WithUserID(userID).ErrorWithErr("Sweep failed to release locks", rerr)
		}
	}()

	// Re-read both sides under the lock.
	stored, err := s.store.GetBalance(ctx, userID)
	if err != nil || stored == nil {
		return false
	}
	cached, err = s.cache.GetBalance(ctx, userID)
	if err != nil || cached == nil {
		return false
	}

	if cached.Tokens == stored.Tokens && cached.ImageGenerations == stored.ImageGenerations {
		return false
	}

	if err := s.cache.SetBalance(ctx, stored); err != nil {
		s.log.WithUserID(userID).ErrorWithErr("Sweep failed to re-seed cache", err)
		return false
	}

	metrics.CacheDriftRepairsTotal.Inc()
	s.log.WithUserID(userID).Warnf(
		"Repaired drifted cache entry: cache had %d/%d, store has %d/%d",
		cached.Tokens, cached.ImageGenerations, stored.Tokens, stored.ImageGenerations,
	)
	return true
}
