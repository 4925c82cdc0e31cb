// Package quota orchestrates the critical section around every metered
// paid operation: lock, balance gate, external call, debit commit with
// rollback. The durable store is authoritative; the Redis mirror is
// the fast-path read source.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/metrics"
	"github.com/zairovarsen/telegram-bot/internal/provider"
	"github.com/zairovarsen/telegram-bot/internal/tracing"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// BalanceCache is the fast mirror of per-user balances. *cache.Cache
// satisfies it.
type BalanceCache interface {
	GetBalanceField(ctx context.Context, userID int64, field string) (int64, bool, error)
	GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error)
	SetBalance(ctx context.Context, balance *models.UserBalance) error
	SetBalanceField(ctx context.Context, userID int64, field string, value int64) error
	IncrBalanceFields(ctx context.Context, userID int64, tokens, images int64) error
}

// Store is the durable, authoritative balance store. *database.Repository
// satisfies it.
type Store interface {
	GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error)
	SetBalanceField(ctx context.Context, userID int64, field string, value int64) error
}

// Locker hands out per-resource mutual exclusion.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration, resources ...string) (*lock.Lock, error)
}

// EventPublisher receives usage events for the offline ledger. May be
// nil when the queue is not configured.
type EventPublisher interface {
	PublishUsage(ctx context.Context, event *models.UsageEvent) error
}

// Request describes one metered operation about to run.
type Request struct {
	UserID        int64
	Kind          keys.Kind
	EstimatedCost int64
	Operation     provider.Operation
}

// Engine guards every metered operation with a per-user, per-kind lock
// and reconciles the balance across cache and store.
type Engine struct {
	cache   BalanceCache
	store   Store
	locks   Locker
	events  EventPublisher
	log     *logging.Logger
	lockTTL time.Duration
}

// NewEngine creates a reconciliation engine. lockTTL is the safety-net
// expiry for the per-user quota lock.
func NewEngine(cache BalanceCache, store Store, locks Locker, events EventPublisher, logger *logging.Logger, lockTTL time.Duration) *Engine {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Engine{
		cache:   cache,
		store:   store,
		locks:   locks,
		events:  events,
		log:     logger,
		lockTTL: lockTTL,
	}
}

// Execute runs one metered operation under the user's quota lock:
//
//	lock -> read balance -> gate -> external call -> commit/rollback -> unlock
//
// The balance read under the lock is the value used for all arithmetic
// in the section; correctness comes from the lock, not from re-reads.
// The store write precedes the cache write: losing a cache-only debit
// on eviction would silently grant free quota, while a store-only
// debit merely leaves the cache stale until the next cold read.
func (e *Engine) Execute(ctx context.Context, req Request) (result *provider.Result, err error) {
	span, ctx := tracing.StartSpan(ctx, "quota.execute")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "user_id", req.UserID)
	tracing.SetTag(span, "kind", string(req.Kind))

	held, err := e.locks.Acquire(ctx, e.lockTTL, keys.Lock(req.Kind, req.UserID))
	if err != nil {
		metrics.RecordLockAcquisition("failed")
		return nil, err
	}
	metrics.RecordLockAcquisition("acquired")

	start := time.Now()
	defer func() {
		// The lock is released on every exit path; a release failure
		// is logged, the TTL will reap the key.
		if rerr := held.Release(ctx); rerr != nil {
			e.log.ErrorWithErr("Failed to release quota lock", rerr)
		}
		metrics.ObserveCriticalSection(string(req.Kind), time.Since(start).Seconds())
		tracing.LogError(span, err)
	}()

	field := balanceField(req.Kind)

	balance, err := e.readBalance(ctx, req.UserID, field)
	if err != nil {
		return nil, err
	}

	// Gate: the estimate must fit before any costed call is made.
	if balance < req.EstimatedCost {
		metrics.RecordQuotaRequest(string(req.Kind), "insufficient_quota")
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientQuota, balance, req.EstimatedCost)
	}

	result, err = req.Operation(ctx)
	if err != nil {
		metrics.RecordQuotaRequest(string(req.Kind), "external_failed")
		return nil, fmt.Errorf("%w: %v", ErrExternalOperation, err)
	}

	// Debit the provider-reported cost when available, else the estimate.
	cost := req.EstimatedCost
	if result.ActualCost > 0 {
		cost = result.ActualCost
	}

	newBalance := balance - cost
	if newBalance < 0 {
		e.log.LogBalanceClamp(req.UserID, string(req.Kind), balance, cost)
		metrics.BalanceClampsTotal.Inc()
		newBalance = 0
	}

	if err := e.commit(ctx, req, field, balance, newBalance, cost); err != nil {
		return nil, err
	}

	metrics.RecordQuotaRequest(string(req.Kind), "committed")
	metrics.RecordSpend(string(req.Kind), cost)
	e.log.LogQuotaEvent(req.UserID, string(req.Kind), req.EstimatedCost, cost, newBalance, models.UsageOutcomeCommitted)
	e.publish(ctx, req, cost, newBalance, models.UsageOutcomeCommitted)

	return result, nil
}

// commit writes the debited balance to the store and then mirrors it
// to the cache. On store failure the pre-operation balance is
// re-asserted into the cache (compensating write) so a later reader
// does not see the aborted debit.
func (e *Engine) commit(ctx context.Context, req Request, field string, oldBalance, newBalance, cost int64) error {
	if err := e.store.SetBalanceField(ctx, req.UserID, field, newBalance); err != nil {
		if cerr := e.cache.SetBalanceField(ctx, req.UserID, field, oldBalance); cerr != nil {
			e.log.ErrorWithErr("Failed to restore cache after commit failure", cerr)
		}
		e.log.LogReconciliationAlert(req.UserID, string(req.Kind), cost, err)
		metrics.ReconciliationAlertsTotal.Inc()
		metrics.RecordQuotaRequest(string(req.Kind), "commit_failed")
		e.publish(ctx, req, cost, oldBalance, models.UsageOutcomeCommitFailed)
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	// A cache failure after a successful store write is tolerated: the
	// mirror re-seeds from the store on the next cold read.
	if err := e.cache.SetBalanceField(ctx, req.UserID, field, newBalance); err != nil {
		e.log.ErrorWithErr("Failed to mirror committed balance to cache", err)
	}

	return nil
}

// readBalance reads the relevant field from the cache, falling back to
// the store on a miss and re-seeding the mirror.
func (e *Engine) readBalance(ctx context.Context, userID int64, field string) (int64, error) {
	value, ok, err := e.cache.GetBalanceField(ctx, userID, field)
	if err != nil {
		// Treated as a miss: the store remains the source of truth.
		e.log.ErrorWithErr("Balance cache read failed, falling back to store", err)
	} else if ok {
		return value, nil
	}

	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance from store: %w", err)
	}
	if balance == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
	}

	if err := e.cache.SetBalance(ctx, balance); err != nil {
		e.log.ErrorWithErr("Failed to seed balance cache", err)
	}

	if field == models.BalanceFieldImageGenerations {
		return balance.ImageGenerations, nil
	}
	return balance.Tokens, nil
}

// Balance returns the user's balance for informational reads (the
// "check my limit" command). It runs outside any lock and may be
// stale; staleness is acceptable for display, never for debiting.
func (e *Engine) Balance(ctx context.Context, userID int64) (*models.UserBalance, error) {
	cached, err := e.cache.GetBalance(ctx, userID)
	if err != nil {
		e.log.ErrorWithErr("Balance cache read failed, falling back to store", err)
	} else if cached != nil {
		return cached, nil
	}

	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance from store: %w", err)
	}
	if balance == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
	}

	if err := e.cache.SetBalance(ctx, balance); err != nil {
		e.log.ErrorWithErr("Failed to seed balance cache", err)
	}

	return balance, nil
}

func (e *Engine) publish(ctx context.Context, req Request, cost, balanceAfter int64, outcome string) {
	if e.events == nil {
		return
	}

	event := &models.UsageEvent{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Kind:          string(req.Kind),
		EstimatedCost: req.EstimatedCost,
		ActualCost:    cost,
		BalanceAfter:  balanceAfter,
		Outcome:       outcome,
		OccurredAt:    time.Now().UTC(),
	}

	if err := e.events.PublishUsage(ctx, event); err != nil {
		e.log.ErrorWithErr("Failed to publish usage event", err)
	}
}

func balanceField(kind keys.Kind) string {
	if kind == keys.KindImage {
		return models.BalanceFieldImageGenerations
	}
	return models.BalanceFieldTokens
}
