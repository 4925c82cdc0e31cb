package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zairovarsen/telegram-bot/internal/cache"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/provider"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// fakeStore is an in-memory durable store with failure switches.
type fakeStore struct {
	mu             sync.Mutex
	balances       map[int64]*models.UserBalance
	payments       map[string]*models.Payment
	failSetBalance bool
	failIncrement  bool
	failCreate     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances: make(map[int64]*models.UserBalance),
		payments: make(map[string]*models.Payment),
	}
}

func (s *fakeStore) GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *fakeStore) SetBalanceField(ctx context.Context, userID int64, field string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSetBalance {
		return errors.New("store unavailable")
	}
	b, ok := s.balances[userID]
	if !ok {
		return fmt.Errorf("no balance row for user %d", userID)
	}
	if field == models.BalanceFieldImageGenerations {
		b.ImageGenerations = value
	} else {
		b.Tokens = value
	}
	return nil
}

func (s *fakeStore) GetPaymentByChargeID(ctx context.Context, prov, chargeID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[prov+":"+chargeID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (s *fakeStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("store unavailable")
	}
	key := payment.Provider + ":" + payment.ProviderChargeID
	if _, exists := s.payments[key]; exists {
		return errors.New("duplicate payment")
	}
	copied := *payment
	s.payments[key] = &copied
	return nil
}

func (s *fakeStore) IncrementBalance(ctx context.Context, userID, tokens, images int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIncrement {
		return errors.New("store unavailable")
	}
	b, ok := s.balances[userID]
	if !ok {
		return fmt.Errorf("no balance row for user %d", userID)
	}
	b.Tokens += tokens
	b.ImageGenerations += images
	return nil
}

func (s *fakeStore) seed(userID, tokens, images int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = &models.UserBalance{
		UserID:           userID,
		Tokens:           tokens,
		ImageGenerations: images,
	}
}

func (s *fakeStore) tokens(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID].Tokens
}

type testEnv struct {
	mr     *miniredis.Miniredis
	cache  *cache.Cache
	store  *fakeStore
	locks  *lock.Manager
	engine *Engine
}

func setupTestEngine(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err, "failed to create cache")
	t.Cleanup(func() { c.Close() })

	logger := logging.NewWriterLogger(io.Discard)
	locks := lock.NewManager(c, logger, time.Millisecond, 1000)
	store := newFakeStore()
	engine := NewEngine(c, store, locks, nil, logger, time.Minute)

	return &testEnv{mr: mr, cache: c, store: store, locks: locks, engine: engine}
}

// succeedOp returns a fixed result and counts invocations.
func succeedOp(actualCost int64, calls *int64) provider.Operation {
	return func(ctx context.Context) (*provider.Result, error) {
		if calls != nil {
			(*calls)++
		}
		return &provider.Result{Content: "ok", ActualCost: actualCost}, nil
	}
}

func TestExecuteDebitsActualCost(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	var calls int64
	result, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation:     succeedOp(25, &calls),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, int64(1), calls)

	// Actual provider-reported cost is debited, not the estimate
	assert.Equal(t, int64(75), env.store.tokens(1))

	cached, _, err := env.cache.GetBalanceField(ctx, 1, models.BalanceFieldTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(75), cached)
}

func TestExecuteUsesEstimateWithoutActualCost(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation:     succeedOp(0, nil),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(70), env.store.tokens(1))
}

func TestExecuteGatePrecedesSpend(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 10, 3)

	var calls int64
	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation:     succeedOp(30, &calls),
	})
	require.ErrorIs(t, err, ErrInsufficientQuota)

	// The external paid operation was never invoked
	assert.Equal(t, int64(0), calls)
	// And the balance is untouched
	assert.Equal(t, int64(10), env.store.tokens(1))
}

func TestExecuteExternalFailureNoDebit(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation: func(ctx context.Context) (*provider.Result, error) {
			return nil, errors.New("provider exploded")
		},
	})
	require.ErrorIs(t, err, ErrExternalOperation)

	assert.Equal(t, int64(100), env.store.tokens(1))

	cached, _, err := env.cache.GetBalanceField(ctx, 1, models.BalanceFieldTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cached)
}

func TestExecuteCommitFailureRollsBackCache(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	// Warm the cache, then break the store
	_, err := env.engine.Balance(ctx, 1)
	require.NoError(t, err)
	env.store.failSetBalance = true

	_, err = env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation:     succeedOp(30, nil),
	})
	require.ErrorIs(t, err, ErrCommitFailed)

	// The cache holds the pre-operation balance, not the aborted debit
	cached, ok, err := env.cache.GetBalanceField(ctx, 1, models.BalanceFieldTokens)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), cached)
}

func TestExecuteColdReadSeedsCache(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	// No cache entry exists; the engine must fall back to the store
	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 30,
		Operation:     succeedOp(25, nil),
	})
	require.NoError(t, err)

	cached, ok, err := env.cache.GetBalanceField(ctx, 1, models.BalanceFieldTokens)
	require.NoError(t, err)
	require.True(t, ok, "cache should be seeded after a cold read")
	assert.Equal(t, int64(75), cached)
}

func TestExecuteClampsNegativeDebit(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 20, 3)

	// The provider reports more usage than the gate admitted; the
	// balance clamps to zero instead of going negative.
	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 20,
		Operation:     succeedOp(50, nil),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), env.store.tokens(1))
}

func TestExecuteUnknownUser(t *testing.T) {
	env := setupTestEngine(t)

	_, err := env.engine.Execute(context.Background(), Request{
		UserID:        999,
		Kind:          keys.KindToken,
		EstimatedCost: 1,
		Operation:     succeedOp(1, nil),
	})
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestExecuteImageKind(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 2)

	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindImage,
		EstimatedCost: 1,
		Operation:     succeedOp(0, nil),
	})
	require.NoError(t, err)

	balance, err := env.engine.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.ImageGenerations)
	assert.Equal(t, int64(100), balance.Tokens, "token balance must be untouched by an image debit")
}

func TestExecuteImageRejectedWithoutBlockingTokens(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 0)

	// Image request with zero image credits is rejected immediately
	var imageCalls int64
	_, err := env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindImage,
		EstimatedCost: 1,
		Operation:     succeedOp(0, &imageCalls),
	})
	require.ErrorIs(t, err, ErrInsufficientQuota)
	assert.Equal(t, int64(0), imageCalls)

	// A token request from the same user proceeds even while the image
	// lock is held: the two kinds use distinct resource names.
	imageLock, err := env.locks.Acquire(ctx, time.Minute, keys.Lock(keys.KindImage, 1))
	require.NoError(t, err)
	defer imageLock.Release(ctx)

	_, err = env.engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 10,
		Operation:     succeedOp(10, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(90), env.store.tokens(1))
}

func TestExecuteLockFailurePropagates(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	// Engine with a tiny retry budget and the lock already held
	logger := logging.NewWriterLogger(io.Discard)
	locks := lock.NewManager(env.cache, logger, time.Millisecond, 2)
	engine := NewEngine(env.cache, env.store, locks, nil, logger, time.Minute)

	held, err := env.locks.Acquire(ctx, time.Minute, keys.Lock(keys.KindToken, 1))
	require.NoError(t, err)
	defer held.Release(ctx)

	var calls int64
	_, err = engine.Execute(ctx, Request{
		UserID:        1,
		Kind:          keys.KindToken,
		EstimatedCost: 10,
		Operation:     succeedOp(10, &calls),
	})
	require.ErrorIs(t, err, lock.ErrAcquireFailed)

	// The guarded mutation must not have proceeded
	assert.Equal(t, int64(0), calls)
	assert.Equal(t, int64(100), env.store.tokens(1))
}

func TestConcurrentExecuteNoDoubleDebit(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	const (
		startBalance = 100
		cost         = 10
		requests     = 25
	)

	env.store.seed(1, startBalance, 3)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Execute(ctx, Request{
				UserID:        1,
				Kind:          keys.KindToken,
				EstimatedCost: cost,
				Operation:     succeedOp(cost, nil),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientQuota):
				rejected++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	// Exactly floor(B/C) requests may succeed, whatever the interleaving
	assert.Equal(t, startBalance/cost, succeeded)
	assert.Equal(t, requests-startBalance/cost, rejected)
	assert.Equal(t, int64(0), env.store.tokens(1))

	cached, _, err := env.cache.GetBalanceField(ctx, 1, models.BalanceFieldTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cached)
}

func TestBalanceInformationalRead(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.store.seed(1, 100, 3)

	balance, err := env.engine.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Tokens)
	assert.Equal(t, int64(3), balance.ImageGenerations)

	// Unknown users surface a typed error
	_, err = env.engine.Balance(ctx, 999)
	require.ErrorIs(t, err, ErrUnknownUser)
}
