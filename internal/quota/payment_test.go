package quota

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/lock"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

func setupTestApplier(t *testing.T) (*Applier, *testEnv) {
	env := setupTestEngine(t)
	logger := logging.NewWriterLogger(io.Discard)
	applier := NewApplier(env.cache, env.store, env.locks, logger, time.Minute)
	return applier, env
}

func testReceipt() *Receipt {
	return &Receipt{
		UserID:           1,
		Amount:           499,
		Currency:         "USD",
		Tokens:           10000,
		ImageGenerations: 10,
		Provider:         "telegram",
		ProviderChargeID: "charge-abc",
		TelegramChargeID: "tg-charge-1",
	}
}

func TestApplyCredits(t *testing.T) {
	applier, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)

	applied, err := applier.Apply(ctx, testReceipt())
	require.NoError(t, err)
	assert.True(t, applied)

	// Store credited
	balance, err := env.store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10100), balance.Tokens)
	assert.Equal(t, int64(11), balance.ImageGenerations)

	// Ledger entry recorded
	payment, err := env.store.GetPaymentByChargeID(ctx, "telegram", "charge-abc")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
}

func TestApplyIdempotentOnReplay(t *testing.T) {
	applier, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)

	applied, err := applier.Apply(ctx, testReceipt())
	require.NoError(t, err)
	require.True(t, applied)

	// Delivery retry replays the same confirmation
	applied, err = applier.Apply(ctx, testReceipt())
	require.NoError(t, err)
	assert.False(t, applied, "replayed confirmation must be skipped")

	// Credits were applied exactly once
	balance, err := env.store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10100), balance.Tokens)
	assert.Equal(t, int64(11), balance.ImageGenerations)
}

func TestApplyFailsClosedOnLedgerFailure(t *testing.T) {
	applier, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)
	env.store.failCreate = true

	applied, err := applier.Apply(ctx, testReceipt())
	require.Error(t, err)
	assert.False(t, applied)

	// No money-for-nothing: credits must not move without a ledger entry
	balance, err := env.store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Tokens)
	assert.Equal(t, int64(1), balance.ImageGenerations)
}

func TestApplyIncrementFailureAfterLedger(t *testing.T) {
	applier, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)
	env.store.failIncrement = true

	applied, err := applier.Apply(ctx, testReceipt())
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.False(t, applied)

	// The ledger entry exists; the reconciliation alert path owns the gap
	payment, err := env.store.GetPaymentByChargeID(ctx, "telegram", "charge-abc")
	require.NoError(t, err)
	assert.NotNil(t, payment)
}

func TestApplyLocksBothQuotaKinds(t *testing.T) {
	_, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)

	// An applier with a tiny retry budget and one of the two resources held
	logger := logging.NewWriterLogger(io.Discard)
	locks := lock.NewManager(env.cache, logger, time.Millisecond, 2)
	applier := NewApplier(env.cache, env.store, locks, logger, time.Minute)

	held, err := env.locks.Acquire(ctx, time.Minute, keys.Lock(keys.KindImage, 1))
	require.NoError(t, err)
	defer held.Release(ctx)

	applied, err := applier.Apply(ctx, testReceipt())
	require.ErrorIs(t, err, lock.ErrAcquireFailed)
	assert.False(t, applied)

	// Nothing moved
	balance, err := env.store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Tokens)
}

func TestGrant(t *testing.T) {
	applier, env := setupTestApplier(t)
	ctx := context.Background()

	env.store.seed(1, 100, 1)

	require.NoError(t, applier.Grant(ctx, 1, 500, 2))

	balance, err := env.store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.Tokens)
	assert.Equal(t, int64(3), balance.ImageGenerations)
}
