package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/logging"
	"github.com/zairovarsen/telegram-bot/internal/metrics"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// PaymentStore is the durable side of credit application.
// *database.Repository satisfies it.
type PaymentStore interface {
	GetPaymentByChargeID(ctx context.Context, provider, chargeID string) (*models.Payment, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	IncrementBalance(ctx context.Context, userID, tokens, images int64) error
}

// Receipt describes a completed purchase whose credits should be
// applied to the buyer's balance.
type Receipt struct {
	UserID           int64
	Amount           int64
	Currency         string
	Tokens           int64
	ImageGenerations int64
	Provider         string
	ProviderChargeID string
	TelegramChargeID string
}

// Applier applies purchased credits to a user's balance exactly once
// per provider charge, under a lock spanning both quota kinds.
type Applier struct {
	cache   BalanceCache
	store   PaymentStore
	locks   Locker
	log     *logging.Logger
	lockTTL time.Duration
}

// NewApplier creates a payment credit applier.
func NewApplier(cache BalanceCache, store PaymentStore, locks Locker, logger *logging.Logger, lockTTL time.Duration) *Applier {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Applier{
		cache:   cache,
		store:   store,
		locks:   locks,
		log:     logger,
		lockTTL: lockTTL,
	}
}

// Apply credits the receipt to the user's balance. A single payment
// tops up both quota dimensions, so it locks both the token and the
// image resource to avoid racing either kind of debit. Replayed
// confirmations for an already-recorded charge are skipped; the bool
// return reports whether credits were applied.
func (a *Applier) Apply(ctx context.Context, receipt *Receipt) (bool, error) {
	held, err := a.locks.Acquire(ctx, a.lockTTL,
		keys.Lock(keys.KindToken, receipt.UserID),
		keys.Lock(keys.KindImage, receipt.UserID),
	)
	if err != nil {
		metrics.RecordLockAcquisition("failed")
		return false, err
	}
	metrics.RecordLockAcquisition("acquired")
	defer func() {
		if rerr := held.Release(ctx); rerr != nil {
			a.log.ErrorWithErr("Failed to release payment lock", rerr)
		}
	}()

	// Dedup on the provider charge id so delivery retries of the same
	// confirmation cannot double-credit.
	existing, err := a.store.GetPaymentByChargeID(ctx, receipt.Provider, receipt.ProviderChargeID)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing payment: %w", err)
	}
	if existing != nil {
		metrics.PaymentsDuplicateTotal.Inc()
		a.log.LogPaymentEvent(receipt.UserID, receipt.ProviderChargeID, receipt.Tokens, receipt.ImageGenerations, false)
		return false, nil
	}

	// Ledger entry first: if it cannot be recorded, no credits move.
	payment := &models.Payment{
		UserID:           receipt.UserID,
		Amount:           receipt.Amount,
		Currency:         receipt.Currency,
		Tokens:           receipt.Tokens,
		ImageGenerations: receipt.ImageGenerations,
		Provider:         receipt.Provider,
		ProviderChargeID: receipt.ProviderChargeID,
		TelegramChargeID: receipt.TelegramChargeID,
		Status:           models.PaymentStatusPaid,
	}
	if err := a.store.CreatePayment(ctx, payment); err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}

	if err := a.store.IncrementBalance(ctx, receipt.UserID, receipt.Tokens, receipt.ImageGenerations); err != nil {
		// The payment is recorded but the credits are not applied.
		a.log.LogReconciliationAlert(receipt.UserID, "payment", receipt.Tokens, err)
		metrics.ReconciliationAlertsTotal.Inc()
		return false, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	if err := a.cache.IncrBalanceFields(ctx, receipt.UserID, receipt.Tokens, receipt.ImageGenerations); err != nil {
		// Tolerated: the mirror re-seeds from the store on the next
		// cold read.
		a.log.ErrorWithErr("Failed to mirror payment credits to cache", err)
	}

	metrics.PaymentsAppliedTotal.Inc()
	a.log.LogPaymentEvent(receipt.UserID, receipt.ProviderChargeID, receipt.Tokens, receipt.ImageGenerations, true)

	return true, nil
}

// Grant adds credits outside a purchase (admin adjustments). Same
// locking discipline as Apply, no ledger dedup.
func (a *Applier) Grant(ctx context.Context, userID, tokens, images int64) error {
	held, err := a.locks.Acquire(ctx, a.lockTTL,
		keys.Lock(keys.KindToken, userID),
		keys.Lock(keys.KindImage, userID),
	)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := held.Release(ctx); rerr != nil {
			a.log.ErrorWithErr("Failed to release grant lock", rerr)
		}
	}()

	if err := a.store.IncrementBalance(ctx, userID, tokens, images); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}

	if err := a.cache.IncrBalanceFields(ctx, userID, tokens, images); err != nil {
		a.log.ErrorWithErr("Failed to mirror granted credits to cache", err)
	}

	return nil
}
