package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health reports whether the underlying database is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Balances

// GetBalance retrieves a user's balance. Returns nil when the user has
// no row yet.
func (r *Repository) GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error) {
	var balance models.UserBalance

	query := `
		SELECT user_id, tokens, image_generations, created_at, updated_at
		FROM balances
		WHERE user_id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&balance.UserID, &balance.Tokens, &balance.ImageGenerations,
		&balance.CreatedAt, &balance.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &balance, nil
}

// CreateBalance seeds a new user's balance on first contact. Does
// nothing if the row already exists.
func (r *Repository) CreateBalance(ctx context.Context, userID, tokens, images int64) error {
	query := `
		INSERT INTO balances (user_id, tokens, image_generations)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err := r.db.Pool.Exec(ctx, query, userID, tokens, images); err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}

	return nil
}

// SetBalanceField writes one balance column to its new absolute value.
// This is the durable half of the engine's commit step.
func (r *Repository) SetBalanceField(ctx context.Context, userID int64, field string, value int64) error {
	var query string
	switch field {
	case models.BalanceFieldTokens:
		query = `UPDATE balances SET tokens = $2, updated_at = NOW() WHERE user_id = $1`
	case models.BalanceFieldImageGenerations:
		query = `UPDATE balances SET image_generations = $2, updated_at = NOW() WHERE user_id = $1`
	default:
		return fmt.Errorf("unknown balance field: %s", field)
	}

	tag, err := r.db.Pool.Exec(ctx, query, userID, value)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no balance row for user %d", userID)
	}

	return nil
}

// IncrementBalance adds purchased credits to both balance columns.
func (r *Repository) IncrementBalance(ctx context.Context, userID, tokens, images int64) error {
	query := `
		UPDATE balances
		SET tokens = tokens + $2, image_generations = image_generations + $3, updated_at = NOW()
		WHERE user_id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID, tokens, images)
	if err != nil {
		return fmt.Errorf("failed to increment balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no balance row for user %d", userID)
	}

	return nil
}

// ListBalances pages through all balance rows in user id order. Used
// by the reconciliation sweep.
func (r *Repository) ListBalances(ctx context.Context, limit int, afterUserID int64) ([]*models.UserBalance, error) {
	query := `
		SELECT user_id, tokens, image_generations, created_at, updated_at
		FROM balances
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []*models.UserBalance
	for rows.Next() {
		var balance models.UserBalance
		if err := rows.Scan(
			&balance.UserID, &balance.Tokens, &balance.ImageGenerations,
			&balance.CreatedAt, &balance.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, &balance)
	}

	return balances, rows.Err()
}

// Payments

// CreatePayment inserts a payment ledger entry.
func (r *Repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}

	query := `
		INSERT INTO payments (id, user_id, amount, currency, tokens, image_generations,
		                      provider, provider_charge_id, telegram_charge_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		payment.ID, payment.UserID, payment.Amount, payment.Currency,
		payment.Tokens, payment.ImageGenerations, payment.Provider,
		payment.ProviderChargeID, payment.TelegramChargeID, payment.Status,
	).Scan(&payment.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}

// GetPaymentByChargeID looks up a payment by its provider charge id.
// Returns nil when no such payment was recorded; the credit applier
// uses this to skip replayed confirmations.
func (r *Repository) GetPaymentByChargeID(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	var payment models.Payment

	query := `
		SELECT id, user_id, amount, currency, tokens, image_generations,
		       provider, provider_charge_id, COALESCE(telegram_charge_id, ''), status, created_at
		FROM payments
		WHERE provider = $1 AND provider_charge_id = $2
	`

	err := r.db.Pool.QueryRow(ctx, query, provider, chargeID).Scan(
		&payment.ID, &payment.UserID, &payment.Amount, &payment.Currency,
		&payment.Tokens, &payment.ImageGenerations, &payment.Provider,
		&payment.ProviderChargeID, &payment.TelegramChargeID, &payment.Status,
		&payment.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &payment, nil
}

// Usage Events

// CreateUsageEvent persists one usage ledger row. Called by the worker
// consuming the usage queue.
func (r *Repository) CreateUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO usage_events (id, user_id, kind, estimated_cost, actual_cost,
		                          balance_after, outcome, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.UserID, event.Kind, event.EstimatedCost,
		event.ActualCost, event.BalanceAfter, event.Outcome, event.OccurredAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create usage event: %w", err)
	}

	return nil
}
