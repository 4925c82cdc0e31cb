package models

import (
	"time"
)

// Payment is an immutable ledger entry for a completed purchase.
// (provider, provider_charge_id) is unique so replayed payment
// confirmations can be detected and skipped.
type Payment struct {
	ID               string    `json:"id" db:"id"`
	UserID           int64     `json:"user_id" db:"user_id"`
	Amount           int64     `json:"amount" db:"amount"` // minor currency units
	Currency         string    `json:"currency" db:"currency"`
	Tokens           int64     `json:"tokens" db:"tokens"`
	ImageGenerations int64     `json:"image_generations" db:"image_generations"`
	Provider         string    `json:"provider" db:"provider"`
	ProviderChargeID string    `json:"provider_charge_id" db:"provider_charge_id"`
	TelegramChargeID string    `json:"telegram_charge_id" db:"telegram_charge_id"`
	Status           string    `json:"status" db:"status"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Payment statuses
const (
	PaymentStatusPaid = "paid"
)
