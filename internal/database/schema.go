package database

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS balances (
    user_id BIGINT PRIMARY KEY,
    tokens BIGINT NOT NULL DEFAULT 0 CHECK (tokens >= 0),
    image_generations BIGINT NOT NULL DEFAULT 0 CHECK (image_generations >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payments (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES balances(user_id),
    amount BIGINT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    tokens BIGINT NOT NULL DEFAULT 0,
    image_generations BIGINT NOT NULL DEFAULT 0,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL,
    telegram_charge_id VARCHAR(128),
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (provider, provider_charge_id)
);

CREATE TABLE IF NOT EXISTS usage_events (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    estimated_cost BIGINT NOT NULL,
    actual_cost BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    outcome VARCHAR(32) NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events (user_id, occurred_at);
`

// EnsureSchema creates the tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
