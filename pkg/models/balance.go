package models

import (
	"time"
)

// UserBalance represents a user's remaining metered resources.
// The authoritative copy lives in Postgres; a Redis hash mirrors it
// for fast-path reads. Both fields are never negative.
type UserBalance struct {
	UserID           int64     `json:"user_id" db:"user_id"`
	Tokens           int64     `json:"tokens" db:"tokens"`
	ImageGenerations int64     `json:"image_generations" db:"image_generations"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Field names shared between the balances table and the Redis hash mirror.
const (
	BalanceFieldTokens           = "tokens"
	BalanceFieldImageGenerations = "image_generations"
)
