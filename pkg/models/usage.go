package models

import (
	"time"
)

// UsageEvent records the outcome of one metered operation. Events are
// published to the queue by the quota engine and persisted to the
// usage_events ledger by the worker.
type UsageEvent struct {
	ID            string    `json:"id" db:"id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	Kind          string    `json:"kind" db:"kind"` // "token" or "image"
	EstimatedCost int64     `json:"estimated_cost" db:"estimated_cost"`
	ActualCost    int64     `json:"actual_cost" db:"actual_cost"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	Outcome       string    `json:"outcome" db:"outcome"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
}

// Usage event outcomes
const (
	UsageOutcomeCommitted    = "committed"
	UsageOutcomeCommitFailed = "commit_failed"
)
