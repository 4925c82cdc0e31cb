// Package keys builds the Redis key namespace from enumerated resource
// kinds, so lock, cache and rate-limit keys are constructed in exactly
// one place.
package keys

import (
	"fmt"
)

// Kind is the category of metered resource being consumed. Each kind
// has its own lock namespace so token and image operations from the
// same user do not serialize against each other.
type Kind string

const (
	KindToken Kind = "token"
	KindImage Kind = "image"
)

// Category is a rate-limit operation category.
type Category string

const (
	CategoryRequest    Category = "request"
	CategoryCompletion Category = "completion"
	CategoryImage      Category = "image"
	CategoryDocument   Category = "document"
	CategoryIP         Category = "ip"
)

// Balance returns the hash key mirroring a user's balance.
func Balance(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Lock returns the lock key guarding one quota kind for one user.
func Lock(kind Kind, userID int64) string {
	return fmt.Sprintf("lock:%s:user:%d", kind, userID)
}

// RateWindow returns the fixed-window counter key for a category and
// subject (user id or IP address).
func RateWindow(category Category, subject string) string {
	return fmt.Sprintf("rate:%s:%s", category, subject)
}
