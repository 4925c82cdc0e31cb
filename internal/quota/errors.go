package quota

import (
	"errors"
)

var (
	// ErrInsufficientQuota means the balance gate failed. The external
	// operation was never invoked and nothing was debited. This is a
	// user-facing condition, not an internal error.
	ErrInsufficientQuota = errors.New("insufficient quota")

	// ErrExternalOperation means the paid provider call failed. No
	// debit occurs.
	ErrExternalOperation = errors.New("external operation failed")

	// ErrCommitFailed means the durable store write failed after the
	// external call already ran. The cache was rolled back to the
	// pre-operation balance; the user is not charged.
	ErrCommitFailed = errors.New("failed to commit balance update")

	// ErrUnknownUser means neither the cache nor the store has a
	// balance for the user.
	ErrUnknownUser = errors.New("no balance for user")
)
