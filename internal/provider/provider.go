// Package provider wraps the paid third-party AI calls behind the one
// shape the quota engine depends on. The engine never sees a vendor
// type, only Operation and Result.
package provider

import (
	"context"
)

// Result carries the payload of a completed paid call. ActualCost is
// the provider-reported usage; zero means the provider does not report
// usage and the pre-call estimate should be debited instead.
type Result struct {
	Content    string
	ActualCost int64
}

// Operation is one externally metered call, ready to invoke.
type Operation func(ctx context.Context) (*Result, error)
