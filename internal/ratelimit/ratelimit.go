// Package ratelimit implements fixed-window admission control per
// subject (user id or IP) and operation category. It runs before any
// lock or quota logic: a request rejected here never contends for a
// user's lock.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zairovarsen/telegram-bot/internal/config"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/internal/logging"
)

// Store is the counter primitive the limiter runs on. *cache.Cache
// satisfies it.
type Store interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	WindowTTL(ctx context.Context, key string) (time.Duration, error)
}

// Result reports an admission decision.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetIn   time.Duration
}

// Limiter checks fixed-window limits against Redis counters.
type Limiter struct {
	store  Store
	log    *logging.Logger
	window time.Duration
	limits map[keys.Category]int64
}

// New creates a limiter with per-category limits from config.
func New(store Store, logger *logging.Logger, cfg config.RateLimitConfig) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		store:  store,
		log:    logger,
		window: window,
		limits: map[keys.Category]int64{
			keys.CategoryRequest:    cfg.Requests,
			keys.CategoryCompletion: cfg.Completions,
			keys.CategoryImage:      cfg.Images,
			keys.CategoryDocument:   cfg.Documents,
			keys.CategoryIP:         cfg.IP,
		},
	}
}

// Check increments the window counter for the subject and reports
// whether the request is admitted. Requests beyond the limit are
// rejected, never queued. A counter-store failure is logged and the
// request admitted; admission control is not worth failing traffic
// over when Redis is down.
func (l *Limiter) Check(ctx context.Context, category keys.Category, subject string) (*Result, error) {
	limit, ok := l.limits[category]
	if !ok || limit <= 0 {
		return &Result{Allowed: true}, nil
	}

	key := keys.RateWindow(category, subject)

	count, err := l.store.IncrWindow(ctx, key, l.window)
	if err != nil {
		l.log.ErrorWithErr("Rate limit counter unavailable, admitting request", err)
		return &Result{Allowed: true}, nil
	}

	resetIn, err := l.store.WindowTTL(ctx, key)
	if err != nil {
		l.log.ErrorWithErr("Failed to read rate window TTL", err)
		resetIn = l.window
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}

	if !result.Allowed {
		l.log.LogRateLimitRejection(string(category), subject, resetIn)
	}

	return result, nil
}

// FormatWait renders a wait duration as "1h 2m 3s" for user-facing
// rejection messages, dropping leading zero components.
func FormatWait(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	d = d.Round(time.Second)
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}
