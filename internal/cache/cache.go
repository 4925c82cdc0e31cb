package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zairovarsen/telegram-bot/internal/keys"
	"github.com/zairovarsen/telegram-bot/pkg/models"
)

// Cache mirrors per-user balances in Redis and backs the distributed
// lock manager and the fixed-window rate limiter.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Balance Mirror Operations

// GetBalanceField reads one balance field from the user's hash. The
// second return value is false on a cache miss.
func (c *Cache) GetBalanceField(ctx context.Context, userID int64, field string) (int64, bool, error) {
	val, err := c.client.HGet(ctx, keys.Balance(userID), field).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil // Cache miss
		}
		return 0, false, fmt.Errorf("failed to get balance field: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse balance field %s: %w", field, err)
	}

	return n, true, nil
}

// GetBalance reads the full balance hash. Returns nil on a cache miss.
func (c *Cache) GetBalance(ctx context.Context, userID int64) (*models.UserBalance, error) {
	fields, err := c.client.HGetAll(ctx, keys.Balance(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get balance from cache: %w", err)
	}

	if len(fields) == 0 {
		return nil, nil // Cache miss
	}

	balance := &models.UserBalance{UserID: userID}
	if v, ok := fields[models.BalanceFieldTokens]; ok {
		if balance.Tokens, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("failed to parse cached tokens: %w", err)
		}
	}
	if v, ok := fields[models.BalanceFieldImageGenerations]; ok {
		if balance.ImageGenerations, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("failed to parse cached image generations: %w", err)
		}
	}

	return balance, nil
}

// SetBalance writes both balance fields to the user's hash.
func (c *Cache) SetBalance(ctx context.Context, balance *models.UserBalance) error {
	err := c.client.HSet(ctx, keys.Balance(balance.UserID),
		models.BalanceFieldTokens, balance.Tokens,
		models.BalanceFieldImageGenerations, balance.ImageGenerations,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set balance in cache: %w", err)
	}
	return nil
}

// SetBalanceField writes a single balance field.
func (c *Cache) SetBalanceField(ctx context.Context, userID int64, field string, value int64) error {
	if err := c.client.HSet(ctx, keys.Balance(userID), field, value).Err(); err != nil {
		return fmt.Errorf("failed to set balance field: %w", err)
	}
	return nil
}

// IncrBalanceFields atomically increments both balance fields, used by
// the payment credit applier.
func (c *Cache) IncrBalanceFields(ctx context.Context, userID int64, tokens, images int64) error {
	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, keys.Balance(userID), models.BalanceFieldTokens, tokens)
	pipe.HIncrBy(ctx, keys.Balance(userID), models.BalanceFieldImageGenerations, images)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment balance fields: %w", err)
	}
	return nil
}

// DeleteBalance removes the balance mirror, forcing the next read to
// fall back to the store.
func (c *Cache) DeleteBalance(ctx context.Context, userID int64) error {
	return c.client.Del(ctx, keys.Balance(userID)).Err()
}

// Locking Operations for Distributed Handlers

// SetIfAbsent sets a key only if it does not exist, with a TTL. This
// is the primitive underneath the distributed lock manager.
func (c *Cache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lock key: %w", err)
	}
	return ok, nil
}

// Delete removes the given keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Fixed-Window Rate Limiting Operations

// IncrWindow increments a fixed-window counter, starting the window on
// the first request, and returns the new count.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window counter: %w", err)
	}

	// Set expiry on first request
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("failed to set window expiry: %w", err)
		}
	}

	return count, nil
}

// WindowTTL returns the time remaining until a window counter resets.
func (c *Cache) WindowTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get window TTL: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
