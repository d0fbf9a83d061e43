package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fishmarket/internal/apperr"
	"fishmarket/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/unlock.lua
var unlockScript string

const (
	defaultLockTTL   = 10 * time.Second
	defaultLockWait  = 5 * time.Second
	lockRetryBackoff = 20 * time.Millisecond
)

// ErrLockTimeout is returned when a lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for lock")

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	unlockScript  *redis.Script
	lockTTL       time.Duration
	lockWait      time.Duration
	logger        *zap.Logger
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		unlockScript:  redis.NewScript(unlockScript),
		lockTTL:       defaultLockTTL,
		lockWait:      defaultLockWait,
		logger:        util.GetLogger(),
	}, nil
}

// SetLockTiming overrides how long locks live and how long Lock waits for one
func (c *Client) SetLockTiming(ttl, wait time.Duration) {
	if ttl > 0 {
		c.lockTTL = ttl
	}
	if wait > 0 {
		c.lockWait = wait
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func inventoryKey(listingID string) string {
	return "inventory:" + listingID
}

// ReserveStock atomically checks and decrements stock using a Lua script
func (c *Client) ReserveStock(ctx context.Context, listingID string, quantity int) (int, error) {
	status, remaining, err := c.runStockScript(ctx, c.reserveScript, listingID, quantity)
	if err != nil {
		return 0, fmt.Errorf("reserve stock script failed: %w", err)
	}

	switch status {
	case 1:
		return remaining, nil
	case 0:
		return remaining, apperr.InsufficientStock(listingID, remaining, quantity)
	default:
		return 0, apperr.ListingNotFound(listingID)
	}
}

// ReleaseStock atomically returns stock using a Lua script
func (c *Client) ReleaseStock(ctx context.Context, listingID string, quantity int) (int, error) {
	status, remaining, err := c.runStockScript(ctx, c.releaseScript, listingID, quantity)
	if err != nil {
		return 0, fmt.Errorf("release stock script failed: %w", err)
	}
	if status != 1 {
		return 0, apperr.ListingNotFound(listingID)
	}
	return remaining, nil
}

func (c *Client) runStockScript(ctx context.Context, script *redis.Script, listingID string, quantity int) (int64, int, error) {
	result, err := script.Run(ctx, c.rdb, []string{inventoryKey(listingID)}, quantity).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result type %T", result)
	}
	status, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script result values %v", values)
	}
	return status, int(remaining), nil
}

// GetStock reads the current quantity
func (c *Client) GetStock(ctx context.Context, listingID string) (int, error) {
	val, err := c.rdb.Get(ctx, inventoryKey(listingID)).Result()
	if err == redis.Nil {
		return 0, apperr.ListingNotFound(listingID)
	}
	if err != nil {
		return 0, err
	}
	quantity, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt inventory value for listing %s: %w", listingID, err)
	}
	return quantity, nil
}

// SetStock overwrites the quantity
func (c *Client) SetStock(ctx context.Context, listingID string, quantity int) error {
	return c.rdb.Set(ctx, inventoryKey(listingID), quantity, 0).Err()
}

// SeedStock sets the quantity only if Redis has no value yet, so restarts keep live counts
func (c *Client) SeedStock(ctx context.Context, listingID string, quantity int) (bool, error) {
	return c.rdb.SetNX(ctx, inventoryKey(listingID), quantity, 0).Result()
}

// Lock acquires a distributed lock for key, retrying until the wait budget or ctx runs out.
// The returned func releases the lock only if this caller still owns it.
func (c *Client) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "lock:" + key
	token := uuid.New().String()

	waitCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	for {
		ok, err := c.rdb.SetNX(waitCtx, lockKey, token, c.lockTTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := c.unlockScript.Run(releaseCtx, c.rdb, []string{lockKey}, token).Err(); err != nil {
					c.logger.Warn("Failed to release lock, leaving it to expire",
						zap.String("key", lockKey),
						zap.Duration("ttl", c.lockTTL),
						zap.Error(err))
				}
			}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(lockRetryBackoff):
		}
	}
}
