package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
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
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

// ReserveStock atomically decrements cached stock using a Lua script.
// Returns false when stock is insufficient and backorder is not allowed.
func (c *Client) ReserveStock(ctx context.Context, productID int64, quantity int, allowBackorder bool) (bool, error) {
	backorder := 0
	if allowBackorder {
		backorder = 1
	}

	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity, backorder).Result()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	success, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return success == 1, nil
}

// ReleaseStock atomically returns reserved stock to the cache (compensation).
func (c *Client) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// InitInventory seeds the cached stock count for a product.
func (c *Client) InitInventory(ctx context.Context, productID int64, quantity int) error {
	return c.rdb.HSet(ctx, inventoryKey(productID), "quantity", quantity).Err()
}

// GetInventory retrieves the cached stock count.
func (c *Client) GetInventory(ctx context.Context, productID int64) (int, error) {
	val, err := c.rdb.HGet(ctx, inventoryKey(productID), "quantity").Int()
	if err == redis.Nil {
		return 0, fmt.Errorf("inventory not cached for product %d", productID)
	}
	return val, err
}

// CacheCart stores a cart snapshot with TTL for cheap repeat reads.
func (c *Client) CacheCart(ctx context.Context, userID string, snapshot interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, "cart:"+userID, raw, ttl).Err()
}

// InvalidateCart drops the cached cart snapshot after a write.
func (c *Client) InvalidateCart(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, "cart:"+userID).Err()
}

// GetCachedCart loads a cart snapshot into dst; found is false on a miss.
func (c *Client) GetCachedCart(ctx context.Context, userID string, dst interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, "cart:"+userID).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, dst)
}

// AcquireLock acquires a short distributed lock, used to serialize a user's
// checkout attempts across instances.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, "lock:"+lockKey).Err()
}
