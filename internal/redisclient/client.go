package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

type Client struct {
	rdb           *redis.Client
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
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock takes a lock with SET NX. The returned token identifies the owner and
// must be passed to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes the lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("release %s: %w", key, ErrLockNotHeld)
	}
	return nil
}

// GetTracking returns the cached projection, or nil on a miss.
func (c *Client) GetTracking(ctx context.Context, orderNumber string) (*models.TrackingView, error) {
	raw, err := c.rdb.Get(ctx, trackingKey(orderNumber)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTracking(raw)
}

// SetTracking caches the projection for ttl
func (c *Client) SetTracking(ctx context.Context, view *models.TrackingView, ttl time.Duration) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal tracking view: %w", err)
	}
	return c.rdb.Set(ctx, trackingKey(view.OrderNumber), raw, ttl).Err()
}

// InvalidateTracking drops the cached projection
func (c *Client) InvalidateTracking(ctx context.Context, orderNumber string) error {
	return c.rdb.Del(ctx, trackingKey(orderNumber)).Err()
}

func lockKey(key string) string {
	return "lock:" + key
}

func trackingKey(orderNumber string) string {
	return "tracking:" + orderNumber
}

func decodeTracking(raw []byte) (*models.TrackingView, error) {
	var view models.TrackingView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode cached tracking view: %w", err)
	}
	return &view, nil
}
