package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	gasKeyPrefix = "gas-estimation:harvest:"
	GasEntryTTL  = 7 * 24 * time.Hour
)

type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Client owns the process-wide redis connection.
type Client struct {
	client *redis.Client
}

// Open connects and pings redis.
func Open(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GasCache() *GasCache {
	return &GasCache{kv: c.client}
}

// GasCache stores harvest gas-unit estimates per strategy.
type GasCache struct {
	kv kv
}

// GasKey is the cache key of a strategy's harvest gas estimate.
func GasKey(strategy common.Address) string {
	return gasKeyPrefix + strings.ToLower(strategy.Hex())
}

// Get returns the cached gas units. ok is false on a miss.
func (c *GasCache) Get(ctx context.Context, strategy common.Address) (units uint64, ok bool, err error) {
	raw, err := c.kv.Get(ctx, GasKey(strategy)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get gas estimate: %w", err)
	}
	units, err = strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached gas estimate %q: %w", raw, err)
	}
	return units, true, nil
}

// Set stores units as a decimal string for GasEntryTTL.
func (c *GasCache) Set(ctx context.Context, strategy common.Address, units uint64) error {
	if err := c.kv.Set(ctx, GasKey(strategy), strconv.FormatUint(units, 10), GasEntryTTL).Err(); err != nil {
		return fmt.Errorf("set gas estimate: %w", err)
	}
	return nil
}
