// Package redis carries block notifications between processes over Redis
// pub/sub and caches the latest pool snapshot for dashboards.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// DefaultChannel is the pub/sub channel block hashes are announced on.
const DefaultChannel = "vrscpool:blocknotify"

const poolStatsKey = "vrscpool:stats"

// ErrNotFound is returned when a cached key does not exist.
var ErrNotFound = stderrors.New("not found")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb    *redis.Client
	logger *log.Logger
}

// Config holds Redis connection configuration
type Config struct {
	// URL in redis://[user:password@]host:port/db form. Overrides Addr, Password and DB.
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the connection settings used for a local Redis.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Options converts the configuration to go-redis options.
func (cfg *Config) Options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.URL == "" {
		return opts, nil
	}

	parsed, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInput, "redis_config", "invalid redis url").
			WithRetryable(false)
	}
	opts.Addr = parsed.Addr
	opts.Username = parsed.Username
	opts.Password = parsed.Password
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return opts, nil
}

// NewClient creates a new Redis client and checks the connection
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "redis_connect", "failed to ping Redis").
			WithContext("addr", opts.Addr)
	}

	return &Client{rdb: rdb, logger: logger.WithComponent("redis")}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Block notifications

// PublishBlockNotify announces blockHash on channel and returns the number
// of subscribers that received it.
func (c *Client) PublishBlockNotify(ctx context.Context, channel, blockHash string) (int64, error) {
	n, err := c.rdb.Publish(ctx, channel, strings.ToLower(blockHash)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeMessaging, "publish_blocknotify", "failed to publish block hash").
			WithContext("channel", channel)
	}
	return n, nil
}

// SubscribeBlockNotify calls handler for every hash announced on channel
// until ctx is cancelled. Handler errors are logged and do not end the
// subscription.
func (c *Client) SubscribeBlockNotify(ctx context.Context, channel string, handler func(ctx context.Context, blockHash string) error) error {
	sub := c.rdb.Subscribe(ctx, channel)
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.WithError(err).Debug("failed to close subscription")
		}
	}()

	// wait for the subscription to be confirmed so no announcement is missed
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "subscribe_blocknotify", "subscription failed").
			WithContext("channel", channel)
	}
	c.logger.Info("subscribed to block notifications", "channel", channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errors.New(errors.ErrorTypeMessaging, "subscribe_blocknotify", "subscription closed")
			}
			hash := strings.TrimSpace(msg.Payload)
			if err := handler(ctx, hash); err != nil {
				c.logger.WithError(err).Warn("block notification handler failed", "block_hash", hash)
			}
		}
	}
}

// Cache management

// SetCache stores JSON data with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves JSON data stored with SetCache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}

// SetPoolStats caches the latest pool snapshot. It expires after ttl so a
// dead pool does not look alive.
func (c *Client) SetPoolStats(ctx context.Context, stats *messaging.PoolStats, ttl time.Duration) error {
	return c.SetCache(ctx, poolStatsKey, stats, ttl)
}

// GetPoolStats returns the cached pool snapshot.
func (c *Client) GetPoolStats(ctx context.Context) (*messaging.PoolStats, error) {
	var stats messaging.PoolStats
	if err := c.GetCache(ctx, poolStatsKey, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
