package database

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned when a key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	// Addr is host:port.
	Addr        string
	Password    string
	DB          int
	TLSEnabled  bool
	PoolSize    int
	MinIdleConn int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		PoolSize:    20,
		MinIdleConn: 2,
	}
}

// RedisClient wraps the Redis client.
type RedisClient struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisClient creates a new Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, config RedisConfig) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConn,
	}

	if config.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	if err := RetryRedisOperation(ctx, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &RedisClient{
		client: client,
		config: config,
	}, nil
}

// Client returns the underlying redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Addr returns the configured address.
func (r *RedisClient) Addr() string {
	return r.config.Addr
}

// Ping checks the connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Get retrieves a string value.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// Set sets a string value with optional expiration.
func (r *RedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (r *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// SetJSON marshals and sets a JSON value.
func (r *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal %s: %w", key, err))
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

// Publish publishes a message to a channel.
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// PublishJSON marshals message and publishes it.
func (r *RedisClient) PublishJSON(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal message for %s: %w", channel, err))
	}
	return r.Publish(ctx, channel, data)
}

// Subscribe subscribes to channels.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// XAdd appends values to a stream, trimming it to roughly maxLen entries.
func (r *RedisClient) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// GetJSONWithRetry retrieves and unmarshals a JSON value with retry logic.
func (r *RedisClient) GetJSONWithRetry(ctx context.Context, key string, dest interface{}) error {
	return RetryRedisOperation(ctx, func() error {
		return r.GetJSON(ctx, key, dest)
	})
}

// SetJSONWithRetry marshals and sets a JSON value with retry logic.
func (r *RedisClient) SetJSONWithRetry(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return RetryRedisOperation(ctx, func() error {
		return r.SetJSON(ctx, key, value, expiration)
	})
}

// PublishJSONWithRetry publishes a JSON message with retry logic.
func (r *RedisClient) PublishJSONWithRetry(ctx context.Context, channel string, message interface{}) error {
	return RetryRedisOperation(ctx, func() error {
		return r.PublishJSON(ctx, channel, message)
	})
}

// XAddWithRetry appends to a stream with retry logic.
func (r *RedisClient) XAddWithRetry(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return RetryWithResult(ctx, RedisRetryConfig(), func() (string, error) {
		return r.XAdd(ctx, stream, maxLen, values)
	})
}

// PingWithRetry checks the connection with retry logic.
func (r *RedisClient) PingWithRetry(ctx context.Context) error {
	return RetryRedisOperation(ctx, func() error {
		return r.Ping(ctx)
	})
}
