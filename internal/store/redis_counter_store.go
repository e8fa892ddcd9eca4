package store

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisConnectTimeout = 5 * time.Second

// RedisCounterStore implements CounterStore for Redis
type RedisCounterStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCounterStore connects to Redis and verifies the connection. Every
// increment refreshes the key's expiry to ttl.
func NewRedisCounterStore(host string, port int, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis counter store unreachable at %s: %w", client.Options().Addr, err)
	}

	logger.Debug("Connected to Redis", zap.String("addr", client.Options().Addr), zap.Duration("ttl", ttl))
	return &RedisCounterStore{client: client, ttl: ttl, logger: logger}, nil
}

// Increment adds amount to key and refreshes its expiry
func (s *RedisCounterStore) Increment(ctx context.Context, key string, amount int64) error {
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, amount)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return nil
}

// Sum returns the total of the given keys
func (s *RedisCounterStore) Sum(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read counters: %w", err)
	}

	var total int64
	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping non-integer counter",
				zap.String("key", keys[i]),
				zap.String("value", str))
			continue
		}
		total += n
	}
	return total, nil
}

// Ping checks the Redis connection
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
