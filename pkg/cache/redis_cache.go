package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed Cache implementation. Field
// names track spec §6's REDIS_* configuration keys.
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	TLSEnabled   bool
}

// RedisCache implements Cache on top of go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials Redis and verifies connectivity with a ping.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("cache: get failed: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: unmarshal failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal failed: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists failed: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, []string, error) {
	keys, next, err := c.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("cache: scan failed: %w", err)
	}
	return next, keys, nil
}

func (c *RedisCache) Pipeline(ctx context.Context, ops []PipelineOp) ([]PipelineResult, error) {
	pipe := c.client.TxPipeline()
	cmds := make([]redis.Cmder, len(ops))

	for i, op := range ops {
		switch op.Kind {
		case PipelineGet:
			cmds[i] = pipe.Get(ctx, op.Key)
		case PipelineSet:
			data, err := json.Marshal(op.Value)
			if err != nil {
				return nil, fmt.Errorf("cache: pipeline marshal failed for key %q: %w", op.Key, err)
			}
			cmds[i] = pipe.Set(ctx, op.Key, data, op.TTL)
		case PipelineDel:
			cmds[i] = pipe.Del(ctx, op.Key)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("cache: pipeline exec failed: %w", err)
	}

	results := make([]PipelineResult, len(ops))
	for i, op := range ops {
		results[i].Key = op.Key
		if getCmd, ok := cmds[i].(*redis.StringCmd); ok {
			b, gerr := getCmd.Bytes()
			if gerr != nil && gerr != redis.Nil {
				results[i].Err = gerr
			} else if gerr == redis.Nil {
				results[i].Err = ErrNotFound
			} else {
				results[i].Value = b
			}
		}
	}
	return results, nil
}

func (c *RedisCache) Eval(ctx context.Context, script string, numKeys int, keysAndArgs ...interface{}) (interface{}, error) {
	keys := make([]string, 0, numKeys)
	var args []interface{}
	for i, v := range keysAndArgs {
		if i < numKeys {
			keys = append(keys, fmt.Sprintf("%v", v))
		} else {
			args = append(args, v)
		}
	}
	return c.client.Eval(ctx, script, keys, args...).Result()
}

func (c *RedisCache) Close() error { return c.client.Close() }

// WarmupIncrScript atomically increments the warm-up activity counter
// and, only on the 0→1 transition, sets its expiry to the warm-up
// window — the "atomic script that also sets expiry" from spec §4.8.
const WarmupIncrScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`
