package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "autoinvest:idem:"

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// RedisStore shares idempotency state between API replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Address, err)
	}
	return &RedisStore{client: client}, nil
}

// record is the stored value. Pending reservations carry no response.
type record struct {
	Done     bool      `json:"done"`
	Response *Response `json:"response,omitempty"`
}

var pending, _ = json.Marshal(record{})

func (r *RedisStore) Reserve(ctx context.Context, key string, lockTTL time.Duration) (State, *Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, keyPrefix+key, pending, lockTTL).Result()
		if err != nil {
			return 0, nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return Reserved, nil, nil
		}
		raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read idempotency key: %w", err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return 0, nil, fmt.Errorf("decode idempotency key: %w", err)
		}
		if rec.Done && rec.Response != nil {
			return Replay, rec.Response, nil
		}
		return InFlight, nil, nil
	}
	return InFlight, nil, nil
}

func (r *RedisStore) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(record{Done: true, Response: &resp})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
