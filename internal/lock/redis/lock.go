// Package redis guards orchestrated runs across processes with a Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// ErrLockNotHeld is returned by release when the key expired or changed hands.
var ErrLockNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Locker implements crawler.Locker with SET NX and a token-checked delete.
type Locker struct {
	client redis.UniversalClient
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Locker, *redis.Client, error) {
	if cfg.Address == "" {
		return nil, nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client), client, nil
}

// Acquire takes key for ttl. It returns crawler.ErrAlreadyRunning when
// another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", key, crawler.ErrAlreadyRunning)
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("release %s: %w", key, ErrLockNotHeld)
		}
		return nil
	}, nil
}
