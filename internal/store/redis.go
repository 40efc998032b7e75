// Package store connects to the shared coordination store and owns its key
// layout.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relaychat/internal/logx"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// ConnectAttempts bounds the startup ping loop.
	ConnectAttempts int
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		ConnectAttempts: 10,
	}
}

// Connect creates a client and pings Redis with exponential backoff until it
// answers or the attempts run out.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	log := logx.Component("store")
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := 200 * time.Millisecond
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
			return client, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Addr).Msg("waiting for redis")

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}

	client.Close()
	return nil, fmt.Errorf("redis at %s unreachable after %d attempts: %w", cfg.Addr, attempts, err)
}
