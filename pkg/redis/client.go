// Package redis dials the shared KV and provides the typed pub/sub used for
// cross-node fan-out.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	// Command round-trips are on the hot path; keep them short.
	defaultCommandTimeout = 1 * time.Second
)

// Connect dials Redis from a URL and verifies the connection with a ping.
// Read and write timeouts default to the command budget unless the URL
// overrides them.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultCommandTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultCommandTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ConnectPair dials two clients off one URL: a command client and a client
// reserved for subscriptions. SUBSCRIBE parks its connection, so sharing a
// pool between subscribers and commands lets a slow subscriber starve every
// command in flight.
func ConnectPair(ctx context.Context, redisURL string) (cmd, sub *goredis.Client, err error) {
	if cmd, err = Connect(ctx, redisURL); err != nil {
		return nil, nil, err
	}
	if sub, err = Connect(ctx, redisURL); err != nil {
		_ = cmd.Close()
		return nil, nil, err
	}
	return cmd, sub, nil
}
