// Package redisx holds the redis connection helper. All volatile server state
// (OTPs, nonces, challenges, external meeting sessions) lives in redis so a
// restart clears it without touching the durable SQLite file.
package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connect parses the redis URL, connects, and pings to verify the connection.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
