// Package redis wraps go-redis with the key conventions used by the relay.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	signaturePrefix         = "antigravity:sig:"
	thinkingSignaturePrefix = "antigravity:thinking-sig:"
)

// Client is a thin wrapper over go-redis for signature storage.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects and pings with a short timeout.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetSignature stores a tool-call signature keyed by tool-use ID.
func (c *Client) SetSignature(ctx context.Context, toolID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, signaturePrefix+toolID, signature, ttl).Err()
}

// GetSignature loads a tool-call signature. A miss returns "".
func (c *Client) GetSignature(ctx context.Context, toolID string) string {
	val, err := c.rdb.Get(ctx, signaturePrefix+toolID).Result()
	if err != nil {
		return ""
	}
	return val
}

// SetThinkingSignature records which model family produced a thinking
// signature.
func (c *Client) SetThinkingSignature(ctx context.Context, signature, family string, ttl time.Duration) error {
	return c.rdb.Set(ctx, thinkingSignaturePrefix+signature, family, ttl).Err()
}

// GetThinkingSignature returns the model family for a signature, or "".
func (c *Client) GetThinkingSignature(ctx context.Context, signature string) string {
	val, err := c.rdb.Get(ctx, thinkingSignaturePrefix+signature).Result()
	if err != nil {
		return ""
	}
	return val
}
