package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neomorfeo/farmconf/internal/domain"
)

var _ domain.CacheInvalidator = (*Invalidator)(nil)

const (
	keyPrefix = "farmconf:"
	// Channel carries the name of every tenant whose configuration changed.
	Channel = keyPrefix + "invalidate"
)

// Invalidator drops the cached configuration of a tenant and announces the
// change to every subscriber, so app servers reload on their next request.
type Invalidator struct {
	client *redis.Client
}

// NewInvalidator connects to the Redis server at redisURL.
func NewInvalidator(redisURL string) (*Invalidator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Invalidator{client: client}, nil
}

// NewInvalidatorWithClient wraps an existing Redis client.
func NewInvalidatorWithClient(client *redis.Client) *Invalidator {
	return &Invalidator{client: client}
}

// Key returns the cache key holding the configuration of tenant.
func Key(tenant string) string {
	return keyPrefix + tenant
}

func (i *Invalidator) Invalidate(ctx context.Context, tenant string) error {
	pipe := i.client.TxPipeline()
	pipe.Del(ctx, Key(tenant))
	pipe.Publish(ctx, Channel, tenant)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate %s: %w", tenant, err)
	}
	return nil
}

// Subscribe delivers invalidated tenant names until ctx is done.
func (i *Invalidator) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := i.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks if Redis is reachable.
func (i *Invalidator) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (i *Invalidator) Close() error {
	return i.client.Close()
}
