package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// ColorStore mirrors the breaker color across processes.
type ColorStore interface {
	// Load returns the shared color, GREEN when none was ever written.
	Load(ctx context.Context) (Color, error)
	// Save replaces the shared color.
	Save(ctx context.Context, c Color) error
}

// RedisStore keeps the color under a single key and announces every write on
// a pub/sub channel so peers can refresh their cache before the debounce TTL
// expires.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	channel string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		key:     keyPrefix + ":circuit_breaker:color",
		channel: keyPrefix + ":circuit_breaker:updates",
	}
}

func (s *RedisStore) Load(ctx context.Context) (Color, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return Green, nil
	}
	if err != nil {
		return Green, fmt.Errorf("circuitbreaker: load color: %w", err)
	}
	return ParseColor(v)
}

func (s *RedisStore) Save(ctx context.Context, c Color) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key, c.String(), 0)
	pipe.Publish(ctx, s.channel, c.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("circuitbreaker: save color %s: %w", c, err)
	}
	return nil
}

// Subscribe delivers colors published by any process to fn until ctx is
// done. Undecodable messages are skipped.
func (s *RedisStore) Subscribe(ctx context.Context, fn func(Color), logger *slog.Logger) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("circuitbreaker: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c, err := ParseColor(msg.Payload)
			if err != nil {
				logger.Warn("Ignoring color update", slog.String("payload", msg.Payload))
				continue
			}
			fn(c)
		}
	}
}
