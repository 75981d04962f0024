package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jpillora/backoff"

	"github.com/angeloszaimis/payment-router/config"
)

const connectAttempts = 5

// Connect opens a Redis client for cfg and pings it until it answers, up to
// connectAttempts times.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.QueryTimeout,
		WriteTimeout: cfg.QueryTimeout,
	})

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			logger.Info("Connected to Redis", slog.String("addr", cfg.Address()))
			return client, nil
		}

		logger.Warn("Redis not ready",
			slog.Int("attempt", attempt),
			slog.String("addr", cfg.Address()),
			slog.Any("err", err))

		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	client.Close()
	return nil, fmt.Errorf("storage: redis %s unreachable after %d attempts: %w", cfg.Address(), connectAttempts, err)
}
