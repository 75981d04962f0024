package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/angeloszaimis/payment-router/internal/payment"
)

// ErrCorruptEntry reports queue entries that were popped but could not be
// decoded.
var ErrCorruptEntry = errors.New("queue: corrupt entry")

// Source is the consumer side of the queue.
type Source interface {
	Pop(ctx context.Context, n int) ([]payment.Payment, error)
	Requeue(ctx context.Context, payments ...payment.Payment) error
}

// RedisQueue is a FIFO of payments shared by every process.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

func NewRedisQueue(client redis.UniversalClient, keyPrefix string) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    keyPrefix + ":payments:queue",
	}
}

// Add appends a payment to the tail.
func (q *RedisQueue) Add(ctx context.Context, p payment.Payment) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", p.CorrelationID, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queue: add %s: %w", p.CorrelationID, err)
	}
	return nil
}

// Requeue pushes payments back to the head. The first payment given ends up
// first in line.
func (q *RedisQueue) Requeue(ctx context.Context, payments ...payment.Payment) error {
	if len(payments) == 0 {
		return nil
	}

	values := make([]any, len(payments))
	for i, p := range payments {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("queue: encode %s: %w", p.CorrelationID, err)
		}
		// LPUSH inserts left to right, so the last value becomes the head.
		values[len(payments)-1-i] = data
	}

	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("queue: requeue %d payments: %w", len(payments), err)
	}
	return nil
}

// Pop removes up to n payments from the head. An empty queue yields an empty
// slice and no error. Entries that cannot be decoded are dropped.
func (q *RedisQueue) Pop(ctx context.Context, n int) ([]payment.Payment, error) {
	raw, err := q.client.LPopCount(ctx, q.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop: %w", err)
	}

	payments := make([]payment.Payment, 0, len(raw))
	var decodeErrs []error
	for _, item := range raw {
		var p payment.Payment
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		payments = append(payments, p)
	}
	if len(decodeErrs) > 0 {
		return payments, fmt.Errorf("%w: %w", ErrCorruptEntry, errors.Join(decodeErrs...))
	}
	return payments, nil
}

// Len returns the number of queued payments.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

// Purge drops every queued payment.
func (q *RedisQueue) Purge(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("queue: purge: %w", err)
	}
	return nil
}
