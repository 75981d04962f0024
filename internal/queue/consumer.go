package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	taskqueue "github.com/golang-queue/queue"

	"github.com/angeloszaimis/payment-router/internal/payment"
)

// HandlerFunc processes one dequeued payment. It owns the payment from then
// on, including requeueing it on failure.
type HandlerFunc func(ctx context.Context, p payment.Payment)

type ConsumerOptions struct {
	BatchSize    int
	Concurrency  int
	PoolCapacity int
	ErrorDelay   time.Duration
	Backoff      *Backoff
}

// Consumer drains a Source into a bounded worker pool. It never stops on
// store errors; only its context ends it.
type Consumer struct {
	source Source
	handle HandlerFunc
	opts   ConsumerOptions
	logger *slog.Logger
	pool   *taskqueue.Queue

	mutex   sync.Mutex
	pending map[uint64]payment.Payment
	seq     uint64
}

func NewConsumer(source Source, handle HandlerFunc, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PoolCapacity <= 0 {
		opts.PoolCapacity = opts.Concurrency * opts.BatchSize
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(100*time.Millisecond, time.Second, 1.1)
	}

	return &Consumer{
		source:  source,
		handle:  handle,
		opts:    opts,
		logger:  logger,
		pending: make(map[uint64]payment.Payment),
	}
}

// Run polls the source until ctx is done. Payments handed to the pool but not
// yet started when Run stops are pushed back to the head of the queue.
func (c *Consumer) Run(ctx context.Context) error {
	c.pool = taskqueue.NewPool(int64(c.opts.Concurrency), taskqueue.WithQueueSize(c.opts.PoolCapacity))
	handlerCtx := context.WithoutCancel(ctx)

	c.logger.Info("Consumer started",
		slog.Int("batch_size", c.opts.BatchSize),
		slog.Int("concurrency", c.opts.Concurrency))

	defer func() {
		c.pool.Release()
		c.reclaim(handlerCtx)
		c.logger.Info("Consumer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.source.Pop(ctx, c.opts.BatchSize)
		if err != nil {
			if !errors.Is(err, ErrCorruptEntry) {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to pop payments", slog.Any("err", err))
				sleep(ctx, c.opts.ErrorDelay)
				continue
			}
			c.logger.Warn("Dropped undecodable queue entries", slog.Any("err", err))
		}

		if len(batch) == 0 {
			sleep(ctx, c.opts.Backoff.Next())
			continue
		}
		c.opts.Backoff.Reset()

		if submitted := c.submit(handlerCtx, batch); submitted < len(batch) {
			rest := batch[submitted:]
			if err := c.source.Requeue(handlerCtx, rest...); err != nil {
				c.logger.Error("Failed to requeue payments", slog.Int("count", len(rest)), slog.Any("err", err))
			}
			sleep(ctx, c.opts.Backoff.Next())
		}
	}
}

// submit hands payments to the pool in order and returns how many were
// accepted.
func (c *Consumer) submit(ctx context.Context, batch []payment.Payment) int {
	for i, p := range batch {
		id := c.track(p)
		err := c.pool.QueueTask(func(context.Context) error {
			if !c.untrack(id) {
				return nil
			}
			c.handle(ctx, p)
			return nil
		})
		if err != nil {
			c.untrack(id)
			return i
		}
	}
	return len(batch)
}

func (c *Consumer) track(p payment.Payment) uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.seq++
	c.pending[c.seq] = p
	return c.seq
}

func (c *Consumer) untrack(id uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Consumer) reclaim(ctx context.Context) {
	c.mutex.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	left := make([]payment.Payment, 0, len(ids))
	for _, id := range ids {
		left = append(left, c.pending[id])
		delete(c.pending, id)
	}
	c.mutex.Unlock()

	if len(left) == 0 {
		return
	}
	if err := c.source.Requeue(ctx, left...); err != nil {
		c.logger.Error("Failed to return pending payments", slog.Int("count", len(left)), slog.Any("err", err))
		return
	}
	c.logger.Info("Returned pending payments to the queue", slog.Int("count", len(left)))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
