package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angeloszaimis/payment-router/internal/payment"
	"github.com/angeloszaimis/payment-router/internal/processor"
)

const createTable = `CREATE TABLE IF NOT EXISTS processed_payments (
	correlation_id TEXT PRIMARY KEY,
	amount NUMERIC NOT NULL,
	processor TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ DEFAULT now()
)`

const columnsPerRow = 4

// Execer is the subset of pgxpool.Pool the ledger writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

type entry struct {
	payment   payment.Payment
	processor processor.Processor
}

type Ledger struct {
	db      Execer
	opts    Options
	logger  *slog.Logger
	ch      chan entry
	dropped atomic.Int64
	closeDB func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to PostgreSQL, creates the table when missing and starts the
// flush loop.
func Open(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse dsn: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: create table: %w", err)
	}

	l := New(pool, opts, logger)
	l.closeDB = pool.Close
	return l, nil
}

// New starts a ledger writing through db.
func New(db Execer, opts Options, logger *slog.Logger) *Ledger {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16 * opts.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		db:     db,
		opts:   opts,
		logger: logger,
		ch:     make(chan entry, opts.BufferSize),
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.loop(ctx)
	return l
}

// Log queues a processed payment without blocking.
func (l *Ledger) Log(p processor.Processor, pay payment.Payment) {
	if l == nil {
		return
	}
	select {
	case l.ch <- entry{payment: pay, processor: p}:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded on a full buffer.
func (l *Ledger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close flushes what is buffered and releases the connection pool.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	if l.closeDB != nil {
		l.closeDB()
	}
}

func (l *Ledger) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, l.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(ctx, batch); err != nil {
			l.logger.Error("Failed to write ledger batch", slog.Int("rows", len(batch)), slog.Any("err", err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for len(l.ch) > 0 {
				batch = append(batch, <-l.ch)
				if len(batch) >= l.opts.BatchSize {
					flush(drainCtx)
				}
			}
			flush(drainCtx)
			return
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (l *Ledger) insert(ctx context.Context, batch []entry) error {
	var sql strings.Builder
	sql.WriteString("INSERT INTO processed_payments (correlation_id, amount, processor, requested_at) VALUES ")

	args := make([]any, 0, len(batch)*columnsPerRow)
	for i, e := range batch {
		if i > 0 {
			sql.WriteByte(',')
		}
		n := i * columnsPerRow
		fmt.Fprintf(&sql, "($%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4)
		args = append(args, e.payment.CorrelationID, e.payment.Amount.String(), e.processor.String(), e.payment.RequestedAt)
	}
	sql.WriteString(" ON CONFLICT (correlation_id) DO NOTHING")

	if _, err := l.db.Exec(ctx, sql.String(), args...); err != nil {
		return fmt.Errorf("ledger: insert %d rows: %w", len(batch), err)
	}
	return nil
}
