package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/payment-router/internal/payment"
	"github.com/angeloszaimis/payment-router/internal/processor"
)

const (
	countField = "count"
	totalField = "total"
)

var ErrMalformedEntry = errors.New("stats: malformed timeline entry")

// KEYS[1] timeline, KEYS[2] totals; ARGV[1] score, ARGV[2] member, ARGV[3] amount.
var recordScript = redis.NewScript(`
local added = redis.call('ZADD', KEYS[1], 'NX', ARGV[1], ARGV[2])
if added == 1 then
	redis.call('HINCRBY', KEYS[2], 'count', 1)
	redis.call('HINCRBYFLOAT', KEYS[2], 'total', ARGV[3])
end
return added
`)

// Persister records successful dispatches and answers summary queries.
type Persister struct {
	client       redis.UniversalClient
	keyPrefix    string
	queryTimeout time.Duration
	logger       *slog.Logger
}

func NewPersister(client redis.UniversalClient, keyPrefix string, queryTimeout time.Duration, logger *slog.Logger) *Persister {
	return &Persister{
		client:       client,
		keyPrefix:    keyPrefix,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

func (s *Persister) timelineKey(p processor.Processor) string {
	return s.keyPrefix + ":payments:" + p.String() + ":timeline"
}

func (s *Persister) totalsKey(p processor.Processor) string {
	return s.keyPrefix + ":payments:" + p.String() + ":totals"
}

// member keeps the amount exactly as dispatched. Rounding only happens on
// the summed total.
func member(pay payment.Payment) string {
	return pay.Amount.String() + ":" + pay.CorrelationID
}

// Record stores a payment accepted by processor p. added is false when the
// same payment was already recorded.
func (s *Persister) Record(ctx context.Context, p processor.Processor, pay payment.Payment) (added bool, err error) {
	keys := []string{s.timelineKey(p), s.totalsKey(p)}
	args := []any{pay.RequestedAt.UnixMilli(), member(pay), pay.Amount.String()}

	n, err := recordScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("stats: record %s on %s: %w", pay.CorrelationID, p, err)
	}
	return n == 1, nil
}

// Summary returns the totals of both processors, optionally restricted to
// requestedAt in [from, to]. A processor whose store query fails reports
// zero.
func (s *Persister) Summary(ctx context.Context, from, to *time.Time) payment.Summary {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var result [len(processor.All)]payment.Totals
	var g errgroup.Group
	for i, p := range processor.All {
		g.Go(func() error {
			totals, err := s.totals(ctx, p, from, to)
			if err != nil {
				s.logger.Error("Summary query failed, reporting zero",
					slog.String("processor", p.String()),
					slog.Any("err", err))
				totals = payment.Totals{TotalAmount: decimal.Zero}
			}
			result[i] = totals
			return nil
		})
	}
	_ = g.Wait()

	return payment.Summary{Default: result[processor.Default], Fallback: result[processor.Fallback]}
}

func (s *Persister) totals(ctx context.Context, p processor.Processor, from, to *time.Time) (payment.Totals, error) {
	if from == nil && to == nil {
		return s.aggregate(ctx, p)
	}
	return s.scan(ctx, p, from, to)
}

func (s *Persister) aggregate(ctx context.Context, p processor.Processor) (payment.Totals, error) {
	vals, err := s.client.HMGet(ctx, s.totalsKey(p), countField, totalField).Result()
	if err != nil {
		return payment.Totals{}, fmt.Errorf("stats: read totals: %w", err)
	}

	totals := payment.Totals{TotalAmount: decimal.Zero}
	if raw, ok := vals[0].(string); ok {
		if totals.TotalRequests, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return payment.Totals{}, fmt.Errorf("stats: parse count %q: %w", raw, err)
		}
	}
	if raw, ok := vals[1].(string); ok {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return payment.Totals{}, fmt.Errorf("stats: parse total %q: %w", raw, err)
		}
		totals.TotalAmount = amount.Round(2)
	}
	return totals, nil
}

func (s *Persister) scan(ctx context.Context, p processor.Processor, from, to *time.Time) (payment.Totals, error) {
	members, err := s.client.ZRangeByScore(ctx, s.timelineKey(p), &redis.ZRangeBy{
		Min: bound(from, "-inf"),
		Max: bound(to, "+inf"),
	}).Result()
	if err != nil {
		return payment.Totals{}, fmt.Errorf("stats: scan timeline: %w", err)
	}

	sum := decimal.Zero
	for _, m := range members {
		raw, _, ok := strings.Cut(m, ":")
		if !ok {
			return payment.Totals{}, fmt.Errorf("%w: %q", ErrMalformedEntry, m)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return payment.Totals{}, fmt.Errorf("%w: %q: %w", ErrMalformedEntry, m, err)
		}
		sum = sum.Add(amount)
	}

	return payment.Totals{TotalRequests: int64(len(members)), TotalAmount: sum.Round(2)}, nil
}

func bound(t *time.Time, open string) string {
	if t == nil {
		return open
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Purge drops the timeline and totals of both processors.
func (s *Persister) Purge(ctx context.Context) error {
	keys := make([]string, 0, 2*len(processor.All))
	for _, p := range processor.All {
		keys = append(keys, s.timelineKey(p), s.totalsKey(p))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("stats: purge: %w", err)
	}
	return nil
}
