package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angeloszaimis/payment-router/internal/healthcheck"
	"github.com/angeloszaimis/payment-router/internal/metrics"
	"github.com/angeloszaimis/payment-router/internal/processor"
)

// HealthProber is the health evidence source of the engine.
type HealthProber interface {
	Probe(ctx context.Context, p processor.Processor) healthcheck.Health
	ProbeBoth(ctx context.Context) (defaultHealth, fallbackHealth healthcheck.Health)
}

// Settings are the tunables of the engine. They can be swapped at runtime
// with UpdateSettings.
type Settings struct {
	// DebounceTTL bounds how long a cached color is served before the
	// shared store is read again.
	DebounceTTL time.Duration
	// HealthTimeout bounds each probe. Zero keeps the prober's own value.
	HealthTimeout time.Duration
	// RecoveryInterval is the pause between two RED recovery rounds.
	RecoveryInterval time.Duration
	// LatencyThreshold is the default-minus-fallback latency, in
	// milliseconds, from which fallback is preferred.
	LatencyThreshold int
}

// ProbeSnapshot is the last health sample seen for a processor.
type ProbeSnapshot struct {
	healthcheck.Health
	CheckedAt time.Time `json:"checkedAt"`
}

// Status is the diagnostic view of the engine.
type Status struct {
	Color       Color                    `json:"color"`
	LastUpdated time.Time                `json:"lastUpdated"`
	Recovering  bool                     `json:"recovering"`
	Health      map[string]ProbeSnapshot `json:"health"`
}

// Engine owns the breaker color of one process.
type Engine struct {
	prober    HealthProber
	store     ColorStore
	logger    *slog.Logger
	collector *metrics.Collector

	mutex       sync.Mutex
	color       Color
	lastUpdated time.Time
	refreshedAt time.Time
	settings    Settings
	health      map[processor.Processor]ProbeSnapshot

	probing atomic.Bool
	polling atomic.Bool
	reads   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewEngine creates an engine starting GREEN. collector may be nil.
func NewEngine(prober HealthProber, store ColorStore, settings Settings, logger *slog.Logger, collector *metrics.Collector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		prober:    prober,
		store:     store,
		logger:    logger,
		collector: collector,
		color:     Green,
		settings:  settings,
		health:    make(map[processor.Processor]ProbeSnapshot, 2),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Signal reassesses the breaker right after a live dispatch to the failed
// processor did not succeed. The peer processor is probed once: a healthy peer takes the
// traffic, otherwise the breaker turns RED and recovery polling starts in the
// background.
//
// Only one signal probe runs at a time. Callers overlapping with it, or with
// an active recovery loop, are answered RED without any external call.
func (e *Engine) Signal(ctx context.Context, failed processor.Processor) Color {
	if e.polling.Load() {
		return Red
	}

	if !e.probing.CompareAndSwap(false, true) {
		// Synthetic failing sample for the overlapping caller. It is not
		// persisted: one failed dispatch alone is not evidence for RED.
		return Red
	}

	peer := failed.Other()
	h := e.prober.Probe(ctx, peer)
	e.probing.Store(false)
	e.recordHealth(peer, h)

	if !h.Failing {
		next := Green
		if failed == processor.Default {
			next = Yellow
		}
		e.setColor(ctx, next)
		return next
	}

	e.logger.Warn("Both processors unhealthy",
		slog.String("failed", failed.String()),
		slog.String("peer", peer.String()))

	e.setColor(ctx, Red)
	e.startRecovery()
	return Red
}

// CurrentColor returns the cached color while it is younger than the
// debounce TTL, otherwise the color re-read from the shared store. Store
// errors keep the cached color.
func (e *Engine) CurrentColor(ctx context.Context) Color {
	e.mutex.Lock()
	if e.now().Sub(e.refreshedAt) < e.settings.DebounceTTL {
		c := e.color
		e.mutex.Unlock()
		return c
	}
	e.mutex.Unlock()

	v, _, _ := e.reads.Do("color", func() (any, error) {
		return e.refresh(ctx), nil
	})
	return v.(Color)
}

func (e *Engine) refresh(ctx context.Context) Color {
	stored, err := e.store.Load(ctx)

	e.mutex.Lock()
	e.refreshedAt = e.now()
	if err != nil {
		c := e.color
		e.mutex.Unlock()
		e.logger.Warn("Keeping cached breaker color", slog.Any("err", err))
		return c
	}
	changed := stored != e.color
	if changed {
		e.color = stored
		e.lastUpdated = e.refreshedAt
	}
	e.mutex.Unlock()

	if changed {
		e.logger.Info("Breaker color changed by peer", slog.String("color", stored.String()))
		e.collector.Emit(metrics.MetricEvent{Type: metrics.EventColorChanged, Color: stored.String()})
	}
	if stored == Red {
		// The process that turned RED may be gone.
		e.startRecovery()
	}
	return stored
}

// Observe adopts a color announced by a peer without writing it back.
func (e *Engine) Observe(c Color) {
	e.mutex.Lock()
	e.refreshedAt = e.now()
	if e.color == c {
		e.mutex.Unlock()
		return
	}
	e.color = c
	e.lastUpdated = e.refreshedAt
	e.mutex.Unlock()

	e.collector.Emit(metrics.MetricEvent{Type: metrics.EventColorChanged, Color: c.String()})
	if c == Red {
		e.startRecovery()
	}
}

// setColor stores a color decided by this process. Writes that do not
// change the color are dropped.
func (e *Engine) setColor(ctx context.Context, c Color) {
	e.mutex.Lock()
	now := e.now()
	if e.color == c {
		e.mutex.Unlock()
		return
	}
	prev := e.color
	e.color = c
	e.lastUpdated = now
	e.refreshedAt = now
	e.mutex.Unlock()

	if err := e.store.Save(ctx, c); err != nil {
		e.logger.Error("Failed to persist breaker color",
			slog.String("color", c.String()),
			slog.Any("err", err))
	}

	e.logger.Info("Breaker color changed",
		slog.String("from", prev.String()),
		slog.String("to", c.String()))
	e.collector.Emit(metrics.MetricEvent{Type: metrics.EventColorChanged, Color: c.String()})
}

func (e *Engine) startRecovery() {
	if !e.polling.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.polling.Store(false)
		e.recover(e.ctx)
	}()
}

// recover polls both processors until the breaker leaves RED, either through
// this loop or through another path.
func (e *Engine) recover(ctx context.Context) {
	e.logger.Info("Recovery polling started")
	defer e.logger.Info("Recovery polling stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if e.CurrentColor(ctx) != Red {
			return
		}

		d, f := e.prober.ProbeBoth(ctx)
		e.recordHealth(processor.Default, d)
		e.recordHealth(processor.Fallback, f)

		settings := e.Settings()
		if next := DefineColor(d, f, settings.LatencyThreshold); next != Red {
			e.setColor(ctx, next)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(settings.RecoveryInterval):
		}
	}
}

func (e *Engine) recordHealth(p processor.Processor, h healthcheck.Health) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.health[p] = ProbeSnapshot{Health: h, CheckedAt: e.now()}
}

// Recovering reports whether the recovery loop is running.
func (e *Engine) Recovering() bool {
	return e.polling.Load()
}

// Status returns the color and the last health sample of each processor.
func (e *Engine) Status() Status {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	st := Status{
		Color:       e.color,
		LastUpdated: e.lastUpdated,
		Recovering:  e.polling.Load(),
		Health:      make(map[string]ProbeSnapshot, len(e.health)),
	}
	for p, snap := range e.health {
		st.Health[p.String()] = snap
	}
	return st
}

// Settings returns the current tunables.
func (e *Engine) Settings() Settings {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.settings
}

// UpdateSettings swaps the tunables. A non-zero HealthTimeout is forwarded
// to probers that support it.
func (e *Engine) UpdateSettings(s Settings) {
	e.mutex.Lock()
	e.settings = s
	e.mutex.Unlock()

	if s.HealthTimeout > 0 {
		if tp, ok := e.prober.(interface{ SetTimeout(time.Duration) }); ok {
			tp.SetTimeout(s.HealthTimeout)
		}
	}
	e.logger.Info("Breaker settings updated",
		slog.Duration("debounce_ttl", s.DebounceTTL),
		slog.Duration("recovery_interval", s.RecoveryInterval),
		slog.Int("latency_threshold", s.LatencyThreshold))
}

// Close stops the recovery loop and waits for it.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}
