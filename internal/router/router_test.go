package router_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/angeloszaimis/payment-router/internal/circuitbreaker"
	"github.com/angeloszaimis/payment-router/internal/healthcheck"
	"github.com/angeloszaimis/payment-router/internal/payment"
	"github.com/angeloszaimis/payment-router/internal/processor"
	"github.com/angeloszaimis/payment-router/internal/queue"
	"github.com/angeloszaimis/payment-router/internal/router"
	"github.com/angeloszaimis/payment-router/internal/stats"
)

type fakeBreaker struct {
	mutex   sync.Mutex
	color   circuitbreaker.Color
	answers []circuitbreaker.Color
	signals []processor.Processor
}

func (b *fakeBreaker) CurrentColor(ctx context.Context) circuitbreaker.Color {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.color
}

func (b *fakeBreaker) Signal(ctx context.Context, failed processor.Processor) circuitbreaker.Color {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.signals = append(b.signals, failed)
	if len(b.answers) == 0 {
		return circuitbreaker.Red
	}
	next := b.answers[0]
	b.answers = b.answers[1:]
	b.color = next
	return next
}

type fakeDispatcher struct {
	mutex sync.Mutex
	errs  []error
	got   []payment.Payment
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, p payment.Payment) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.got = append(d.got, p)
	if len(d.errs) == 0 {
		return nil
	}
	err := d.errs[0]
	d.errs = d.errs[1:]
	return err
}

func (d *fakeDispatcher) calls() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.got)
}

type fakeQueue struct {
	mutex    sync.Mutex
	failures int
	items    []payment.Payment
}

func (q *fakeQueue) Add(ctx context.Context, p payment.Payment) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("connection reset")
	}
	q.items = append(q.items, p)
	return nil
}

func (q *fakeQueue) Requeue(ctx context.Context, payments ...payment.Payment) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("connection reset")
	}
	q.items = append(append([]payment.Payment{}, payments...), q.items...)
	return nil
}

func (q *fakeQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

type fakeRecorder struct {
	mutex    sync.Mutex
	err      error
	recorded map[processor.Processor][]payment.Payment
}

func (r *fakeRecorder) Record(ctx context.Context, p processor.Processor, pay payment.Payment) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.recorded[p] = append(r.recorded[p], pay)
	return true, nil
}

func newPayment() payment.Payment {
	return payment.Payment{CorrelationID: uuid.NewString(), Amount: decimal.RequireFromString("19.90")}
}

func dispatchFailure(p processor.Processor) error {
	return fmt.Errorf("%w: %s: status 500", processor.ErrDispatchFailed, p)
}

var _ = Describe("Router", func() {
	var (
		breaker     *fakeBreaker
		defaultProc *fakeDispatcher
		fallbackPrc *fakeDispatcher
		q           *fakeQueue
		recorder    *fakeRecorder
		r           *router.Router
		ctx         context.Context
		pay         payment.Payment
	)

	BeforeEach(func() {
		breaker = &fakeBreaker{color: circuitbreaker.Green}
		defaultProc = &fakeDispatcher{}
		fallbackPrc = &fakeDispatcher{}
		q = &fakeQueue{}
		recorder = &fakeRecorder{recorded: make(map[processor.Processor][]payment.Payment)}
		ctx = context.Background()
		pay = newPayment()
	})

	JustBeforeEach(func() {
		r = router.NewRouter(breaker, defaultProc, fallbackPrc, q, recorder, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	It("should dispatch to default on GREEN and record the stamped payment", func() {
		before := time.Now()
		res := r.Handle(ctx, pay)

		Expect(res).To(Equal(router.Result{Processed: true, Processor: processor.Default}))
		Expect(defaultProc.calls()).To(Equal(1))
		Expect(fallbackPrc.calls()).To(BeZero())

		recorded := recorder.recorded[processor.Default]
		Expect(recorded).To(HaveLen(1))
		Expect(recorded[0].CorrelationID).To(Equal(pay.CorrelationID))
		Expect(recorded[0].RequestedAt).To(BeTemporally(">=", before))
		Expect(q.len()).To(BeZero())
	})

	It("should dispatch to fallback on YELLOW", func() {
		breaker.color = circuitbreaker.Yellow
		Expect(r.Handle(ctx, pay).Processor).To(Equal(processor.Fallback))
		Expect(defaultProc.calls()).To(BeZero())
	})

	It("should requeue without dispatching on RED", func() {
		breaker.color = circuitbreaker.Red
		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(defaultProc.calls() + fallbackPrc.calls()).To(BeZero())
		Expect(q.items).To(Equal([]payment.Payment{pay}))
	})

	It("should retry once on the processor picked by the breaker", func() {
		defaultProc.errs = []error{dispatchFailure(processor.Default)}
		breaker.answers = []circuitbreaker.Color{circuitbreaker.Yellow}

		res := r.Handle(ctx, pay)
		Expect(res).To(Equal(router.Result{Processed: true, Processor: processor.Fallback, Retried: true}))
		Expect(breaker.signals).To(Equal([]processor.Processor{processor.Default}))
		Expect(recorder.recorded[processor.Fallback]).To(HaveLen(1))
	})

	It("should requeue unchanged when the breaker answers RED", func() {
		defaultProc.errs = []error{dispatchFailure(processor.Default)}

		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(fallbackPrc.calls()).To(BeZero())
		Expect(q.items).To(Equal([]payment.Payment{pay}))
		Expect(q.items[0].RequestedAt).To(BeZero())
	})

	It("should signal again and requeue when the retry fails too", func() {
		defaultProc.errs = []error{dispatchFailure(processor.Default)}
		fallbackPrc.errs = []error{dispatchFailure(processor.Fallback)}
		breaker.answers = []circuitbreaker.Color{circuitbreaker.Yellow, circuitbreaker.Green}

		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(breaker.signals).To(Equal([]processor.Processor{processor.Default, processor.Fallback}))
		Expect(defaultProc.calls()).To(Equal(1))
		Expect(fallbackPrc.calls()).To(Equal(1))
		Expect(q.len()).To(Equal(1))
	})

	It("should requeue a rejected payment without signalling", func() {
		defaultProc.errs = []error{fmt.Errorf("%w: default: status 422", processor.ErrRejected)}

		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(breaker.signals).To(BeEmpty())
		Expect(q.len()).To(Equal(1))
	})

	It("should put a rejected payment behind the waiting ones", func() {
		waiting := newPayment()
		q.items = []payment.Payment{waiting}
		defaultProc.errs = []error{fmt.Errorf("%w: default: status 422", processor.ErrRejected)}

		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(q.items).To(Equal([]payment.Payment{waiting, pay}))
	})

	It("should put a payment refused on RED ahead of the waiting ones", func() {
		waiting := newPayment()
		q.items = []payment.Payment{waiting}
		breaker.color = circuitbreaker.Red

		r.Handle(ctx, pay)
		Expect(q.items).To(Equal([]payment.Payment{pay, waiting}))
	})

	It("should not requeue a dispatched payment whose recording failed", func() {
		recorder.err = errors.New("redis down")

		Expect(r.Handle(ctx, pay).Processed).To(BeTrue())
		Expect(q.len()).To(BeZero())
	})

	It("should keep trying to requeue until the queue accepts", func() {
		breaker.color = circuitbreaker.Red
		q.failures = 2

		r.Handle(ctx, pay)
		Expect(q.len()).To(Equal(1))
	})
})

var _ = Describe("Router with live processors", func() {
	var (
		client     *redis.Client
		def, fb    *httptest.Server
		defDelay   atomic.Int64
		defHits    atomic.Int32
		fbHits     atomic.Int32
		fbHealthy  atomic.Bool
		defHealthy atomic.Bool
		engine     *circuitbreaker.Engine
		persister  *stats.Persister
		rq         *queue.RedisQueue
		r          *router.Router
		ctx        context.Context
	)

	processorServer := func(hits *atomic.Int32, delay *atomic.Int64, healthy *atomic.Bool) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			switch req.URL.Path {
			case "/payments/service-health":
				if healthy != nil && !healthy.Load() {
					fmt.Fprint(w, `{"failing":true,"minResponseTime":0}`)
					return
				}
				fmt.Fprint(w, `{"failing":false,"minResponseTime":5}`)
			case "/payments":
				hits.Add(1)
				if delay != nil {
					time.Sleep(time.Duration(delay.Load()))
				}
				if healthy != nil && !healthy.Load() {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				fmt.Fprint(w, `{"message":"payment processed successfully"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
	}

	BeforeEach(func() {
		ctx = context.Background()
		defDelay.Store(0)
		defHits.Store(0)
		fbHits.Store(0)
		fbHealthy.Store(true)
		defHealthy.Store(true)

		def = processorServer(&defHits, &defDelay, &defHealthy)
		fb = processorServer(&fbHits, nil, &fbHealthy)

		client = redis.NewClient(&redis.Options{Addr: miniredis.RunT(GinkgoT()).Addr()})

		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		defURL, _ := url.Parse(def.URL)
		fbURL, _ := url.Parse(fb.URL)

		prober := healthcheck.NewProber(defURL, fbURL, 100*time.Millisecond, log)
		engine = circuitbreaker.NewEngine(prober, circuitbreaker.NewRedisStore(client, "test"), circuitbreaker.Settings{
			DebounceTTL:      100 * time.Millisecond,
			RecoveryInterval: 20 * time.Millisecond,
			LatencyThreshold: 1000,
		}, log, nil)

		persister = stats.NewPersister(client, "test", time.Second, log)
		rq = queue.NewRedisQueue(client, "test")

		r = router.NewRouter(engine,
			processor.NewClient(processor.Default, defURL, 50*time.Millisecond, ""),
			processor.NewClient(processor.Fallback, fbURL, 50*time.Millisecond, ""),
			rq, persister, nil, nil, log)
	})

	AfterEach(func() {
		engine.Close()
		def.Close()
		fb.Close()
		client.Close()
	})

	It("should fail over a timed out payment to fallback within the same attempt", func() {
		defDelay.Store(int64(200 * time.Millisecond))
		pay := newPayment()

		res := r.Handle(ctx, pay)
		Expect(res).To(Equal(router.Result{Processed: true, Processor: processor.Fallback, Retried: true}))
		Expect(defHits.Load()).To(Equal(int32(1)))
		Expect(fbHits.Load()).To(Equal(int32(1)))
		Expect(engine.CurrentColor(ctx)).To(Equal(circuitbreaker.Yellow))

		summary := persister.Summary(ctx, nil, nil)
		Expect(summary.Fallback.TotalRequests).To(Equal(int64(1)))
		Expect(summary.Default.TotalRequests).To(BeZero())
		Expect(rq.Len(ctx)).To(BeZero())
	})

	It("should requeue when both processors are down", func() {
		defHealthy.Store(false)
		fbHealthy.Store(false)
		pay := newPayment()

		Expect(r.Handle(ctx, pay).Processed).To(BeFalse())
		Expect(fbHits.Load()).To(BeZero())
		Expect(engine.CurrentColor(ctx)).To(Equal(circuitbreaker.Red))

		batch, err := rq.Pop(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(batch[0].CorrelationID).To(Equal(pay.CorrelationID))
	})
})
