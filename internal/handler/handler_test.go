package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/angeloszaimis/payment-router/internal/circuitbreaker"
	"github.com/angeloszaimis/payment-router/internal/handler"
	"github.com/angeloszaimis/payment-router/internal/payment"
)

type fakeQueue struct {
	mutex  sync.Mutex
	added  []payment.Payment
	err    error
	purged bool
}

func (q *fakeQueue) Purge(ctx context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.purged = true
	q.added = nil
	return nil
}

func (q *fakeQueue) Add(ctx context.Context, p payment.Payment) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.err != nil {
		return q.err
	}
	q.added = append(q.added, p)
	return nil
}

type fakeStats struct {
	from, to *time.Time
	summary  payment.Summary
	purged   bool
	purgeErr error
}

func (s *fakeStats) Summary(ctx context.Context, from, to *time.Time) payment.Summary {
	s.from, s.to = from, to
	return s.summary
}

func (s *fakeStats) Purge(ctx context.Context) error {
	if s.purgeErr != nil {
		return s.purgeErr
	}
	s.purged = true
	return nil
}

type fakePurger struct {
	called bool
	err    error
}

func (p *fakePurger) Purge(ctx context.Context) error {
	p.called = true
	return p.err
}

type fakeBreaker struct {
	status circuitbreaker.Status
}

func (b *fakeBreaker) CurrentColor(ctx context.Context) circuitbreaker.Color {
	return b.status.Color
}

func (b *fakeBreaker) Status() circuitbreaker.Status {
	return b.status
}

var _ = Describe("PaymentHandler", func() {
	var (
		h        *handler.PaymentHandler
		queue    *fakeQueue
		stats    *fakeStats
		def, fb  *fakePurger
		breaker  *fakeBreaker
		log      *slog.Logger
		recorder *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		queue = &fakeQueue{}
		stats = &fakeStats{}
		def, fb = &fakePurger{}, &fakePurger{}
		breaker = &fakeBreaker{status: circuitbreaker.Status{Color: circuitbreaker.Yellow}}
		h = handler.NewPaymentHandler(log, queue, stats, []handler.Purger{def, fb}, breaker)
		recorder = httptest.NewRecorder()
	})

	Describe("Create", func() {
		post := func(body string) {
			req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(body))
			h.Create(recorder, req)
		}

		It("should accept and enqueue a valid payment", func() {
			id := uuid.NewString()
			post(`{"correlationId":"` + id + `","amount":19.90}`)

			Expect(recorder.Code).To(Equal(http.StatusAccepted))
			Expect(queue.added).To(HaveLen(1))
			Expect(queue.added[0].CorrelationID).To(Equal(id))
			Expect(queue.added[0].Amount.Equal(decimal.RequireFromString("19.9"))).To(BeTrue())
			Expect(queue.added[0].RequestedAt).To(BeZero())
		})

		DescribeTable("should reject invalid payments",
			func(body string) {
				post(body)
				Expect(recorder.Code).To(Equal(http.StatusBadRequest))
				Expect(queue.added).To(BeEmpty())
			},
			Entry("malformed JSON", `{"correlationId":`),
			Entry("missing correlation id", `{"amount":10}`),
			Entry("correlation id that is not a UUID", `{"correlationId":"abc","amount":10}`),
			Entry("zero amount", `{"correlationId":"4a7901b8-7d26-4d9d-aa19-4dc1c7cf60b3","amount":0}`),
			Entry("negative amount", `{"correlationId":"4a7901b8-7d26-4d9d-aa19-4dc1c7cf60b3","amount":-5.5}`),
		)

		It("should report which fields failed", func() {
			post(`{"correlationId":"abc","amount":10}`)

			var body map[string]any
			Expect(json.Unmarshal(recorder.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKey("fields"))
			Expect(body["fields"]).To(HaveKey("correlationId"))
		})

		It("should return 503 when the queue is unavailable", func() {
			queue.err = errors.New("connection refused")
			post(`{"correlationId":"` + uuid.NewString() + `","amount":1}`)
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("Summary", func() {
		get := func(query string) {
			req := httptest.NewRequest(http.MethodGet, "/payments-summary"+query, nil)
			h.Summary(recorder, req)
		}

		It("should query without bounds by default", func() {
			stats.summary = payment.Summary{
				Default:  payment.Totals{TotalRequests: 2, TotalAmount: decimal.RequireFromString("39.80")},
				Fallback: payment.Totals{TotalRequests: 1, TotalAmount: decimal.RequireFromString("19.90")},
			}
			get("")

			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(stats.from).To(BeNil())
			Expect(stats.to).To(BeNil())
			Expect(recorder.Body.String()).To(MatchJSON(`{
				"default":  {"totalRequests": 2, "totalAmount": 39.8},
				"fallback": {"totalRequests": 1, "totalAmount": 19.9}
			}`))
		})

		It("should pass parsed bounds", func() {
			get("?from=2025-07-15T12:34:56.000Z&to=2025-07-15T12:35:56.000Z")

			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(*stats.from).To(BeTemporally("==", time.Date(2025, 7, 15, 12, 34, 56, 0, time.UTC)))
			Expect(*stats.to).To(BeTemporally("==", time.Date(2025, 7, 15, 12, 35, 56, 0, time.UTC)))
		})

		DescribeTable("should reject bad bounds",
			func(query string) {
				get(query)
				Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			},
			Entry("unparsable from", "?from=yesterday"),
			Entry("unparsable to", "?to=2025-13-01"),
			Entry("inverted window", "?from=2025-07-15T13:00:00Z&to=2025-07-15T12:00:00Z"),
		)
	})

	Describe("Purge", func() {
		It("should purge local stats, the queue and both processors", func() {
			h.Purge(recorder, httptest.NewRequest(http.MethodPost, "/purge-payments", nil))

			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(stats.purged).To(BeTrue())
			Expect(queue.purged).To(BeTrue())
			Expect(def.called).To(BeTrue())
			Expect(fb.called).To(BeTrue())
		})

		It("should still succeed when a processor refuses", func() {
			def.err = errors.New("status 401")
			h.Purge(recorder, httptest.NewRequest(http.MethodPost, "/purge-payments", nil))

			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(fb.called).To(BeTrue())
		})

		It("should fail when local stats cannot be purged", func() {
			stats.purgeErr = errors.New("redis down")
			h.Purge(recorder, httptest.NewRequest(http.MethodPost, "/purge-payments", nil))

			Expect(recorder.Code).To(Equal(http.StatusInternalServerError))
			Expect(def.called).To(BeFalse())
		})
	})

	Describe("BreakerStatus", func() {
		It("should report the color by name", func() {
			h.BreakerStatus(recorder, httptest.NewRequest(http.MethodGet, "/processor/circuit-breaker-status", nil))

			Expect(recorder.Code).To(Equal(http.StatusOK))
			var body map[string]any
			Expect(json.Unmarshal(recorder.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("color", "YELLOW"))
			Expect(body).To(HaveKeyWithValue("recovering", false))
		})
	})
})

var _ = Describe("Logged", func() {
	It("should pass the response through and log failures", func() {
		var buf bytes.Buffer
		log := slog.New(slog.NewTextHandler(&buf, nil))

		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")

		handler.Logged(log, next).ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusTeapot))
		Expect(buf.String()).To(ContainSubstring("status=418"))
		Expect(buf.String()).To(ContainSubstring("from=10.0.0.7"))
	})

	It("should keep successful requests below info", func() {
		var buf bytes.Buffer
		log := slog.New(slog.NewTextHandler(&buf, nil))

		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		handler.Logged(log, next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		Expect(buf.String()).To(BeEmpty())
	})
})
