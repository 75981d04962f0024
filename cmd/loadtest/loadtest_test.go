package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("loadtest", func() {
	var (
		accepted atomic.Int32
		router   *httptest.Server
		def      *httptest.Server
		fallback *httptest.Server
		opts     options
		summary  string
	)

	serveJSON := func(body *string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(*body))
		}
	}

	BeforeEach(func() {
		accepted.Store(0)
		summary = `{"default":{"totalRequests":3,"totalAmount":59.7},"fallback":{"totalRequests":1,"totalAmount":19.9}}`
		defaultSaw := `{"totalRequests":3,"totalAmount":59.7}`
		fallbackSaw := `{"totalRequests":1,"totalAmount":19.9}`

		mux := http.NewServeMux()
		mux.HandleFunc("POST /payments", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["correlationId"] == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			accepted.Add(1)
			w.WriteHeader(http.StatusAccepted)
		})
		mux.HandleFunc("GET /payments-summary", serveJSON(&summary))
		router = httptest.NewServer(mux)

		def = httptest.NewServer(serveJSON(&defaultSaw))
		fallback = httptest.NewServer(serveJSON(&fallbackSaw))

		opts = options{
			RouterURL:   router.URL,
			DefaultURL:  def.URL,
			FallbackURL: fallback.URL,
			Token:       "123",
			Requests:    40,
			Concurrency: 4,
			Amount:      "19.90",
			Timeout:     time.Second,
		}
	})

	AfterEach(func() {
		router.Close()
		def.Close()
		fallback.Close()
	})

	Describe("runLoad", func() {
		It("should send every payment and count the answers", func() {
			report := runLoad(context.Background(), http.DefaultClient, opts)

			Expect(report.Sent).To(Equal(40))
			Expect(report.Success).To(Equal(40))
			Expect(report.Failure).To(BeZero())
			Expect(report.StatusCodes).To(HaveKeyWithValue(http.StatusAccepted, 40))
			Expect(accepted.Load()).To(Equal(int32(40)))
			Expect(report.P99).To(BeNumerically(">=", report.P50))

			var out bytes.Buffer
			report.print(&out)
			Expect(out.String()).To(ContainSubstring("202 -> 40"))
		})

		It("should count unreachable routers as failures", func() {
			router.Close()
			report := runLoad(context.Background(), http.DefaultClient, opts)
			Expect(report.Failure).To(Equal(40))
		})
	})

	Describe("checkConsistency", func() {
		It("should pass when every processor saw what the router accounted", func() {
			c, err := checkConsistency(context.Background(), http.DefaultClient, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Consistent()).To(BeTrue())
		})

		It("should report the processor that disagrees", func() {
			summary = `{"default":{"totalRequests":4,"totalAmount":79.6},"fallback":{"totalRequests":1,"totalAmount":19.9}}`

			c, err := checkConsistency(context.Background(), http.DefaultClient, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Consistent()).To(BeFalse())
			Expect(c.Mismatches).To(HaveLen(1))
			Expect(c.Mismatches[0].Processor).To(Equal("default"))
			Expect(c.Mismatches[0].ProcessorSaw.TotalRequests).To(Equal(int64(3)))
		})

		It("should fail when a summary is unavailable", func() {
			fallback.Close()
			_, err := checkConsistency(context.Background(), http.DefaultClient, opts)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("percentile", func() {
		It("should pick by rank and handle empty input", func() {
			sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
			Expect(percentile(sorted, 0.5)).To(Equal(time.Duration(5)))
			Expect(percentile(sorted, 0.99)).To(Equal(time.Duration(9)))
			Expect(percentile(nil, 0.5)).To(BeZero())
		})
	})
})
