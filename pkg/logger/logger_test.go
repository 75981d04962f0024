package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/payment-router/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should create logger with info level", func() {
			log := logger.New("info", false, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should create logger with debug level", func() {
			log := logger.New("debug", false, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should create logger with warn level", func() {
			log := logger.New("warn", false, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should create logger with error level", func() {
			log := logger.New("error", false, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should default to info for invalid level", func() {
			log := logger.New("invalid", false, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should create prod logger", func() {
			log := logger.New("info", false, "prod")
			Expect(log).NotTo(BeNil())
		})

		It("should support addSource option", func() {
			log := logger.New("info", true, "dev")
			Expect(log).NotTo(BeNil())
		})

		It("should include environment attribute", func() {
			log := logger.New("info", false, "dev")
			Expect(log).NotTo(BeNil())

			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeFalse())
		})

		It("should respect debug level", func() {
			log := logger.New("debug", false, "dev")

			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeTrue())
			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeTrue())
		})

		It("should respect warn level", func() {
			log := logger.New("warn", false, "dev")

			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(context.Background(), slog.LevelWarn)).To(BeTrue())
		})

		It("should respect error level", func() {
			log := logger.New("error", false, "dev")

			Expect(log.Enabled(context.Background(), slog.LevelWarn)).To(BeFalse())
			Expect(log.Enabled(context.Background(), slog.LevelError)).To(BeTrue())
		})
	})

	Describe("output", func() {
		It("should write JSON with the environment in prod", func() {
			var buf bytes.Buffer
			log := logger.New("info", false, "prod", logger.WithWriter(&buf))
			log.Info("Payment dispatched", slog.String("processor", "default"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("processor", "default"))
		})

		It("should tag component loggers", func() {
			var buf bytes.Buffer
			log := logger.Component(logger.New("info", false, "dev", logger.WithWriter(&buf)), "router")
			log.Info("started")
			Expect(buf.String()).To(ContainSubstring("component=router"))
		})

		It("should follow a level var", func() {
			var level slog.LevelVar
			log := logger.New("error", false, "dev", logger.WithLevelVar(&level), logger.WithWriter(&bytes.Buffer{}))
			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeFalse())

			level.Set(logger.ParseLevel("debug"))
			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeTrue())
		})
	})
})
