package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Run modes. ModeAPI accepts payments, ModeWorker dispatches them, ModeAll
// does both in one process.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Environment  string        `mapstructure:"environment"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// Address returns host:port.
func (r RedisConfig) Address() string {
	return net.JoinHostPort(r.Host, fmt.Sprint(r.Port))
}

func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Host, validation.Required, is.Host),
		validation.Field(&r.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&r.DB, validation.Min(0)),
		validation.Field(&r.PoolSize, validation.Min(0)),
		validation.Field(&r.KeyPrefix, validation.Required),
		validation.Field(&r.QueryTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

type ProcessorsConfig struct {
	DefaultURL  string `mapstructure:"default_url"`
	FallbackURL string `mapstructure:"fallback_url"`
	AdminToken  string `mapstructure:"admin_token"`
}

func (p ProcessorsConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DefaultURL, validation.Required, validation.By(validateServerURL)),
		validation.Field(&p.FallbackURL, validation.Required, validation.By(validateServerURL)),
	)
}

type BreakerConfig struct {
	DebounceTTL      time.Duration `mapstructure:"debounce_ttl"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	LatencyThreshold int           `mapstructure:"latency_threshold"`
}

func (b BreakerConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.DebounceTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&b.HealthTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&b.HealthInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&b.LatencyThreshold, validation.Min(0)),
	)
}

type DispatchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	ErrorDelay    time.Duration `mapstructure:"error_delay"`
}

func (q QueueConfig) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&q.BackoffMin, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&q.BackoffMax, validation.Required, validation.Min(q.BackoffMin)),
		validation.Field(&q.BackoffFactor, validation.Required, validation.Min(1.0).Exclusive()),
		validation.Field(&q.ErrorDelay, validation.Required, validation.Min(time.Millisecond)),
	)
}

type WorkerConfig struct {
	Concurrency  int `mapstructure:"concurrency"`
	PoolCapacity int `mapstructure:"pool_capacity"`
}

type LedgerConfig struct {
	DSN           string        `mapstructure:"dsn"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Enabled reports whether payments are mirrored to PostgreSQL.
func (l LedgerConfig) Enabled() bool {
	return l.DSN != ""
}

func (l LedgerConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.BatchSize, validation.When(l.Enabled(), validation.Required, validation.Min(1))),
		validation.Field(&l.FlushInterval, validation.When(l.Enabled(), validation.Required, validation.Min(time.Millisecond))),
	)
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Processors ProcessorsConfig `mapstructure:"processors"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	v *viper.Viper
}

// Environment names used by the deployment manifests of earlier versions.
var envBindings = map[string]string{
	"server.port":             "APP_PORT",
	"server.mode":             "APP_MODE",
	"redis.host":              "REDIS_HOST",
	"redis.port":              "REDIS_PORT",
	"processors.default_url":  "PROCESSOR_DEFAULT_URL",
	"processors.fallback_url": "PROCESSOR_FALLBACK_URL",
	"ledger.dsn":              "POSTGRES_DSN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", ModeAll)
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6380)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "rinha")
	v.SetDefault("redis.query_timeout", "1s")

	v.SetDefault("processors.default_url", "http://localhost:8001")
	v.SetDefault("processors.fallback_url", "http://localhost:8002")
	v.SetDefault("processors.admin_token", "123")

	v.SetDefault("breaker.debounce_ttl", "100ms")
	v.SetDefault("breaker.health_timeout", "300ms")
	v.SetDefault("breaker.health_interval", "1s")
	v.SetDefault("breaker.latency_threshold", 1000)

	v.SetDefault("dispatch.timeout", "2s")

	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.backoff_min", "100ms")
	v.SetDefault("queue.backoff_max", "1s")
	v.SetDefault("queue.backoff_factor", 1.1)
	v.SetDefault("queue.error_delay", "1s")

	v.SetDefault("worker.concurrency", 16)
	v.SetDefault("worker.pool_capacity", 1024)

	v.SetDefault("ledger.batch_size", 256)
	v.SetDefault("ledger.flush_interval", "200ms")

	v.SetDefault("metrics.buffer_size", 4096)
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if port := v.GetString("server.port"); port != "" {
		cfg.Server.Address = ":" + port
	}
	cfg.Server.Mode = normalizeMode(cfg.Server.Mode)
	cfg.v = v

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// normalizeMode accepts the PRODUCER and CONSUMER names as aliases.
func normalizeMode(mode string) string {
	switch strings.ToLower(mode) {
	case "producer":
		return ModeAPI
	case "consumer":
		return ModeWorker
	default:
		return strings.ToLower(mode)
	}
}

// Watch calls fn with the new configuration every time the config file
// changes and still validates. Invalid edits are logged and ignored. Watch is
// a no-op when no config file was loaded.
func (c *Config) Watch(fn func(*Config), logger *slog.Logger) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			logger.Warn("Ignoring invalid config change", slog.String("file", e.Name), slog.Any("err", err))
			return
		}
		logger.Info("Config reloaded", slog.String("file", e.Name))
		fn(next)
	})
	c.v.WatchConfig()
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.Mode,
						validation.Required,
						validation.In(ModeAPI, ModeWorker, ModeAll),
					),
					validation.Field(&sc.ReadTimeout, validation.Min(time.Duration(0))),
					validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Redis),
		validation.Field(&c.Processors),
		validation.Field(&c.Breaker),
		validation.Field(&c.Dispatch,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DispatchConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DispatchConfig")
				}
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.Timeout, validation.Required, validation.Min(time.Millisecond)),
				)
			}),
		),
		validation.Field(&c.Queue),
		validation.Field(&c.Worker,
			validation.By(func(value interface{}) error {
				wc, ok := value.(WorkerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a WorkerConfig")
				}
				return validation.ValidateStruct(&wc,
					validation.Field(&wc.Concurrency, validation.Required, validation.Min(1)),
					validation.Field(&wc.PoolCapacity, validation.Required, validation.Min(wc.Concurrency)),
				)
			}),
		),
		validation.Field(&c.Ledger),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
