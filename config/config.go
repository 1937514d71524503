/*
Package config loads ledgerd settings.

PRECEDENCE (later wins):
  1. Defaults()
  2. YAML file (--config)
  3. Environment (LEDGER_*, DATABASE_URL)
  4. Command-line flags (applied by cmd/ledgerd)

EXAMPLE FILE:
  http:
    addr: ":8080"
    shutdown_timeout: 30s
  store:
    driver: postgres
    dsn: postgres://ledger@localhost/ledger
  retry:
    max_attempts: 3
    base_delay: 10ms
    max_delay: 200ms
  rate_limit:
    rps: 2
    burst: 5
  notify:
    targets: [log, redis]
    redis_addr: redis://localhost:6379/0
    timeout: 2s
  log:
    level: info
    format: json
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/affiliate-ledger/ledger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// StoreConfig selects the persistence backend.
// Driver is one of memory, sqlite, postgres.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RateLimitConfig bounds withdrawal requests per affiliate.
// RPS <= 0 disables the limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type NotifyConfig struct {
	Targets      []string `yaml:"targets"`
	RedisAddr    string   `yaml:"redis_addr"`
	RedisChannel string   `yaml:"redis_channel"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// Timeout bounds each delivery; the ledger change is already committed.
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{Driver: DriverSQLite, DSN: "ledger.db"},
		Retry: RetryConfig{
			MaxAttempts: ledger.DefaultRetryPolicy.MaxAttempts,
			BaseDelay:   ledger.DefaultRetryPolicy.BaseDelay,
			MaxDelay:    ledger.DefaultRetryPolicy.MaxDelay,
		},
		RateLimit: RateLimitConfig{RPS: 2, Burst: 5},
		Notify:    NotifyConfig{Targets: []string{"log"}, Timeout: ledger.DefaultNotifyTimeout},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(raw); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so a typo does not silently fall back to a
// default.
func (c *Config) decode(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("LEDGER_HTTP_ADDR", &c.HTTP.Addr)
	list("LEDGER_CORS_ORIGINS", &c.HTTP.CORSOrigins)
	str("LEDGER_STORE_DRIVER", &c.Store.Driver)
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
	}
	str("LEDGER_STORE_DSN", &c.Store.DSN)
	list("LEDGER_NOTIFY", &c.Notify.Targets)
	str("LEDGER_REDIS_ADDR", &c.Notify.RedisAddr)
	str("LEDGER_REDIS_CHANNEL", &c.Notify.RedisChannel)
	list("LEDGER_KAFKA_BROKERS", &c.Notify.KafkaBrokers)
	str("LEDGER_KAFKA_TOPIC", &c.Notify.KafkaTopic)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)
	str("LEDGER_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("LEDGER_NOTIFY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_NOTIFY_TIMEOUT: %w", err)
		}
		c.Notify.Timeout = d
	}
	if v, ok := lookup("LEDGER_RETRY_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.Retry.MaxAttempts = n
	}
	if v, ok := lookup("LEDGER_RATE_LIMIT_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LEDGER_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = f
	}
	if v, ok := lookup("LEDGER_RATE_LIMIT_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimit.Burst = n
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite or postgres", c.Store.Driver))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1 when rps is set"))
	}

	if c.Notify.Timeout <= 0 {
		errs = append(errs, errors.New("notify.timeout must be positive"))
	}
	for _, t := range c.Notify.Targets {
		switch t {
		case "log":
		case "redis":
			if c.Notify.RedisAddr == "" {
				errs = append(errs, errors.New("notify.redis_addr is required for the redis target"))
			}
		case "kafka":
			if len(c.Notify.KafkaBrokers) == 0 || c.Notify.KafkaTopic == "" {
				errs = append(errs, errors.New("notify.kafka_brokers and notify.kafka_topic are required for the kafka target"))
			}
		default:
			errs = append(errs, fmt.Errorf("notify target %q: want log, redis or kafka", t))
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) RetryPolicy() ledger.RetryPolicy {
	p := ledger.DefaultRetryPolicy
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	return p
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
