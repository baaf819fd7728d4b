package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/next-trace/scg-rpc-bus/registry"
)

// Broker kinds.
const (
	BrokerMemory   = "memory"
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
	BrokerKafka    = "kafka"
	BrokerRedis    = "redis"
)

// Config is the complete worker configuration.
type Config struct {
	Broker    Broker             `yaml:"broker" env:"BROKER"`
	Client    Client             `yaml:"client" env:"CLIENT"`
	Services  map[string]Service `yaml:"services" env:"-"`
	Log       Log                `yaml:"log" env:"LOG"`
	Telemetry Telemetry          `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   Metrics            `yaml:"metrics" env:"METRICS"`
}

// Broker selects and locates the transport.
type Broker struct {
	// Kind is memory, rabbitmq, nats, kafka or redis.
	Kind string `yaml:"kind" env:"KIND"`
	// URL is the AMQP or NATS server URL.
	URL string `yaml:"url" env:"URL"`
	// Brokers are the Kafka seed brokers.
	Brokers []string `yaml:"brokers" env:"BROKERS"`
	// Addr is the Redis address.
	Addr           string        `yaml:"addr" env:"ADDR"`
	Password       string        `yaml:"password" env:"PASSWORD"`
	DB             int           `yaml:"db" env:"DB"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// Group is the NATS queue group or Kafka consumer group.
	Group       string `yaml:"group" env:"GROUP"`
	Acks        string `yaml:"acks" env:"ACKS"`
	Compression string `yaml:"compression" env:"COMPRESSION"`
	// Prefetch is the default for services that leave it unset.
	Prefetch int `yaml:"prefetch" env:"PREFETCH"`
}

// Client holds caller defaults.
type Client struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// PublishPolicy is fail_fast or buffer.
	PublishPolicy string `yaml:"publish_policy" env:"PUBLISH_POLICY"`
	ReplyPrefix   string `yaml:"reply_prefix" env:"REPLY_PREFIX"`
}

// Service holds per-service tunables. Zero values select registry defaults.
type Service struct {
	Queue           string        `yaml:"queue"`
	PoolSize        int           `yaml:"pool_size"`
	BatchSize       int           `yaml:"batch_size"`
	BatchWindow     time.Duration `yaml:"batch_window"`
	Timeout         time.Duration `yaml:"timeout"`
	Prefetch        int           `yaml:"prefetch"`
	IsolateFailures bool          `yaml:"isolate_failures"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or text.
	Format string `yaml:"format" env:"FORMAT"`
}

type Telemetry struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

type Metrics struct {
	// Addr serves /metrics; empty disables the listener.
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the configuration used before any file or env override.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Kind:           BrokerMemory,
			ConnectTimeout: 5 * time.Second,
		},
		Client: Client{
			Timeout:       30 * time.Second,
			PublishPolicy: "fail_fast",
			ReplyPrefix:   "rpc.reply",
		},
		Services: map[string]Service{},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "rpcworker",
			SampleRate:  1,
		},
		Metrics: Metrics{
			Addr:      ":9091",
			Namespace: "rpcbus",
		},
	}
}

var (
	brokerKinds     = []string{BrokerMemory, BrokerRabbitMQ, BrokerNATS, BrokerKafka, BrokerRedis}
	publishPolicies = []string{"", "fail_fast", "buffer"}
	logLevels       = []string{"", "debug", "info", "warn", "error"}
	logFormats      = []string{"", "json", "text"}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(brokerKinds, c.Broker.Kind) {
		errs = append(errs, fmt.Errorf("broker.kind %q: want one of %s", c.Broker.Kind, strings.Join(brokerKinds, ", ")))
	}

	switch c.Broker.Kind {
	case BrokerRabbitMQ, BrokerNATS:
		if c.Broker.URL == "" {
			errs = append(errs, fmt.Errorf("broker.url is required for %s", c.Broker.Kind))
		}
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			errs = append(errs, errors.New("broker.brokers is required for kafka"))
		}
	case BrokerRedis:
		if c.Broker.Addr == "" {
			errs = append(errs, errors.New("broker.addr is required for redis"))
		}
	}

	if c.Broker.Prefetch < 0 {
		errs = append(errs, errors.New("broker.prefetch must not be negative"))
	}

	if c.Client.Timeout < 0 {
		errs = append(errs, errors.New("client.timeout must not be negative"))
	}

	if !slices.Contains(publishPolicies, c.Client.PublishPolicy) {
		errs = append(errs, fmt.Errorf("client.publish_policy %q: want fail_fast or buffer", c.Client.PublishPolicy))
	}

	for _, name := range slices.Sorted(maps.Keys(c.Services)) {
		s := c.Services[name]
		if s.PoolSize < 0 || s.BatchSize < 0 || s.BatchWindow < 0 || s.Timeout < 0 || s.Prefetch < 0 {
			errs = append(errs, fmt.Errorf("services.%s: tunables must not be negative", name))
		}
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}

	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required when enabled"))
		}

		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, errors.New("telemetry.sample_rate must be within [0, 1]"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}

	return nil
}

// ServiceOptions returns the registry options configured for name. Services
// missing from the file get zero options, and the broker-wide prefetch
// applies when the service sets none.
func (c *Config) ServiceOptions(name string) registry.Options {
	s := c.Services[name]

	prefetch := s.Prefetch
	if prefetch == 0 {
		prefetch = c.Broker.Prefetch
	}

	return registry.Options{
		Queue:           s.Queue,
		PoolSize:        s.PoolSize,
		BatchSize:       s.BatchSize,
		BatchWindow:     s.BatchWindow,
		Timeout:         s.Timeout,
		Prefetch:        prefetch,
		IsolateFailures: s.IsolateFailures,
	}
}

// NewLogger builds a slog logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level

	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}
