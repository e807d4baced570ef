package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends accepted by QUICKEX_STORAGE.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Storage  StorageConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Registry RegistryConfig
	Alerts   AlertsConfig
	Tracing  TracingConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
}

type StorageConfig struct {
	Backend     string
	PostgresDSN string
}

// RedisConfig is used by the redis storage backend and the reporter limiter.
// An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables risk-signal publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	ClientID       string
	ProduceTimeout time.Duration
}

// TracingConfig exports spans over OTLP/gRPC when Endpoint is set.
type TracingConfig struct {
	Endpoint string
	Insecure bool
}

type RegistryConfig struct {
	ReleaseCooldown time.Duration
	TransferTimeout time.Duration
	SweepInterval   time.Duration
	BcryptCost      int
}

type AlertsConfig struct {
	ReporterLimit  int
	ReporterWindow time.Duration
	PolicyFile     string
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Server: Server{
			Addr:            e.str("QUICKEX_ADDR", ":8080"),
			RequestTimeout:  e.duration("QUICKEX_REQUEST_TIMEOUT", 10*time.Second),
			ShutdownTimeout: e.duration("QUICKEX_SHUTDOWN_TIMEOUT", 10*time.Second),
			LogLevel:        e.str("QUICKEX_LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(e.str("QUICKEX_STORAGE", StorageMemory)),
			PostgresDSN: e.str("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL:          e.str("REDIS_URL", ""),
			PoolSize:     e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:        e.list("KAFKA_BROKERS"),
			Topic:          e.str("KAFKA_RISK_TOPIC", "quickex.risk-signals"),
			ClientID:       e.str("KAFKA_CLIENT_ID", "quickex"),
			ProduceTimeout: e.duration("KAFKA_PRODUCE_TIMEOUT", 5*time.Second),
		},
		Registry: RegistryConfig{
			ReleaseCooldown: e.duration("REGISTRY_RELEASE_COOLDOWN", 24*time.Hour),
			TransferTimeout: e.duration("REGISTRY_TRANSFER_TIMEOUT", 60*time.Second),
			SweepInterval:   e.duration("REGISTRY_SWEEP_INTERVAL", 15*time.Second),
			BcryptCost:      e.int("REGISTRY_BCRYPT_COST", 10),
		},
		Alerts: AlertsConfig{
			ReporterLimit:  e.int("ALERTS_REPORTER_LIMIT", 20),
			ReporterWindow: e.duration("ALERTS_REPORTER_WINDOW", time.Hour),
			PolicyFile:     e.str("ALERTS_POLICY_FILE", ""),
		},
		Tracing: TracingConfig{
			Endpoint: e.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure: e.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	case StorageRedis:
		if c.Redis.URL == "" {
			return errors.New("config: REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Alerts.ReporterLimit < 0 {
		return errors.New("config: ALERTS_REPORTER_LIMIT must not be negative")
	}
	return nil
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
