package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultTierMinutes is the escalation ladder used when a tenant has none.
var DefaultTierMinutes = []int{15, 30, 60}

type Config struct {
	AppCfg        AppConfig
	DBConfig      DBConfig
	RedisConfig   RedisConfig
	KafkaConfig   KafkaConfig
	Escalation    EscalationConfig
	Fallback      FallbackConfig
	OTP           OTPConfig
	Requests      RequestConfig
	Notifications NotificationConfig
	Tracing       TracingConfig
	Auth          AuthConfig
}

type AppConfig struct {
	Port        string
	ServiceName string
	// SchedulerEnabled turns on the in-process sweep tickers. cmd/sweep runs
	// the same passes from an external timer regardless of this flag.
	SchedulerEnabled bool
}

// DBConfig holds the Postgres connection settings
type DBConfig struct {
	URL         string
	MaxOpenConn int
	ConnMaxIdle time.Duration
	// Migrate applies the embedded schema on startup.
	Migrate bool
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// EventChannelPrefix is prepended to the per-tenant pub/sub channel.
	EventChannelPrefix string
}

type KafkaConfig struct {
	Enabled             bool
	Brokers             []string
	EventsTopic         string
	DeliveryReportTopic string
	ConsumerGroup       string
}

type EscalationConfig struct {
	Interval     time.Duration
	DefaultTiers []int
	StaleClaim   time.Duration
	BatchSize    int
	Workers      int
}

type FallbackConfig struct {
	Interval       time.Duration
	PrimaryTimeout time.Duration
	StaleClaim     time.Duration
	Retention      time.Duration
	PurgeInterval  time.Duration
	BatchSize      int
	Workers        int
	// CommitRecheck makes the fallback commit skip when the primary channel
	// was confirmed while the SMS was in flight.
	CommitRecheck bool
}

type OTPConfig struct {
	CodeLength  int
	Expiry      time.Duration
	MaxAttempts int
	PerPhone    int
	PerIP       int
	Window      time.Duration
}

type RequestConfig struct {
	ExpiryHorizon    time.Duration
	ExpiryInterval   time.Duration
	ReminderInterval time.Duration
	ReminderStale    time.Duration
	RoomLimit        int
	StayLimit        int
	Window           time.Duration
}

type NotificationConfig struct {
	// GatewayURL is the push/SMS/WhatsApp gateway. Empty means deliveries
	// are only logged.
	GatewayURL string
	Timeout    time.Duration
}

type TracingConfig struct {
	Enabled       bool
	Endpoint      string
	Insecure      bool
	SamplingRatio float64
	Sampler       string
	Version       string
	Environment   string
	InstanceID    string
}

type AuthConfig struct {
	JWTSecret string
	// WebhookSecret is shared with the messaging provider. Empty rejects
	// every delivery report.
	WebhookSecret string
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", slog.Any("error", err))
	}

	cfg := &Config{
		AppCfg: AppConfig{
			Port:             getEnv("PORT", "8080"),
			ServiceName:      getEnv("SERVICE_NAME", "concierge"),
			SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
		},
		DBConfig: DBConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxOpenConn: getEnvInt("DB_MAX_OPEN", 10),
			ConnMaxIdle: getEnvDuration("DB_CONN_IDLE", 5*time.Minute),
			Migrate:     getEnvBool("DB_MIGRATE", true),
		},
		RedisConfig: RedisConfig{
			Addr:               getEnv("REDIS_ADDR", "localhost:6379"),
			Password:           getEnv("REDIS_PASSWORD", ""),
			DB:                 getEnvInt("REDIS_DB", 0),
			DialTimeout:        getEnvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:        getEnvDuration("REDIS_READ_TIMEOUT", time.Second),
			WriteTimeout:       getEnvDuration("REDIS_WRITE_TIMEOUT", time.Second),
			EventChannelPrefix: getEnv("REDIS_EVENT_CHANNEL_PREFIX", "tenant"),
		},
		KafkaConfig: KafkaConfig{
			Enabled:             getEnvBool("KAFKA_ENABLED", false),
			Brokers:             getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic:         getEnv("KAFKA_EVENTS_TOPIC", "concierge.request-events"),
			DeliveryReportTopic: getEnv("KAFKA_DELIVERY_REPORT_TOPIC", "concierge.delivery-reports"),
			ConsumerGroup:       getEnv("KAFKA_CONSUMER_GROUP", "concierge"),
		},
		Escalation: EscalationConfig{
			Interval:     getEnvDuration("ESCALATION_INTERVAL", 5*time.Minute),
			DefaultTiers: getEnvIntList("ESCALATION_TIER_MINUTES", DefaultTierMinutes),
			StaleClaim:   getEnvDuration("ESCALATION_STALE_CLAIM", 5*time.Minute),
			BatchSize:    getEnvInt("ESCALATION_BATCH_SIZE", 100),
			Workers:      getEnvInt("ESCALATION_WORKERS", 5),
		},
		Fallback: FallbackConfig{
			Interval:       getEnvDuration("FALLBACK_INTERVAL", 10*time.Second),
			PrimaryTimeout: getEnvDuration("FALLBACK_PRIMARY_TIMEOUT", 10*time.Second),
			StaleClaim:     getEnvDuration("FALLBACK_STALE_CLAIM", 60*time.Second),
			Retention:      getEnvDuration("CODE_RETENTION", 24*time.Hour),
			PurgeInterval:  getEnvDuration("CODE_PURGE_INTERVAL", 24*time.Hour),
			BatchSize:      getEnvInt("FALLBACK_BATCH_SIZE", 50),
			Workers:        getEnvInt("FALLBACK_WORKERS", 5),
			CommitRecheck:  getEnvBool("FALLBACK_COMMIT_RECHECK", false),
		},
		OTP: OTPConfig{
			CodeLength:  getEnvInt("OTP_CODE_LENGTH", 6),
			Expiry:      getEnvDuration("OTP_EXPIRY", 10*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
			PerPhone:    getEnvInt("OTP_SEND_RATE_PER_PHONE", 3),
			PerIP:       getEnvInt("OTP_SEND_RATE_PER_IP", 5),
			Window:      getEnvDuration("OTP_SEND_RATE_WINDOW", time.Hour),
		},
		Requests: RequestConfig{
			ExpiryHorizon:    getEnvDuration("REQUEST_EXPIRY_HORIZON", 72*time.Hour),
			ExpiryInterval:   getEnvDuration("REQUEST_EXPIRY_INTERVAL", time.Hour),
			ReminderInterval: getEnvDuration("REMINDER_INTERVAL", 5*time.Minute),
			ReminderStale:    getEnvDuration("REMINDER_STALE_CLAIM", 5*time.Minute),
			RoomLimit:        getEnvInt("REQUEST_RATE_PER_ROOM", 5),
			StayLimit:        getEnvInt("REQUEST_RATE_PER_STAY", 10),
			Window:           getEnvDuration("REQUEST_RATE_WINDOW", time.Hour),
		},
		Notifications: NotificationConfig{
			GatewayURL: getEnv("NOTIFY_GATEWAY_URL", ""),
			Timeout:    getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:       getEnvBool("TRACING_ENABLED", false),
			Endpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:      getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SamplingRatio: getEnvFloat("OTEL_TRACE_SAMPLE_RATIO", 1.0),
			Sampler:       getEnv("OTEL_TRACE_SAMPLER", "probabilistic"),
			Version:       getEnv("SERVICE_VERSION", "dev"),
			Environment:   getEnv("ENVIRONMENT", "development"),
			InstanceID:    getEnv("INSTANCE_ID", os.Getenv("HOSTNAME")),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBConfig.URL == "" {
		return &ConfigError{Field: "DBConfig.URL", Message: "DATABASE_URL must be set"}
	}
	if c.Auth.JWTSecret == "" {
		return &ConfigError{Field: "Auth.JWTSecret", Message: "JWT_SECRET must be set"}
	}
	if len(c.Escalation.DefaultTiers) == 0 {
		return &ConfigError{Field: "Escalation.DefaultTiers", Message: "at least one tier is required"}
	}
	for _, m := range c.Escalation.DefaultTiers {
		if m <= 0 {
			return &ConfigError{Field: "Escalation.DefaultTiers", Message: fmt.Sprintf("tier %d must be positive", m)}
		}
	}
	if c.Escalation.StaleClaim <= 0 || c.Fallback.StaleClaim <= 0 {
		return &ConfigError{Field: "StaleClaim", Message: "stale claim timeouts must be positive"}
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return &ConfigError{Field: "OTP.CodeLength", Message: "code length must be between 4 and 10"}
	}
	if c.OTP.MaxAttempts <= 0 {
		return &ConfigError{Field: "OTP.MaxAttempts", Message: "max attempts must be positive"}
	}
	if c.KafkaConfig.Enabled && len(c.KafkaConfig.Brokers) == 0 {
		return &ConfigError{Field: "KafkaConfig.Brokers", Message: "brokers required when kafka is enabled"}
	}
	return nil
}

// DefaultTierMinutes implements escalation.TierSource. The slice is copied
// so callers can not mutate the configured ladder.
func (c EscalationConfig) DefaultTierMinutes() []int {
	out := make([]int, len(c.DefaultTiers))
	copy(out, c.DefaultTiers)
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvIntList parses "15,30,60". Any unparsable element falls back to the
// default for the whole list.
func getEnvIntList(key string, defaultValue []int) []int {
	parts := getEnvList(key, nil)
	if len(parts) == 0 {
		return append([]int(nil), defaultValue...)
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return append([]int(nil), defaultValue...)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
