package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string
	Environment string
	LogLevel    string

	ConflictMaxRetries int

	RateLimitPerMinute       int
	RateLimitBurst           int
	TenantRateLimitPerMinute int
	TenantRateLimitBurst     int

	AMQPURL      string
	AMQPExchange string

	OutboxRelaySchedule string
	OutboxBatchSize     int

	OTLPEndpoint string
	OTLPInsecure bool

	ShutdownTimeout time.Duration
}

// Load reads the environment, after merging a local .env file when present.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		StoreDriver:              driver,
		Environment:              readString("APP_ENV", "development"),
		LogLevel:                 readString("LOG_LEVEL", "info"),
		ConflictMaxRetries:       readInt("CONFLICT_MAX_RETRIES", 3),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		TenantRateLimitPerMinute: readInt("TENANT_RATE_LIMIT_PER_MIN", 600),
		TenantRateLimitBurst:     readInt("TENANT_RATE_LIMIT_BURST", 120),
		AMQPURL:                  os.Getenv("AMQP_URL"),
		AMQPExchange:             readString("AMQP_EXCHANGE", "reservations"),
		OutboxRelaySchedule:      readString("OUTBOX_RELAY_SCHEDULE", "@every 2s"),
		OutboxBatchSize:          readInt("OUTBOX_BATCH_SIZE", 100),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:             readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ShutdownTimeout:          readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
