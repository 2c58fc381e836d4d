package config

import (
	"crypto/sha256"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinIdempotencyRetention is the shortest replay window accepted for
// processed webhook events. Gateways retry for up to several weeks.
const MinIdempotencyRetention = 30 * 24 * time.Hour

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	PlansFile string

	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Payment      PaymentConfig
	Generation   GenerationConfig
	Idempotency  IdempotencyConfig
	Subscription SubscriptionConfig
	Scheduler    SchedulerConfig
	Alert        AlertConfig
	MetricsPush  MetricsPushConfig

	APIKeys []APIKey
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled             bool
	GenerationPerMinute int
	GenerationBurst     int
}

type PaymentConfig struct {
	Gateway            string
	WebhookSecret      string
	SignatureTolerance time.Duration
}

type GenerationConfig struct {
	ProviderURL           string
	ProviderAPIKey        string
	ProviderTimeout       time.Duration
	FinalizeTimeout       time.Duration
	StaleReservationAfter time.Duration
}

type IdempotencyConfig struct {
	Retention time.Duration
}

type SubscriptionConfig struct {
	GracePeriod time.Duration
}

type SchedulerConfig struct {
	Enabled    bool
	Interval   time.Duration
	JobTimeout time.Duration
	BatchSize  int
}

type AlertConfig struct {
	SlackWebhookURL string
	SlackChannel    string
}

// MetricsPushConfig controls the periodic push of accounting metrics to a
// Prometheus remote_write endpoint or a Pushgateway.
type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// APIKey is an internal caller credential. Only the SHA-256 digest of the
// secret is kept in memory.
type APIKey struct {
	Name   string
	Role   string
	Digest [sha256.Size]byte
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	retention := getenvDuration("IDEMPOTENCY_RETENTION", 45*24*time.Hour)
	if retention < MinIdempotencyRetention {
		log.Printf("IDEMPOTENCY_RETENTION %s below minimum, using %s", retention, MinIdempotencyRetention)
		retention = MinIdempotencyRetention
	}

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "lexcredit"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "lexcredit"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		PlansFile:         strings.TrimSpace(getenv("PLANS_FILE", "")),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:             getenvBool("RATE_LIMIT_ENABLED", true),
			GenerationPerMinute: getenvInt("RATE_LIMIT_GENERATION_PER_MINUTE", 60),
			GenerationBurst:     getenvInt("RATE_LIMIT_GENERATION_BURST", 10),
		},
		Payment: PaymentConfig{
			Gateway:            strings.ToLower(strings.TrimSpace(getenv("PAYMENT_GATEWAY", "generic"))),
			WebhookSecret:      strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			SignatureTolerance: getenvDuration("PAYMENT_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Generation: GenerationConfig{
			ProviderURL:           strings.TrimSpace(getenv("PROVIDER_URL", "")),
			ProviderAPIKey:        strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
			ProviderTimeout:       getenvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			FinalizeTimeout:       getenvDuration("GENERATION_FINALIZE_TIMEOUT", 10*time.Second),
			StaleReservationAfter: getenvDuration("GENERATION_STALE_RESERVATION_AFTER", 15*time.Minute),
		},
		Idempotency: IdempotencyConfig{
			Retention: retention,
		},
		Subscription: SubscriptionConfig{
			GracePeriod: getenvDuration("SUBSCRIPTION_GRACE_PERIOD", 7*24*time.Hour),
		},
		Scheduler: SchedulerConfig{
			Enabled:    getenvBool("SCHEDULER_ENABLED", true),
			Interval:   getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			JobTimeout: getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			BatchSize:  getenvInt("SCHEDULER_BATCH_SIZE", 200),
		},
		Alert: AlertConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("ALERT_SLACK_WEBHOOK_URL", "")),
			SlackChannel:    strings.TrimSpace(getenv("ALERT_SLACK_CHANNEL", "#billing-ops")),
		},
		MetricsPush: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "prometheus_remote_write"))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 5*time.Minute),
		},
		APIKeys: ParseAPIKeys(getenv("API_KEYS", "")),
	}

	return cfg
}

// ParseAPIKeys reads "name:role:secret" triples separated by commas.
// Malformed triples are skipped.
func ParseAPIKeys(raw string) []APIKey {
	parts := strings.Split(raw, ",")
	out := make([]APIKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.SplitN(p, ":", 3)
		if len(fields) != 3 {
			log.Printf("ignoring malformed API key entry")
			continue
		}
		name := strings.TrimSpace(fields[0])
		role := strings.ToLower(strings.TrimSpace(fields[1]))
		secret := strings.TrimSpace(fields[2])
		if name == "" || role == "" || secret == "" {
			log.Printf("ignoring incomplete API key entry %q", name)
			continue
		}
		out = append(out, APIKey{
			Name:   name,
			Role:   role,
			Digest: sha256.Sum256([]byte(secret)),
		})
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
