package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"

	ArchiveMemory = "memory"
	ArchiveS3     = "s3"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	// StoreRetryAttempts bounds replays of a transaction after a
	// serialization failure.
	StoreRetryAttempts int `mapstructure:"STORE_RETRY_ATTEMPTS"`

	RedisURL         string   `mapstructure:"REDIS_URL"`
	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventsTopic string   `mapstructure:"KAFKA_EVENTS_TOPIC"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	InstrumentToken      string        `mapstructure:"INSTRUMENT_TOKEN"`
	InstrumentTimeout    time.Duration `mapstructure:"INSTRUMENT_TIMEOUT"`
	DispatchMaxAttempts  int           `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	StaleAssignmentAfter time.Duration `mapstructure:"STALE_ASSIGNMENT_AFTER"`
	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollConcurrency      int           `mapstructure:"POLL_CONCURRENCY"`
	StatusCacheTTL       time.Duration `mapstructure:"STATUS_CACHE_TTL"`
	MLLPAddr             string        `mapstructure:"MLLP_ADDR"`

	ArchiveDriver     string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket   string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region   string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3KeyID    string `mapstructure:"ARCHIVE_S3_ACCESS_KEY_ID"`
	ArchiveS3Secret   string `mapstructure:"ARCHIVE_S3_SECRET_ACCESS_KEY"`

	ReferenceRangesFile string `mapstructure:"REFERENCE_RANGES_FILE"`
	MakerChecker        bool   `mapstructure:"MAKER_CHECKER"`
	ReleaseMode         string `mapstructure:"RELEASE_MODE"`
	// GlobalBarcodes numbers sample barcodes from one platform-wide
	// sequence instead of one per tenant.
	GlobalBarcodes bool `mapstructure:"GLOBAL_BARCODES"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BatchBodyLimit string        `mapstructure:"BATCH_BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_DRIVER", "SQLITE_PATH",
	"STORE_RETRY_ATTEMPTS", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_EVENTS_TOPIC",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"INSTRUMENT_TOKEN", "INSTRUMENT_TIMEOUT", "DISPATCH_MAX_ATTEMPTS", "STALE_ASSIGNMENT_AFTER",
	"SWEEP_INTERVAL", "POLL_INTERVAL", "POLL_CONCURRENCY", "STATUS_CACHE_TTL", "MLLP_ADDR",
	"ARCHIVE_DRIVER", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT",
	"ARCHIVE_S3_ACCESS_KEY_ID", "ARCHIVE_S3_SECRET_ACCESS_KEY",
	"REFERENCE_RANGES_FILE", "MAKER_CHECKER", "RELEASE_MODE", "GLOBAL_BARCODES",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BATCH_BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads .env (when present) and the environment, then validates.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "data/lims.db")
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)
	v.SetDefault("KAFKA_EVENTS_TOPIC", "lims.events")
	v.SetDefault("INSTRUMENT_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 5)
	v.SetDefault("STALE_ASSIGNMENT_AFTER", "24h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("POLL_INTERVAL", "30s")
	v.SetDefault("POLL_CONCURRENCY", 4)
	v.SetDefault("STATUS_CACHE_TTL", "30s")
	v.SetDefault("ARCHIVE_DRIVER", ArchiveMemory)
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("MAKER_CHECKER", true)
	v.SetDefault("RELEASE_MODE", "per_request")
	v.SetDefault("GLOBAL_BARCODES", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BATCH_BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList prefers the raw comma separated value so entries are trimmed.
func splitList(decoded []string, raw string) []string {
	if raw == "" {
		return decoded
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects settings that cannot run together.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres, memory, or sqlite, got %q", c.StoreDriver)
	}

	switch strings.ToLower(c.ReleaseMode) {
	case "per_request", "per_assignment":
	default:
		return fmt.Errorf("RELEASE_MODE must be \"per_request\" or \"per_assignment\", got %q", c.ReleaseMode)
	}

	switch c.ArchiveDriver {
	case ArchiveMemory:
	case ArchiveS3:
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is %q", ArchiveS3)
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be memory or s3, got %q", c.ArchiveDriver)
	}

	if c.DispatchMaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", c.DispatchMaxAttempts)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.StoreRetryAttempts)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (ENV=%q)", c.Env)
		}
		if c.InstrumentToken == "" {
			return fmt.Errorf("INSTRUMENT_TOKEN must be set outside development (ENV=%q)", c.Env)
		}
	}
	return nil
}
