package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Addr string
}

type GRPCConfig struct {
	Addr string
}

// LegacyConfig points at the host's comment tables.
// DSN is a MySQL DSN; SQLitePath is the development stand-in used when DSN is empty.
type LegacyConfig struct {
	DSN         string
	SQLitePath  string
	TablePrefix string
}

type MigrationConfig struct {
	Schedule  string // cron spec, empty disables the scheduled job
	BatchSize int
}

type AppConfig struct {
	ServiceName    string
	Env            string
	LogLevel       string
	HTTP           HTTPConfig
	GRPC           GRPCConfig
	DatabaseURL    string
	Legacy         LegacyConfig
	Backfill       bool
	RedisDSN       string
	JWTSecret      string
	IdempotencyTTL time.Duration
	Migration      MigrationConfig
}

func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		ServiceName: env("SERVICE_NAME"),
		Env:         env("APP_ENV"),
		LogLevel:    env("LOG_LEVEL"),
		HTTP:        HTTPConfig{Addr: env("HTTP_ADDR")},
		GRPC:        GRPCConfig{Addr: env("GRPC_ADDR")},
		DatabaseURL: env("DATABASE_URL"),
		Legacy: LegacyConfig{
			DSN:         env("LEGACY_DATABASE_DSN"),
			SQLitePath:  env("LEGACY_SQLITE_PATH"),
			TablePrefix: os.Getenv("LEGACY_TABLE_PREFIX"),
		},
		Backfill:       envBool("PROGRESS_BACKFILL", false),
		RedisDSN:       env("REDIS_DSN"),
		JWTSecret:      env("JWT_SECRET"),
		IdempotencyTTL: envDuration("IDEMPOTENCY_TTL", 72*time.Hour),
		Migration: MigrationConfig{
			Schedule:  env("MIGRATION_SCHEDULE"),
			BatchSize: envInt("MIGRATION_BATCH_SIZE", 500),
		},
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "progress"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = ":9094"
	}
	if _, ok := os.LookupEnv("LEGACY_TABLE_PREFIX"); !ok {
		cfg.Legacy.TablePrefix = "wp_"
	}
	if cfg.Legacy.SQLitePath == "" {
		cfg.Legacy.SQLitePath = "legacy-progress.db"
	}

	if cfg.IsProduction() {
		if cfg.DatabaseURL == "" {
			return AppConfig{}, errors.New("DATABASE_URL is required in production")
		}
		if cfg.Legacy.DSN == "" {
			return AppConfig{}, errors.New("LEGACY_DATABASE_DSN is required in production")
		}
		if cfg.JWTSecret == "" {
			return AppConfig{}, errors.New("JWT_SECRET is required in production")
		}
	}
	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, fallback int) int {
	v := env(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(env(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
