package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Addr           string        `env:"APP_ADDR" envDefault:":8080"`
	Environment    string        `env:"APP_ENV" envDefault:"development"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	Storage        string        `env:"STORAGE" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RunMigrations  bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	MigrationsDir  string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	JWTSecret      string        `env:"JWT_SECRET"`
	RedisURL       string        `env:"REDIS_URL"`
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	FoldMaxRetries int           `env:"FOLD_MAX_RETRIES" envDefault:"5"`
	MaxBodyBytes   int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	ReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	EmailFrom      string        `env:"EMAIL_FROM" envDefault:"no-reply@example.com"`
	EmailEnabled   bool          `env:"EMAIL_ENABLED" envDefault:"false"`
	SMTPHost       string        `env:"SMTP_HOST"`
	SMTPPort       int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser       string        `env:"SMTP_USER"`
	SMTPPassword   string        `env:"SMTP_PASSWORD"`
	SMTPUseTLS     bool          `env:"SMTP_USE_TLS" envDefault:"true"`
	MetricsEnabled bool          `env:"METRICS_ENABLED" envDefault:"true"`
	RateLimit      int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
}

// Load reads the process environment, after merging any .env files present in
// the working directory. Values already set in the environment win.
func Load() (Config, error) {
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	var existing []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=%s is not allowed in production", StorageMemory)
		}
	default:
		return fmt.Errorf("STORAGE must be %q or %q", StoragePostgres, StorageMemory)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("MAX_BODY_BYTES must be at least 1024")
	}
	if c.FoldMaxRetries <= 0 {
		return fmt.Errorf("FOLD_MAX_RETRIES must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.EmailEnabled && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST must be set when EMAIL_ENABLED is true")
	}
	return nil
}
