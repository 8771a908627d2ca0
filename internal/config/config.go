package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	ProductCacheTTL time.Duration `envconfig:"PRODUCT_CACHE_TTL" default:"30s"`

	LockBackend string        `envconfig:"LOCK_BACKEND" default:"memory"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"30s"`
	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`

	AuthSecret string `envconfig:"AUTH_SECRET"`
	ManagerPIN string `envconfig:"MANAGER_PIN"`

	OpeningCashBalance decimal.Decimal `envconfig:"OPENING_CASH_BALANCE" default:"0"`
	IntegrityCron      string          `envconfig:"INTEGRITY_CRON" default:"@every 1h"`
	WorkerMetricsAddr  string          `envconfig:"WORKER_METRICS_ADDR" default:":9091"`

	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat          string `envconfig:"LOG_FORMAT" default:"text"`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"300"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.LockBackend = strings.ToLower(strings.TrimSpace(cfg.LockBackend))

	switch cfg.LockBackend {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("config: LOCK_BACKEND must be memory or redis, got %q", cfg.LockBackend)
	}
	if cfg.LockBackend == "redis" && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("config: LOCK_BACKEND=redis requires REDIS_ADDR")
	}
	if cfg.OpeningCashBalance.IsNegative() {
		return Config{}, fmt.Errorf("config: OPENING_CASH_BALANCE must not be negative")
	}
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 300
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// NewLogger builds the process logger. Production defaults to JSON output.
func NewLogger(c Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if c.LogFormat == "json" || (c.IsProduction() && c.LogFormat != "text") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		logger.WithField("log_level", c.LogLevel).Warn("unknown log level, using info")
	}
	logger.SetLevel(level)
	return logger
}
