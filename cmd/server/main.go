package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/cache"
	"tokostok/backend/internal/config"
	"tokostok/backend/internal/httpapi"
	"tokostok/backend/internal/lock"
	"tokostok/backend/internal/observability"
	"tokostok/backend/internal/service"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/store/memory"
	pgstore "tokostok/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg, os.Stdout)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.WithError(err).Fatal("apply schema")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		closers = append(closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis ping failed")
		}
	}

	productCache := cache.ProductCache(cache.NoopProductCache{})
	if redisClient != nil {
		productCache = cache.NewRedisProductCache(redisClient, cfg.ProductCacheTTL, logger)
		logger.Info("cache: redis")
	} else {
		logger.Info("cache: noop")
	}

	var locker lock.Locker = lock.NewKeyedMutex(cfg.LockTimeout)
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient, "tokostok:lock:", cfg.LockTTL, cfg.LockTimeout)
	}
	logger.WithField("backend", cfg.LockBackend).Info("product locks")

	metrics := observability.NewMetrics()
	svc := service.New(repo, service.Options{
		Logger:             logger,
		Locker:             locker,
		Cache:              productCache,
		Metrics:            metrics,
		OpeningCashBalance: cfg.OpeningCashBalance,
	})
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.ManagerPIN)
	if err != nil {
		logger.WithError(err).Fatal("init auth")
	}
	api := httpapi.New(httpapi.Options{
		Service:            svc,
		Auth:               auth,
		Metrics:            metrics,
		Logger:             logger,
		AllowedOrigin:      cfg.AllowedOrigin,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Production:         cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("stock ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
