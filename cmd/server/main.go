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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"orderdesk/backend/internal/cache"
	"orderdesk/backend/internal/cart"
	"orderdesk/backend/internal/catalog"
	"orderdesk/backend/internal/config"
	"orderdesk/backend/internal/httpapi"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/orders"
	"orderdesk/backend/internal/projection"
	"orderdesk/backend/internal/service"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/store/memory"
	pgstore "orderdesk/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()
	log := logger.L()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("invalid business timezone", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	var variantCache cache.VariantCache = cache.NoopVariantCache{}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisVariantCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			_ = client.Close()
			log.Warn("redis unavailable, using in-process locks and no catalog cache", zap.Error(err))
		} else {
			locker = lock.NewRedisLocker(client, time.Duration(cfg.LockTTLSeconds)*time.Second)
			variantCache = redisCache
			closers = append(closers, client.Close)
			log.Info("locks and catalog cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("locks: in-process, catalog cache: none")
	}

	api := buildAPI(ctx, cfg, repo, locker, variantCache, loc)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("order desk listening", zap.String("addr", cfg.Address()), zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// buildAPI assembles the components over one repository.
func buildAPI(ctx context.Context, cfg config.Config, repo store.Repository, locker lock.Locker, variantCache cache.VariantCache, loc *time.Location) *httpapi.API {
	cat := catalog.New(repo, variantCache, time.Duration(cfg.CatalogCacheTTLSeconds)*time.Second)
	carts := cart.New(repo, cat)
	inventory := ledger.New(repo, locker)
	engine := orders.NewEngine(repo, carts, inventory, locker)
	projector := projection.New(repo, inventory, loc)
	svc := service.New(cat, carts, engine, inventory, projector)

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	limits := httpapi.DefaultLimits()
	limits.General = rate.Limit(cfg.RateLimitRPS)
	limits.GeneralBurst = cfg.RateLimitBurst
	return httpapi.New(svc, auth, cfg.AllowedOrigin, limits)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
