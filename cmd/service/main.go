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

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/seckill-service/internal/cache"
	"github.com/kjstillabower/seckill-service/internal/circuitbreaker"
	"github.com/kjstillabower/seckill-service/internal/config"
	httphandler "github.com/kjstillabower/seckill-service/internal/http"
	"github.com/kjstillabower/seckill-service/internal/idgen"
	"github.com/kjstillabower/seckill-service/internal/kv"
	"github.com/kjstillabower/seckill-service/internal/lifecycle"
	"github.com/kjstillabower/seckill-service/internal/lock"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/repository"
	"github.com/kjstillabower/seckill-service/internal/seckill"
	"github.com/kjstillabower/seckill-service/internal/shop"
	"github.com/kjstillabower/seckill-service/internal/voucher"
	"github.com/kjstillabower/seckill-service/internal/workerpool"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// Background components outlive individual requests and stop on shutdown.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal("redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	pingCancel()
	logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))

	db, err := repository.Open(appCtx, repository.PoolConfig{
		DSN:      cfg.PostgresDSN,
		MaxConns: cfg.PostgresMaxConns,
		MinConns: cfg.PostgresMinConns,
	})
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	if err := repository.Migrate(appCtx, db); err != nil {
		logger.Fatal("postgres migrate", zap.Error(err))
	}
	shopRepo := repository.NewShopRepository(db, logger)
	voucherRepo := repository.NewVoucherRepository(db, logger)

	healthConfig := &httphandler.HealthConfig{
		Checks: map[string]httphandler.HealthCheck{
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"postgres": db.Ping,
		},
	}

	var store kv.Store
	var memcached *kv.MemcachedStore
	switch cfg.CacheBackend {
	case "memcached":
		memcached = kv.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		store = memcached
		healthConfig.Checks["memcached"] = func(ctx context.Context) error { return memcached.Ping() }
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		store = kv.NewRedisStore(rdb)
		logger.Info("cache backend: redis")
	}

	locker := lock.New(rdb, logger)

	rebuildPool := workerpool.New(cfg.RebuildPoolSize, logger)
	rebuildPool.Start(appCtx)

	cacheClient := cache.New(store, locker, rebuildPool, logger, cache.Options{
		NullTTL:       cfg.NullTTL,
		LockTTL:       cfg.RebuildLockTTL,
		RetryInterval: cfg.MutexRetry,
		Coalesce:      cfg.CoalesceEnabled,
	})

	var breaker *circuitbreaker.Breaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Component:        "postgres",
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			OpenTimeout:      cfg.CircuitBreakerTimeout,
		})
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	shopService := shop.NewService(shopRepo, cacheClient, breaker, shop.Strategy(cfg.CacheStrategy), cfg.ShopTTL, logger)

	var idOpts []idgen.Option
	if cfg.IDEpoch > 0 {
		idOpts = append(idOpts, idgen.WithEpoch(cfg.IDEpoch))
	}
	ids := idgen.New(rdb, idOpts...)
	admission := seckill.NewAdmission(rdb, ids, cfg.SeckillStream, logger)
	voucherService := voucher.NewService(voucherRepo, admission, logger)

	worker := seckill.NewWorker(rdb, voucherRepo, locker, seckill.WorkerConfig{
		Stream:           cfg.SeckillStream,
		Group:            cfg.SeckillGroup,
		Consumer:         cfg.SeckillConsumer,
		DeadLetterStream: cfg.SeckillDeadLetterStream,
		Block:            cfg.SeckillBlock,
		OrderLockTTL:     cfg.OrderLockTTL,
		MaxDeliveries:    cfg.MaxDeliveries,
		RecoveryBackoff:  cfg.RecoveryBackoff,
		LockBusyBackoff:  cfg.LockBusyBackoff,
	}, logger)
	if err := worker.Start(appCtx); err != nil {
		logger.Fatal("fulfillment worker", zap.Error(err))
	}

	if shop.Strategy(cfg.CacheStrategy) == shop.StrategyLogical && len(cfg.WarmShopIDs) > 0 {
		warmer := shopService.Warmer()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(appCtx, cfg.WarmShopIDs, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			warmCtx, warmCancel := context.WithTimeout(appCtx, 30*time.Second)
			if err := warmer.Warm(warmCtx, cfg.WarmShopIDs); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			warmCancel()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(shopService, voucherService, admission, healthConfig, cfg.ShopNameMaxLength, logger)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.NewRoute().Subrouter()
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/shop/{id}", handler.GetShop).Methods("GET")
	api.HandleFunc("/shop", handler.UpdateShop).Methods("PUT")
	api.HandleFunc("/voucher/seckill", handler.AddSeckillVoucher).Methods("POST")

	seckillRouter := router.PathPrefix("/voucher-order").Subrouter()
	seckillRouter.Use(httphandler.RateLimitMiddleware(limiter))
	seckillRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	seckillRouter.HandleFunc("/seckill/{id}", handler.SeckillVoucher).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	// The worker goes first so no order commit races the pool shutdown or the
	// closing connections.
	if err := lifecycle.StopAll(shutdownCtx, logger,
		lifecycle.Component{Name: "fulfillment worker", Stop: worker},
		lifecycle.Component{Name: "rebuild pool", Stop: rebuildPool},
	); err != nil {
		logger.Error("component shutdown", zap.Error(err))
	}
	appCancel()

	if memcached != nil {
		if err := memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	db.Close()
	if err := rdb.Close(); err != nil {
		logger.Error("redis close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
