package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/autonova/platform/libs/db"
	"github.com/autonova/platform/libs/grpcx"
	"github.com/autonova/platform/libs/httpx"
	otelx "github.com/autonova/platform/libs/otel"
	"github.com/autonova/platform/libs/runtime"
	"github.com/autonova/platform/services/appointment-booking-service/internal/config"
	"github.com/autonova/platform/services/appointment-booking-service/internal/handlers"
	"github.com/autonova/platform/services/appointment-booking-service/internal/metrics"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
	"github.com/autonova/platform/services/appointment-booking-service/internal/scheduling"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		logger.Error("otel config invalid", "err", err)
		os.Exit(1)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var (
		store  storage.Store
		checks []runtime.ReadyCheck
	)
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		store = storage.NewMemoryStore()
	} else {
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if err := storage.Migrate(ctx, pool); err != nil {
				logger.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		outboxRepo := outbox.NewRepository(pool)
		store = storage.NewPostgresStore(pool, outboxRepo, cfg.StorageTimeout)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		sink, sinkCheck, err := newSink(cfg)
		if err != nil {
			logger.Error("event sink init failed", "err", err, "sink", cfg.EventSink)
			os.Exit(1)
		}
		defer func() { _ = sink.Close() }()
		if sinkCheck != nil {
			checks = append(checks, runtime.ReadyCheck{Name: cfg.EventSink, Check: sinkCheck})
		}
		publisher := outbox.NewPublisher(outboxRepo, sink, logger, outbox.PublisherConfig{
			PollEvery: cfg.OutboxPollEvery,
			BatchSize: cfg.OutboxBatchSize,
		})
		go publisher.Run(ctx)
	}

	collector := metrics.NewCollector()
	registry := metrics.NewRegistry(collector)
	svc := scheduling.NewService(store, logger, collector, scheduling.Options{
		StorageTimeout: cfg.StorageTimeout,
		ReadRetries:    cfg.ReadRetries,
		BayCapacity:    cfg.BayCapacity,
		SlotLength:     cfg.SlotLength,
	})

	rateLimit := httpx.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).Middleware()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		rateLimit = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "appointments").Middleware(logger, true)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("GET /metrics", metrics.Handler(registry))
	handlers.NewAppointmentHandler(svc, logger).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		rateLimit,
		httpx.WithBodyLimit(cfg.MaxBodyBytes),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointments")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpcx.NewServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	grpcSrv.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("servers stopped")
}
