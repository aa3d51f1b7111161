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

	"exposehub/reservation-service/internal/config"
	"exposehub/reservation-service/internal/httpapi"
	"exposehub/reservation-service/internal/hub"
	"exposehub/reservation-service/internal/logging"
	"exposehub/reservation-service/internal/models"
	"exposehub/reservation-service/internal/outbox"
	"exposehub/reservation-service/internal/reservation"
	"exposehub/reservation-service/internal/store"
	"exposehub/reservation-service/internal/store/memory"
	"exposehub/reservation-service/internal/store/postgres"
	"exposehub/reservation-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "reservation-service"

type backend interface {
	store.ReservationStore
	store.OutboxStore
	store.SessionStore
}

func main() {
	cfg := config.Load()

	logger, err := logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: serviceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	gate := reservation.Gate{}
	service := reservation.NewService(st, reservation.Options{
		Gate:       gate,
		MaxRetries: cfg.ConflictMaxRetries,
		Logger:     logger.Named("reservation"),
	})

	realtime := hub.New(gate, logger.Named("hub"))
	publishers := []outbox.Publisher{realtime}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := outbox.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
		if err != nil {
			logger.Fatal("amqp connect", zap.Error(err))
		}
		defer func() { _ = amqpPublisher.Close() }()
		publishers = append(publishers, amqpPublisher)
	}
	relay := outbox.NewRelay(st, outbox.Config{BatchSize: cfg.OutboxBatchSize, Logger: logger.Named("outbox")}, publishers...)
	if err := relay.Start(cfg.OutboxRelaySchedule); err != nil {
		logger.Fatal("start outbox relay", zap.Error(err), zap.String("schedule", cfg.OutboxRelaySchedule))
	}

	resolver := httpapi.NewSessionResolver(st)
	router := httpapi.NewHandler(service).Routes()
	router.PathPrefix("/realtime/").Handler(hub.NewHandler("/realtime", realtime, resolver, st))

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})
	handler := httpapi.LoggingMiddleware(logger.Named("http"), httpapi.AuthMiddleware(resolver, limiter.Middleware(router)))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("reservation-service listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	relay.Stop(ctx)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DB_DSN is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "memory":
		st := memory.New()
		seedDemo(st, logger)
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// seedDemo gives the in-memory store one property and one admin session so
// the API can be exercised locally.
func seedDemo(st *memory.Store, logger *zap.Logger) {
	const (
		tenantID   = "demo-tenant"
		propertyID = "demo-property"
		sessionID  = "demo-session"
	)
	st.AddProperty(models.Property{PropertyID: propertyID, TenantID: tenantID, Name: "Demo property", Status: models.StatusAvailable})
	st.AddSession(store.Session{
		SessionID: sessionID,
		UserID:    "demo-admin",
		TenantID:  tenantID,
		Role:      models.RoleTenantAdmin,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	logger.Warn("using in-memory store with demo data",
		zap.String("tenant_id", tenantID),
		zap.String("property_id", propertyID),
		zap.String("session_id", sessionID),
	)
}
