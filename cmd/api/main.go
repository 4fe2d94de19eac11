package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/clock"
	"github.com/ariefcatur/storefront-settlement/internal/config"
	"github.com/ariefcatur/storefront-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/storefront-settlement/internal/kafka"
	"github.com/ariefcatur/storefront-settlement/internal/logging"
	"github.com/ariefcatur/storefront-settlement/internal/metrics"
	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/payment"
	"github.com/ariefcatur/storefront-settlement/internal/postgres"
	"github.com/ariefcatur/storefront-settlement/internal/redisx"
	"github.com/ariefcatur/storefront-settlement/internal/settlement"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNew(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("api_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		log.Warn("jwt_secret_missing", zap.String("effect", "all authenticated routes answer 401"))
	}
	if cfg.WebhookSecret == "" {
		log.Warn("webhook_secret_missing", zap.String("effect", "all payment webhooks are rejected"))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.OrderCache{R: rdb}

	// Kafka producer for order.finalized
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderFinalized, 1024, log)
	prod.Start()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sm := metrics.NewSettlement(reg)

	repo := &orders.Repo{DB: db}
	tx := postgres.NewTxManager(db)
	svc := &settlement.Service{
		Tx:          tx,
		Cart:        &orders.CartReader{DB: db},
		Ledger:      &orders.Ledger{DB: db, Tx: tx},
		Orders:      repo,
		Gateway:     payment.NewClient(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout),
		Publisher:   prod,
		Cache:       cache,
		Clock:       clock.NewSystem(),
		Log:         log.Named("settlement"),
		Metrics:     sm,
		Currency:    cfg.Currency,
		ServiceName: cfg.ServiceName,
		PendingTTL:  cfg.PendingOrderTTL,
	}

	// HTTP
	auth := httpx.NewAuthenticator(cfg.JWTSecret)
	router := httpx.NewRouter(log.Named("http"), reg, metrics.NewHTTP(reg))
	(&httpx.OrdersHandler{Checkouts: svc, Reader: repo, Cache: cache, Log: log}).Register(router, auth)
	(&httpx.PaymentsHandler{
		Reconciler: svc,
		Secret:     cfg.WebhookSecret,
		Dedup:      &redisx.Dedup{R: rdb, Service: "webhook"},
		Metrics:    sm,
		Log:        log.Named("webhook"),
	}).Register(router)
	(&httpx.AdminHandler{Orders: svc, Stats: repo, Log: log}).Register(router, auth)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("expiry_sweeper_started",
			zap.Duration("ttl", cfg.PendingOrderTTL),
			zap.Duration("interval", cfg.SweepInterval))
		return svc.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	prod.Close()      // tutup inbox -> flush & close writer
	prod.WaitClosed() // drain
	return err
}
