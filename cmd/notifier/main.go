package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/storefront-settlement/internal/config"
	kafkax "github.com/ariefcatur/storefront-settlement/internal/kafka"
	"github.com/ariefcatur/storefront-settlement/internal/logging"
	"github.com/ariefcatur/storefront-settlement/internal/notify"
	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNew(cfg.ServiceName+"-notifier", cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("consumer_exit", zap.Error(err))
		os.Exit(1)
	}
	log.Info("notifier_stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Dedup:  &redisx.Dedup{R: rdb, Service: "notifier"},
		Mailer: notify.LogMailer{Log: log.Named("mailer")},
		Log:    log,
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, orders.TopicOrderFinalized, cfg.NotifierWorkers, log)
	log.Info("notifier_consumer_started",
		zap.String("group", cfg.NotifierGroup),
		zap.String("topic", orders.TopicOrderFinalized),
		zap.Int("workers", cfg.NotifierWorkers))

	return cons.Start(ctx, svc.HandleOrderFinalized)
}
