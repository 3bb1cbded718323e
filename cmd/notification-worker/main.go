package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/notifications"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("notification-worker", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("notification_worker")

	db, err := postgres.InitFromConfig(cfg, log, m)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	store := notifications.NewStore(db)
	validator := notifications.NewValidator()

	senders := make(map[notifications.Channel]notifications.Sender)
	if cfg.Notifications.PushEnabled {
		senders[notifications.ChannelPush] = notifications.NewLoggingSender(notifications.ChannelPush, log)
	}
	if cfg.Notifications.EmailEnabled {
		senders[notifications.ChannelEmail] = notifications.NewLoggingSender(notifications.ChannelEmail, log)
	}
	if cfg.Notifications.InAppEnabled {
		senders[notifications.ChannelInApp] = notifications.NewLoggingSender(notifications.ChannelInApp, log)
	}

	dispatcher := notifications.NewDispatcher(notifications.Config{
		PollInterval: cfg.Notifications.PollInterval,
		BatchSize:    cfg.Notifications.BatchSize,
		BackoffBase:  cfg.Notifications.BackoffBase,
		BackoffMax:   cfg.Notifications.BackoffMax,
	}, store, validator, senders, log, m)

	go dispatcher.Run(context.Background())

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}

	go func() {
		log.Info("starting notification-worker", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("notification-worker server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down notification-worker")

	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
