package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/events/publisher"
	"github.com/nova-social/backend/internal/outbox"
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

	log, err := logger.New("outbox-processor", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("outbox_processor")

	db, err := postgres.InitFromConfig(cfg, log, m)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	prod, err := publisher.NewProducer(publisher.Config{
		Brokers:               cfg.Kafka.Brokers,
		RequiredAcks:          sarama.WaitForAll,
		Compression:           compressionCodec(cfg.Kafka.Producer.Compression),
		MaxRetries:            cfg.Kafka.Producer.MaxRetries,
		RetryBackoff:          cfg.Kafka.Producer.RetryBackoff,
		ConnectionTimeout:     cfg.Resilience.KafkaTimeout,
		MaxPublishesPerSecond: cfg.Outbox.MaxPublishesPerSecond,
	}, log, m)
	if err != nil {
		log.Error("failed to create kafka producer", zap.Error(err))
		os.Exit(1)
	}

	repo := outbox.NewRepository(db, log)
	processor := outbox.NewProcessor(outbox.ProcessorConfig{
		BatchSize:       cfg.Outbox.BatchSize,
		PollingInterval: cfg.Outbox.PollingInterval,
		RetryDelay:      cfg.Outbox.PollingInterval * 5,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		CleanupInterval: time.Hour,
		RetentionPeriod: cfg.Outbox.RetentionPeriod,
		SourceService:   "outbox-processor",
	}, repo, prod, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	if err := processor.Start(ctx); err != nil {
		log.Error("failed to start outbox processor", zap.Error(err))
		cancel()
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Info("starting outbox-processor metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down outbox-processor")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func compressionCodec(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	case "none":
		return sarama.CompressionNone
	default:
		return sarama.CompressionSnappy
	}
}
