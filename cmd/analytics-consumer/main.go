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

	"github.com/nova-social/backend/internal/events/consumer"
	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// loggingSink is the default SignalSink: it logs batch size until the
// feed package's ranking signal store is wired in by the deployment.
type loggingSink struct {
	log *logger.Logger
}

func (s *loggingSink) IngestBatch(ctx context.Context, events []*envelope.Envelope) error {
	s.log.Info("analytics batch received", zap.Int("batch_size", len(events)))
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("analytics-consumer", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("analytics_consumer")

	handler := consumer.NewAnalyticsHandler(
		consumer.DefaultAnalyticsConfig(),
		&loggingSink{log: log},
		nil,
		log,
		m,
	)

	dlqProducer, err := consumer.NewDeadLetterProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Error("failed to create dead-letter producer", zap.Error(err))
		os.Exit(1)
	}
	defer dlqProducer.Close()

	deadLetter := consumer.NewDeadLetterHandler(consumer.DeadLetterConfig{
		Topic:          cfg.Kafka.DeadLetter.Topic,
		MaxRetries:     cfg.Kafka.DeadLetter.MaxRetries,
		RetryBackoff:   cfg.Kafka.DeadLetter.RetryBackoff,
		ErrorThreshold: cfg.Kafka.DeadLetter.ErrorThreshold,
	}, dlqProducer, log, m)

	c, err := consumer.NewConsumer(consumer.Config{
		Brokers:          cfg.Kafka.Brokers,
		GroupID:          cfg.Kafka.Consumer.GroupID + "-analytics",
		Topics:           []string{string(envelope.FeedEvent), string(envelope.MessagingEvent)},
		InitialOffset:    sarama.OffsetNewest,
		MinBytes:         cfg.Kafka.Consumer.MinBytes,
		MaxBytes:         cfg.Kafka.Consumer.MaxBytes,
		MaxWait:          cfg.Kafka.Consumer.MaxWait,
		SessionTimeout:   cfg.Kafka.Consumer.SessionTimeout,
		RebalanceTimeout: cfg.Kafka.Consumer.RebalanceTimeout,
	}, handler, log, m)
	if err != nil {
		log.Error("failed to create analytics consumer", zap.Error(err))
		os.Exit(1)
	}
	c.WithDeadLetter(deadLetter)

	if err := c.Start(); err != nil {
		log.Error("failed to start analytics consumer", zap.Error(err))
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
		log.Info("starting analytics-consumer metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down analytics-consumer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := c.Stop(); err != nil {
		log.Error("failed to stop consumer", zap.Error(err))
	}
}
