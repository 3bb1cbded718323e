package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/realtime"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("realtime-hub", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("realtime_hub")

	db, err := postgres.InitFromConfig(cfg, log, m)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addresses[0],
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer redisClient.Close()

	syncStore := realtime.NewSyncStateStore(db)
	hub := realtime.NewHub(realtime.Config{
		StreamMaxLen:      cfg.Realtime.StreamMaxLen,
		StreamRetention:   cfg.Realtime.StreamRetention,
		ConsumerGroup:     cfg.Realtime.ConsumerGroup,
		SyncStateTTL:      cfg.Realtime.SyncStateTTL,
		SyncFlushInterval: cfg.Realtime.SyncFlushInterval,
		WriteBufferSize:   cfg.Realtime.WriteBufferSize,
	}, redisClient, syncStore, log, m)

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		room := r.URL.Query().Get("room")
		if userID == "" || room == "" {
			http.Error(w, "user_id and room are required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		client := realtime.NewClient(hub, conn, clientID, userID,
			cfg.Realtime.PingInterval, cfg.Realtime.PongWait, cfg.Realtime.WriteBufferSize, log)

		if err := hub.Register(r.Context(), client, room); err != nil {
			log.Error("failed to register realtime client", zap.Error(err))
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Info("starting realtime-hub", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("realtime-hub server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down realtime-hub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	hub.Shutdown()
}
