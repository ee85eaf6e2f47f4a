package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/handlers"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logrus.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logrus.WithField("service", "signaling")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	store, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer store.Close()

	logger.Info("Redis connection established")

	hub := relay.NewHub(relay.Config{
		MaxMessagesPerSecond: cfg.Relay.MaxMessagesPerSecond,
		MaxMessageBytes:      cfg.Relay.MaxMessageBytes,
		PingInterval:         cfg.Relay.PingInterval,
	}, store, logger.WithField("component", "relay"))

	router := handlers.NewRouter(cfg, handlers.NewAPI(store, logger), hub, logger)
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down cleanly")
		}
	}()

	// Start server
	logger.WithField("port", cfg.Port).Info("Starting signaling relay")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
