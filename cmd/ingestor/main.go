package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/logger"
	"github.com/medkan01/datayoti-mqtt-broker/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "datayoti-ingestor")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting datayoti-ingestor service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic_prefix", cfg.MQTT.TopicPrefix),
		zap.String("database", cfg.Database.Database),
		zap.Bool("auto_register", cfg.Ingest.AutoRegister),
	)

	ingestorService, err := service.NewIngestorService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create ingestor service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ingestorService.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start ingestor service", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := ingestorService.Stop(ctx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
