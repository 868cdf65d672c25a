package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/consumer"
	"github.com/medkan01/datayoti-mqtt-broker/internal/database"
	"github.com/medkan01/datayoti-mqtt-broker/internal/directory"
	"github.com/medkan01/datayoti-mqtt-broker/internal/health"
	"github.com/medkan01/datayoti-mqtt-broker/internal/normalizer"
	"github.com/medkan01/datayoti-mqtt-broker/internal/repository"
	"github.com/medkan01/datayoti-mqtt-broker/internal/resolver"
	"github.com/medkan01/datayoti-mqtt-broker/internal/stream"
	"github.com/medkan01/datayoti-mqtt-broker/internal/writer"

	mqttcommon "github.com/medkan01/datayoti-mqtt-broker/internal/mqtt"
	rediscommon "github.com/medkan01/datayoti-mqtt-broker/internal/redis"

	"go.uber.org/zap"
)

// IngestorService wires the ingestion pipeline: broker session, normalizer,
// device directory, resolver, writer, retry buffer and health monitor.
type IngestorService struct {
	config        *config.Config
	logger        *zap.Logger
	db            *sql.DB
	redisClient   *rediscommon.Client
	mqttClient    *mqttcommon.Client
	consumer      *consumer.MQTTConsumer
	healthMonitor *health.Monitor
}

// NewIngestorService connects the external collaborators and builds the
// pipeline components.
func NewIngestorService(cfg *config.Config, logger *zap.Logger) (*IngestorService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Ingest.SchemaInit {
		schema := repository.NewSchemaManager(db, logger)
		if err := schema.Bootstrap(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	deviceRepo := repository.NewDeviceRepository(db, logger)
	timeseriesRepo := repository.NewTimeSeriesRepository(db, logger)

	deviceDirectory := directory.NewDeviceDirectory(deviceRepo, cfg.Cache.DirectoryTTL, logger)
	norm := normalizer.NewNormalizer(cfg.MQTT.TopicPrefix, cfg.Normalizer.GapThreshold, logger)
	identityResolver := resolver.NewResolver(deviceDirectory, deviceRepo, cfg.Ingest.AutoRegister, logger)
	tsWriter := writer.NewWriter(
		timeseriesRepo,
		deviceRepo,
		cfg.Ingest.WriteMaxAttempts,
		cfg.Ingest.WriteBackoffInitial,
		cfg.Ingest.WriteBackoffMax,
		logger,
	)

	var publisher consumer.StreamPublisher
	if cfg.Ingest.Stream != "" {
		publisher = stream.NewPublisher(redisClient, cfg.Ingest.Stream, logger)
	}

	buffer := consumer.NewRetryBuffer(cfg.Ingest.BufferSize, cfg.Ingest.BufferPolicy, logger)
	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, norm, identityResolver, tsWriter, publisher, buffer, logger)

	healthMonitor := health.NewMonitor(timeseriesRepo, redisClient, cfg, logger)

	return &IngestorService{
		config:        cfg,
		logger:        logger,
		db:            db,
		redisClient:   redisClient,
		mqttClient:    mqttClient,
		consumer:      mqttConsumer,
		healthMonitor: healthMonitor,
	}, nil
}

// Start runs the pipeline until ctx is cancelled.
func (s *IngestorService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingestor service components")

	go s.healthMonitor.Run(ctx)

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	return nil
}

// Stop shuts the pipeline down in dependency order: stop taking messages,
// let in-flight writes finish, then close the connections.
func (s *IngestorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingestor service")

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		rediscommon.Close(s.redisClient)
	}

	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Ingestor service stopped")
	return nil
}
