package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// SchemaManager bootstraps the storage contract: dimension tables,
// hypertables with day-granularity chunks, the uniqueness constraints the
// idempotent writes rely on, retention policies and the pre-aggregated
// rollups dashboards read. In production deployments migrations usually run
// out of band; the bootstrap exists for development and first install
// (INGEST_SCHEMA_INIT=true).
type SchemaManager struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSchemaManager creates the schema manager.
func NewSchemaManager(db *sql.DB, logger *zap.Logger) *SchemaManager {
	return &SchemaManager{
		db:     db,
		logger: logger,
	}
}

// Bootstrap creates tables, hypertables and constraints. Errors here are
// fatal: the writer's idempotence depends on the uniqueness keys existing.
func (s *SchemaManager) Bootstrap(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sites (
			site_id TEXT PRIMARY KEY,
			site_name TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			site_id TEXT REFERENCES sites(site_id),
			device_name TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_data (
			time TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL REFERENCES devices(device_id),
			temperature DOUBLE PRECISION,
			humidity DOUBLE PRECISION,
			reception_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			fallback_timestamp BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (device_id, time)
		)`,
		`CREATE TABLE IF NOT EXISTS device_heartbeats (
			time TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL REFERENCES devices(device_id),
			site_id TEXT REFERENCES sites(site_id),
			rssi INTEGER NOT NULL,
			free_heap BIGINT NOT NULL,
			min_heap BIGINT NOT NULL,
			uptime BIGINT NOT NULL,
			ntp_sync BOOLEAN NOT NULL,
			reception_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (device_id, time)
		)`,
		`CREATE TABLE IF NOT EXISTS device_status_events (
			time TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL REFERENCES devices(device_id),
			site_id TEXT REFERENCES sites(site_id),
			event_type TEXT NOT NULL,
			payload JSONB,
			reception_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (device_id, time, event_type)
		)`,
		`SELECT create_hypertable('sensor_data', 'time',
			chunk_time_interval => INTERVAL '1 day',
			if_not_exists => TRUE
		)`,
		`SELECT create_hypertable('device_heartbeats', 'time',
			chunk_time_interval => INTERVAL '1 day',
			if_not_exists => TRUE
		)`,
		`SELECT create_hypertable('device_status_events', 'time',
			chunk_time_interval => INTERVAL '1 day',
			if_not_exists => TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_device_time
			ON sensor_data (device_id, time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_device_heartbeats_device_time
			ON device_heartbeats (device_id, time DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}

	s.setupContinuousAggregates(ctx)
	s.setupRetentionPolicies(ctx)
	s.grantReadOnly(ctx)

	return nil
}

// setupContinuousAggregates creates the 30-minute and hourly rollups with a
// 5-minute refresh cadence over the trailing week. Failures are logged, not
// fatal: ingestion works without rollups, dashboards just fall back to raw
// scans.
func (s *SchemaManager) setupContinuousAggregates(ctx context.Context) {
	aggregates := []struct {
		name   string
		bucket string
	}{
		{"sensor_data_30min", "30 minutes"},
		{"sensor_data_hourly", "1 hour"},
	}

	for _, agg := range aggregates {
		create := fmt.Sprintf(`
			CREATE MATERIALIZED VIEW IF NOT EXISTS %s
			WITH (timescaledb.continuous) AS
			SELECT device_id,
				time_bucket('%s', time) AS bucket,
				MIN(temperature) AS min_temperature,
				MAX(temperature) AS max_temperature,
				AVG(temperature) AS avg_temperature,
				MIN(humidity) AS min_humidity,
				MAX(humidity) AS max_humidity,
				AVG(humidity) AS avg_humidity,
				COUNT(*) AS reading_count
			FROM sensor_data
			GROUP BY device_id, time_bucket('%s', time)
			WITH NO DATA`, agg.name, agg.bucket, agg.bucket)

		if _, err := s.db.ExecContext(ctx, create); err != nil {
			s.logger.Error("Failed to create continuous aggregate",
				zap.String("aggregate", agg.name),
				zap.Error(err),
			)
			continue
		}

		policy := fmt.Sprintf(`
			SELECT add_continuous_aggregate_policy('%s',
				start_offset => INTERVAL '7 days',
				end_offset => INTERVAL '5 minutes',
				schedule_interval => INTERVAL '5 minutes',
				if_not_exists => TRUE
			)`, agg.name)

		if _, err := s.db.ExecContext(ctx, policy); err != nil {
			s.logger.Error("Failed to add continuous aggregate policy",
				zap.String("aggregate", agg.name),
				zap.Error(err),
			)
		}
	}
}

// setupRetentionPolicies differentiates expiry by fact type.
func (s *SchemaManager) setupRetentionPolicies(ctx context.Context) {
	policies := []struct {
		table    string
		interval string
	}{
		{"sensor_data", "1 year"},
		{"device_heartbeats", "6 months"},
		{"device_status_events", "3 months"},
	}

	for _, policy := range policies {
		query := fmt.Sprintf(`
			SELECT add_retention_policy('%s',
				INTERVAL '%s',
				if_not_exists => TRUE
			)`, policy.table, policy.interval)

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			s.logger.Error("Failed to set up retention policy",
				zap.String("table", policy.table),
				zap.String("interval", policy.interval),
				zap.Error(err),
			)
		}
	}
}

// grantReadOnly gives the visualization principal select rights. The role is
// provisioned by operations; a missing role is logged and skipped.
func (s *SchemaManager) grantReadOnly(ctx context.Context) {
	grants := []string{
		`GRANT SELECT ON ALL TABLES IN SCHEMA public TO datayoti_readonly`,
		`ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT ON TABLES TO datayoti_readonly`,
	}

	for _, grant := range grants {
		if _, err := s.db.ExecContext(ctx, grant); err != nil {
			s.logger.Warn("Failed to grant read-only access", zap.Error(err))
			return
		}
	}
}
