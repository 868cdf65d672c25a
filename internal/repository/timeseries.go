package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
)

// TimeSeriesRepository writes fact rows into the hypertables. Every insert
// is a single upsert with ON CONFLICT DO NOTHING on the natural uniqueness
// key, which is what turns the broker's at-least-once delivery into
// effectively-once storage: redelivered messages collapse into the existing
// row without error.
type TimeSeriesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimeSeriesRepository creates the time-series repository.
func NewTimeSeriesRepository(db *sql.DB, logger *zap.Logger) *TimeSeriesRepository {
	return &TimeSeriesRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReading persists a temperature/humidity reading, keyed on
// (device_id, time). Returns false when the row already existed.
func (r *TimeSeriesRepository) InsertReading(ctx context.Context, rec *models.EnrichedRecord) (bool, error) {
	query := `
		INSERT INTO sensor_data (time, device_id, temperature, humidity, reception_time, fallback_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, time) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.Time,
		rec.DeviceID,
		rec.Temperature,
		rec.Humidity,
		rec.ReceivedAt,
		rec.FallbackTimestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	return rowsInserted(result), nil
}

// InsertHeartbeat persists a liveness sample, keyed on (device_id, time).
func (r *TimeSeriesRepository) InsertHeartbeat(ctx context.Context, rec *models.EnrichedRecord) (bool, error) {
	query := `
		INSERT INTO device_heartbeats (time, device_id, site_id, rssi, free_heap, min_heap, uptime, ntp_sync, reception_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, time) DO NOTHING
	`

	hb := rec.Heartbeat
	result, err := r.db.ExecContext(ctx, query,
		rec.Time,
		rec.DeviceID,
		rec.ResolvedSiteID,
		hb.RSSI,
		hb.FreeHeap,
		hb.MinHeap,
		hb.Uptime,
		hb.NTPSync,
		rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert heartbeat: %w", err)
	}

	return rowsInserted(result), nil
}

// InsertStatusEvent persists a status event. The uniqueness key includes the
// event type so distinct event kinds may share an instant.
func (r *TimeSeriesRepository) InsertStatusEvent(ctx context.Context, rec *models.EnrichedRecord) (bool, error) {
	query := `
		INSERT INTO device_status_events (time, device_id, site_id, event_type, payload, reception_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, time, event_type) DO NOTHING
	`

	st := rec.Status
	var payload interface{}
	if len(st.Payload) > 0 {
		payload = []byte(st.Payload)
	}
	result, err := r.db.ExecContext(ctx, query,
		rec.Time,
		rec.DeviceID,
		rec.ResolvedSiteID,
		st.EventType,
		payload,
		rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert status event: %w", err)
	}

	return rowsInserted(result), nil
}

// LatestHeartbeats returns the most recent heartbeat instant per device,
// used for view-time health derivation.
func (r *TimeSeriesRepository) LatestHeartbeats(ctx context.Context) ([]models.LatestHeartbeat, error) {
	query := `
		SELECT device_id, MAX(time) AS last_heartbeat
		FROM device_heartbeats
		GROUP BY device_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest heartbeats: %w", err)
	}
	defer rows.Close()

	var latest []models.LatestHeartbeat
	for rows.Next() {
		var hb models.LatestHeartbeat
		if err := rows.Scan(&hb.DeviceID, &hb.Time); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat row: %w", err)
		}
		latest = append(latest, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heartbeat rows: %w", err)
	}

	return latest, nil
}

func rowsInserted(result sql.Result) bool {
	rows, err := result.RowsAffected()
	if err != nil {
		// Driver could not report; treat as inserted, the upsert already
		// guaranteed uniqueness either way.
		return true
	}
	return rows > 0
}
