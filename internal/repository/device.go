package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository reads and registers device dimension rows.
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository creates the device repository.
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice loads a device by hardware identifier. Returns
// models.ErrDeviceNotFound for unregistered devices.
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, site_id, device_name, created_at, updated_at
		FROM devices
		WHERE device_id = $1
	`

	device := &models.Device{}
	var siteID, deviceName sql.NullString
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&siteID,
		&deviceName,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	if siteID.Valid {
		device.SiteID = &siteID.String
	}
	device.DeviceName = deviceName.String

	return device, nil
}

// RegisterDevice registers a device on first contact. The insert is
// idempotent (ON CONFLICT DO NOTHING keyed on device_id): under concurrent
// registration the first writer wins and everyone reads back the winner's
// row. A claimed site is created on the fly so the foreign key holds.
func (r *DeviceRepository) RegisterDevice(ctx context.Context, deviceID string, siteID *string) (*models.Device, error) {
	if siteID != nil {
		siteQuery := `
			INSERT INTO sites (site_id, site_name)
			VALUES ($1, $2)
			ON CONFLICT (site_id) DO NOTHING
		`
		if _, err := r.db.ExecContext(ctx, siteQuery, *siteID, fmt.Sprintf("Site %s", *siteID)); err != nil {
			return nil, fmt.Errorf("failed to ensure site: %w", err)
		}
	}

	deviceQuery := `
		INSERT INTO devices (device_id, site_id, device_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, deviceQuery, deviceID, siteID, fmt.Sprintf("Sensor %s", deviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		r.logger.Info("Device auto-registered on first contact",
			zap.String("device_id", deviceID),
			zap.Stringp("site_id", siteID),
		)
	}

	// Read back whatever row won the race.
	return r.GetDevice(ctx, deviceID)
}

// UpdateDeviceSite assigns a site to an already-registered device. Used when
// a heartbeat claims a site for a device that has none yet. Returns false
// when the guarded update matched no row: a concurrent writer assigned a
// site first and that assignment stands.
func (r *DeviceRepository) UpdateDeviceSite(ctx context.Context, deviceID string, siteID string) (bool, error) {
	siteQuery := `
		INSERT INTO sites (site_id, site_name)
		VALUES ($1, $2)
		ON CONFLICT (site_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, siteQuery, siteID, fmt.Sprintf("Site %s", siteID)); err != nil {
		return false, fmt.Errorf("failed to ensure site: %w", err)
	}

	query := `
		UPDATE devices
		SET site_id = $1, updated_at = NOW()
		WHERE device_id = $2 AND site_id IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, siteID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to update device site: %w", err)
	}

	return rowsInserted(result), nil
}
