package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HeartbeatSource answers the latest heartbeat per device.
type HeartbeatSource interface {
	LatestHeartbeats(ctx context.Context) ([]models.LatestHeartbeat, error)
}

// Snapshot per-device health entry cached for dashboards.
type Snapshot struct {
	DeviceID      string    `json:"device_id"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	AgeSeconds    int64     `json:"age_seconds"`
}

// Monitor periodically derives device health from heartbeat recency and
// caches the result in Redis for dashboards. The cache keys carry a TTL so
// snapshots of decommissioned devices age out on their own.
type Monitor struct {
	source      HeartbeatSource
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewMonitor creates the health monitor.
func NewMonitor(source HeartbeatSource, redisClient *redis.Client, cfg *config.Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		source:      source,
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Run refreshes snapshots on the configured interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Health.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.snapshot(ctx); err != nil {
				m.logger.Warn("Health snapshot failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) snapshot(ctx context.Context) error {
	latest, err := m.source.LatestHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest heartbeats: %w", err)
	}

	now := m.now().UTC()
	counts := map[State]int{}

	for _, hb := range latest {
		state := StateFor(hb.Time, now, m.cfg.Health.OnlineWindow, m.cfg.Health.OfflineWindow)
		counts[state]++

		snap := Snapshot{
			DeviceID:      hb.DeviceID,
			State:         state,
			LastHeartbeat: hb.Time.UTC(),
			AgeSeconds:    int64(now.Sub(hb.Time).Seconds()),
		}

		jsonData, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		key := m.cfg.Health.SnapshotKeyPrefix + hb.DeviceID
		ttl := 3 * m.cfg.Health.SnapshotInterval
		if err := m.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
			return fmt.Errorf("failed to cache snapshot: %w", err)
		}
	}

	m.logger.Debug("Health snapshot refreshed",
		zap.Int("devices", len(latest)),
		zap.Int("online", counts[StateOnline]),
		zap.Int("warning", counts[StateWarning]),
		zap.Int("offline", counts[StateOffline]),
	)

	return nil
}
