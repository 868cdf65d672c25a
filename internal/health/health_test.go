package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateFor(t *testing.T) {
	now := time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC)
	online := 5 * time.Minute
	offline := 30 * time.Minute

	tests := []struct {
		name string
		last time.Time
		want State
	}{
		{"heartbeat 3 minutes ago", now.Add(-3 * time.Minute), StateOnline},
		{"heartbeat 20 minutes ago", now.Add(-20 * time.Minute), StateWarning},
		{"heartbeat 40 minutes ago", now.Add(-40 * time.Minute), StateOffline},
		{"heartbeat exactly at online boundary", now.Add(-5 * time.Minute), StateWarning},
		{"heartbeat exactly at offline boundary", now.Add(-30 * time.Minute), StateOffline},
		{"never reported", time.Time{}, StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateFor(tt.last, now, online, offline))
		})
	}
}

type fakeHeartbeatSource struct {
	latest []models.LatestHeartbeat
	err    error
}

func (f *fakeHeartbeatSource) LatestHeartbeats(ctx context.Context) ([]models.LatestHeartbeat, error) {
	return f.latest, f.err
}

func monitorConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Health.OnlineWindow = 5 * time.Minute
	cfg.Health.OfflineWindow = 30 * time.Minute
	cfg.Health.SnapshotInterval = time.Minute
	cfg.Health.SnapshotKeyPrefix = "datayoti:health:"
	return cfg
}

func TestSnapshot_CachesPerDeviceState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC)
	source := &fakeHeartbeatSource{latest: []models.LatestHeartbeat{
		{DeviceID: "a4:cf:12:9b:30:01", Time: now.Add(-3 * time.Minute)},
		{DeviceID: "b8:27:eb:00:00:02", Time: now.Add(-20 * time.Minute)},
		{DeviceID: "b8:27:eb:00:00:03", Time: now.Add(-40 * time.Minute)},
	}}

	m := NewMonitor(source, client, monitorConfig(), zap.NewNop())
	m.now = func() time.Time { return now }

	require.NoError(t, m.snapshot(context.Background()))

	cases := map[string]State{
		"a4:cf:12:9b:30:01": StateOnline,
		"b8:27:eb:00:00:02": StateWarning,
		"b8:27:eb:00:00:03": StateOffline,
	}
	for deviceID, want := range cases {
		raw, err := client.Get(context.Background(), "datayoti:health:"+deviceID).Result()
		require.NoError(t, err, deviceID)

		var snap Snapshot
		require.NoError(t, json.Unmarshal([]byte(raw), &snap))
		assert.Equal(t, want, snap.State, deviceID)
		assert.Equal(t, deviceID, snap.DeviceID)
	}
}

func TestSnapshot_EntriesCarryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC)
	source := &fakeHeartbeatSource{latest: []models.LatestHeartbeat{
		{DeviceID: "a4:cf:12:9b:30:01", Time: now.Add(-time.Minute)},
	}}

	m := NewMonitor(source, client, monitorConfig(), zap.NewNop())
	m.now = func() time.Time { return now }

	require.NoError(t, m.snapshot(context.Background()))

	// TTL is three snapshot intervals, so stale devices age out on their own.
	ttl := mr.TTL("datayoti:health:a4:cf:12:9b:30:01")
	assert.Equal(t, 3*time.Minute, ttl)
}

func TestSnapshot_SourceErrorSurfaces(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	source := &fakeHeartbeatSource{err: context.DeadlineExceeded}
	m := NewMonitor(source, client, monitorConfig(), zap.NewNop())

	assert.Error(t, m.snapshot(context.Background()))
}
