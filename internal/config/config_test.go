package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "datayoti_ingest", cfg.Database.User)
	assert.Equal(t, "datayoti", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "datayoti-ingestor", cfg.MQTT.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "datayoti", cfg.MQTT.TopicPrefix)

	assert.True(t, cfg.Ingest.AutoRegister)
	assert.Equal(t, 5, cfg.Ingest.WriteMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Ingest.WriteBackoffInitial)
	assert.Equal(t, 5*time.Second, cfg.Ingest.WriteBackoffMax)
	assert.Equal(t, 1000, cfg.Ingest.BufferSize)
	assert.Equal(t, OverflowDropOldest, cfg.Ingest.BufferPolicy)
	assert.Equal(t, "datayoti:ingest:stream", cfg.Ingest.Stream)
	assert.False(t, cfg.Ingest.SchemaInit)

	assert.Equal(t, 5*time.Minute, cfg.Cache.DirectoryTTL)
	assert.Equal(t, 2*time.Hour, cfg.Normalizer.GapThreshold)

	assert.Equal(t, 5*time.Minute, cfg.Health.OnlineWindow)
	assert.Equal(t, 30*time.Minute, cfg.Health.OfflineWindow)
	assert.Equal(t, "datayoti:health:", cfg.Health.SnapshotKeyPrefix)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("PG_HOST", "test-host")
	os.Setenv("PG_PORT", "5433")
	os.Setenv("PG_USER", "test-user")
	os.Setenv("PG_PASSWORD", "test-password")
	os.Setenv("PG_DATABASE", "test-db")
	os.Setenv("MQTT_BROKER", "tcp://test-broker:1883")
	os.Setenv("MQTT_TOPIC_PREFIX", "testprefix")
	os.Setenv("INGEST_AUTO_REGISTER", "false")
	os.Setenv("INGEST_BUFFER_POLICY", "reject_new")
	os.Setenv("CACHE_DIRECTORY_TTL", "1m")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-password", cfg.Database.Password)
	assert.Equal(t, "test-db", cfg.Database.Database)

	assert.Equal(t, "tcp://test-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "testprefix", cfg.MQTT.TopicPrefix)

	assert.False(t, cfg.Ingest.AutoRegister)
	assert.Equal(t, OverflowRejectNew, cfg.Ingest.BufferPolicy)
	assert.Equal(t, time.Minute, cfg.Cache.DirectoryTTL)
	assert.Equal(t, "debug", cfg.Log.Level)

	os.Clearenv()
}

func TestLoad_InvalidBufferPolicy(t *testing.T) {
	os.Clearenv()
	os.Setenv("INGEST_BUFFER_POLICY", "bogus")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)

	os.Clearenv()
}

func TestGetDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "u",
		Password: "p",
		Database: "d",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", cfg.GetDSN())
}
