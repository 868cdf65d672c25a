package config

import (
	"fmt"
	"os"
	"time"
)

// DatabaseConfig TimescaleDB connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig broker connection settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// TopicPrefix is the leading segment of all sensor topics,
	// e.g. "datayoti" for "datayoti/sensor/{device_id}/data".
	TopicPrefix string
}

// OverflowPolicy behavior of the retry buffer when it is full
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest buffered record to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowRejectNew drops the incoming record and keeps the buffer as is.
	OverflowRejectNew OverflowPolicy = "reject_new"
)

// Config ingestor service configuration
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Ingest struct {
		// AutoRegister controls whether previously unseen devices are
		// registered on first contact or rejected pending provisioning.
		AutoRegister bool
		// WriteMaxAttempts bounds retries of a single upsert on transient
		// storage failures.
		WriteMaxAttempts    int
		WriteBackoffInitial time.Duration
		WriteBackoffMax     time.Duration
		// Retry buffer for records whose writes exhausted local retries.
		BufferSize    int
		BufferPolicy  OverflowPolicy
		DrainInterval time.Duration
		ShutdownGrace time.Duration
		// Stream is the Redis Stream normalized records are fanned out to
		// after a successful persist. Empty disables fan-out.
		Stream string
		// SchemaInit runs the hypertable/retention/aggregate bootstrap on
		// startup. Disabled when migrations are managed externally.
		SchemaInit bool
	}

	Cache struct {
		// DirectoryTTL bounds staleness of the device -> site mapping.
		DirectoryTTL time.Duration
	}

	Normalizer struct {
		// GapThreshold flags observations arriving after a silence longer
		// than this window.
		GapThreshold time.Duration
	}

	Health struct {
		// OnlineWindow: heartbeat younger than this => online.
		// OfflineWindow: heartbeat older than this => offline; in between => warning.
		OnlineWindow     time.Duration
		OfflineWindow    time.Duration
		SnapshotInterval time.Duration
		// SnapshotKeyPrefix for per-device health entries in Redis.
		SnapshotKeyPrefix string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("PG_HOST", "localhost")
	cfg.Database.Port = getEnvInt("PG_PORT", 5432)
	cfg.Database.User = getEnv("PG_USER", "datayoti_ingest")
	cfg.Database.Password = getEnv("PG_PASSWORD", "")
	cfg.Database.Database = getEnv("PG_DATABASE", "datayoti")
	cfg.Database.SSLMode = getEnv("PG_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("PG_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("PG_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "datayoti-ingestor")
	cfg.MQTT.Username = getEnv("MQTT_USER", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "datayoti")

	cfg.Ingest.AutoRegister = getEnvBool("INGEST_AUTO_REGISTER", true)
	cfg.Ingest.WriteMaxAttempts = getEnvInt("INGEST_WRITE_MAX_ATTEMPTS", 5)
	cfg.Ingest.WriteBackoffInitial = getEnvDuration("INGEST_WRITE_BACKOFF_INITIAL", 100*time.Millisecond)
	cfg.Ingest.WriteBackoffMax = getEnvDuration("INGEST_WRITE_BACKOFF_MAX", 5*time.Second)
	cfg.Ingest.BufferSize = getEnvInt("INGEST_BUFFER_SIZE", 1000)
	cfg.Ingest.BufferPolicy = OverflowPolicy(getEnv("INGEST_BUFFER_POLICY", string(OverflowDropOldest)))
	cfg.Ingest.DrainInterval = getEnvDuration("INGEST_DRAIN_INTERVAL", 10*time.Second)
	cfg.Ingest.ShutdownGrace = getEnvDuration("INGEST_SHUTDOWN_GRACE", 10*time.Second)
	cfg.Ingest.Stream = getEnv("INGEST_STREAM", "datayoti:ingest:stream")
	cfg.Ingest.SchemaInit = getEnvBool("INGEST_SCHEMA_INIT", false)

	cfg.Cache.DirectoryTTL = getEnvDuration("CACHE_DIRECTORY_TTL", 5*time.Minute)

	cfg.Normalizer.GapThreshold = getEnvDuration("NORMALIZER_GAP_THRESHOLD", 2*time.Hour)

	cfg.Health.OnlineWindow = getEnvDuration("HEALTH_ONLINE_WINDOW", 5*time.Minute)
	cfg.Health.OfflineWindow = getEnvDuration("HEALTH_OFFLINE_WINDOW", 30*time.Minute)
	cfg.Health.SnapshotInterval = getEnvDuration("HEALTH_SNAPSHOT_INTERVAL", time.Minute)
	cfg.Health.SnapshotKeyPrefix = getEnv("HEALTH_SNAPSHOT_KEY_PREFIX", "datayoti:health:")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Ingest.BufferPolicy != OverflowDropOldest && cfg.Ingest.BufferPolicy != OverflowRejectNew {
		return nil, fmt.Errorf("invalid INGEST_BUFFER_POLICY: %s", cfg.Ingest.BufferPolicy)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
