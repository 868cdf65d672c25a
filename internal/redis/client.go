package redis

import (
	"context"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client alias for the go-redis client type.
type Client = redis.Client

// NewRedisClient creates a Redis client.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping tests the connection.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close closes the connection.
func Close(client *redis.Client) error {
	return client.Close()
}
