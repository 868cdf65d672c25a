package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Publisher fans persisted records out to a Redis Stream so live dashboards
// and downstream consumers see new data without polling TimescaleDB. The
// hypertables stay the source of truth; the stream is advisory and publish
// failures never block ingestion.
type Publisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewPublisher creates a stream publisher.
func NewPublisher(client *redis.Client, stream string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish appends one record to the stream and returns the stream entry id.
func (p *Publisher) Publish(ctx context.Context, rec *models.EnrichedRecord) (string, error) {
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"kind":      string(rec.Kind),
			"device_id": rec.DeviceID,
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}

	return id, nil
}
