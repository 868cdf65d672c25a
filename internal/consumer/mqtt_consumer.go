package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/models"
	"github.com/medkan01/datayoti-mqtt-broker/internal/normalizer"
	"github.com/medkan01/datayoti-mqtt-broker/internal/repository"
	"github.com/medkan01/datayoti-mqtt-broker/internal/resolver"
	"github.com/medkan01/datayoti-mqtt-broker/internal/writer"

	mqttcommon "github.com/medkan01/datayoti-mqtt-broker/internal/mqtt"

	"go.uber.org/zap"
)

// Normalizer validates and canonicalizes raw payloads.
type Normalizer interface {
	Normalize(topic string, payload []byte) (*models.NormalizedMessage, error)
}

// Resolver attaches site context.
type Resolver interface {
	Resolve(ctx context.Context, msg *models.NormalizedMessage) (*models.EnrichedRecord, error)
}

// Persister writes enriched records to the time-series store.
type Persister interface {
	Persist(ctx context.Context, rec *models.EnrichedRecord) error
}

// StreamPublisher fans persisted records out to live consumers.
type StreamPublisher interface {
	Publish(ctx context.Context, rec *models.EnrichedRecord) (string, error)
}

// Subscriber is the broker session (satisfied by the mqtt wrapper).
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer routes inbound sensor messages through
// normalize -> resolve -> persist. Each message is an independent unit of
// work; the broker wrapper runs handlers concurrently and nothing here
// requires per-device ordering (the uniqueness-keyed upsert makes the
// pipeline order-insensitive). Records whose writes fail after local
// retries land in the retry buffer and are drained in the background.
type MQTTConsumer struct {
	config     *config.Config
	mqttClient Subscriber
	normalizer Normalizer
	resolver   Resolver
	persister  Persister
	publisher  StreamPublisher
	buffer     *RetryBuffer
	logger     *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	rejected  uint64
	discarded uint64
}

// NewMQTTConsumer creates the consumer. publisher may be nil to disable
// stream fan-out.
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient Subscriber,
	norm Normalizer,
	res Resolver,
	persister Persister,
	publisher StreamPublisher,
	buffer *RetryBuffer,
	logger *zap.Logger,
) *MQTTConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		normalizer: norm,
		resolver:   res,
		persister:  persister,
		publisher:  publisher,
		buffer:     buffer,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Topics returns the subscription filters, one per message kind.
func (c *MQTTConsumer) Topics() []string {
	prefix := c.config.MQTT.TopicPrefix
	return []string{
		fmt.Sprintf("%s/sensor/+/data", prefix),
		fmt.Sprintf("%s/sensor/+/heartbeat", prefix),
		fmt.Sprintf("%s/sensor/+/status", prefix),
	}
}

// Start subscribes to the sensor topics and blocks until ctx is cancelled.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for _, topic := range c.Topics() {
		if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
	}

	go c.drainLoop(c.ctx)

	c.logger.Info("MQTT consumer started",
		zap.Strings("topics", c.Topics()),
		zap.Int("buffer_capacity", c.config.Ingest.BufferSize),
		zap.String("buffer_policy", string(c.config.Ingest.BufferPolicy)),
	)

	<-ctx.Done()
	return nil
}

// Stop unsubscribes and waits for in-flight messages up to the shutdown
// grace period. In-flight writes complete; each upsert is atomic, so no
// partial record is ever persisted.
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.Topics()...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.config.Ingest.ShutdownGrace):
		c.logger.Warn("Shutdown grace expired with messages in flight")
	}

	c.cancel()

	c.logger.Info("MQTT consumer stopped",
		zap.Int("buffered", c.buffer.Len()),
		zap.Uint64("buffer_dropped", c.buffer.Dropped()),
		zap.Uint64("rejected", atomic.LoadUint64(&c.rejected)),
		zap.Uint64("discarded", atomic.LoadUint64(&c.discarded)),
	)
	return nil
}

// HandleMessage processes one inbound message end to end.
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	msg, err := c.normalizer.Normalize(topic, payload)
	if err != nil {
		var rejection *normalizer.RejectionError
		if errors.As(err, &rejection) {
			// Malformed input is not transient; drop and count it.
			atomic.AddUint64(&c.rejected, 1)
			c.logger.Warn("Message rejected",
				zap.String("topic", topic),
				zap.String("reason", rejection.Reason),
			)
			return
		}
		c.logger.Error("Failed to normalize message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	rec, err := c.resolver.Resolve(c.ctx, msg)
	if err != nil {
		if errors.Is(err, resolver.ErrUnprovisionedDevice) {
			atomic.AddUint64(&c.rejected, 1)
			c.logger.Warn("Message from unprovisioned device dropped",
				zap.String("device_id", msg.DeviceID),
				zap.String("kind", string(msg.Kind)),
			)
			return
		}
		c.logger.Error("Failed to resolve device identity",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
		return
	}

	if err := c.persister.Persist(c.ctx, rec); err != nil {
		if !retriable(err) {
			atomic.AddUint64(&c.discarded, 1)
			c.logger.Error("Write failed permanently, discarding record",
				zap.String("device_id", rec.DeviceID),
				zap.String("kind", string(rec.Kind)),
				zap.Error(err),
			)
			return
		}
		c.logger.Error("Write failed after retries, buffering record",
			zap.String("device_id", rec.DeviceID),
			zap.String("kind", string(rec.Kind)),
			zap.Error(err),
		)
		c.buffer.Add(rec)
		return
	}

	c.publish(rec)
}

// drainLoop periodically retries buffered records once storage recovers.
func (c *MQTTConsumer) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Ingest.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

func (c *MQTTConsumer) drainOnce(ctx context.Context) {
	drained := 0
	for {
		rec, ok := c.buffer.Pop()
		if !ok {
			break
		}
		if err := c.persister.Persist(ctx, rec); err != nil {
			if !retriable(err) {
				// Requeueing would wedge the drain behind this record
				// forever.
				atomic.AddUint64(&c.discarded, 1)
				c.logger.Error("Buffered record failed permanently, discarding",
					zap.String("device_id", rec.DeviceID),
					zap.String("kind", string(rec.Kind)),
					zap.Error(err),
				)
				continue
			}
			// Storage is still down; put it back and try next tick.
			c.buffer.Requeue(rec)
			break
		}
		c.publish(rec)
		drained++
	}

	if drained > 0 {
		c.logger.Info("Drained buffered records",
			zap.Int("count", drained),
			zap.Int("remaining", c.buffer.Len()),
		)
	}
}

// retriable reports whether a failed write can succeed on a later attempt.
// Transient storage trouble and interrupted backoff waits qualify; a record
// the storage layer rejected outright never will.
func retriable(err error) bool {
	var delivery *writer.DeliveryError
	if !errors.As(err, &delivery) || delivery.Err == nil {
		return true
	}
	if errors.Is(delivery.Err, context.Canceled) || errors.Is(delivery.Err, context.DeadlineExceeded) {
		return true
	}
	return repository.IsTransient(delivery.Err)
}

func (c *MQTTConsumer) publish(rec *models.EnrichedRecord) {
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(c.ctx, rec); err != nil {
		c.logger.Warn("Failed to publish record to stream",
			zap.String("device_id", rec.DeviceID),
			zap.Error(err),
		)
	}
}
