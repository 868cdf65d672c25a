package mqtt

import (
	"fmt"
	"sync"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageHandler handles one inbound message.
type MessageHandler func(topic string, payload []byte)

// Client wraps the paho session and owns the connection lifecycle:
// disconnected -> connecting -> subscribed, looping back through paho's
// auto-reconnect with a capped backoff interval. Subscriptions registered
// through Subscribe are replayed on every reconnect.
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]MessageHandler
}

// NewClient connects to the broker and blocks until the first connection
// attempt resolves. Later disconnects are recovered automatically.
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	// Unique suffix so a restarted instance does not steal the session of a
	// draining predecessor.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	// Messages from different devices carry no ordering requirement; let the
	// router run handlers concurrently.
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost, reconnecting",
			zap.String("broker", cfg.Broker),
			zap.Error(err),
		)
	})

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return c, nil
}

// Subscribe registers a handler for a topic filter. The subscription is
// re-established on reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	if token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe removes topic filters and their handlers.
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Disconnect closes the session, allowing 250ms for in-flight traffic.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the session state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// onConnect replays subscription filters after every (re)connect. The broker
// holds no session state for us (clean session), so filters must be restored
// here or redelivery stops silently.
func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	handlers := make(map[string]MessageHandler, len(c.handlers))
	for topic, handler := range c.handlers {
		handlers[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range handlers {
		h := handler
		if token := client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			h(msg.Topic(), msg.Payload())
		}); token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
			continue
		}
		c.logger.Info("Subscribed", zap.String("topic", topic))
	}
}
