package normalizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
)

// RejectionError marks a message as malformed. Rejected messages are logged
// and dropped, never retried.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(reason string, err error) error {
	return &RejectionError{Reason: reason, Err: err}
}

// deviceIDPattern colon-separated hexadecimal hardware address, e.g.
// "a4:cf:12:9b:30:01".
var deviceIDPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:)+[0-9A-Fa-f]{2}$`)

// Sensor timestamps arrive in a handful of encodings depending on firmware
// revision; all are normalized to a single UTC instant.
var timestampLayouts = []string{
	time.RFC3339,          // "2025-10-04T14:30:45Z" / "...+00:00" / "...+02:00"
	"2006-01-02T15:04:05", // no zone marker, local clock assumed UTC
	"2006-01-02 15:04:05", // legacy firmware, space separator
}

// Devices without a synced clock report epoch-adjacent timestamps
// (e.g. "1970-01-01 01:00:02"); anything before this is not a real
// measurement time.
var minValidTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Normalizer parses and validates raw MQTT payloads, canonicalizes
// timestamps to UTC and attaches timing anomaly flags. It keeps the last
// observed timestamp per device to detect retrograde clocks and gaps.
type Normalizer struct {
	topicPrefix  string
	gapThreshold time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewNormalizer creates a normalizer for topics under the given prefix.
func NewNormalizer(topicPrefix string, gapThreshold time.Duration, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		topicPrefix:  topicPrefix,
		gapThreshold: gapThreshold,
		logger:       logger,
		now:          time.Now,
		lastSeen:     make(map[string]time.Time),
	}
}

// Normalize validates one raw message. A *RejectionError return means the
// message is malformed and must be dropped; any other error is internal.
func (n *Normalizer) Normalize(topic string, payload []byte) (*models.NormalizedMessage, error) {
	kind, deviceID, err := n.parseTopic(topic)
	if err != nil {
		return nil, err
	}

	receivedAt := n.now().UTC()

	msg := &models.NormalizedMessage{
		Kind:       kind,
		DeviceID:   deviceID,
		ReceivedAt: receivedAt,
	}

	switch kind {
	case models.KindReading:
		err = n.normalizeReading(msg, payload)
	case models.KindHeartbeat:
		err = n.normalizeHeartbeat(msg, payload)
	case models.KindStatus:
		err = n.normalizeStatus(msg, payload)
	}
	if err != nil {
		return nil, err
	}

	n.flagTimingAnomalies(msg)

	return msg, nil
}

// parseTopic extracts kind and device id from
// "{prefix}/sensor/{device_id}/{kind}".
func (n *Normalizer) parseTopic(topic string) (models.MessageKind, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != n.topicPrefix || parts[1] != "sensor" {
		return "", "", reject(fmt.Sprintf("unexpected topic shape: %s", topic), nil)
	}

	deviceID := strings.ToLower(parts[2])
	if !deviceIDPattern.MatchString(deviceID) {
		return "", "", reject(fmt.Sprintf("invalid device id in topic: %s", parts[2]), nil)
	}

	kind := models.MessageKind(parts[3])
	switch kind {
	case models.KindReading, models.KindHeartbeat, models.KindStatus:
		return kind, deviceID, nil
	default:
		return "", "", reject(fmt.Sprintf("unsupported message kind: %s", parts[3]), nil)
	}
}

func (n *Normalizer) normalizeReading(msg *models.NormalizedMessage, payload []byte) error {
	var body models.ReadingPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return reject("malformed reading payload", err)
	}

	if err := n.checkDeviceID(msg.DeviceID, body.DeviceID); err != nil {
		return err
	}
	if body.Temperature == nil && body.Humidity == nil {
		return reject("reading carries neither temperature nor humidity", nil)
	}

	msg.Temperature = body.Temperature
	msg.Humidity = body.Humidity
	msg.Time, msg.FallbackTimestamp = n.canonicalizeTimestamp(body.Timestamp)
	return nil
}

func (n *Normalizer) normalizeHeartbeat(msg *models.NormalizedMessage, payload []byte) error {
	var body models.HeartbeatPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return reject("malformed heartbeat payload", err)
	}

	if err := n.checkDeviceID(msg.DeviceID, body.DeviceID); err != nil {
		return err
	}

	// Hardware occasionally omits liveness fields during boot; substitute
	// the original collector's sentinel defaults rather than dropping the
	// sample.
	hb := &models.HeartbeatMetrics{RSSI: -999}
	if body.RSSI != nil {
		hb.RSSI = *body.RSSI
	}
	if body.FreeHeap != nil {
		hb.FreeHeap = *body.FreeHeap
	}
	if body.MinHeap != nil {
		hb.MinHeap = *body.MinHeap
	}
	if body.Uptime != nil {
		hb.Uptime = *body.Uptime
	}
	if body.NTPSync != nil {
		hb.NTPSync = *body.NTPSync
		if !hb.NTPSync {
			msg.Anomalies.NTPUnsynced = true
		}
	}

	msg.SiteID = body.SiteID
	msg.Heartbeat = hb
	msg.Time, msg.FallbackTimestamp = n.canonicalizeTimestamp(body.Timestamp)
	return nil
}

func (n *Normalizer) normalizeStatus(msg *models.NormalizedMessage, payload []byte) error {
	var body models.StatusPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return reject("malformed status payload", err)
	}

	if err := n.checkDeviceID(msg.DeviceID, body.DeviceID); err != nil {
		return err
	}
	if body.EventType == "" {
		return reject("status event missing event_type", nil)
	}

	msg.SiteID = body.SiteID
	msg.Status = &models.StatusEvent{
		EventType: body.EventType,
		Payload:   body.Payload,
	}
	msg.Time, msg.FallbackTimestamp = n.canonicalizeTimestamp(body.Timestamp)
	return nil
}

// checkDeviceID drops messages whose payload claims a different device than
// the topic they were published on.
func (n *Normalizer) checkDeviceID(topicID, payloadID string) error {
	if payloadID == "" {
		return reject("payload missing device_id", nil)
	}
	if !strings.EqualFold(topicID, payloadID) {
		return reject(fmt.Sprintf("device_id mismatch: topic=%s payload=%s", topicID, payloadID), nil)
	}
	return nil
}

// canonicalizeTimestamp converts a textual timestamp to a UTC instant.
// Absent, unparseable, or epoch-sentinel values fall back to the server
// clock; the second return reports the fallback.
func (n *Normalizer) canonicalizeTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return n.now().UTC(), true
	}

	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		t = t.UTC()
		if t.Before(minValidTime) {
			break
		}
		return t, false
	}

	n.logger.Warn("Unparseable or invalid sensor timestamp, using reception time",
		zap.String("timestamp", value),
	)
	return n.now().UTC(), true
}

// flagTimingAnomalies compares the message against the previous observation
// for the same device. Advisory only.
func (n *Normalizer) flagTimingAnomalies(msg *models.NormalizedMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, ok := n.lastSeen[msg.DeviceID]
	if ok {
		if msg.Time.Before(last) {
			msg.Anomalies.RetrogradeClock = true
		}
		if msg.Time.Sub(last) > n.gapThreshold {
			msg.Anomalies.GapExceeded = true
		}
	}
	if msg.Time.After(last) {
		n.lastSeen[msg.DeviceID] = msg.Time
	}
}
