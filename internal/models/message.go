package models

import (
	"encoding/json"
	"time"
)

// MessageKind is the last topic segment of a sensor message.
type MessageKind string

const (
	KindReading   MessageKind = "data"
	KindHeartbeat MessageKind = "heartbeat"
	KindStatus    MessageKind = "status"
)

// ReadingPayload wire format of {prefix}/sensor/{device_id}/data.
// Temperature and humidity are pointers: firmware revisions with a failed
// sensor element publish only one of the two.
type ReadingPayload struct {
	DeviceID    string   `json:"device_id"`
	Timestamp   string   `json:"timestamp"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// HeartbeatPayload wire format of {prefix}/sensor/{device_id}/heartbeat.
type HeartbeatPayload struct {
	DeviceID  string `json:"device_id"`
	SiteID    string `json:"site_id"`
	Timestamp string `json:"timestamp"`
	RSSI      *int   `json:"rssi"`
	FreeHeap  *int64 `json:"free_heap"`
	MinHeap   *int64 `json:"min_heap"`
	Uptime    *int64 `json:"uptime"`
	NTPSync   *bool  `json:"ntp_sync"`
}

// StatusPayload wire format of {prefix}/sensor/{device_id}/status.
type StatusPayload struct {
	DeviceID  string          `json:"device_id"`
	SiteID    string          `json:"site_id"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// AnomalyFlags advisory timing metadata attached to a normalized record.
// Flags never block persistence.
type AnomalyFlags struct {
	// RetrogradeClock: sensor timestamp earlier than the previous
	// observation from the same device.
	RetrogradeClock bool `json:"retrograde_clock,omitempty"`
	// GapExceeded: silence since the previous observation longer than the
	// configured threshold.
	GapExceeded bool `json:"gap_exceeded,omitempty"`
	// NTPUnsynced: the device reported ntp_sync=false.
	NTPUnsynced bool `json:"ntp_unsynced,omitempty"`
}

// HeartbeatMetrics liveness fields of a normalized heartbeat.
type HeartbeatMetrics struct {
	RSSI     int   `json:"rssi"`
	FreeHeap int64 `json:"free_heap"`
	MinHeap  int64 `json:"min_heap"`
	Uptime   int64 `json:"uptime"`
	NTPSync  bool  `json:"ntp_sync"`
}

// StatusEvent normalized status message body.
type StatusEvent struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NormalizedMessage a validated message with a canonical UTC timestamp.
// Exactly one of Temperature/Humidity, Heartbeat, Status is populated,
// matching Kind.
type NormalizedMessage struct {
	Kind     MessageKind `json:"kind"`
	DeviceID string      `json:"device_id"`
	// SiteID is the site the payload claims, when the kind carries one.
	// Readings never do.
	SiteID string `json:"site_id,omitempty"`

	// Time is the sensor-reported timestamp in UTC, or the server clock
	// when FallbackTimestamp is set.
	Time              time.Time `json:"time"`
	ReceivedAt        time.Time `json:"received_at"`
	FallbackTimestamp bool      `json:"fallback_timestamp,omitempty"`

	Anomalies AnomalyFlags `json:"anomalies"`

	Temperature *float64          `json:"temperature,omitempty"`
	Humidity    *float64          `json:"humidity,omitempty"`
	Heartbeat   *HeartbeatMetrics `json:"heartbeat,omitempty"`
	Status      *StatusEvent      `json:"status,omitempty"`
}

// EnrichedRecord a normalized message with resolved site context.
// ResolvedSiteID is nil when the device is unknown and carried no site
// claim; fact rows then store a NULL site.
type EnrichedRecord struct {
	*NormalizedMessage
	ResolvedSiteID *string `json:"resolved_site_id"`
}
