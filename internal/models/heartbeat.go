package models

import "time"

// LatestHeartbeat the most recent liveness sample per device.
type LatestHeartbeat struct {
	DeviceID string
	Time     time.Time
}
