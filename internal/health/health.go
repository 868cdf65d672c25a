package health

import "time"

// State derived liveness of a device. Never persisted: it is computed from
// the recency of the latest heartbeat at read time, so it cannot go stale.
type State string

const (
	StateOnline  State = "online"
	StateWarning State = "warning"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// StateFor derives the health state from the age of the latest heartbeat.
// Younger than onlineWindow => online; older than offlineWindow => offline;
// in between => warning. A zero lastHeartbeat means the device never
// reported.
func StateFor(lastHeartbeat, now time.Time, onlineWindow, offlineWindow time.Duration) State {
	if lastHeartbeat.IsZero() {
		return StateUnknown
	}

	age := now.Sub(lastHeartbeat)
	switch {
	case age < onlineWindow:
		return StateOnline
	case age < offlineWindow:
		return StateWarning
	default:
		return StateOffline
	}
}
