package normalizer

import (
	"testing"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDeviceID = "a4:cf:12:9b:30:01"

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer("datayoti", 2*time.Hour, zap.NewNop())
}

func readingTopic() string {
	return "datayoti/sensor/" + testDeviceID + "/data"
}

func TestNormalize_TimestampCanonicalization(t *testing.T) {
	// All three encodings of the same instant normalize to the identical
	// UTC time.
	want := time.Date(2025, 10, 4, 14, 30, 45, 0, time.UTC)

	cases := []string{
		"2025-10-04T14:30:45Z",
		"2025-10-04T14:30:45+00:00",
		"2025-10-04T14:30:45",
	}

	for _, ts := range cases {
		n := newTestNormalizer(t)
		payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"` + ts + `","temperature":21.5,"humidity":48.2}`)

		msg, err := n.Normalize(readingTopic(), payload)
		require.NoError(t, err, "timestamp %q", ts)
		assert.True(t, msg.Time.Equal(want), "timestamp %q normalized to %v", ts, msg.Time)
		assert.False(t, msg.FallbackTimestamp)
	}
}

func TestNormalize_TimestampWithOffset(t *testing.T) {
	n := newTestNormalizer(t)
	payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T16:30:45+02:00","temperature":21.5}`)

	msg, err := n.Normalize(readingTopic(), payload)
	require.NoError(t, err)
	assert.True(t, msg.Time.Equal(time.Date(2025, 10, 4, 14, 30, 45, 0, time.UTC)))
}

func TestNormalize_FallbackTimestamp(t *testing.T) {
	serverNow := time.Date(2025, 10, 4, 15, 0, 0, 0, time.UTC)

	cases := map[string]string{
		"absent":         `{"device_id":"` + testDeviceID + `","temperature":21.5}`,
		"unparseable":    `{"device_id":"` + testDeviceID + `","timestamp":"yesterday","temperature":21.5}`,
		"epoch sentinel": `{"device_id":"` + testDeviceID + `","timestamp":"1970-01-01 01:00:02","temperature":21.5}`,
	}

	for name, payload := range cases {
		n := newTestNormalizer(t)
		n.now = func() time.Time { return serverNow }

		msg, err := n.Normalize(readingTopic(), []byte(payload))
		require.NoError(t, err, name)
		assert.True(t, msg.FallbackTimestamp, name)
		assert.True(t, msg.Time.Equal(serverNow), name)
	}
}

func TestNormalize_RejectsBadTopics(t *testing.T) {
	n := newTestNormalizer(t)

	topics := []string{
		"other/sensor/" + testDeviceID + "/data",
		"datayoti/sensor/" + testDeviceID,
		"datayoti/sensor/" + testDeviceID + "/firmware",
		"datayoti/sensor/not-a-mac/data",
		"datayoti/gateway/" + testDeviceID + "/data",
	}

	for _, topic := range topics {
		_, err := n.Normalize(topic, []byte(`{}`))
		var rejection *RejectionError
		require.ErrorAs(t, err, &rejection, "topic %q", topic)
	}
}

func TestNormalize_RejectsMalformedPayload(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(readingTopic(), []byte(`{not json`))
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
}

func TestNormalize_RejectsReadingWithoutMeasurements(t *testing.T) {
	n := newTestNormalizer(t)
	payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:45Z"}`)

	_, err := n.Normalize(readingTopic(), payload)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Contains(t, rejection.Reason, "neither temperature nor humidity")
}

func TestNormalize_AcceptsSingleMeasurement(t *testing.T) {
	n := newTestNormalizer(t)
	payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:45Z","humidity":48.2}`)

	msg, err := n.Normalize(readingTopic(), payload)
	require.NoError(t, err)
	assert.Nil(t, msg.Temperature)
	require.NotNil(t, msg.Humidity)
	assert.Equal(t, 48.2, *msg.Humidity)
}

func TestNormalize_RejectsDeviceIDMismatch(t *testing.T) {
	n := newTestNormalizer(t)
	payload := []byte(`{"device_id":"ff:ff:ff:ff:ff:ff","timestamp":"2025-10-04T14:30:45Z","temperature":21.5}`)

	_, err := n.Normalize(readingTopic(), payload)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Contains(t, rejection.Reason, "mismatch")
}

func TestNormalize_HeartbeatDefaults(t *testing.T) {
	n := newTestNormalizer(t)
	topic := "datayoti/sensor/" + testDeviceID + "/heartbeat"
	payload := []byte(`{"device_id":"` + testDeviceID + `","site_id":"GRENOBLE-01","timestamp":"2025-10-04T14:30:45Z"}`)

	msg, err := n.Normalize(topic, payload)
	require.NoError(t, err)
	assert.Equal(t, models.KindHeartbeat, msg.Kind)
	assert.Equal(t, "GRENOBLE-01", msg.SiteID)
	require.NotNil(t, msg.Heartbeat)
	assert.Equal(t, -999, msg.Heartbeat.RSSI)
	assert.Equal(t, int64(0), msg.Heartbeat.FreeHeap)
	assert.False(t, msg.Heartbeat.NTPSync)
	// ntp_sync was absent, not reported false; no anomaly.
	assert.False(t, msg.Anomalies.NTPUnsynced)
}

func TestNormalize_HeartbeatNTPUnsynced(t *testing.T) {
	n := newTestNormalizer(t)
	topic := "datayoti/sensor/" + testDeviceID + "/heartbeat"
	payload := []byte(`{"device_id":"` + testDeviceID + `","site_id":"GRENOBLE-01","timestamp":"2025-10-04T14:30:45Z","rssi":-67,"free_heap":183000,"min_heap":120000,"uptime":86400,"ntp_sync":false}`)

	msg, err := n.Normalize(topic, payload)
	require.NoError(t, err)
	require.NotNil(t, msg.Heartbeat)
	assert.Equal(t, -67, msg.Heartbeat.RSSI)
	assert.False(t, msg.Heartbeat.NTPSync)
	assert.True(t, msg.Anomalies.NTPUnsynced)
}

func TestNormalize_StatusEvent(t *testing.T) {
	n := newTestNormalizer(t)
	topic := "datayoti/sensor/" + testDeviceID + "/status"
	payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:45Z","event_type":"boot","payload":{"firmware":"2.1.0"}}`)

	msg, err := n.Normalize(topic, payload)
	require.NoError(t, err)
	assert.Equal(t, models.KindStatus, msg.Kind)
	require.NotNil(t, msg.Status)
	assert.Equal(t, "boot", msg.Status.EventType)
	assert.JSONEq(t, `{"firmware":"2.1.0"}`, string(msg.Status.Payload))
}

func TestNormalize_RejectsStatusWithoutEventType(t *testing.T) {
	n := newTestNormalizer(t)
	topic := "datayoti/sensor/" + testDeviceID + "/status"
	payload := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:45Z"}`)

	_, err := n.Normalize(topic, payload)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
}

func TestNormalize_RetrogradeClockFlag(t *testing.T) {
	n := newTestNormalizer(t)

	first := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:45Z","temperature":21.5}`)
	msg, err := n.Normalize(readingTopic(), first)
	require.NoError(t, err)
	assert.False(t, msg.Anomalies.RetrogradeClock)

	earlier := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:20:00Z","temperature":21.4}`)
	msg, err = n.Normalize(readingTopic(), earlier)
	require.NoError(t, err)
	assert.True(t, msg.Anomalies.RetrogradeClock)
}

func TestNormalize_GapFlag(t *testing.T) {
	n := newTestNormalizer(t)

	first := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T08:00:00Z","temperature":21.5}`)
	_, err := n.Normalize(readingTopic(), first)
	require.NoError(t, err)

	// 6.5 hours of silence, well past the 2 hour threshold.
	late := []byte(`{"device_id":"` + testDeviceID + `","timestamp":"2025-10-04T14:30:00Z","temperature":19.0}`)
	msg, err := n.Normalize(readingTopic(), late)
	require.NoError(t, err)
	assert.True(t, msg.Anomalies.GapExceeded)

	// A different device is unaffected by this device's history.
	otherTopic := "datayoti/sensor/b8:27:eb:00:00:02/data"
	other := []byte(`{"device_id":"b8:27:eb:00:00:02","timestamp":"2025-10-04T14:31:00Z","temperature":22.0}`)
	msg, err = n.Normalize(otherTopic, other)
	require.NoError(t, err)
	assert.False(t, msg.Anomalies.GapExceeded)
}
