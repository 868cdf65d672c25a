package consumer

import (
	"sync"

	"github.com/medkan01/datayoti-mqtt-broker/internal/config"
	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
)

// RetryBuffer holds records whose writes exhausted local retries, bounded so
// a long storage outage cannot grow memory without limit on the ingest host.
// Overflow behavior is operator-configurable: evict the oldest buffered
// record or reject the incoming one. Every dropped record is counted and
// logged; sustained storage unavailability is the only way the pipeline
// loses data, and it is never silent.
type RetryBuffer struct {
	mu       sync.Mutex
	records  []*models.EnrichedRecord
	capacity int
	policy   config.OverflowPolicy
	dropped  uint64
	logger   *zap.Logger
}

// NewRetryBuffer creates a buffer with the given capacity and policy.
func NewRetryBuffer(capacity int, policy config.OverflowPolicy, logger *zap.Logger) *RetryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RetryBuffer{
		capacity: capacity,
		policy:   policy,
		logger:   logger,
	}
}

// Add appends a record, applying the overflow policy when full. Returns
// false when the incoming record was rejected.
func (b *RetryBuffer) Add(rec *models.EnrichedRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.capacity {
		switch b.policy {
		case config.OverflowRejectNew:
			b.dropped++
			b.logger.Warn("Retry buffer full, rejecting record",
				zap.String("device_id", rec.DeviceID),
				zap.Uint64("dropped_total", b.dropped),
			)
			return false
		default: // OverflowDropOldest
			evicted := b.records[0]
			b.records = b.records[1:]
			b.dropped++
			b.logger.Warn("Retry buffer full, evicting oldest record",
				zap.String("evicted_device_id", evicted.DeviceID),
				zap.Uint64("dropped_total", b.dropped),
			)
		}
	}

	b.records = append(b.records, rec)
	return true
}

// Pop removes the oldest buffered record.
func (b *RetryBuffer) Pop() (*models.EnrichedRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil, false
	}
	rec := b.records[0]
	b.records = b.records[1:]
	return rec, true
}

// Requeue puts a record back at the front after a failed drain attempt. If a
// concurrent Add filled the freed slot the record is dropped and counted.
func (b *RetryBuffer) Requeue(rec *models.EnrichedRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.capacity {
		b.dropped++
		b.logger.Warn("Retry buffer full, dropping requeued record",
			zap.String("device_id", rec.DeviceID),
			zap.Uint64("dropped_total", b.dropped),
		)
		return false
	}

	b.records = append([]*models.EnrichedRecord{rec}, b.records...)
	return true
}

// Len reports the number of buffered records.
func (b *RetryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped reports the total number of records lost to overflow.
func (b *RetryBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
