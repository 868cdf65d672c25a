package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"
	"github.com/medkan01/datayoti-mqtt-broker/internal/repository"

	"go.uber.org/zap"
)

// DeliveryError wraps a record whose write could not be completed after
// local retries. The dispatcher buffers it under its overflow policy.
type DeliveryError struct {
	Record *models.EnrichedRecord
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for device %s: %v", e.Record.DeviceID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TimeSeriesStore persists fact rows. The boolean reports whether a row was
// actually inserted (false = duplicate, absorbed).
type TimeSeriesStore interface {
	InsertReading(ctx context.Context, rec *models.EnrichedRecord) (bool, error)
	InsertHeartbeat(ctx context.Context, rec *models.EnrichedRecord) (bool, error)
	InsertStatusEvent(ctx context.Context, rec *models.EnrichedRecord) (bool, error)
}

// Registrar registers a device referenced by a fact row that raced past the
// resolver before registration committed.
type Registrar interface {
	RegisterDevice(ctx context.Context, deviceID string, siteID *string) (*models.Device, error)
}

// Writer performs idempotent upserts with bounded-backoff retry. Duplicates
// are success; foreign-key violations get one register-and-retry cycle;
// transient storage failures are retried up to maxAttempts before surfacing
// a DeliveryError.
type Writer struct {
	store       TimeSeriesStore
	registrar   Registrar
	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewWriter creates the writer.
func NewWriter(store TimeSeriesStore, registrar Registrar, maxAttempts int, backoff, backoffMax time.Duration, logger *zap.Logger) *Writer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Writer{
		store:       store,
		registrar:   registrar,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		backoffMax:  backoffMax,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Persist writes one record. A nil return covers both a fresh insert and an
// absorbed duplicate; the caller cannot tell the difference and must not.
func (w *Writer) Persist(ctx context.Context, rec *models.EnrichedRecord) error {
	delay := w.backoff
	fkRetried := false

	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		var inserted bool
		inserted, err = w.insert(ctx, rec)
		if err == nil {
			if !inserted {
				w.logger.Debug("Duplicate delivery absorbed",
					zap.String("device_id", rec.DeviceID),
					zap.Time("time", rec.Time),
					zap.String("kind", string(rec.Kind)),
				)
			}
			return nil
		}

		if repository.IsForeignKeyViolation(err) && !fkRetried {
			// The fact row referenced a device that is not registered yet:
			// the resolver lost a race or registration degraded. Register
			// and retry once without consuming a backoff attempt.
			fkRetried = true
			if _, regErr := w.registrar.RegisterDevice(ctx, rec.DeviceID, rec.ResolvedSiteID); regErr != nil {
				w.logger.Warn("Registration during write retry failed",
					zap.String("device_id", rec.DeviceID),
					zap.Error(regErr),
				)
			}
			attempt--
			continue
		}

		if !repository.IsTransient(err) {
			break
		}

		if attempt == w.maxAttempts {
			break
		}

		w.logger.Warn("Transient storage failure, backing off",
			zap.String("device_id", rec.DeviceID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			err = sleepErr
			break
		}
		delay *= 2
		if delay > w.backoffMax {
			delay = w.backoffMax
		}
	}

	return &DeliveryError{Record: rec, Err: err}
}

func (w *Writer) insert(ctx context.Context, rec *models.EnrichedRecord) (bool, error) {
	switch rec.Kind {
	case models.KindReading:
		return w.store.InsertReading(ctx, rec)
	case models.KindHeartbeat:
		return w.store.InsertHeartbeat(ctx, rec)
	case models.KindStatus:
		return w.store.InsertStatusEvent(ctx, rec)
	default:
		return false, fmt.Errorf("unknown message kind: %s", rec.Kind)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
