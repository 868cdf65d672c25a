package directory

import (
	"context"
	"sync"
	"time"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DeviceReader is the storage source of truth behind the cache.
// Implementations return models.ErrDeviceNotFound for unknown devices.
type DeviceReader interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

type entry struct {
	site      models.SiteContext
	refreshed time.Time
}

// DeviceDirectory is a time-expiring device -> site mapping. Entries are
// trusted for the TTL window; an expired entry is reloaded synchronously
// before answering, so staleness is bounded by the TTL. Concurrent lookups
// for the same expired key share one reload (singleflight). Device
// cardinality is small and operator-controlled, so there is no eviction
// beyond TTL expiry.
type DeviceDirectory struct {
	reader DeviceReader
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// NewDeviceDirectory creates the directory cache.
func NewDeviceDirectory(reader DeviceReader, ttl time.Duration, logger *zap.Logger) *DeviceDirectory {
	return &DeviceDirectory{
		reader:  reader,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Resolve answers the site context for a device, reloading from storage when
// the cached entry has expired. Unknown devices return
// models.ErrDeviceNotFound and are never negative-cached: they may be
// provisioned at any moment.
func (d *DeviceDirectory) Resolve(ctx context.Context, deviceID string) (models.SiteContext, error) {
	d.mu.RLock()
	e, ok := d.entries[deviceID]
	d.mu.RUnlock()

	if ok && d.now().Sub(e.refreshed) < d.ttl {
		return e.site, nil
	}

	v, err, _ := d.group.Do(deviceID, func() (interface{}, error) {
		// Re-check under the flight: another caller may have refreshed
		// while this one waited for the flight slot.
		d.mu.RLock()
		e, ok := d.entries[deviceID]
		d.mu.RUnlock()
		if ok && d.now().Sub(e.refreshed) < d.ttl {
			return e.site, nil
		}

		device, err := d.reader.GetDevice(ctx, deviceID)
		if err != nil {
			return models.SiteContext{}, err
		}

		site := models.SiteContext{SiteID: device.SiteID}
		d.store(deviceID, site)
		return site, nil
	})
	if err != nil {
		return models.SiteContext{}, err
	}

	return v.(models.SiteContext), nil
}

// Store primes the cache, used right after an auto-registration so the next
// message for the device does not hit storage again.
func (d *DeviceDirectory) Store(deviceID string, site models.SiteContext) {
	d.store(deviceID, site)
}

// Invalidate drops a cached entry.
func (d *DeviceDirectory) Invalidate(deviceID string) {
	d.mu.Lock()
	delete(d.entries, deviceID)
	d.mu.Unlock()
}

func (d *DeviceDirectory) store(deviceID string, site models.SiteContext) {
	d.mu.Lock()
	d.entries[deviceID] = entry{site: site, refreshed: d.now()}
	d.mu.Unlock()
}
