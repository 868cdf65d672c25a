package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/medkan01/datayoti-mqtt-broker/internal/models"

	"go.uber.org/zap"
)

// ErrUnprovisionedDevice is returned under the strict registration policy
// for devices no operator has provisioned. The message is dropped, not
// buffered: provisioning is a human act, not a transient fault.
var ErrUnprovisionedDevice = errors.New("device not provisioned")

// Directory answers site context for known devices.
type Directory interface {
	Resolve(ctx context.Context, deviceID string) (models.SiteContext, error)
	Store(deviceID string, site models.SiteContext)
	Invalidate(deviceID string)
}

// Registrar reads and mutates the device dimension.
type Registrar interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	RegisterDevice(ctx context.Context, deviceID string, siteID *string) (*models.Device, error)
	UpdateDeviceSite(ctx context.Context, deviceID string, siteID string) (bool, error)
}

// Resolver attaches site context to normalized messages, auto-registering
// first-contact devices when policy allows.
type Resolver struct {
	directory    Directory
	registrar    Registrar
	autoRegister bool
	logger       *zap.Logger
}

// NewResolver creates the resolver. autoRegister selects between
// register-on-first-contact and reject-pending-provisioning.
func NewResolver(directory Directory, registrar Registrar, autoRegister bool, logger *zap.Logger) *Resolver {
	return &Resolver{
		directory:    directory,
		registrar:    registrar,
		autoRegister: autoRegister,
		logger:       logger,
	}
}

// Resolve enriches a normalized message with the device's site. A failed
// registration degrades to "proceed without site": enrichment never costs a
// message under the auto-register policy.
func (r *Resolver) Resolve(ctx context.Context, msg *models.NormalizedMessage) (*models.EnrichedRecord, error) {
	site, err := r.directory.Resolve(ctx, msg.DeviceID)
	if err == nil {
		r.maybeAssignClaimedSite(ctx, msg, &site)
		return &models.EnrichedRecord{NormalizedMessage: msg, ResolvedSiteID: site.SiteID}, nil
	}

	if !errors.Is(err, models.ErrDeviceNotFound) {
		// Directory reload failed (storage trouble). The record is still
		// valid; proceed without site rather than losing it.
		r.logger.Warn("Directory lookup failed, proceeding without site",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
		return &models.EnrichedRecord{NormalizedMessage: msg}, nil
	}

	if !r.autoRegister {
		return nil, fmt.Errorf("%w: %s", ErrUnprovisionedDevice, msg.DeviceID)
	}

	return r.register(ctx, msg), nil
}

// register performs the first-contact upsert. Heartbeats usually carry a
// site claim, readings never do; either way the winner of a concurrent
// registration race decides the stored site assignment.
func (r *Resolver) register(ctx context.Context, msg *models.NormalizedMessage) *models.EnrichedRecord {
	var siteID *string
	if msg.SiteID != "" {
		siteID = &msg.SiteID
	}

	device, err := r.registrar.RegisterDevice(ctx, msg.DeviceID, siteID)
	if err != nil {
		// One retry, then degrade. Never block the message on registration.
		device, err = r.registrar.RegisterDevice(ctx, msg.DeviceID, siteID)
	}
	if err != nil {
		r.logger.Warn("Device registration failed, proceeding without site",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
		return &models.EnrichedRecord{NormalizedMessage: msg}
	}

	site := models.SiteContext{SiteID: device.SiteID}
	r.directory.Store(msg.DeviceID, site)

	return &models.EnrichedRecord{NormalizedMessage: msg, ResolvedSiteID: site.SiteID}
}

// maybeAssignClaimedSite backfills the site of a known but unassigned device
// when a heartbeat claims one. The update is guarded by site_id IS NULL, so
// a claim that lost a concurrent assignment race does not apply; the stored
// row wins and both the current message and the cache observe it. On failure
// the message goes through without a site.
func (r *Resolver) maybeAssignClaimedSite(ctx context.Context, msg *models.NormalizedMessage, site *models.SiteContext) {
	if site.SiteID != nil || msg.SiteID == "" {
		return
	}

	applied, err := r.registrar.UpdateDeviceSite(ctx, msg.DeviceID, msg.SiteID)
	if err != nil {
		r.logger.Warn("Failed to assign claimed site",
			zap.String("device_id", msg.DeviceID),
			zap.String("site_id", msg.SiteID),
			zap.Error(err),
		)
		return
	}

	if !applied {
		// A concurrent writer assigned a site between the cache read and
		// the update. Read back the winning assignment.
		device, err := r.registrar.GetDevice(ctx, msg.DeviceID)
		if err != nil {
			r.logger.Warn("Failed to read back site assignment",
				zap.String("device_id", msg.DeviceID),
				zap.Error(err),
			)
			r.directory.Invalidate(msg.DeviceID)
			return
		}
		site.SiteID = device.SiteID
		r.directory.Store(msg.DeviceID, *site)
		return
	}

	claimed := msg.SiteID
	site.SiteID = &claimed
	r.directory.Store(msg.DeviceID, *site)
}
