package models

import "time"

// Site dimension row: an installation location. Provisioned by operators,
// referenced by devices, never owned by them.
type Site struct {
	SiteID      string
	SiteName    string
	Description string
}

// Device dimension row: a physical sensor identified by its hardware
// address. SiteID is nil for devices that have reported data but were never
// assigned to a site.
type Device struct {
	DeviceID   string
	SiteID     *string
	DeviceName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SiteContext is what the device directory answers for a known device.
type SiteContext struct {
	SiteID *string
}
