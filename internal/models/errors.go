package models

import "errors"

// ErrDeviceNotFound reports a device with no row in the devices table.
// For the ingestion path this is a policy decision (register or proceed
// without site), not a hard failure.
var ErrDeviceNotFound = errors.New("device not found")
