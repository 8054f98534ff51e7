package hidsvc

import (
	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
)

// Event is a union: exactly one field is non-nil.
type Event struct {
	Added   *EventDeviceAdded
	Removed *EventDeviceRemoved
}

// EventDeviceAdded announces a newly tracked device. Consumers look it
// up by id; it may already be gone again by the time they do.
type EventDeviceAdded struct {
	ID uuid.UUID
}

// EventDeviceRemoved carries the final descriptor snapshot of a device
// that left the registry. Its handle has been invalidated.
type EventDeviceRemoved struct {
	Device hiddev.Device
}
