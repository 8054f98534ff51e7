package hidsvc

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
)

// Registry is the concurrent set of currently connected devices, keyed
// by their stable container-derived id. Mutation is driven by the
// synchronizer; lookups may happen from any goroutine.
type Registry struct {
	devices *xsync.MapOf[uuid.UUID, *hiddev.Device]
}

func NewRegistry() *Registry {
	return &Registry{
		devices: xsync.NewMapOf[uuid.UUID, *hiddev.Device](),
	}
}

// Insert upserts a device; an existing entry under the same id is
// replaced.
func (r *Registry) Insert(id uuid.UUID, dev *hiddev.Device) {
	r.devices.Store(id, dev)
}

func (r *Registry) Contains(id uuid.UUID) bool {
	_, ok := r.devices.Load(id)
	return ok
}

// Remove deletes and returns the entry. The second return value is
// false when the id was not present, making concurrent removals of the
// same id race-safe.
func (r *Registry) Remove(id uuid.UUID) (*hiddev.Device, bool) {
	return r.devices.LoadAndDelete(id)
}

// Get returns a copy of the device descriptor. The copy shares the
// underlying handle with the registered entry.
func (r *Registry) Get(id uuid.UUID) (hiddev.Device, bool) {
	dev, ok := r.devices.Load(id)
	if !ok {
		return hiddev.Device{}, false
	}
	return *dev, true
}

// All returns a point-in-time snapshot of every tracked device.
func (r *Registry) All() []hiddev.Device {
	devices := make([]hiddev.Device, 0, r.devices.Size())
	r.devices.Range(func(_ uuid.UUID, dev *hiddev.Device) bool {
		devices = append(devices, *dev)
		return true
	})
	return devices
}

// Keys returns the ids of every tracked device.
func (r *Registry) Keys() []uuid.UUID {
	keys := make([]uuid.UUID, 0, r.devices.Size())
	r.devices.Range(func(id uuid.UUID, _ *hiddev.Device) bool {
		keys = append(keys, id)
		return true
	})
	return keys
}

func (r *Registry) Size() int {
	return r.devices.Size()
}
