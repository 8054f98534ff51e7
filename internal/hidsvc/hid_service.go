// Package hidsvc tracks the plug/unplug lifecycle of HID devices on a
// managed vendor-defined usage page and exposes their descriptors and
// report transports to callers.
package hidsvc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/pkg/eventbus"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultUsagePage is the vendor-defined usage page managed when no
// other page is configured.
const DefaultUsagePage uint16 = 0xff00

// EventBus carries add/remove events to the consumer loop.
type EventBus = eventbus.Bus[Event]

// Enumerator returns the current full device list. Implementations
// populate identity, usage page and capability lengths on every
// descriptor; devices they fail to describe are skipped on their side.
type Enumerator interface {
	Enumerate() ([]*hiddev.Device, error)
}

// Notifier invokes the callback on its own goroutine at least once per
// actual device topology change. Watch blocks until the context is
// cancelled.
type Notifier interface {
	Watch(ctx context.Context, notify func()) error
}

// Store records metadata about devices the service has seen. Optional.
type Store interface {
	MarkSeen(dev hiddev.Device) error
}

var defaultOptions = serviceOptions{
	usagePage:       DefaultUsagePage,
	eventBufferSize: 64,
}

type serviceOptions struct {
	usagePage       uint16
	eventBufferSize int
	store           Store
}

type Option func(*serviceOptions)

func WithUsagePage(page uint16) Option {
	return func(o *serviceOptions) {
		o.usagePage = page
	}
}

func WithEventBufferSize(n int) Option {
	return func(o *serviceOptions) {
		o.eventBufferSize = n
	}
}

func WithStore(store Store) Option {
	return func(o *serviceOptions) {
		o.store = store
	}
}

// Service is the adapter between the OS collaborators and callers: it
// seeds the registry, reacts to hotplug ticks with a full rescan-diff
// pass, and serves registry queries and the event stream.
type Service struct {
	log        *zap.Logger
	options    serviceOptions
	enumerator Enumerator
	notifier   Notifier

	usagePage *atomic.Uint32
	registry  *Registry
	bus       *EventBus
	rescan    chan struct{}
	ready     chan struct{}
}

func New(log *zap.Logger, enumerator Enumerator, notifier Notifier, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:        log,
		options:    options,
		enumerator: enumerator,
		notifier:   notifier,
		usagePage:  atomic.NewUint32(uint32(options.usagePage)),
		registry:   NewRegistry(),
		bus:        eventbus.New[Event](log, options.eventBufferSize),
		rescan:     make(chan struct{}, 1),
		ready:      make(chan struct{}),
	}
}

// Start runs the seed scan, wires the notifier to the synchronizer
// loop and blocks until the context is cancelled. It fails when the
// seed enumeration fails.
func (s *Service) Start(ctx context.Context) error {
	if err := s.synchronize(); err != nil {
		return fmt.Errorf("seed scan failed: %w", err)
	}
	go s.runSynchronizer(ctx)
	go s.runNotifier(ctx)
	close(s.ready)
	s.log.Info("HID service started",
		zap.Uint16("usagePage", s.UsagePage()),
		zap.Int("devices", s.registry.Size()))
	<-ctx.Done()
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// RequestRescan enqueues one synchronization pass. Requests arriving
// while one is already pending coalesce, so the notification callback
// never blocks and never mutates the registry itself.
func (s *Service) RequestRescan() {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (s *Service) runNotifier(ctx context.Context) {
	err := s.notifier.Watch(ctx, s.RequestRescan)
	if err != nil && ctx.Err() == nil {
		s.log.Error("hotplug notifier stopped", zap.Error(err))
	}
}

func (s *Service) runSynchronizer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.rescan:
			if err := s.synchronize(); err != nil {
				// A failed hotplug pass is retried on the next tick.
				s.log.Error("synchronization pass failed", zap.Error(err))
			}
		}
	}
}

// synchronize re-enumerates, diffs the filtered device list against
// the registry and emits the resulting add/remove events. A pass over
// an unchanged topology mutates nothing and emits nothing.
func (s *Service) synchronize() error {
	devices, err := s.enumerator.Enumerate()
	if err != nil {
		return fmt.Errorf("enumeration failed: %w", err)
	}
	page := s.UsagePage()
	current := make(map[uuid.UUID]*hiddev.Device, len(devices))
	for _, dev := range devices {
		// Devices outside the managed page are invisible to this
		// service: never inserted, never diffed, never reported.
		if dev.UsagePage != page {
			continue
		}
		current[dev.ID] = dev
	}

	for id, dev := range current {
		if s.registry.Contains(id) {
			continue
		}
		s.registry.Insert(id, dev)
		s.markSeen(dev)
		s.log.Debug("device added",
			zap.Stringer("id", id),
			zap.String("product", dev.Product),
			zap.Uint16("vendorId", dev.VendorID),
			zap.Uint16("productId", dev.ProductID))
		s.bus.Publish(Event{Added: &EventDeviceAdded{ID: id}})
	}

	for _, id := range s.registry.Keys() {
		if _, ok := current[id]; ok {
			continue
		}
		dev, ok := s.registry.Remove(id)
		if !ok {
			// Already removed by a racing pass.
			continue
		}
		if err := dev.Close(); err != nil {
			s.log.Warn("failed to close removed device", zap.Stringer("id", id), zap.Error(err))
		}
		s.log.Debug("device removed", zap.Stringer("id", id), zap.String("product", dev.Product))
		s.bus.Publish(Event{Removed: &EventDeviceRemoved{Device: *dev}})
	}
	return nil
}

func (s *Service) markSeen(dev *hiddev.Device) {
	if s.options.store == nil {
		return
	}
	if err := s.options.store.MarkSeen(*dev); err != nil {
		s.log.Warn("failed to record device metadata", zap.Stringer("id", dev.ID), zap.Error(err))
	}
}

// UsagePage returns the currently managed usage page.
func (s *Service) UsagePage() uint16 {
	return uint16(s.usagePage.Load())
}

// SetUsagePage switches the managed usage page and requests a rescan;
// the following pass converges the registry onto the new page.
func (s *Service) SetUsagePage(page uint16) {
	if uint32(page) == s.usagePage.Swap(uint32(page)) {
		return
	}
	s.log.Info("managed usage page changed", zap.Uint16("usagePage", page))
	s.RequestRescan()
}

// Peripherals returns a point-in-time snapshot of all tracked devices.
func (s *Service) Peripherals() []hiddev.Device {
	return s.registry.All()
}

// Peripheral returns the device with the given id.
func (s *Service) Peripheral(id uuid.UUID) (hiddev.Device, error) {
	dev, ok := s.registry.Get(id)
	if !ok {
		return hiddev.Device{}, fmt.Errorf("%w: %s", hiddev.ErrNotFound, id)
	}
	return dev, nil
}

// Events returns the receive handle of the event stream. All calls
// share one underlying queue; concurrent consumers compete for events
// (see eventbus.Bus).
func (s *Service) Events() <-chan Event {
	return s.bus.Events()
}
