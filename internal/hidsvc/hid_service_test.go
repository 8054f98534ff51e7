package hidsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []*hiddev.Device
	err     error
}

func (f *fakeEnumerator) Set(devices ...*hiddev.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeEnumerator) Enumerate() ([]*hiddev.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	devices := make([]*hiddev.Device, len(f.devices))
	copy(devices, f.devices)
	return devices, nil
}

type fakeNotifier struct {
	notify chan func()
}

func (f *fakeNotifier) Watch(ctx context.Context, notify func()) error {
	f.notify <- notify
	<-ctx.Done()
	return nil
}

type stubHandle struct{}

func (stubHandle) SetOutputReport([]byte) error       { return nil }
func (stubHandle) GetInputReport([]byte) (int, error) { return 0, nil }
func (stubHandle) GetFeatureReport([]byte) (int, error) {
	return 0, nil
}
func (stubHandle) Write(buf []byte) (int, error) { return len(buf), nil }
func (stubHandle) Read([]byte) (int, error)      { return 0, nil }
func (stubHandle) Flush() error                  { return nil }
func (stubHandle) Close() error                  { return nil }

func vendorDev(id uuid.UUID, page uint16, product string) *hiddev.Device {
	dev := hiddev.New(id, "/dev/hidraw-test", func(string) (hiddev.ReportHandle, error) {
		return stubHandle{}, nil
	}, nil)
	dev.UsagePage = page
	dev.Product = product
	dev.InputReportByteLength = 65
	dev.OutputReportByteLength = 65
	return dev
}

func drainEvents(s *Service) []Event {
	var events []Event
	for {
		select {
		case ev := <-s.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestSynchronizeAddRemoveScenario(t *testing.T) {
	u1 := uuid.New()
	u2 := uuid.New()
	d1 := vendorDev(u1, 0xff00, "vendor widget")
	d2 := vendorDev(u2, 0x0001, "plain mouse")

	enum := &fakeEnumerator{}
	enum.Set(d1, d2)
	svc := New(zap.NewNop(), enum, nil)

	require.NoError(t, svc.synchronize())
	assert.ElementsMatch(t, []uuid.UUID{u1}, svc.registry.Keys())

	events := drainEvents(svc)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Added)
	assert.Equal(t, u1, events[0].Added.ID)

	// Next scan only returns the off-page device.
	enum.Set(d2)
	require.NoError(t, svc.synchronize())
	assert.Equal(t, 0, svc.registry.Size())

	events = drainEvents(svc)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Removed)
	assert.Equal(t, u1, events[0].Removed.Device.ID)
	assert.Equal(t, "vendor widget", events[0].Removed.Device.Product)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	d1 := vendorDev(uuid.New(), 0xff00, "widget")
	enum := &fakeEnumerator{}
	enum.Set(d1)
	svc := New(zap.NewNop(), enum, nil)

	require.NoError(t, svc.synchronize())
	require.Len(t, drainEvents(svc), 1)
	before := svc.registry.Keys()

	require.NoError(t, svc.synchronize())
	assert.Empty(t, drainEvents(svc))
	assert.ElementsMatch(t, before, svc.registry.Keys())
}

func TestSynchronizeFiltersForeignPages(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.Set(
		vendorDev(uuid.New(), 0x0001, "mouse"),
		vendorDev(uuid.New(), 0x000c, "consumer control"),
	)
	svc := New(zap.NewNop(), enum, nil)

	require.NoError(t, svc.synchronize())
	assert.Equal(t, 0, svc.registry.Size())
	assert.Empty(t, drainEvents(svc))
}

func TestRemovedSnapshotHandleInvalidated(t *testing.T) {
	u1 := uuid.New()
	d1 := vendorDev(u1, 0xff00, "widget")
	enum := &fakeEnumerator{}
	enum.Set(d1)
	svc := New(zap.NewNop(), enum, nil)

	require.NoError(t, svc.synchronize())
	drainEvents(svc)

	// Leave the handle open via the continuous-read path, then unplug.
	_, err := d1.Write(0x00, []byte{1})
	require.NoError(t, err)
	require.NoError(t, d1.Flush())
	require.True(t, d1.IsOpen())

	enum.Set()
	require.NoError(t, svc.synchronize())

	events := drainEvents(svc)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Removed)
	assert.False(t, events[0].Removed.Device.IsOpen())
}

func TestSetUsagePageConverges(t *testing.T) {
	u1 := uuid.New()
	u2 := uuid.New()
	enum := &fakeEnumerator{}
	enum.Set(
		vendorDev(u1, 0xff00, "vendor widget"),
		vendorDev(u2, 0xff13, "other vendor widget"),
	)
	svc := New(zap.NewNop(), enum, nil)

	require.NoError(t, svc.synchronize())
	drainEvents(svc)
	assert.ElementsMatch(t, []uuid.UUID{u1}, svc.registry.Keys())

	svc.SetUsagePage(0xff13)
	require.NoError(t, svc.synchronize())
	assert.ElementsMatch(t, []uuid.UUID{u2}, svc.registry.Keys())

	events := drainEvents(svc)
	require.Len(t, events, 2)
}

func TestPeripheralNotFound(t *testing.T) {
	svc := New(zap.NewNop(), &fakeEnumerator{}, nil)
	_, err := svc.Peripheral(uuid.New())
	require.ErrorIs(t, err, hiddev.ErrNotFound)
}

func TestStartSeedFailureSurfaces(t *testing.T) {
	enum := &fakeEnumerator{err: errors.New("hidapi init failed")}
	svc := New(zap.NewNop(), enum, nil)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed scan failed")
}

func TestStartAndHotplugTick(t *testing.T) {
	enum := &fakeEnumerator{}
	notifier := &fakeNotifier{notify: make(chan func(), 1)}
	svc := New(zap.NewNop(), enum, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()

	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service never became ready")
	}
	var tick func()
	select {
	case tick = <-notifier.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier was never started")
	}

	u1 := uuid.New()
	enum.Set(vendorDev(u1, 0xff00, "widget"))
	tick()

	select {
	case ev := <-svc.Events():
		require.NotNil(t, ev.Added)
		assert.Equal(t, u1, ev.Added.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after hotplug tick")
	}

	devs := svc.Peripherals()
	require.Len(t, devs, 1)
	assert.Equal(t, u1, devs[0].ID)

	cancel()
	require.NoError(t, <-done)
}
