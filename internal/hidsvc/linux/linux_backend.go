// Package linux implements the enumeration and hotplug notification
// collaborators on top of hidapi and udev.
package linux

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jochenvg/go-udev"
	"github.com/sleepinghank/usb-manager/pkg/hiddesc"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

// deviceNamespace seeds the container-derived device ids so they stay
// stable across rescans and process restarts.
var deviceNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

var defaultBackendOptions = backendOptions{
	pollInterval: 2 * time.Second,
}

type backendOptions struct {
	pollInterval time.Duration
}

type Option func(*backendOptions)

// WithPollInterval sets the fallback polling period of the hotplug
// watcher.
func WithPollInterval(d time.Duration) Option {
	return func(o *backendOptions) {
		o.pollInterval = d
	}
}

// Backend enumerates HID devices through hidapi and watches the udev
// netlink socket for topology changes. It implements both
// hidsvc.Enumerator and hidsvc.Notifier.
type Backend struct {
	log     *zap.Logger
	options backendOptions
	udev    *udev.Udev
}

func NewBackend(log *zap.Logger, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}
	hid.Init()
	return &Backend{
		log:     log,
		options: options,
		udev:    &udev.Udev{},
	}
}

// Enumerate returns descriptors for every HID device currently present.
// Devices that cannot be described (no permission, vanished mid-scan)
// are logged and skipped; they do not abort the scan.
func (b *Backend) Enumerate() ([]*hiddev.Device, error) {
	var devices []*hiddev.Device
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		dev, err := b.describe(info)
		if err != nil {
			b.log.Warn("skipping device", zap.String("path", info.Path), zap.Error(err))
			return nil
		}
		devices = append(devices, dev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hid enumeration failed: %w", err)
	}
	return devices, nil
}

func (b *Backend) describe(info *hid.DeviceInfo) (*hiddev.Device, error) {
	dev := hiddev.New(b.containerID(info), info.Path, openReportHandle, b.log)
	dev.Serial = info.SerialNbr
	dev.Manufacturer = info.MfrStr
	dev.Product = info.ProductStr
	dev.VendorID = info.VendorID
	dev.ProductID = info.ProductID
	dev.Release = info.ReleaseNbr
	dev.UsagePage = info.UsagePage
	dev.Usage = info.Usage

	lengths, err := b.reportLengths(info.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report capabilities: %w", err)
	}
	dev.InputReportByteLength = lengths.Input
	dev.OutputReportByteLength = lengths.Output
	dev.FeatureReportByteLength = lengths.Feature
	return dev, nil
}

func (b *Backend) reportLengths(path string) (hiddesc.ReportLengths, error) {
	d, err := hid.OpenPath(path)
	if err != nil {
		return hiddesc.ReportLengths{}, err
	}
	defer d.Close()
	buf := make([]byte, 4096)
	n, err := d.GetReportDescriptor(buf)
	if err != nil {
		return hiddesc.ReportLengths{}, err
	}
	return hiddesc.ParseLengths(buf[:n])
}

// containerID derives a stable id shared by all interfaces of one
// physical device: the syspath of the closest USB device ancestor.
// The transient hidraw path never leaks into the id.
func (b *Backend) containerID(info *hid.DeviceInfo) uuid.UUID {
	if hidraw := b.udev.NewDeviceFromSubsystemSysname("hidraw", filepath.Base(info.Path)); hidraw != nil {
		if usb := hidraw.ParentWithSubsystemDevtype("usb", "usb_device"); usb != nil {
			return uuid.NewSHA1(deviceNamespace, []byte(usb.Syspath()))
		}
	}
	// Non-USB transports (I2C, Bluetooth) fall back to the identity
	// fields.
	seed := fmt.Sprintf("%04x:%04x:%s", info.VendorID, info.ProductID, info.SerialNbr)
	return uuid.NewSHA1(deviceNamespace, []byte(seed))
}

// Watch blocks until the context is cancelled, invoking notify on
// every udev uevent and on a poll ticker as a safety net. Ticks may be
// spurious; the synchronizer coalesces and diffs them away.
func (b *Backend) Watch(ctx context.Context, notify func()) error {
	var events <-chan *udev.Device
	if monitor := b.udev.NewMonitorFromNetlink("udev"); monitor != nil {
		ch, err := monitor.DeviceChan(ctx)
		if err != nil {
			b.log.Warn("udev monitor unavailable, falling back to polling", zap.Error(err))
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(b.options.pollInterval)
	defer ticker.Stop()
	b.log.Info("watching for hotplug events", zap.Duration("pollInterval", b.options.pollInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			notify()
		case <-ticker.C:
			notify()
		}
	}
}
