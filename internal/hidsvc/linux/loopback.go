package linux

import (
	"context"
	"fmt"

	"github.com/psanford/uhid"
	"go.uber.org/zap"
)

// Loopback is a virtual vendor-page device backed by the uhid kernel
// module. It echoes every output report back as an input report, which
// makes it a hardware-free target for transport round trips.
type Loopback struct {
	log       *zap.Logger
	name      string
	vendorID  uint32
	productID uint32
	usagePage uint16
}

func NewLoopback(log *zap.Logger, name string, vendorID, productID uint32, usagePage uint16) *Loopback {
	return &Loopback{
		log:       log,
		name:      name,
		vendorID:  vendorID,
		productID: productID,
		usagePage: usagePage,
	}
}

// 64-byte unnumbered input and output reports on the vendor page.
func loopbackDescriptor(usagePage uint16) []byte {
	return []byte{
		0x06, byte(usagePage), byte(usagePage >> 8), // Usage Page (Vendor Defined)
		0x09, 0x01, // Usage
		0xa1, 0x01, // Collection (Application)
		0x09, 0x01, //   Usage
		0x75, 0x08, //   Report Size (8)
		0x95, 0x40, //   Report Count (64)
		0x81, 0x02, //   Input
		0x09, 0x01, //   Usage
		0x91, 0x02, //   Output
		0xc0, // End Collection
	}
}

// Run creates the uhid device and echoes reports until the context is
// cancelled. It requires access to /dev/uhid.
func (l *Loopback) Run(ctx context.Context) error {
	dev, err := uhid.NewDevice(l.name, loopbackDescriptor(l.usagePage))
	if err != nil {
		return fmt.Errorf("failed to create uhid device: %w", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = l.vendorID
	dev.Data.ProductID = l.productID

	events, err := dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open uhid device: %w", err)
	}
	defer dev.Close()
	l.log.Info("loopback device created",
		zap.String("name", l.name),
		zap.Uint16("usagePage", l.usagePage))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event.Type != uhid.Output {
				continue
			}
			data := make([]byte, len(event.Data))
			copy(data, event.Data)
			if err := dev.InjectEvent(data); err != nil {
				l.log.Error("failed to echo report", zap.Error(err))
			}
		}
	}
}
