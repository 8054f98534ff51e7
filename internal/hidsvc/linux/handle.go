package linux

import (
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"github.com/sstallion/go-hid"
)

func openReportHandle(path string) (hiddev.ReportHandle, error) {
	d, err := hid.OpenPath(path)
	if err != nil {
		return nil, err
	}
	return &reportHandle{dev: d}, nil
}

// reportHandle adapts an open hidapi device to the transport's handle
// interface. Buffers arriving here are already framed to the device's
// capability length.
type reportHandle struct {
	dev *hid.Device
}

func (h *reportHandle) SetOutputReport(buf []byte) error {
	// hidapi routes output reports through the write endpoint.
	_, err := h.dev.Write(buf)
	return err
}

func (h *reportHandle) GetInputReport(buf []byte) (int, error) {
	return h.dev.GetInputReport(buf)
}

func (h *reportHandle) GetFeatureReport(buf []byte) (int, error) {
	return h.dev.GetFeatureReport(buf)
}

func (h *reportHandle) Write(buf []byte) (int, error) {
	return h.dev.Write(buf)
}

func (h *reportHandle) Read(buf []byte) (int, error) {
	return h.dev.Read(buf)
}

// Flush drains queued unread reports with zero-timeout reads; hidapi
// has no native flush call.
func (h *reportHandle) Flush() error {
	buf := make([]byte, 4096)
	for i := 0; i < 64; i++ {
		n, err := h.dev.ReadWithTimeout(buf, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (h *reportHandle) Close() error {
	return h.dev.Close()
}
