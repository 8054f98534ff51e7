// Package hiddev models a single HID endpoint exposing fixed-length
// numbered reports, with a lazily-opened OS handle behind every
// transport operation.
package hiddev

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ReportHandle is an open OS endpoint capable of raw report I/O.
// Buffers passed to it are already framed: byte 0 is the report id and
// the total length equals the device's capability length.
type ReportHandle interface {
	SetOutputReport(buf []byte) error
	GetInputReport(buf []byte) (int, error)
	GetFeatureReport(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Read(buf []byte) (int, error)
	Flush() error
	Close() error
}

// HandleOpener opens the OS endpoint behind a device path.
type HandleOpener func(path string) (ReportHandle, error)

// Device describes one HID endpoint and carries its report transport.
//
// The exported fields are immutable once the device has been
// enumerated; a device that changes capabilities shows up as a removal
// followed by an addition of a fresh descriptor. Copies of a Device
// share the underlying handle, so a snapshot returned by the registry
// operates on the same OS endpoint as the registered entry.
//
// The three report byte lengths include the leading report-id byte.
type Device struct {
	ID           uuid.UUID `json:"id"`
	Path         string    `json:"path"`
	Serial       string    `json:"serial"`
	Manufacturer string    `json:"manufacturer"`
	Product      string    `json:"product"`
	VendorID     uint16    `json:"vendorId"`
	ProductID    uint16    `json:"productId"`
	Release      uint16    `json:"release"`
	UsagePage    uint16    `json:"usagePage"`
	Usage        uint16    `json:"usage"`

	InputReportByteLength   uint16 `json:"inputReportByteLength"`
	OutputReportByteLength  uint16 `json:"outputReportByteLength"`
	FeatureReportByteLength uint16 `json:"featureReportByteLength"`

	log    *zap.Logger
	open   HandleOpener
	handle *deviceHandle
}

// deviceHandle is a {Closed, Open} state machine. The handle value and
// the opened flag are written under the same write lock so they are
// never observed torn.
type deviceHandle struct {
	mu     sync.RWMutex
	h      ReportHandle
	opened atomic.Bool
}

// New returns a Device shell with identity and transport wiring set.
// Capability and attribute fields are filled in by the enumerator.
func New(id uuid.UUID, path string, open HandleOpener, log *zap.Logger) *Device {
	return &Device{
		ID:     id,
		Path:   path,
		open:   open,
		log:    log,
		handle: &deviceHandle{},
	}
}

func (d *Device) logger() *zap.Logger {
	if d.log == nil {
		return zap.NewNop()
	}
	return d.log
}

// acquire returns the current handle, opening one if none exists.
func (d *Device) acquire() (ReportHandle, error) {
	d.handle.mu.RLock()
	h := d.handle.h
	d.handle.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	d.handle.mu.Lock()
	defer d.handle.mu.Unlock()
	if d.handle.h != nil {
		return d.handle.h, nil
	}
	if d.open == nil {
		return nil, ErrNotOpen
	}
	h, err := d.open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	d.handle.h = h
	d.handle.opened.Store(true)
	return h, nil
}

// Close releases the OS handle. It is idempotent; closing an already
// closed device is a no-op.
func (d *Device) Close() error {
	d.handle.mu.Lock()
	defer d.handle.mu.Unlock()
	if d.handle.h == nil {
		return nil
	}
	err := d.handle.h.Close()
	d.handle.h = nil
	d.handle.opened.Store(false)
	if err != nil {
		return platformError("close", err)
	}
	return nil
}

// IsOpen reports whether the device currently holds an open handle.
func (d *Device) IsOpen() bool {
	return d.handle.opened.Load()
}

// SetOutputReport sends data on the device's output-report channel.
// The transmitted buffer is exactly OutputReportByteLength bytes: the
// report id, the payload, and zero padding. The handle is closed on
// both the success and the error path.
func (d *Device) SetOutputReport(reportID byte, data []byte) error {
	if len(data)+1 > int(d.OutputReportByteLength) {
		return ErrDataOverlength
	}
	h, err := d.acquire()
	if err != nil {
		return err
	}
	if err := h.SetOutputReport(outputFrame(reportID, data, int(d.OutputReportByteLength))); err != nil {
		d.Close()
		return platformError("set output report", err)
	}
	return d.Close()
}

// GetInputReport issues a blocking input-report request and returns
// exactly length bytes, with the leading report-id byte stripped when
// the device echoed it back.
func (d *Device) GetInputReport(reportID byte, length int) ([]byte, error) {
	return d.getReport("get input report", reportID, length, int(d.InputReportByteLength), ReportHandle.GetInputReport)
}

// GetFeatureReport issues a blocking feature-report request. Semantics
// mirror GetInputReport against FeatureReportByteLength.
func (d *Device) GetFeatureReport(reportID byte, length int) ([]byte, error) {
	return d.getReport("get feature report", reportID, length, int(d.FeatureReportByteLength), ReportHandle.GetFeatureReport)
}

func (d *Device) getReport(op string, reportID byte, length, capability int, fn func(ReportHandle, []byte) (int, error)) ([]byte, error) {
	if length+1 > capability {
		return nil, ErrDataOverlength
	}
	h, err := d.acquire()
	if err != nil {
		return nil, err
	}
	buf := inputFrame(reportID, capability)
	if _, err := fn(h, buf); err != nil {
		d.Close()
		return nil, platformError(op, err)
	}
	if err := d.Close(); err != nil {
		return nil, err
	}
	return trimReport(buf, reportID, length), nil
}

// Write sends data as a streaming write and returns the number of
// bytes actually transferred. A zero-byte transfer is an error.
func (d *Device) Write(reportID byte, data []byte) (int, error) {
	if len(data)+1 > int(d.OutputReportByteLength) {
		return 0, ErrDataOverlength
	}
	h, err := d.acquire()
	if err != nil {
		return 0, err
	}
	n, err := h.Write(outputFrame(reportID, data, int(d.OutputReportByteLength)))
	if err != nil {
		d.Close()
		return 0, platformError("write", err)
	}
	if cerr := d.Close(); cerr != nil {
		return 0, cerr
	}
	if n == 0 {
		return 0, fmt.Errorf("write: no bytes transferred")
	}
	return n, nil
}

// ReadContinuous issues one streaming read and leaves the handle open
// so a caller-driven polling loop does not reopen the device on every
// iteration. The caller owns the eventual Close. On error the handle
// is closed; the next call reopens it.
func (d *Device) ReadContinuous(reportID byte, length int) ([]byte, error) {
	if length+1 > int(d.InputReportByteLength) {
		return nil, ErrDataOverlength
	}
	h, err := d.acquire()
	if err != nil {
		return nil, err
	}
	buf := inputFrame(reportID, int(d.InputReportByteLength))
	n, err := h.Read(buf)
	if err != nil {
		d.Close()
		return nil, platformError("read", err)
	}
	if n == 0 {
		d.Close()
		return nil, fmt.Errorf("read: no bytes transferred")
	}
	return trimReport(buf, reportID, length), nil
}

// Read is a single-shot convenience: one ReadContinuous followed by a
// handle close.
func (d *Device) Read(reportID byte, length int) ([]byte, error) {
	data, err := d.ReadContinuous(reportID, length)
	cerr := d.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	return data, nil
}

// Flush discards already-queued unread reports before a fresh read
// sequence. A flush failure is logged and not returned; only handle
// acquisition can fail here.
func (d *Device) Flush() error {
	h, err := d.acquire()
	if err != nil {
		return err
	}
	if err := h.Flush(); err != nil {
		d.logger().Warn("failed to flush the read queue", zap.String("path", d.Path), zap.Error(err))
	}
	return nil
}

func outputFrame(reportID byte, data []byte, length int) []byte {
	buf := make([]byte, length)
	buf[0] = reportID
	copy(buf[1:], data)
	return buf
}

func inputFrame(reportID byte, length int) []byte {
	buf := make([]byte, length)
	buf[0] = reportID
	return buf
}

func trimReport(buf []byte, reportID byte, length int) []byte {
	if len(buf) > 0 && buf[0] == reportID {
		buf = buf[1:]
	}
	if len(buf) > length {
		buf = buf[:length]
	}
	return buf
}
