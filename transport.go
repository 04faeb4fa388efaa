package candle

import (
	"context"
	"fmt"
)

// DeviceDescriptor identifies a USB device found by a Transport.
type DeviceDescriptor struct {
	Bus          int
	Address      int
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%03d.%03d %04x:%04x %s %s (%s)", d.Bus, d.Address, d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.SerialNumber)
}

// Transport enumerates and opens USB devices.
type Transport interface {
	ListDevices(ctx context.Context) ([]DeviceDescriptor, error)
	// Open claims interface 0 of the device exclusively. It returns
	// ErrDeviceBusy when the interface is already claimed and
	// ErrDeviceNotFound when the device is gone.
	Open(ctx context.Context, desc DeviceDescriptor) (Handle, error)
}

// Handle is a claimed gs_usb interface. Control requests are vendor
// requests addressed to the interface; value carries the channel index.
type Handle interface {
	ControlWrite(ctx context.Context, request uint8, value, index uint16, payload []byte) error
	ControlRead(ctx context.Context, request uint8, value, index uint16, buf []byte) (int, error)
	BulkWrite(ctx context.Context, b []byte) (int, error)
	BulkRead(ctx context.Context, b []byte) (int, error)
	Close() error
}
