// Package usb is the libusb backed candle Transport.
package usb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/gsusb"
	"github.com/google/gousb"
)

const (
	usbInterfaceNum = 0
	usbAltSetting   = 0

	requestOut = gousb.ControlVendor | gousb.ControlInterface | gousb.ControlOut
	requestIn  = gousb.ControlVendor | gousb.ControlInterface | gousb.ControlIn

	defaultControlTimeout = time.Second
)

// Transport talks to adapters through libusb. A Transport owns one libusb
// context; Close it when done.
type Transport struct {
	usbCtx *gousb.Context
	debug  bool
}

func New(debug bool) *Transport {
	return &Transport{usbCtx: gousb.NewContext(), debug: debug}
}

func (t *Transport) Close() error {
	return t.usbCtx.Close()
}

// ListDevices returns every attached adapter with a gs_usb vendor and
// product id. Devices that cannot be opened for their string descriptors
// are still listed with empty strings.
func (t *Transport) ListDevices(ctx context.Context) ([]candle.DeviceDescriptor, error) {
	var descs []candle.DeviceDescriptor
	devs, err := t.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !gsusb.IsKnown(uint16(desc.Vendor), uint16(desc.Product)) {
			return false
		}
		descs = append(descs, candle.DeviceDescriptor{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
		})
		return true
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 && len(descs) == 0 {
		return nil, mapError(err)
	}
	if err != nil && t.debug {
		log.Printf("usb: some devices could not be opened: %v", err)
	}

	for _, d := range devs {
		for i := range descs {
			if descs[i].Bus != d.Desc.Bus || descs[i].Address != d.Desc.Address {
				continue
			}
			descs[i].Manufacturer, _ = d.Manufacturer()
			descs[i].Product, _ = d.Product()
			descs[i].SerialNumber, _ = d.SerialNumber()
		}
	}
	return descs, nil
}

// Open claims interface 0 of the adapter at desc's bus address.
func (t *Transport) Open(ctx context.Context, desc candle.DeviceDescriptor) (candle.Handle, error) {
	devs, err := t.usbCtx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == desc.Bus && d.Address == desc.Address
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapError(err)
		}
		return nil, fmt.Errorf("%s: %w", desc, candle.ErrDeviceNotFound)
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]

	h := &handle{dev: dev, debug: t.debug}
	if err := h.setup(); err != nil {
		h.closeUSB()
		return nil, err
	}
	return h, nil
}

type handle struct {
	dev    *gousb.Device
	devCfg *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	debug  bool

	ctrlMu    sync.Mutex
	closeOnce sync.Once
}

func (h *handle) setup() error {
	if err := h.dev.SetAutoDetach(true); err != nil && h.debug {
		log.Printf("usb: auto detach: %v", err)
	}
	cfgNum, err := h.dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := h.dev.Config(cfgNum)
	if err != nil {
		return mapError(err)
	}
	h.devCfg = cfg
	iface, err := cfg.Interface(usbInterfaceNum, usbAltSetting)
	if err != nil {
		return mapError(err)
	}
	h.iface = iface

	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		return fmt.Errorf("usb: interface %d has no bulk endpoint pair", usbInterfaceNum)
	}
	if h.in, err = iface.InEndpoint(inNum); err != nil {
		return fmt.Errorf("InEndpoint(%d): %w", inNum, mapError(err))
	}
	if h.out, err = iface.OutEndpoint(outNum); err != nil {
		return fmt.Errorf("OutEndpoint(%d): %w", outNum, mapError(err))
	}
	if h.debug {
		log.Printf("usb: %s config %d in %d out %d", h.dev, cfgNum, inNum, outNum)
	}
	return nil
}

func (h *handle) ControlWrite(ctx context.Context, request uint8, value, index uint16, payload []byte) error {
	_, err := h.control(ctx, requestOut, request, value, index, payload)
	return err
}

func (h *handle) ControlRead(ctx context.Context, request uint8, value, index uint16, buf []byte) (int, error) {
	return h.control(ctx, requestIn, request, value, index, buf)
}

// control runs one blocking control transfer. libusb takes a timeout rather
// than a context, so the remaining time of ctx becomes the transfer timeout.
func (h *handle) control(ctx context.Context, rType, request uint8, value, index uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := defaultControlTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}

	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	h.dev.ControlTimeout = timeout
	n, err := h.dev.Control(rType, request, value, index, data)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

func (h *handle) BulkWrite(ctx context.Context, b []byte) (int, error) {
	n, err := h.out.WriteContext(ctx, b)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

func (h *handle) BulkRead(ctx context.Context, b []byte) (int, error) {
	n, err := h.in.ReadContext(ctx, b)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(h.closeUSB)
	return nil
}

func (h *handle) closeUSB() {
	if h.iface != nil {
		h.iface.Close()
	}
	if h.devCfg != nil {
		_ = h.devCfg.Close()
	}
	if h.dev != nil {
		_ = h.dev.Close()
	}
}

// mapError translates libusb failures into the candle error kinds. gousb
// flattens the libusb error into the message when it fails to set a
// configuration or claim an interface, so the text is matched as well.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isUSBError(err, gousb.ErrorBusy, gousb.ErrorAccess):
		return fmt.Errorf("%w: %v", candle.ErrDeviceBusy, err)
	case isUSBError(err, gousb.ErrorNoDevice, gousb.ErrorNotFound, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", candle.ErrDeviceNotFound, err)
	case isUSBError(err, gousb.ErrorTimeout, gousb.TransferTimedOut):
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func isUSBError(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) || strings.Contains(err.Error(), target.Error()) {
			return true
		}
	}
	return false
}
