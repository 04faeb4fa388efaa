package virtual

import (
	"context"
	"fmt"
	"sync"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
)

// Transport lists and opens virtual adapters.
type Transport struct {
	mu      sync.Mutex
	devices []*Device
}

func NewTransport(devices ...*Device) *Transport {
	return &Transport{devices: devices}
}

// Add plugs in another adapter.
func (t *Transport) Add(d *Device) {
	t.mu.Lock()
	t.devices = append(t.devices, d)
	t.mu.Unlock()
}

func (t *Transport) ListDevices(ctx context.Context) ([]candle.DeviceDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []candle.DeviceDescriptor
	for _, d := range t.devices {
		d.mu.Lock()
		unplugged := d.unplugged
		d.mu.Unlock()
		if !unplugged {
			out = append(out, d.desc)
		}
	}
	return out, nil
}

func (t *Transport) Open(ctx context.Context, desc candle.DeviceDescriptor) (candle.Handle, error) {
	t.mu.Lock()
	var dev *Device
	for _, d := range t.devices {
		if d.desc.Bus == desc.Bus && d.desc.Address == desc.Address {
			dev = d
			break
		}
	}
	t.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("%s: %w", desc, candle.ErrDeviceNotFound)
	}
	if err := dev.claim(); err != nil {
		return nil, err
	}
	return &handle{d: dev, closed: make(chan struct{})}, nil
}

type handle struct {
	d      *Device
	once   sync.Once
	closed chan struct{}
}

func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		h.d.release()
	})
	return nil
}

func (h *handle) check() error {
	select {
	case <-h.closed:
		return errClosed
	default:
	}
	if h.d.unplugged {
		return fmt.Errorf("%s: %w", h.d.desc, candle.ErrDeviceNotFound)
	}
	return nil
}

func (h *handle) ControlWrite(ctx context.Context, request uint8, value, index uint16, payload []byte) error {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}

	if request == gsusb.BreqHostFormat {
		var hc gsusb.HostConfig
		if err := hc.UnmarshalBinary(payload); err != nil {
			return err
		}
		if hc.ByteOrder != gsusb.HostFormatMagic {
			return fmt.Errorf("%w: byte order 0x%08X", ErrStall, hc.ByteOrder)
		}
		return nil
	}

	c, err := d.channel(value)
	if err != nil {
		return err
	}
	switch request {
	case gsusb.BreqBitTiming:
		var bt gsusb.DeviceBitTiming
		if err := bt.UnmarshalBinary(payload); err != nil {
			return err
		}
		if c.running {
			return fmt.Errorf("%w: channel %d running", ErrStall, value)
		}
		if err := checkTiming(bt, c.nominal); err != nil {
			return err
		}
		c.bitTiming = &bt

	case gsusb.BreqDataBitTiming, gsusb.BreqQuirkCantactProDataBitTiming:
		want := uint32(gsusb.FeatureFD)
		if request == gsusb.BreqQuirkCantactProDataBitTiming {
			want |= gsusb.FeatureQuirkBreqCantactPro
		}
		if c.feature&want != want {
			return fmt.Errorf("%w: data bit timing", ErrStall)
		}
		var bt gsusb.DeviceBitTiming
		if err := bt.UnmarshalBinary(payload); err != nil {
			return err
		}
		if c.running {
			return fmt.Errorf("%w: channel %d running", ErrStall, value)
		}
		if err := checkTiming(bt, c.data); err != nil {
			return err
		}
		c.dataBitTiming = &bt

	case gsusb.BreqMode:
		var m gsusb.DeviceMode
		if err := m.UnmarshalBinary(payload); err != nil {
			return err
		}
		switch m.Mode {
		case gsusb.ModeReset:
			c.running, c.mode = false, 0
			c.state.State = gsusb.StateStopped
		case gsusb.ModeStart:
			switch {
			case m.Flags&^c.feature != 0:
				return fmt.Errorf("%w: mode 0x%X not supported", ErrStall, m.Flags)
			case c.bitTiming == nil:
				return fmt.Errorf("%w: no bit timing", ErrStall)
			case m.Flags&gsusb.FeatureFD != 0 && c.dataBitTiming == nil:
				return fmt.Errorf("%w: no data bit timing", ErrStall)
			}
			c.running, c.mode, c.overflow = true, m.Flags, false
			if c.state.State == gsusb.StateStopped {
				c.state.State = gsusb.StateErrorActive
			}
		default:
			return fmt.Errorf("%w: mode %d", ErrStall, m.Mode)
		}

	case gsusb.BreqSetTermination:
		if c.feature&gsusb.FeatureTermination == 0 {
			return fmt.Errorf("%w: termination", ErrStall)
		}
		var v gsusb.Uint32
		if err := v.UnmarshalBinary(payload); err != nil {
			return err
		}
		c.termination = v != 0

	case gsusb.BreqIdentify:
		if c.feature&gsusb.FeatureIdentify == 0 {
			return fmt.Errorf("%w: identify", ErrStall)
		}
		var v gsusb.Uint32
		if err := v.UnmarshalBinary(payload); err != nil {
			return err
		}
		c.identify = v == gsusb.IdentifyOn

	case gsusb.BreqBerr:

	default:
		return fmt.Errorf("%w: request %d", ErrStall, request)
	}
	return nil
}

func (h *handle) ControlRead(ctx context.Context, request uint8, value, index uint16, buf []byte) (int, error) {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := h.check(); err != nil {
		return 0, err
	}

	var (
		b   []byte
		err error
	)
	switch request {
	case gsusb.BreqDeviceConfig:
		b, err = gsusb.DeviceConfig{ICount: uint8(len(d.channels) - 1), SWVersion: d.sw, HWVersion: d.hw}.MarshalBinary()
	case gsusb.BreqTimestamp:
		b, err = gsusb.Uint32(d.timestamp()).MarshalBinary()
	default:
		c, cerr := d.channel(value)
		if cerr != nil {
			return 0, cerr
		}
		switch request {
		case gsusb.BreqBTConst:
			b, err = gsusb.BTConst{Feature: c.feature, FclkCAN: c.clock, Nominal: c.nominal}.MarshalBinary()
		case gsusb.BreqBTConstExt:
			if c.feature&gsusb.FeatureBTConstExt == 0 {
				return 0, fmt.Errorf("%w: bt const ext", ErrStall)
			}
			b, err = gsusb.BTConstExtended{Feature: c.feature, FclkCAN: c.clock, Nominal: c.nominal, Data: c.data}.MarshalBinary()
		case gsusb.BreqGetTermination:
			if c.feature&gsusb.FeatureTermination == 0 {
				return 0, fmt.Errorf("%w: termination", ErrStall)
			}
			b, err = boolWord(c.termination).MarshalBinary()
		case gsusb.BreqGetState:
			if c.feature&gsusb.FeatureGetState == 0 {
				return 0, fmt.Errorf("%w: get state", ErrStall)
			}
			b, err = c.state.MarshalBinary()
		default:
			return 0, fmt.Errorf("%w: request %d", ErrStall, request)
		}
	}
	if err != nil {
		return 0, err
	}
	return copy(buf, b), nil
}

// BulkWrite takes one host frame. The adapter echoes it back unless the
// channel listens only, and puts it on the bus.
func (h *handle) BulkWrite(ctx context.Context, b []byte) (int, error) {
	d := h.d
	d.mu.Lock()
	if err := h.check(); err != nil {
		d.mu.Unlock()
		return 0, err
	}
	stalled := d.stalled
	d.mu.Unlock()

	if stalled {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-h.closed:
			return 0, errClosed
		case <-d.gone:
			return 0, candle.ErrDeviceNotFound
		}
	}

	f, err := frame.Decode(b, frame.Layout{})
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	c, err := d.channel(uint16(f.Channel))
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	if !c.running {
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: channel %d not started", ErrStall, f.Channel)
	}
	if c.mode&gsusb.FeatureListenOnly != 0 {
		d.mu.Unlock()
		return len(b), nil
	}
	hwts := c.mode&gsusb.FeatureHWTimestamp != 0
	echo := f.Clone()
	if hwts {
		echo.Timestamp = d.timestamp()
	}
	d.mu.Unlock()

	raw, err := frame.Encode(echo, frame.Layout{Timestamp: hwts})
	if err != nil {
		return 0, err
	}
	select {
	case d.in <- raw:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closed:
		return 0, errClosed
	}
	if d.bus != nil {
		f.Channel = 0
		d.bus.broadcast(d, rxFrame{f})
	}
	return len(b), nil
}

func (h *handle) BulkRead(ctx context.Context, b []byte) (int, error) {
	d := h.d
	select {
	case raw := <-d.in:
		return copy(b, raw), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closed:
		return 0, errClosed
	case <-d.gone:
		return 0, fmt.Errorf("%s: %w", d.desc, candle.ErrDeviceNotFound)
	}
}

func boolWord(b bool) gsusb.Uint32 {
	if b {
		return 1
	}
	return 0
}
