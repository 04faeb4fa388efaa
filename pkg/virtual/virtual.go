// Package virtual emulates gs_usb adapters in memory. It implements the
// candle Transport so the driver can be exercised without hardware.
package virtual

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
)

var (
	// ErrStall is returned for control requests the firmware would stall.
	ErrStall  = errors.New("virtual: request stalled")
	errClosed = errors.New("virtual: handle closed")
)

var (
	ClassicLimits = gsusb.Limits{Tseg1Min: 1, Tseg1Max: 16, Tseg2Min: 1, Tseg2Max: 8, SJWMax: 4, BRPMin: 1, BRPMax: 1024, BRPInc: 1}
	FDLimits      = gsusb.Limits{Tseg1Min: 2, Tseg1Max: 256, Tseg2Min: 2, Tseg2Max: 128, SJWMax: 128, BRPMin: 1, BRPMax: 512, BRPInc: 1}
	FDDataLimits  = gsusb.Limits{Tseg1Min: 1, Tseg1Max: 32, Tseg2Min: 1, Tseg2Max: 16, SJWMax: 16, BRPMin: 1, BRPMax: 32, BRPInc: 1}

	DefaultFeatures = gsusb.FeatureListenOnly | gsusb.FeatureLoopBack | gsusb.FeatureTripleSample |
		gsusb.FeatureOneShot | gsusb.FeatureHWTimestamp | gsusb.FeatureIdentify |
		gsusb.FeatureTermination | gsusb.FeatureBerrReporting | gsusb.FeatureGetState
)

const inQueueSize = 1024

var addressCounter atomic.Int32

type options struct {
	channels     int
	fd           bool
	features     *uint32
	clock        uint32
	sw, hw       uint32
	vid, pid     uint16
	manufacturer string
	product      string
	bus          *Bus
}

type Option func(*options)

func WithChannels(n int) Option { return func(o *options) { o.channels = n } }

// WithFD makes every channel CAN-FD capable with an 80 MHz clock.
func WithFD() Option { return func(o *options) { o.fd = true } }

// WithFeatures replaces the advertised feature bits of every channel.
func WithFeatures(f uint32) Option { return func(o *options) { o.features = &f } }

func WithClock(hz uint32) Option { return func(o *options) { o.clock = hz } }

func WithVersion(sw, hw uint32) Option { return func(o *options) { o.sw, o.hw = sw, hw } }

func WithIdentity(vid, pid uint16, manufacturer, product string) Option {
	return func(o *options) {
		o.vid, o.pid, o.manufacturer, o.product = vid, pid, manufacturer, product
	}
}

// WithBus attaches the adapter to a shared bus.
func WithBus(b *Bus) Option { return func(o *options) { o.bus = b } }

type channel struct {
	feature uint32
	clock   uint32
	nominal gsusb.Limits
	data    gsusb.Limits

	bitTiming     *gsusb.DeviceBitTiming
	dataBitTiming *gsusb.DeviceBitTiming
	running       bool
	mode          uint32
	termination   bool
	identify      bool
	state         gsusb.DeviceState
	overflow      bool
}

// Device is one emulated adapter.
type Device struct {
	desc  candle.DeviceDescriptor
	sw    uint32
	hw    uint32
	bus   *Bus
	start time.Time

	mu        sync.Mutex
	channels  []*channel
	claimed   bool
	unplugged bool
	stalled   bool
	in        chan []byte
	gone      chan struct{}
}

// New creates an adapter. The default is a single channel classic
// candleLight with a 48 MHz clock.
func New(opts ...Option) *Device {
	o := options{
		channels:     1,
		clock:        48_000_000,
		sw:           2,
		hw:           1,
		vid:          0x1d50,
		pid:          0x606f,
		manufacturer: "gocandle",
		product:      "virtual candleLight",
	}
	for _, opt := range opts {
		opt(&o)
	}

	addr := int(addressCounter.Add(1))
	d := &Device{
		desc: candle.DeviceDescriptor{
			Bus:          1,
			Address:      addr,
			VendorID:     o.vid,
			ProductID:    o.pid,
			Manufacturer: o.manufacturer,
			Product:      o.product,
			SerialNumber: fmt.Sprintf("VIRTUAL%04d", addr),
		},
		sw:    o.sw,
		hw:    o.hw,
		bus:   o.bus,
		start: time.Now(),
		in:    make(chan []byte, inQueueSize),
		gone:  make(chan struct{}),
	}
	for i := 0; i < o.channels; i++ {
		c := &channel{feature: DefaultFeatures, clock: o.clock, nominal: ClassicLimits}
		if o.fd {
			c.feature |= gsusb.FeatureFD | gsusb.FeatureBTConstExt
			c.nominal, c.data = FDLimits, FDDataLimits
			if o.clock == 48_000_000 {
				c.clock = 80_000_000
			}
		}
		if o.features != nil {
			c.feature = *o.features
			if c.feature&gsusb.FeatureBTConstExt == 0 {
				c.data = c.nominal
			}
		}
		c.state.State = gsusb.StateStopped
		d.channels = append(d.channels, c)
	}
	if d.bus != nil {
		d.bus.attach(d)
	}
	return d
}

func (d *Device) Descriptor() candle.DeviceDescriptor { return d.desc }

// SetState sets what the adapter reports for BREQ_GET_STATE.
func (d *Device) SetState(ch int, state candle.BusState, txErr, rxErr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch].state = gsusb.DeviceState{State: uint32(state), TxErr: txErr, RxErr: rxErr}
}

// Stall makes bulk writes block until their context is done, as when the
// adapter stops taking frames.
func (d *Device) Stall(stalled bool) {
	d.mu.Lock()
	d.stalled = stalled
	d.mu.Unlock()
}

// Unplug disconnects the adapter for good.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.unplugged {
		d.unplugged = true
		close(d.gone)
	}
}

// Inject queues f as if it had been received from the bus on channel ch.
func (d *Device) Inject(ch int, f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.channels) {
		return fmt.Errorf("virtual: no channel %d", ch)
	}
	if !d.channels[ch].running {
		return fmt.Errorf("virtual: channel %d not started", ch)
	}
	return d.queueRX(ch, f)
}

func (d *Device) Running(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].running
}

// Mode returns the mode flags channel ch was started with.
func (d *Device) Mode(ch int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].mode
}

func (d *Device) Termination(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].termination
}

func (d *Device) Identifying(ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].identify
}

func (d *Device) BitTiming(ch int) (gsusb.DeviceBitTiming, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.channels[ch].bitTiming; t != nil {
		return *t, true
	}
	return gsusb.DeviceBitTiming{}, false
}

func (d *Device) DataBitTiming(ch int) (gsusb.DeviceBitTiming, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t := d.channels[ch].dataBitTiming; t != nil {
		return *t, true
	}
	return gsusb.DeviceBitTiming{}, false
}

func (d *Device) timestamp() uint32 {
	return uint32(time.Since(d.start).Microseconds())
}

func (d *Device) claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unplugged {
		return fmt.Errorf("%s: %w", d.desc, candle.ErrDeviceNotFound)
	}
	if d.claimed {
		return fmt.Errorf("%s: %w: interface claimed", d.desc, candle.ErrDeviceBusy)
	}
	d.claimed = true
	for {
		select {
		case <-d.in:
		default:
			return nil
		}
	}
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = false
	for _, c := range d.channels {
		c.running, c.mode = false, 0
	}
}

// queueRX must be called with d.mu held.
func (d *Device) queueRX(ch int, f *frame.Frame) error {
	c := d.channels[ch]
	rx := f.Clone()
	rx.RX = true
	rx.EchoID = frame.RXEchoID
	rx.Channel = uint8(ch)
	rx.Overflow = c.overflow
	hwts := c.mode&gsusb.FeatureHWTimestamp != 0
	if hwts {
		rx.Timestamp = d.timestamp()
	}
	raw, err := frame.Encode(rx, frame.Layout{Timestamp: hwts})
	if err != nil {
		return err
	}
	select {
	case d.in <- raw:
		c.overflow = false
	default:
		c.overflow = true
	}
	return nil
}

func (d *Device) receiveFromBus(f rxFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unplugged || !d.claimed {
		return
	}
	for i, c := range d.channels {
		if !c.running || (f.FD && c.mode&gsusb.FeatureFD == 0) {
			continue
		}
		_ = d.queueRX(i, f.Frame)
	}
}

// rxFrame is a frame as seen on the bus.
type rxFrame struct {
	*frame.Frame
}

func (d *Device) channel(value uint16) (*channel, error) {
	if int(value) >= len(d.channels) {
		return nil, fmt.Errorf("%w: no channel %d", ErrStall, value)
	}
	return d.channels[value], nil
}

func checkTiming(t gsusb.DeviceBitTiming, l gsusb.Limits) error {
	tseg1 := t.PropSeg + t.PhaseSeg1
	switch {
	case tseg1 < l.Tseg1Min || tseg1 > l.Tseg1Max,
		t.PhaseSeg2 < l.Tseg2Min || t.PhaseSeg2 > l.Tseg2Max,
		t.SJW == 0 || (l.SJWMax > 0 && t.SJW > l.SJWMax),
		t.BRP < l.BRPMin || t.BRP > l.BRPMax:
		return fmt.Errorf("%w: timing %+v outside %+v", ErrStall, t, l)
	}
	return nil
}
