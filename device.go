package candle

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
	"golang.org/x/mod/semver"
)

// channelInfo is what discovery learned about one channel. It never
// changes once the device has been read.
type channelInfo struct {
	feature Feature
	clock   uint32
	nominal bittiming.Constraint
	data    bittiming.Constraint
}

// Device is one gs_usb adapter. Devices are created by ListDevices and
// hold at most one open session at a time.
type Device struct {
	events

	tr   Transport
	desc DeviceDescriptor
	cfg  Config

	mu         sync.Mutex
	configured bool
	swVersion  uint32
	hwVersion  uint32
	info       []channelInfo
	h          Handle
	channels   []*Channel
	closeChan  chan struct{}
	done       chan struct{}

	txSem   chan struct{}
	echoID  atomic.Uint32
	dropped atomic.Uint64
}

func newDevice(tr Transport, desc DeviceDescriptor, cfg Config) *Device {
	return &Device{
		events: newEvents(cfg.EventQueueSize),
		tr:     tr,
		desc:   desc,
		cfg:    cfg,
		txSem:  make(chan struct{}, 1),
	}
}

// setConfig records the configuration read from the adapter. The caller
// holds d.mu or owns d exclusively.
func (d *Device) setConfig(r adapterConfig) {
	d.configured = true
	d.swVersion = r.dconf.SWVersion
	d.hwVersion = r.dconf.HWVersion
	d.info = r.info
}

func (d *Device) Descriptor() DeviceDescriptor { return d.desc }
func (d *Device) VendorID() uint16             { return d.desc.VendorID }
func (d *Device) ProductID() uint16            { return d.desc.ProductID }
func (d *Device) Manufacturer() string         { return d.desc.Manufacturer }
func (d *Device) Product() string              { return d.desc.Product }
func (d *Device) SerialNumber() string         { return d.desc.SerialNumber }

func (d *Device) SoftwareVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.swVersion
}

func (d *Device) HardwareVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwVersion
}

// Configured reports whether the adapter configuration is known. A device
// listed while another session held it learns its configuration on the
// first Open.
func (d *Device) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

// ChannelCount returns the number of CAN channels on the adapter, zero
// until its configuration is read.
func (d *Device) ChannelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.info)
}

// Capabilities describes what one channel can do, as read at discovery.
type Capabilities struct {
	Features Feature
	ClockHz  uint32
	Nominal  bittiming.Constraint
	Data     bittiming.Constraint // zero unless the channel supports FD
}

// Capabilities returns what discovery learned about channel i. It does not
// need an open session.
func (d *Device) Capabilities(i int) (Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.info) {
		return Capabilities{}, fmt.Errorf("%w: %d, device has %d", ErrIndexOutOfRange, i, len(d.info))
	}
	ci := d.info[i]
	return Capabilities{Features: ci.feature, ClockHz: ci.clock, Nominal: ci.nominal, Data: ci.data}, nil
}

// DroppedFrames returns the number of received frames discarded because a
// channel queue was full.
func (d *Device) DroppedFrames() uint64 { return d.dropped.Load() }

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.describe()
}

func (d *Device) describe() string {
	return fmt.Sprintf("%s %s (%s) sw %d hw %d, %d channel(s)", d.desc.Manufacturer, d.desc.Product, d.desc.SerialNumber, d.swVersion, d.hwVersion, len(d.info))
}

// IsOpen reports whether the device has an open session.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h != nil
}

// Open claims the adapter, resets every channel and starts receiving.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h != nil {
		return fmt.Errorf("%s: %w: already open", d.desc, ErrDeviceBusy)
	}
	if d.configured {
		if err := checkFirmware(d.swVersion, d.cfg.MinimumFirmwareVersion); err != nil {
			return err
		}
	}

	h, err := d.tr.Open(ctx, d.desc)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.desc, err)
	}
	if !d.configured {
		r, err := readConfig(ctx, h, d.desc, d.cfg)
		if err != nil {
			h.Close()
			return fmt.Errorf("read config of %s: %w", d.desc, err)
		}
		remember(d.desc, r)
		d.setConfig(r)
		if err := checkFirmware(d.swVersion, d.cfg.MinimumFirmwareVersion); err != nil {
			h.Close()
			return err
		}
	}

	if err := d.controlOut(ctx, h, gsusb.BreqHostFormat, 1, gsusb.HostConfig{ByteOrder: gsusb.HostFormatMagic}); err != nil {
		h.Close()
		return err
	}

	var rxSize int
	channels := make([]*Channel, len(d.info))
	for i, info := range d.info {
		if err := d.controlOut(ctx, h, gsusb.BreqMode, uint16(i), gsusb.DeviceMode{Mode: gsusb.ModeReset}); err != nil {
			h.Close()
			return fmt.Errorf("reset channel %d: %w", i, err)
		}
		l := frame.Layout{Timestamp: info.feature.Has(FeatureHardwareTimestamp)}
		if n := l.Size(info.feature.Has(FeatureFD)); n > rxSize {
			rxSize = n
		}
		channels[i] = newChannel(d, h, i, info)
	}

	d.h = h
	d.channels = channels
	d.closeChan = make(chan struct{})
	d.done = make(chan struct{})

	go d.recvManager(h, channels, rxSize, d.closeChan, d.done)
	if d.cfg.Debug {
		log.Printf("opened %s, rx size %d", d.describe(), rxSize)
	}
	return nil
}

// Close stops running channels, closes every channel and releases the
// adapter. Closing a closed device is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	h, channels, done := d.h, d.channels, d.done
	if h == nil {
		d.mu.Unlock()
		return nil
	}
	d.h, d.channels = nil, nil
	close(d.closeChan)
	d.mu.Unlock()

	ctx := context.Background()
	for _, c := range channels {
		c.shutdown(ctx)
	}

	select {
	case <-done:
	case <-time.After(d.cfg.ControlTimeout):
		d.Warn("receive loop did not stop in time")
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.desc, err)
	}
	if d.cfg.Debug {
		log.Printf("closed %s", d)
	}
	return nil
}

// Channel returns channel i of the open session.
func (d *Device) Channel(i int) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h == nil {
		return nil, fmt.Errorf("%w: device not open", ErrInvalidState)
	}
	if i < 0 || i >= len(d.channels) {
		return nil, fmt.Errorf("%w: %d, device has %d", ErrIndexOutOfRange, i, len(d.channels))
	}
	return d.channels[i], nil
}

func (d *Device) nextEchoID() uint32 {
	return (d.echoID.Add(1) - 1) % frame.RXEchoID
}

// readErrorBackoff is the pause after a failed bulk read.
const readErrorBackoff = 10 * time.Millisecond

// recvManager is the single reader of the bulk IN endpoint. It routes each
// host frame to the queue of the channel it names.
func (d *Device) recvManager(h Handle, channels []*Channel, rxSize int, closeChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if d.cfg.Debug {
		defer log.Println("recvManager exited")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-closeChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, rxSize)
	for {
		n, err := h.BulkRead(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrDeviceNotFound) {
				d.Error(fmt.Errorf("%s disconnected: %w", d.desc, err))
				return
			}
			d.Error(fmt.Errorf("failed to read from usb device: %w", err))
			if n == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(readErrorBackoff):
				}
				continue
			}
		}
		if n < frame.HeaderSize {
			d.Warn(fmt.Sprintf("short bulk transfer: %d bytes", n))
			continue
		}
		ch := int(buf[9])
		if ch >= len(channels) {
			d.Warn(fmt.Sprintf("frame for unknown channel %d", ch))
			continue
		}
		channels[ch].deliver(buf[:n])
	}
}

func (d *Device) controlOut(ctx context.Context, h Handle, request uint8, value uint16, payload encoding.BinaryMarshaler) error {
	b, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ControlTimeout)
	defer cancel()
	if d.cfg.Debug {
		log.Printf("control out %s value=%d: % 02X", requestName(request), value, b)
	}
	if err := h.ControlWrite(ctx, request, value, 0, b); err != nil {
		return controlError(request, int(value), d.cfg.ControlTimeout, err)
	}
	return nil
}

func (d *Device) controlIn(ctx context.Context, h Handle, request uint8, value uint16, size int, v encoding.BinaryUnmarshaler) error {
	return controlIn(ctx, h, d.cfg.ControlTimeout, d.cfg.Debug, request, value, size, v)
}

func controlIn(ctx context.Context, h Handle, timeout time.Duration, debug bool, request uint8, value uint16, size int, v encoding.BinaryUnmarshaler) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	buf := make([]byte, size)
	n, err := h.ControlRead(ctx, request, value, 0, buf)
	if err != nil {
		return controlError(request, int(value), timeout, err)
	}
	if debug {
		log.Printf("control in %s value=%d: % 02X", requestName(request), value, buf[:n])
	}
	if err := v.UnmarshalBinary(buf[:n]); err != nil {
		return fmt.Errorf("%s: %w", requestName(request), err)
	}
	return nil
}

func controlError(request uint8, channel int, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", &TimeoutError{Op: requestName(request), Timeout: timeout, Channel: channel}, err)
	}
	return fmt.Errorf("%s: %w", requestName(request), err)
}

func requestName(request uint8) string {
	switch request {
	case gsusb.BreqHostFormat:
		return "host format"
	case gsusb.BreqBitTiming:
		return "bit timing"
	case gsusb.BreqMode:
		return "mode"
	case gsusb.BreqBerr:
		return "berr"
	case gsusb.BreqBTConst:
		return "bt const"
	case gsusb.BreqDeviceConfig:
		return "device config"
	case gsusb.BreqTimestamp:
		return "timestamp"
	case gsusb.BreqIdentify:
		return "identify"
	case gsusb.BreqGetUserID:
		return "get user id"
	case gsusb.BreqSetUserID:
		return "set user id"
	case gsusb.BreqDataBitTiming:
		return "data bit timing"
	case gsusb.BreqBTConstExt:
		return "bt const ext"
	case gsusb.BreqSetTermination:
		return "set termination"
	case gsusb.BreqGetTermination:
		return "get termination"
	case gsusb.BreqGetState:
		return "get state"
	default:
		return fmt.Sprintf("request %d", request)
	}
}

func checkFirmware(sw uint32, minimum string) error {
	if minimum == "" {
		return nil
	}
	want := "v" + strings.TrimPrefix(minimum, "v")
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid minimum firmware version %q", minimum)
	}
	if semver.Compare(fmt.Sprintf("v%d", sw), want) < 0 {
		return fmt.Errorf("%w: version %d, need %s", ErrFirmwareTooOld, sw, minimum)
	}
	return nil
}
