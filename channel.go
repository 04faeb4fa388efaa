package candle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
)

// Channel is one CAN interface of an open Device. It is only valid for the
// session that created it; after Device.Close every operation fails with
// ErrInvalidState.
//
// Send, Receive and State may be called concurrently. Timing, Start and
// Stop calls must not race with each other on the same channel.
type Channel struct {
	dev   *Device
	h     Handle
	index int
	info  channelInfo
	rx    chan *frame.Frame

	mu       sync.Mutex
	phase    Phase
	closed   bool
	mode     Mode
	nominal  *bittiming.Timing
	data     *bittiming.Timing
	stopChan chan struct{}

	sent      atomic.Uint64
	recv      atomic.Uint64
	errFrames atomic.Uint64
	dropped   atomic.Uint64
}

func newChannel(d *Device, h Handle, index int, info channelInfo) *Channel {
	return &Channel{
		dev:   d,
		h:     h,
		index: index,
		info:  info,
		rx:    make(chan *frame.Frame, d.cfg.RxQueueSize),
	}
}

func (c *Channel) Index() int                              { return c.index }
func (c *Channel) Features() Feature                       { return c.info.feature }
func (c *Channel) ClockHz() uint32                         { return c.info.clock }
func (c *Channel) NominalConstraint() bittiming.Constraint { return c.info.nominal }
func (c *Channel) DataConstraint() bittiming.Constraint    { return c.info.data }

// Dropped returns the number of frames discarded because the receive queue
// was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

func (c *Channel) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Mode returns the mode the channel was started with.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// BitTiming returns the nominal timing last applied.
func (c *Channel) BitTiming() (bittiming.Timing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nominal == nil {
		return bittiming.Timing{}, false
	}
	return *c.nominal, true
}

// DataBitTiming returns the data phase timing last applied.
func (c *Channel) DataBitTiming() (bittiming.Timing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return bittiming.Timing{}, false
	}
	return *c.data, true
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel %d (%s, %d Hz)", c.index, c.Phase(), c.info.clock)
}

func (c *Channel) errClosed() error {
	return fmt.Errorf("%w: channel %d: device closed", ErrInvalidState, c.index)
}

// checkConfigurable must be called with c.mu held.
func (c *Channel) checkConfigurable() error {
	if c.closed {
		return c.errClosed()
	}
	if c.phase == PhaseRunning {
		return fmt.Errorf("%w: channel %d is running", ErrInvalidState, c.index)
	}
	return nil
}

// SetBitTiming applies the nominal (arbitration phase) timing.
func (c *Channel) SetBitTiming(ctx context.Context, t bittiming.Timing) error {
	return c.setTiming(ctx, gsusb.BreqBitTiming, c.info.nominal, t, false)
}

// SetDataBitTiming applies the CAN-FD data phase timing.
func (c *Channel) SetDataBitTiming(ctx context.Context, t bittiming.Timing) error {
	if !c.info.feature.Has(FeatureFD) {
		return fmt.Errorf("%w: channel %d: data bit timing needs fd", ErrUnsupportedFeature, c.index)
	}
	request := uint8(gsusb.BreqDataBitTiming)
	if c.info.feature.Has(FeatureQuirkBreqCantactPro) {
		request = gsusb.BreqQuirkCantactProDataBitTiming
	}
	return c.setTiming(ctx, request, c.info.data, t, true)
}

// SetBitrate solves the nominal timing for bitrate against the channel's
// constraint and clock and applies it. A zero samplePoint selects the
// default for the bitrate.
func (c *Channel) SetBitrate(ctx context.Context, bitrate, samplePoint uint32) (bittiming.Timing, error) {
	t, err := bittiming.Solve(c.info.nominal, bitrate, c.info.clock, samplePoint)
	if err != nil {
		return t, fmt.Errorf("channel %d: %w", c.index, err)
	}
	return t, c.SetBitTiming(ctx, t)
}

// SetDataBitrate is SetBitrate for the CAN-FD data phase.
func (c *Channel) SetDataBitrate(ctx context.Context, bitrate, samplePoint uint32) (bittiming.Timing, error) {
	if !c.info.feature.Has(FeatureFD) {
		return bittiming.Timing{}, fmt.Errorf("%w: channel %d: data bitrate needs fd", ErrUnsupportedFeature, c.index)
	}
	t, err := bittiming.Solve(c.info.data, bitrate, c.info.clock, samplePoint)
	if err != nil {
		return t, fmt.Errorf("channel %d: %w", c.index, err)
	}
	return t, c.SetDataBitTiming(ctx, t)
}

func (c *Channel) setTiming(ctx context.Context, request uint8, constraint bittiming.Constraint, t bittiming.Timing, data bool) error {
	c.mu.Lock()
	err := c.checkConfigurable()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Validate(constraint); err != nil {
		return fmt.Errorf("channel %d: %w", c.index, err)
	}

	wire := gsusb.DeviceBitTiming{PropSeg: t.PropSeg, PhaseSeg1: t.PhaseSeg1, PhaseSeg2: t.PhaseSeg2, SJW: t.SJW, BRP: t.BRP}
	if err := c.dev.controlOut(ctx, c.h, request, uint16(c.index), wire); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.errClosed()
	}
	if data {
		c.data = &t
	} else {
		c.nominal = &t
	}
	if c.phase == PhaseClosed {
		c.phase = PhaseConfigured
	}
	return nil
}

// Start puts the channel on the bus in mode m.
func (c *Channel) Start(ctx context.Context, m Mode) error {
	if m&^modeMask != 0 {
		return fmt.Errorf("%w: channel %d: unknown mode bits 0x%X", ErrUnsupportedFeature, c.index, uint32(m&^modeMask))
	}
	if missing := m.Requires() &^ c.info.feature; missing != 0 {
		return fmt.Errorf("%w: channel %d: %s", ErrUnsupportedFeature, c.index, missing)
	}

	c.mu.Lock()
	err := c.checkConfigurable()
	switch {
	case err != nil:
	case c.phase != PhaseConfigured || c.nominal == nil:
		err = fmt.Errorf("%w: channel %d: bit timing not set", ErrInvalidState, c.index)
	case m.Has(ModeFD) && c.data == nil:
		err = fmt.Errorf("%w: channel %d: data bit timing not set", ErrInvalidState, c.index)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.dev.controlOut(ctx, c.h, gsusb.BreqMode, uint16(c.index), gsusb.DeviceMode{Mode: gsusb.ModeStart, Flags: uint32(m)}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.errClosed()
	}
	c.flush()
	c.mode = m
	c.phase = PhaseRunning
	c.stopChan = make(chan struct{})
	return nil
}

// Stop takes a running channel off the bus. It is a no-op unless the
// channel is running. A failed reset request is reported as an event.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRunning {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseConfigured
	c.mode = ModeNormal
	close(c.stopChan)
	c.mu.Unlock()

	if err := c.dev.controlOut(ctx, c.h, gsusb.BreqMode, uint16(c.index), gsusb.DeviceMode{Mode: gsusb.ModeReset}); err != nil {
		c.dev.Warn(fmt.Sprintf("channel %d: reset failed: %v", c.index, err))
	}
	return nil
}

// shutdown is called by Device.Close.
func (c *Channel) shutdown(ctx context.Context) {
	c.mu.Lock()
	running := c.phase == PhaseRunning
	if running {
		close(c.stopChan)
	}
	c.phase = PhaseClosed
	c.closed = true
	c.mode = ModeNormal
	c.mu.Unlock()

	if running {
		if err := c.dev.controlOut(ctx, c.h, gsusb.BreqMode, uint16(c.index), gsusb.DeviceMode{Mode: gsusb.ModeReset}); err != nil {
			c.dev.Warn(fmt.Sprintf("channel %d: reset failed: %v", c.index, err))
		}
	}
}

// running returns the stop channel and mode of a running channel.
func (c *Channel) running() (<-chan struct{}, Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, c.errClosed()
	}
	if c.phase != PhaseRunning {
		return nil, 0, fmt.Errorf("%w: channel %d is %s", ErrInvalidState, c.index, c.phase)
	}
	return c.stopChan, c.mode, nil
}

// Send queues f to the adapter. It waits up to timeout (the configured
// SendTimeout when zero) for the adapter to accept the frame; expiry does
// not recall a frame the adapter already took. f is not modified.
func (c *Channel) Send(ctx context.Context, f *frame.Frame, timeout time.Duration) error {
	_, mode, err := c.running()
	if err != nil {
		return err
	}
	if f.FD && !mode.Has(ModeFD) {
		return fmt.Errorf("%w: channel %d: fd frame in classic mode", ErrUnsupportedFeature, c.index)
	}
	if timeout <= 0 {
		timeout = c.dev.cfg.SendTimeout
	}

	tx := f.Clone()
	tx.RX = false
	tx.Overflow = false
	tx.Timestamp = 0
	tx.Channel = uint8(c.index)
	tx.EchoID = c.dev.nextEchoID()
	b, err := frame.Encode(tx, frame.Layout{Quirk: c.info.feature.Has(FeatureReqUSBQuirkLPC546XX)})
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case c.dev.txSem <- struct{}{}:
	case <-wctx.Done():
		return c.waitError(ctx, "send", timeout)
	}
	defer func() { <-c.dev.txSem }()

	n, err := c.h.BulkWrite(wctx, b)
	if err != nil {
		if wctx.Err() != nil {
			return c.waitError(ctx, "send", timeout)
		}
		return fmt.Errorf("channel %d: failed to send frame: %w", c.index, err)
	}
	if n != len(b) {
		return fmt.Errorf("channel %d: sent %d bytes of data out of %d", c.index, n, len(b))
	}
	c.sent.Add(1)
	if c.dev.cfg.Debug {
		log.Printf("tx %d: %s", c.index, tx)
	}
	return nil
}

// Receive returns the next frame reported by the adapter for this channel:
// a transmit echo, a received frame or an error frame. It waits up to
// timeout (the configured ReceiveTimeout when zero).
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*frame.Frame, error) {
	stop, _, err := c.running()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.dev.cfg.ReceiveTimeout
	}

	select {
	case f := <-c.rx:
		return f, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-c.rx:
		return f, nil
	case <-t.C:
		return nil, &TimeoutError{Op: "receive", Timeout: timeout, Channel: c.index}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stop:
		return nil, fmt.Errorf("%w: channel %d stopped", ErrInvalidState, c.index)
	}
}

func (c *Channel) waitError(ctx context.Context, op string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &TimeoutError{Op: op, Timeout: timeout, Channel: c.index}
}

// State queries the controller error state. It is never cached.
// Firmware without FeatureGetState stalls BREQ_GET_STATE or answers with
// stale data, so State returns ErrUnsupportedFeature for it instead of
// sending the request, as the Linux gs_usb driver does.
func (c *Channel) State(ctx context.Context) (ChannelState, error) {
	if err := c.alive(FeatureGetState, "get state"); err != nil {
		return ChannelState{}, err
	}
	var st gsusb.DeviceState
	if err := c.dev.controlIn(ctx, c.h, gsusb.BreqGetState, uint16(c.index), gsusb.DeviceStateSize, &st); err != nil {
		return ChannelState{}, err
	}
	return ChannelState{BusState: BusState(st.State), TxErrors: st.TxErr, RxErrors: st.RxErr}, nil
}

// Termination reports whether the on-board bus terminator is enabled.
func (c *Channel) Termination(ctx context.Context) (bool, error) {
	if err := c.alive(FeatureTermination, "termination"); err != nil {
		return false, err
	}
	var v gsusb.Uint32
	if err := c.dev.controlIn(ctx, c.h, gsusb.BreqGetTermination, uint16(c.index), gsusb.Uint32Size, &v); err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *Channel) SetTermination(ctx context.Context, enable bool) error {
	if err := c.alive(FeatureTermination, "termination"); err != nil {
		return err
	}
	return c.dev.controlOut(ctx, c.h, gsusb.BreqSetTermination, uint16(c.index), boolWord(enable))
}

// Identify blinks the channel LED until turned off again.
func (c *Channel) Identify(ctx context.Context, on bool) error {
	if err := c.alive(FeatureIdentify, "identify"); err != nil {
		return err
	}
	return c.dev.controlOut(ctx, c.h, gsusb.BreqIdentify, uint16(c.index), boolWord(on))
}

func (c *Channel) alive(need Feature, what string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return c.errClosed()
	}
	if !c.info.feature.Has(need) {
		return fmt.Errorf("%w: channel %d: %s", ErrUnsupportedFeature, c.index, what)
	}
	return nil
}

func boolWord(b bool) gsusb.Uint32 {
	if b {
		return 1
	}
	return 0
}

// deliver hands a host frame from the receive loop to the channel queue.
func (c *Channel) deliver(b []byte) {
	c.mu.Lock()
	running, mode := c.phase == PhaseRunning, c.mode
	c.mu.Unlock()
	if !running {
		if c.dev.cfg.Debug {
			log.Printf("rx %d: dropped frame while %s", c.index, c.Phase())
		}
		return
	}

	f, err := frame.Decode(b, frame.Layout{Timestamp: mode.Has(ModeHardwareTimestamp)})
	if err != nil {
		c.dev.Error(fmt.Errorf("channel %d: %w", c.index, err))
		return
	}
	if f.Overflow {
		c.dev.Warn(fmt.Sprintf("channel %d: adapter receive overflow", c.index))
	}
	if f.Error {
		c.errFrames.Add(1)
	}
	select {
	case c.rx <- f:
		c.recv.Add(1)
	default:
		c.dropped.Add(1)
		c.dev.dropped.Add(1)
		c.dev.Error(fmt.Errorf("channel %d: %w", c.index, ErrDroppedFrame))
	}
}

// flush must be called with c.mu held.
func (c *Channel) flush() {
	for {
		select {
		case <-c.rx:
		default:
			return
		}
	}
}

// IsTimeout reports whether err is a timeout from a channel operation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
