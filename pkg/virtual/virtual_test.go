package virtual

import (
	"context"
	"errors"
	"testing"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
)

func openHandle(t *testing.T, d *Device) candle.Handle {
	t.Helper()
	h, err := NewTransport(d).Open(context.Background(), d.Descriptor())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func write(t *testing.T, h candle.Handle, request uint8, value uint16, m interface{ MarshalBinary() ([]byte, error) }) error {
	t.Helper()
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return h.ControlWrite(context.Background(), request, value, 0, b)
}

func TestControlRequests(t *testing.T) {
	d := New(WithChannels(2))
	h := openHandle(t, d)
	good := gsusb.DeviceBitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 6}

	tests := []struct {
		name    string
		request uint8
		value   uint16
		payload interface{ MarshalBinary() ([]byte, error) }
		stall   bool
	}{
		{"host format", gsusb.BreqHostFormat, 1, gsusb.HostConfig{ByteOrder: gsusb.HostFormatMagic}, false},
		{"bad byte order", gsusb.BreqHostFormat, 1, gsusb.HostConfig{ByteOrder: 0xefbe0000}, true},
		{"start without timing", gsusb.BreqMode, 0, gsusb.DeviceMode{Mode: gsusb.ModeStart}, true},
		{"bit timing", gsusb.BreqBitTiming, 0, good, false},
		{"tseg2 too long", gsusb.BreqBitTiming, 1, gsusb.DeviceBitTiming{PropSeg: 1, PhaseSeg1: 2, PhaseSeg2: 9, SJW: 1, BRP: 1}, true},
		{"no such channel", gsusb.BreqBitTiming, 2, good, true},
		{"data timing on classic", gsusb.BreqDataBitTiming, 0, good, true},
		{"unsupported mode flag", gsusb.BreqMode, 0, gsusb.DeviceMode{Mode: gsusb.ModeStart, Flags: gsusb.FeatureFD}, true},
		{"start", gsusb.BreqMode, 0, gsusb.DeviceMode{Mode: gsusb.ModeStart, Flags: gsusb.FeatureLoopBack}, false},
		{"timing while running", gsusb.BreqBitTiming, 0, good, true},
		{"reset", gsusb.BreqMode, 0, gsusb.DeviceMode{Mode: gsusb.ModeReset}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := write(t, h, tt.request, tt.value, tt.payload)
			if tt.stall != errors.Is(err, ErrStall) {
				t.Errorf("got %v, stall %v", err, tt.stall)
			}
		})
	}
	if d.Running(0) {
		t.Error("channel running after reset")
	}
}

func TestDeviceConfig(t *testing.T) {
	d := New(WithChannels(3), WithVersion(4, 2))
	h := openHandle(t, d)
	buf := make([]byte, gsusb.DeviceConfigSize)
	n, err := h.ControlRead(context.Background(), gsusb.BreqDeviceConfig, 1, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	var c gsusb.DeviceConfig
	if err := c.UnmarshalBinary(buf[:n]); err != nil {
		t.Fatal(err)
	}
	if c.ChannelCount() != 3 || c.SWVersion != 4 || c.HWVersion != 2 {
		t.Errorf("device config %+v", c)
	}
}

func TestClaim(t *testing.T) {
	d := New()
	tr := NewTransport(d)
	h, err := tr.Open(context.Background(), d.Descriptor())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Open(context.Background(), d.Descriptor()); !errors.Is(err, candle.ErrDeviceBusy) {
		t.Errorf("second Open() = %v, want %v", err, candle.ErrDeviceBusy)
	}
	h.Close()
	h, err = tr.Open(context.Background(), d.Descriptor())
	if err != nil {
		t.Fatalf("Open() after Close = %v", err)
	}
	h.Close()

	d.Unplug()
	descs, _ := tr.ListDevices(context.Background())
	if len(descs) != 0 {
		t.Errorf("unplugged device listed: %v", descs)
	}
	if _, err := tr.Open(context.Background(), d.Descriptor()); !errors.Is(err, candle.ErrDeviceNotFound) {
		t.Errorf("Open() unplugged = %v, want %v", err, candle.ErrDeviceNotFound)
	}
}

func TestOverflowFlag(t *testing.T) {
	d := New()
	h := openHandle(t, d)
	good := gsusb.DeviceBitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 6}
	if err := write(t, h, gsusb.BreqBitTiming, 0, good); err != nil {
		t.Fatal(err)
	}
	if err := write(t, h, gsusb.BreqMode, 0, gsusb.DeviceMode{Mode: gsusb.ModeStart}); err != nil {
		t.Fatal(err)
	}

	f, _ := frame.New(0x10, []byte{1})
	for i := 0; i < inQueueSize+1; i++ {
		if err := d.Inject(0, f); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]byte, frame.Layout{}.Size(false))
	for i := 0; i < inQueueSize; i++ {
		if _, err := h.BulkRead(context.Background(), buf); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Inject(0, f); err != nil {
		t.Fatal(err)
	}
	n, err := h.BulkRead(context.Background(), buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := frame.Decode(buf[:n], frame.Layout{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Overflow || !got.RX {
		t.Errorf("frame after overflow: %+v", got)
	}
}
