package candle_test

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/gocandle/candle/pkg/frame"
	"github.com/gocandle/candle/pkg/gsusb"
	"github.com/gocandle/candle/pkg/virtual"
)

func listOne(t *testing.T, tr candle.Transport, opts ...candle.Option) *candle.Device {
	t.Helper()
	devs, err := candle.ListDevices(context.Background(), tr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 {
		t.Fatalf("found %d devices, want 1", len(devs))
	}
	return devs[0]
}

// openVirtual lists and opens a single virtual adapter.
func openVirtual(t *testing.T, vopts []virtual.Option, opts ...candle.Option) (*candle.Device, *virtual.Device) {
	t.Helper()
	v := virtual.New(vopts...)
	dev := listOne(t, virtual.NewTransport(v), opts...)
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, v
}

// startChannel configures channel 0 for 500 kbit/s and starts it in m.
func startChannel(t *testing.T, dev *candle.Device, m candle.Mode) *candle.Channel {
	t.Helper()
	ctx := context.Background()
	ch, err := dev.Channel(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.SetBitrate(ctx, 500_000, 0); err != nil {
		t.Fatal(err)
	}
	if m.Has(candle.ModeFD) {
		if _, err := ch.SetDataBitrate(ctx, 2_000_000, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Start(ctx, m); err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestListDevices(t *testing.T) {
	fd := virtual.New(virtual.WithFD(), virtual.WithChannels(2), virtual.WithVersion(3, 7))
	other := virtual.New(virtual.WithIdentity(0xffff, 0x0005, "acme", "not gs_usb"))
	devs, err := candle.ListDevices(context.Background(), virtual.NewTransport(other, fd))
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 {
		t.Fatalf("found %d devices, want 1", len(devs))
	}
	dev := devs[0]
	if dev.ChannelCount() != 2 {
		t.Errorf("ChannelCount() = %d, want 2", dev.ChannelCount())
	}
	if dev.SoftwareVersion() != 3 || dev.HardwareVersion() != 7 {
		t.Errorf("versions sw %d hw %d", dev.SoftwareVersion(), dev.HardwareVersion())
	}
	if dev.SerialNumber() != fd.Descriptor().SerialNumber {
		t.Errorf("serial %q, want %q", dev.SerialNumber(), fd.Descriptor().SerialNumber)
	}
	if dev.IsOpen() {
		t.Error("device open after discovery")
	}

	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	ch, err := dev.Channel(1)
	if err != nil {
		t.Fatal(err)
	}
	if !ch.Features().Has(candle.FeatureFD | candle.FeatureBTConstExt | candle.FeatureIdentify) {
		t.Errorf("features %s", ch.Features())
	}
	if ch.ClockHz() != 80_000_000 {
		t.Errorf("clock %d", ch.ClockHz())
	}
	if ch.NominalConstraint().Tseg1Max != virtual.FDLimits.Tseg1Max || ch.DataConstraint().Tseg1Max != virtual.FDDataLimits.Tseg1Max {
		t.Errorf("constraints %v / %v", ch.NominalConstraint(), ch.DataConstraint())
	}
	if ch.Phase() != candle.PhaseClosed {
		t.Errorf("phase %s, want closed", ch.Phase())
	}
}

func TestDiscoveryQuirks(t *testing.T) {
	features := uint32(gsusb.FeatureFD | gsusb.FeatureLoopBack | gsusb.FeatureIdentify | gsusb.FeatureQuirkBreqCantactPro)
	pro := virtual.New(
		virtual.WithIdentity(0x1d50, 0x606f, "LinkLayer Labs", "CANtact Pro"),
		virtual.WithFD(),
		virtual.WithFeatures(features),
		virtual.WithVersion(1, 1),
	)
	dev := listOne(t, virtual.NewTransport(pro))
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	ch, _ := dev.Channel(0)

	f := ch.Features()
	if !f.Has(candle.FeatureReqUSBQuirkLPC546XX | candle.FeatureQuirkBreqCantactPro) {
		t.Errorf("quirk bits missing: %s", f)
	}
	if f.Has(candle.FeatureIdentify) {
		t.Errorf("identify kept on firmware 1: %s", f)
	}
	if ch.DataConstraint() != ch.NominalConstraint() {
		t.Errorf("data constraint %v, want nominal %v", ch.DataConstraint(), ch.NominalConstraint())
	}
	if err := ch.Identify(context.Background(), true); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Identify() = %v, want %v", err, candle.ErrUnsupportedFeature)
	}

	ctx := context.Background()
	if _, err := ch.SetBitrate(ctx, 500_000, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.SetDataBitrate(ctx, 2_000_000, 0); err != nil {
		t.Fatalf("SetDataBitrate() = %v", err)
	}
	if _, ok := pro.DataBitTiming(0); !ok {
		t.Error("data bit timing not applied")
	}
	if err := ch.Start(ctx, candle.ModeFD|candle.ModeLoopBack); err != nil {
		t.Fatal(err)
	}
	fr, _ := frame.New(0x42, bytes.Repeat([]byte{0xA5}, 20), frame.WithBRS())
	if err := ch.Send(ctx, fr, 0); err != nil {
		t.Fatalf("Send() with quirk pad = %v", err)
	}
	got, err := ch.Receive(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, fr.Data) {
		t.Errorf("data % X, want % X", got.Data, fr.Data)
	}
}

func TestChannelStateMachine(t *testing.T) {
	ctx := context.Background()
	dev, v := openVirtual(t, nil)
	ch, err := dev.Channel(0)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := frame.New(0x123, []byte{1, 2, 3})

	expect := func(name string, err, want error) {
		t.Helper()
		if !errors.Is(err, want) {
			t.Errorf("%s: got %v, want %v", name, err, want)
		}
	}

	expect("send closed", ch.Send(ctx, f, 10*time.Millisecond), candle.ErrInvalidState)
	_, err = ch.Receive(ctx, 10*time.Millisecond)
	expect("receive closed", err, candle.ErrInvalidState)
	expect("start without timing", ch.Start(ctx, candle.ModeNormal), candle.ErrInvalidState)

	if _, err := ch.SetBitrate(ctx, 500_000, 0); err != nil {
		t.Fatal(err)
	}
	if ch.Phase() != candle.PhaseConfigured {
		t.Fatalf("phase %s, want configured", ch.Phase())
	}
	expect("send configured", ch.Send(ctx, f, 10*time.Millisecond), candle.ErrInvalidState)
	_, err = ch.Receive(ctx, 10*time.Millisecond)
	expect("receive configured", err, candle.ErrInvalidState)

	for i := 0; i < 3; i++ {
		if err := ch.Start(ctx, candle.ModeLoopBack); err != nil {
			t.Fatalf("cycle %d: Start() = %v", i, err)
		}
		if ch.Phase() != candle.PhaseRunning || !v.Running(0) {
			t.Fatalf("cycle %d: not running", i)
		}
		expect("start running", ch.Start(ctx, candle.ModeLoopBack), candle.ErrInvalidState)
		bt, _ := ch.BitTiming()
		expect("timing running", ch.SetBitTiming(ctx, bt), candle.ErrInvalidState)

		if err := ch.Stop(ctx); err != nil {
			t.Fatal(err)
		}
		if ch.Phase() != candle.PhaseConfigured || v.Running(0) {
			t.Fatalf("cycle %d: still running", i)
		}
		if err := ch.Stop(ctx); err != nil {
			t.Errorf("Stop() on stopped channel = %v", err)
		}
	}
}

func TestSetBitTiming(t *testing.T) {
	ctx := context.Background()
	dev, v := openVirtual(t, nil)
	ch, _ := dev.Channel(0)

	want, err := bittiming.Solve(ch.NominalConstraint(), 250_000, ch.ClockHz(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.SetBitTiming(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok := v.BitTiming(0)
	if !ok {
		t.Fatal("no timing on adapter")
	}
	if got != (gsusb.DeviceBitTiming{PropSeg: want.PropSeg, PhaseSeg1: want.PhaseSeg1, PhaseSeg2: want.PhaseSeg2, SJW: want.SJW, BRP: want.BRP}) {
		t.Errorf("adapter timing %+v, want %+v", got, want)
	}

	bad := want
	bad.PhaseSeg2 = 100
	if err := ch.SetBitTiming(ctx, bad); !errors.Is(err, candle.ErrUnsatisfiableTiming) {
		t.Errorf("SetBitTiming(out of range) = %v, want %v", err, candle.ErrUnsatisfiableTiming)
	}
	if _, err := ch.SetBitrate(ctx, 10, 0); !errors.Is(err, candle.ErrUnsatisfiableTiming) {
		t.Errorf("SetBitrate(10) = %v, want %v", err, candle.ErrUnsatisfiableTiming)
	}
}

func TestUnsupportedFeature(t *testing.T) {
	ctx := context.Background()
	dev, _ := openVirtual(t, nil)
	ch, _ := dev.Channel(0)
	if _, err := ch.SetBitrate(ctx, 500_000, 0); err != nil {
		t.Fatal(err)
	}

	if err := ch.Start(ctx, candle.ModeFD); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Start(fd) = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
	if err := ch.Start(ctx, candle.ModePadPackage); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Start(pad) = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
	if err := ch.Start(ctx, candle.Mode(gsusb.FeatureIdentify)); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Start(identify bit) = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
	if err := ch.SetDataBitTiming(ctx, bittiming.Timing{PropSeg: 1, PhaseSeg1: 1, PhaseSeg2: 1, SJW: 1, BRP: 1}); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("SetDataBitTiming() = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
	if _, err := ch.SetDataBitrate(ctx, 2_000_000, 0); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("SetDataBitrate() = %v, want %v", err, candle.ErrUnsupportedFeature)
	}

	if err := ch.Start(ctx, candle.ModeNormal); err != nil {
		t.Fatal(err)
	}
	fd, _ := frame.New(0x1, []byte{1}, frame.WithFD())
	if err := ch.Send(ctx, fd, 0); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Send(fd) on classic = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
}

func TestStartFDNeedsDataTiming(t *testing.T) {
	ctx := context.Background()
	dev, _ := openVirtual(t, []virtual.Option{virtual.WithFD()})
	ch, _ := dev.Channel(0)
	if _, err := ch.SetBitrate(ctx, 500_000, 0); err != nil {
		t.Fatal(err)
	}
	if err := ch.Start(ctx, candle.ModeFD); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("Start(fd) without data timing = %v, want %v", err, candle.ErrInvalidState)
	}
	if err := ch.Start(ctx, candle.ModeNormal); err != nil {
		t.Errorf("Start(normal) = %v", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeNormal)

	start := time.Now()
	_, err := ch.Receive(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, candle.ErrTimeout) || !candle.IsTimeout(err) {
		t.Fatalf("Receive() = %v, want %v", err, candle.ErrTimeout)
	}
	var te *candle.TimeoutError
	if !errors.As(err, &te) || te.Op != "receive" || te.Timeout != 50*time.Millisecond {
		t.Errorf("Receive() error %#v", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Errorf("Receive() returned after %s", elapsed)
	}
}

func TestReceiveContextCancel(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeNormal)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := ch.Receive(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive() = %v, want %v", err, context.Canceled)
	}
}

func TestConcurrentSendLoopback(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeLoopBack)
	ctx := context.Background()

	const n = 10
	var (
		wg      sync.WaitGroup
		sendErr = make(chan error, n)
		sent    [][]byte
	)
	for i := 0; i < n; i++ {
		data := []byte{byte(i), 0xAA, byte(i * 3), 0x55}
		sent = append(sent, data)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := frame.New(0x100+uint32(len(data)), data)
			if err == nil {
				err = ch.Send(ctx, f, time.Second)
			}
			sendErr <- err
		}()
	}

	var got [][]byte
	for len(got) < n {
		f, err := ch.Receive(ctx, time.Second)
		if err != nil {
			t.Fatalf("received %d of %d: %v", len(got), n, err)
		}
		if f.RX {
			t.Errorf("echo marked as received: %+v", f)
		}
		got = append(got, f.Data)
	}
	wg.Wait()
	close(sendErr)
	for err := range sendErr {
		if err != nil {
			t.Errorf("Send() = %v", err)
		}
	}
	if _, err := ch.Receive(ctx, 20*time.Millisecond); !errors.Is(err, candle.ErrTimeout) {
		t.Errorf("extra frame or error: %v", err)
	}

	sortBytes := func(s [][]byte) {
		sort.Slice(s, func(i, j int) bool { return bytes.Compare(s[i], s[j]) < 0 })
	}
	sortBytes(sent)
	sortBytes(got)
	for i := range sent {
		if !bytes.Equal(sent[i], got[i]) {
			t.Errorf("payload %d: got % X, want % X", i, got[i], sent[i])
		}
	}
}

func TestSendOrder(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeLoopBack)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		f, _ := frame.New(0x200, []byte{byte(i)})
		if err := ch.Send(ctx, f, 0); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 50; i++ {
		f, err := ch.Receive(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if f.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %d", i, f.Data[0])
		}
	}
}

func TestFDLoopback(t *testing.T) {
	dev, _ := openVirtual(t, []virtual.Option{virtual.WithFD()})
	ch := startChannel(t, dev, candle.ModeFD|candle.ModeLoopBack|candle.ModeHardwareTimestamp)
	ctx := context.Background()

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	in, err := frame.New(0x1ABCDE, data, frame.WithExtended(), frame.WithBRS())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(ctx, in, 0); err != nil {
		t.Fatal(err)
	}
	out, err := ch.Receive(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || !out.Extended || !out.FD || !out.BRS || out.DLC != 15 || !bytes.Equal(out.Data, data) {
		t.Errorf("got %+v", out)
	}
	if out.Channel != 0 || out.RX {
		t.Errorf("channel %d rx %v", out.Channel, out.RX)
	}

	classic, _ := frame.New(0x7FF, []byte{9, 8, 7})
	if err := ch.Send(ctx, classic, 0); err != nil {
		t.Fatal(err)
	}
	out, err = ch.Receive(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out.FD || !bytes.Equal(out.Data, classic.Data) {
		t.Errorf("got %+v", out)
	}
}

func TestSharedBus(t *testing.T) {
	bus := virtual.NewBus()
	a := virtual.New(virtual.WithBus(bus))
	b := virtual.New(virtual.WithBus(bus))
	devs, err := candle.ListDevices(context.Background(), virtual.NewTransport(a, b))
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("found %d devices", len(devs))
	}
	var chans []*candle.Channel
	for _, dev := range devs {
		if err := dev.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer dev.Close()
		chans = append(chans, startChannel(t, dev, candle.ModeNormal))
	}

	ctx := context.Background()
	f, _ := frame.New(0x7E0, []byte{0x02, 0x10, 0x01})
	if err := chans[0].Send(ctx, f, 0); err != nil {
		t.Fatal(err)
	}
	echo, err := chans[0].Receive(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if echo.RX {
		t.Errorf("sender got rx frame %+v", echo)
	}
	rx, err := chans[1].Receive(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !rx.RX || rx.EchoID != frame.RXEchoID || rx.ID != 0x7E0 || !bytes.Equal(rx.Data, f.Data) {
		t.Errorf("receiver got %+v", rx)
	}
}

func TestListenOnly(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeListenOnly)
	f, _ := frame.New(0x10, nil)
	if err := ch.Send(context.Background(), f, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Receive(context.Background(), 30*time.Millisecond); !errors.Is(err, candle.ErrTimeout) {
		t.Errorf("Receive() = %v, want %v", err, candle.ErrTimeout)
	}
}

func TestSendTimeout(t *testing.T) {
	dev, v := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeLoopBack)
	v.Stall(true)
	f, _ := frame.New(0x10, []byte{1})

	start := time.Now()
	err := ch.Send(context.Background(), f, 30*time.Millisecond)
	if !errors.Is(err, candle.ErrTimeout) {
		t.Fatalf("Send() = %v, want %v", err, candle.ErrTimeout)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Send() took %s", time.Since(start))
	}

	v.Stall(false)
	if err := ch.Send(context.Background(), f, time.Second); err != nil {
		t.Errorf("Send() after stall = %v", err)
	}
}

func TestState(t *testing.T) {
	ctx := context.Background()
	dev, v := openVirtual(t, nil)
	ch, _ := dev.Channel(0)

	st, err := ch.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.BusState != candle.BusStateStopped {
		t.Errorf("state %s before start", st)
	}

	startChannel(t, dev, candle.ModeNormal)
	v.SetState(0, candle.BusStateErrorPassive, 130, 2)
	st, err = ch.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (candle.ChannelState{BusState: candle.BusStateErrorPassive, TxErrors: 130, RxErrors: 2}) {
		t.Errorf("State() = %s", st)
	}
	v.SetState(0, candle.BusStateBusOff, 255, 0)
	if st, _ = ch.State(ctx); st.BusState != candle.BusStateBusOff {
		t.Errorf("State() cached: %s", st)
	}
	if st.BusState <= candle.BusStateErrorPassive {
		t.Error("bus off not more severe than error passive")
	}
}

func TestStateUnsupported(t *testing.T) {
	dev, _ := openVirtual(t, []virtual.Option{virtual.WithFeatures(gsusb.FeatureLoopBack)})
	ch, _ := dev.Channel(0)
	if _, err := ch.State(context.Background()); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("State() = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
	if _, err := ch.Termination(context.Background()); !errors.Is(err, candle.ErrUnsupportedFeature) {
		t.Errorf("Termination() = %v, want %v", err, candle.ErrUnsupportedFeature)
	}
}

func TestTerminationAndIdentify(t *testing.T) {
	ctx := context.Background()
	dev, v := openVirtual(t, nil)
	ch, _ := dev.Channel(0)

	if err := ch.SetTermination(ctx, true); err != nil {
		t.Fatal(err)
	}
	on, err := ch.Termination(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !on || !v.Termination(0) {
		t.Error("termination not enabled")
	}
	if err := ch.SetTermination(ctx, false); err != nil {
		t.Fatal(err)
	}
	if on, _ := ch.Termination(ctx); on {
		t.Error("termination not disabled")
	}

	if err := ch.Identify(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !v.Identifying(0) {
		t.Error("not identifying")
	}
}

func TestDeviceBusy(t *testing.T) {
	v := virtual.New()
	tr := virtual.NewTransport(v)
	first := listOne(t, tr)
	second := listOne(t, tr)

	if err := first.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := first.Open(context.Background()); !errors.Is(err, candle.ErrDeviceBusy) {
		t.Errorf("second Open() = %v, want %v", err, candle.ErrDeviceBusy)
	}
	if err := second.Open(context.Background()); !errors.Is(err, candle.ErrDeviceBusy) {
		t.Errorf("Open() of claimed adapter = %v, want %v", err, candle.ErrDeviceBusy)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if err := second.Open(context.Background()); err != nil {
		t.Errorf("Open() after release = %v", err)
	}
	second.Close()
}

func TestDeviceNotFound(t *testing.T) {
	v := virtual.New()
	dev := listOne(t, virtual.NewTransport(v))
	v.Unplug()
	if err := dev.Open(context.Background()); !errors.Is(err, candle.ErrDeviceNotFound) {
		t.Errorf("Open() = %v, want %v", err, candle.ErrDeviceNotFound)
	}
}

func TestChannelIndex(t *testing.T) {
	v := virtual.New(virtual.WithChannels(2))
	dev := listOne(t, virtual.NewTransport(v))
	if _, err := dev.Channel(0); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("Channel() before Open = %v, want %v", err, candle.ErrInvalidState)
	}
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	for _, i := range []int{0, 1} {
		ch, err := dev.Channel(i)
		if err != nil || ch.Index() != i {
			t.Errorf("Channel(%d) = %v, %v", i, ch, err)
		}
	}
	for _, i := range []int{2, -1} {
		if _, err := dev.Channel(i); !errors.Is(err, candle.ErrIndexOutOfRange) {
			t.Errorf("Channel(%d) = %v, want %v", i, err, candle.ErrIndexOutOfRange)
		}
	}
}

func TestDeviceClose(t *testing.T) {
	ctx := context.Background()
	v := virtual.New()
	dev := listOne(t, virtual.NewTransport(v))
	if err := dev.Open(ctx); err != nil {
		t.Fatal(err)
	}
	ch := startChannel(t, dev, candle.ModeLoopBack)

	recvErr := make(chan error, 1)
	go func() {
		_, err := ch.Receive(ctx, 5*time.Second)
		recvErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-recvErr:
		if !errors.Is(err, candle.ErrInvalidState) {
			t.Errorf("pending Receive() = %v, want %v", err, candle.ErrInvalidState)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Receive() not released by Close")
	}

	if ch.Phase() != candle.PhaseClosed {
		t.Errorf("phase %s, want closed", ch.Phase())
	}
	if v.Running(0) {
		t.Error("adapter channel still running")
	}
	f, _ := frame.New(1, nil)
	if err := ch.Send(ctx, f, 0); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("Send() after Close = %v", err)
	}
	if _, err := ch.SetBitrate(ctx, 500_000, 0); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("SetBitrate() after Close = %v", err)
	}
	if _, err := ch.State(ctx); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("State() after Close = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	if err := dev.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	fresh, _ := dev.Channel(0)
	if fresh == ch || fresh.Phase() != candle.PhaseClosed {
		t.Errorf("reopened channel phase %s", fresh.Phase())
	}
	if err := ch.Start(ctx, candle.ModeNormal); !errors.Is(err, candle.ErrInvalidState) {
		t.Errorf("stale channel Start() = %v", err)
	}
}

func TestReceiveUnblockedByStop(t *testing.T) {
	dev, _ := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeNormal)
	done := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Stop(context.Background())
	select {
	case err := <-done:
		if !errors.Is(err, candle.ErrInvalidState) {
			t.Errorf("Receive() = %v, want %v", err, candle.ErrInvalidState)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() not released by Stop")
	}
}

func TestInjectedFrames(t *testing.T) {
	dev, v := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeNormal)
	in, _ := frame.New(0x18DAF110, []byte{0x03, 0x22, 0xF1, 0x90}, frame.WithExtended())
	if err := v.Inject(0, in); err != nil {
		t.Fatal(err)
	}
	out, err := ch.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !out.RX || out.ID != in.ID || !out.Extended || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("got %+v", out)
	}
}

func TestDroppedFrames(t *testing.T) {
	dev, v := openVirtual(t, nil, candle.WithRxQueueSize(2))
	ch := startChannel(t, dev, candle.ModeNormal)
	f, _ := frame.New(0x1, []byte{1})
	for i := 0; i < 5; i++ {
		if err := v.Inject(0, f); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for ch.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.Dropped() != 3 || dev.DroppedFrames() != 3 {
		t.Errorf("dropped %d / %d, want 3", ch.Dropped(), dev.DroppedFrames())
	}
	var sawDrop bool
	for len(dev.Event()) > 0 {
		if e := <-dev.Event(); e.Type == candle.EventTypeError {
			sawDrop = true
		}
	}
	if !sawDrop {
		t.Error("no error event for dropped frame")
	}
}

func TestFirmwareGate(t *testing.T) {
	v := virtual.New(virtual.WithVersion(2, 1))
	tr := virtual.NewTransport(v)

	old := listOne(t, tr, candle.WithMinimumFirmwareVersion("3"))
	if err := old.Open(context.Background()); !errors.Is(err, candle.ErrFirmwareTooOld) {
		t.Errorf("Open() = %v, want %v", err, candle.ErrFirmwareTooOld)
	}
	ok := listOne(t, tr, candle.WithMinimumFirmwareVersion("v2"))
	if err := ok.Open(context.Background()); err != nil {
		t.Errorf("Open() = %v", err)
	}
	ok.Close()
}

func TestCapabilities(t *testing.T) {
	v := virtual.New(virtual.WithChannels(2))
	dev := listOne(t, virtual.NewTransport(v))
	caps, err := dev.Capabilities(1)
	if err != nil {
		t.Fatal(err)
	}
	if caps.ClockHz != 48_000_000 || caps.Nominal.Tseg1Max != virtual.ClassicLimits.Tseg1Max || !caps.Data.IsZero() {
		t.Errorf("Capabilities(1) = %+v", caps)
	}
	if caps.Features.Has(candle.FeatureFD) {
		t.Errorf("classic channel reports fd: %s", caps.Features)
	}
	if _, err := dev.Capabilities(2); !errors.Is(err, candle.ErrIndexOutOfRange) {
		t.Errorf("Capabilities(2) = %v, want %v", err, candle.ErrIndexOutOfRange)
	}
}

func TestStats(t *testing.T) {
	dev, v := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeLoopBack)
	ctx := context.Background()

	f, _ := frame.New(0x55, []byte{1, 2})
	for i := 0; i < 3; i++ {
		if err := ch.Send(ctx, f, 0); err != nil {
			t.Fatal(err)
		}
	}
	errFrame := &frame.Frame{ID: 0x4, Error: true, DLC: 8, Data: make([]byte, 8)}
	if err := v.Inject(0, errFrame); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := ch.Receive(ctx, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	want := candle.Stats{SentFrames: 3, RecvFrames: 4, ErrorFrames: 1}
	if got := ch.Stats(); got != want {
		t.Errorf("Stats() = %s, want %s", got, want)
	}
}

func TestListClaimedDevice(t *testing.T) {
	ctx := context.Background()
	v := virtual.New(virtual.WithChannels(2))
	tr := virtual.NewTransport(v)

	h, err := tr.Open(ctx, v.Descriptor())
	if err != nil {
		t.Fatal(err)
	}
	dev := listOne(t, tr)
	if dev.Configured() || dev.ChannelCount() != 0 {
		t.Errorf("claimed adapter configured %v with %d channels", dev.Configured(), dev.ChannelCount())
	}
	if err := dev.Open(ctx); !errors.Is(err, candle.ErrDeviceBusy) {
		t.Errorf("Open() of claimed adapter = %v, want %v", err, candle.ErrDeviceBusy)
	}
	h.Close()

	if err := dev.Open(ctx); err != nil {
		t.Fatalf("Open() after release = %v", err)
	}
	defer dev.Close()
	if !dev.Configured() || dev.ChannelCount() != 2 {
		t.Errorf("after Open configured %v with %d channels", dev.Configured(), dev.ChannelCount())
	}
	if _, err := dev.Channel(1); err != nil {
		t.Error(err)
	}

	again := listOne(t, tr)
	if again.IsOpen() || again.ChannelCount() != 2 {
		t.Errorf("relisted open adapter: open %v, %d channels", again.IsOpen(), again.ChannelCount())
	}
	if err := again.Open(ctx); !errors.Is(err, candle.ErrDeviceBusy) {
		t.Errorf("Open() of adapter open in this process = %v, want %v", err, candle.ErrDeviceBusy)
	}
}

func TestStateDuringBlockedSend(t *testing.T) {
	dev, v := openVirtual(t, nil)
	ch := startChannel(t, dev, candle.ModeLoopBack)
	v.SetState(0, candle.BusStateErrorWarning, 97, 0)
	v.Stall(true)
	defer v.Stall(false)

	sent := make(chan error, 1)
	go func() {
		f, _ := frame.New(0x10, []byte{1})
		sent <- ch.Send(context.Background(), f, 500*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	st, err := ch.State(ctx)
	if err != nil {
		t.Fatalf("State() while send blocked = %v", err)
	}
	if st.BusState != candle.BusStateErrorWarning || st.TxErrors != 97 {
		t.Errorf("State() = %s", st)
	}
	select {
	case err := <-sent:
		t.Fatalf("Send() returned %v while adapter stalled", err)
	default:
	}

	if err := <-sent; !errors.Is(err, candle.ErrTimeout) {
		t.Errorf("stalled Send() = %v, want %v", err, candle.ErrTimeout)
	}
}

// brokenReads opens virtual adapters whose bulk IN endpoint always fails.
type brokenReads struct {
	candle.Transport
}

func (b brokenReads) Open(ctx context.Context, desc candle.DeviceDescriptor) (candle.Handle, error) {
	h, err := b.Transport.Open(ctx, desc)
	if err != nil {
		return nil, err
	}
	return brokenReadHandle{h}, nil
}

type brokenReadHandle struct {
	candle.Handle
}

func (brokenReadHandle) BulkRead(ctx context.Context, b []byte) (int, error) {
	return 0, errors.New("pipe error")
}

func TestReadErrorsBackOff(t *testing.T) {
	v := virtual.New()
	dev := listOne(t, brokenReads{virtual.NewTransport(v)}, candle.WithEventQueueSize(1000))
	if err := dev.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	var errs int
	for {
		select {
		case e := <-dev.Event():
			if e.Type == candle.EventTypeError {
				errs++
			}
			continue
		default:
		}
		break
	}
	if errs == 0 || errs > 50 {
		t.Errorf("%d read error events in 100ms", errs)
	}
}
