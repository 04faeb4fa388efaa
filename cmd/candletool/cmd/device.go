package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go"
	"github.com/fatih/color"
	"github.com/gocandle/candle"
	"github.com/gocandle/candle/pkg/usb"
	"github.com/gocandle/candle/pkg/virtual"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

// transport returns the USB transport, or a virtual FD adapter when
// --virtual is set. The returned func releases it.
func transport(cmd *cobra.Command) (candle.Transport, func(), error) {
	pf := cmd.Flags()
	debug, _ := pf.GetBool(flagDebug)
	virt, _ := pf.GetBool(flagVirtual)
	if virt {
		return virtual.NewTransport(virtual.New(virtual.WithFD(), virtual.WithChannels(2))), func() {}, nil
	}
	tr := usb.New(debug)
	return tr, func() {
		if err := tr.Close(); err != nil {
			log.Println(err)
		}
	}, nil
}

func deviceOptions(cmd *cobra.Command) []candle.Option {
	debug, _ := cmd.Flags().GetBool(flagDebug)
	return []candle.Option{candle.WithDebug(debug)}
}

func listDevices(cmd *cobra.Command) ([]*candle.Device, func(), error) {
	tr, release, err := transport(cmd)
	if err != nil {
		return nil, nil, err
	}
	devs, err := candle.ListDevices(cmd.Context(), tr, deviceOptions(cmd)...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return devs, release, nil
}

func pickDevice(devs []*candle.Device, index int) (*candle.Device, error) {
	if len(devs) == 0 {
		return nil, candle.ErrDeviceNotFound
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("%w: device %d, found %d", candle.ErrIndexOutOfRange, index, len(devs))
	}
	if index >= 0 {
		return devs[index], nil
	}
	if len(devs) == 1 {
		return devs[0], nil
	}

	items := make([]string, len(devs))
	for i, d := range devs {
		items[i] = d.String()
	}
	prompt := promptui.Select{
		Label: "Select adapter",
		Items: items,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return nil, fmt.Errorf("prompt failed %v", err)
	}
	return devs[i], nil
}

// openDevice picks and opens an adapter. Opening is retried while another
// process still holds the interface.
func openDevice(cmd *cobra.Command) (*candle.Device, func(), error) {
	ctx := cmd.Context()
	devs, release, err := listDevices(cmd)
	if err != nil {
		return nil, nil, err
	}
	index, _ := cmd.Flags().GetInt(flagDevice)
	dev, err := pickDevice(devs, index)
	if err != nil {
		release()
		return nil, nil, err
	}

	err = retry.Do(
		func() error {
			return dev.Open(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, candle.ErrDeviceBusy)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("open attempt %d: %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		release()
		return nil, nil, err
	}

	evtCtx, cancel := context.WithCancel(ctx)
	go printEvents(evtCtx, dev)
	return dev, func() {
		cancel()
		if err := dev.Close(); err != nil {
			log.Println(err)
		}
		release()
	}, nil
}

func modeFromFlags(cmd *cobra.Command) candle.Mode {
	pf := cmd.Flags()
	m := candle.ModeNormal
	if v, _ := pf.GetBool(flagFD); v {
		m |= candle.ModeFD
	}
	if v, _ := pf.GetBool(flagLoopback); v {
		m |= candle.ModeLoopBack
	}
	if v, _ := pf.GetBool(flagListenOnly); v {
		m |= candle.ModeListenOnly
	}
	if v, _ := pf.GetBool(flagTimestamp); v {
		m |= candle.ModeHardwareTimestamp
	}
	return m
}

// openChannel opens the selected channel, applies the bitrate flags and
// starts it in mode.
func openChannel(cmd *cobra.Command, mode candle.Mode) (*candle.Device, *candle.Channel, func(), error) {
	ctx := cmd.Context()
	pf := cmd.Flags()
	dev, done, err := openDevice(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	index, _ := pf.GetInt(flagChannel)
	ch, err := dev.Channel(index)
	if err != nil {
		done()
		return nil, nil, nil, err
	}

	bitrate, _ := pf.GetUint32(flagBitrate)
	sp, _ := pf.GetUint32(flagSamplePoint)
	t, err := ch.SetBitrate(ctx, bitrate, sp)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	log.Printf("nominal %s", t)
	if mode.Has(candle.ModeFD) {
		dbitrate, _ := pf.GetUint32(flagDataBitrate)
		t, err := ch.SetDataBitrate(ctx, dbitrate, 0)
		if err != nil {
			done()
			return nil, nil, nil, err
		}
		log.Printf("data %s", t)
	}
	if err := ch.Start(ctx, mode); err != nil {
		done()
		return nil, nil, nil, err
	}
	return dev, ch, func() {
		if err := ch.Stop(context.Background()); err != nil {
			log.Println(err)
		}
		done()
	}, nil
}

var (
	errorColor = color.New(color.FgRed).SprintfFunc()
	warnColor  = color.New(color.FgYellow).SprintfFunc()
)

func printEvents(ctx context.Context, dev *candle.Device) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-dev.Event():
			switch e.Type {
			case candle.EventTypeError:
				log.Print(errorColor("%s", e))
			case candle.EventTypeWarning:
				log.Print(warnColor("%s", e))
			default:
				log.Print(e)
			}
		}
	}
}
