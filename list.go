package candle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/gocandle/candle/pkg/gsusb"
)

type adapterConfig struct {
	dconf gsusb.DeviceConfig
	info  []channelInfo
}

// known holds the configuration of every adapter read so far, so an
// adapter that is claimed on a later ListDevices is still described.
var known = struct {
	sync.Mutex
	m map[DeviceDescriptor]adapterConfig
}{m: make(map[DeviceDescriptor]adapterConfig)}

func remember(desc DeviceDescriptor, r adapterConfig) {
	known.Lock()
	known.m[desc] = r
	known.Unlock()
}

func lookup(desc DeviceDescriptor) (adapterConfig, bool) {
	known.Lock()
	defer known.Unlock()
	r, ok := known.m[desc]
	return r, ok
}

// ListDevices returns the gs_usb adapters reachable through tr. Every
// adapter is opened briefly to read its configuration. An adapter claimed
// elsewhere is still listed: with the configuration read on an earlier run
// when there was one, otherwise without channels until it is opened.
// Opening a claimed adapter reports ErrDeviceBusy. Adapters that fail to
// answer are skipped and logged.
func ListDevices(ctx context.Context, tr Transport, opts ...Option) ([]*Device, error) {
	cfg := newConfig(opts)
	descs, err := tr.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list usb devices: %w", err)
	}
	var out []*Device
	for _, desc := range descs {
		if !gsusb.IsKnown(desc.VendorID, desc.ProductID) {
			continue
		}
		d, err := inspect(ctx, tr, desc, cfg)
		if errors.Is(err, ErrDeviceBusy) {
			if cfg.Debug {
				log.Printf("%s is busy, listing without its configuration", desc)
			}
			d = newDevice(tr, desc, cfg)
			if r, ok := lookup(desc); ok {
				d.setConfig(r)
			}
			out = append(out, d)
			continue
		}
		if err != nil {
			log.Printf("skipping %s: %v", desc, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func inspect(ctx context.Context, tr Transport, desc DeviceDescriptor, cfg Config) (*Device, error) {
	h, err := tr.Open(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	r, err := readConfig(ctx, h, desc, cfg)
	if err != nil {
		return nil, err
	}
	remember(desc, r)
	d := newDevice(tr, desc, cfg)
	d.setConfig(r)
	return d, nil
}

// readConfig queries the device and per-channel configuration over a
// claimed handle and applies the firmware quirks.
func readConfig(ctx context.Context, h Handle, desc DeviceDescriptor, cfg Config) (adapterConfig, error) {
	tctx, cancel := context.WithTimeout(ctx, cfg.ControlTimeout)
	hostCfg, _ := gsusb.HostConfig{ByteOrder: gsusb.HostFormatMagic}.MarshalBinary()
	err := h.ControlWrite(tctx, gsusb.BreqHostFormat, 1, 0, hostCfg)
	cancel()
	if err != nil {
		return adapterConfig{}, controlError(gsusb.BreqHostFormat, 0, cfg.ControlTimeout, err)
	}

	var dconf gsusb.DeviceConfig
	if err := controlIn(ctx, h, cfg.ControlTimeout, cfg.Debug, gsusb.BreqDeviceConfig, 1, gsusb.DeviceConfigSize, &dconf); err != nil {
		return adapterConfig{}, err
	}

	cantactPro := desc.VendorID == 0x1d50 && desc.ProductID == 0x606f &&
		desc.Manufacturer == "LinkLayer Labs" && desc.Product == "CANtact Pro" &&
		dconf.SWVersion <= 2

	info := make([]channelInfo, dconf.ChannelCount())
	for i := range info {
		var bt gsusb.BTConst
		if err := controlIn(ctx, h, cfg.ControlTimeout, cfg.Debug, gsusb.BreqBTConst, uint16(i), gsusb.BTConstSize, &bt); err != nil {
			return adapterConfig{}, fmt.Errorf("channel %d: %w", i, err)
		}
		ci := channelInfo{
			feature: Feature(bt.Feature),
			clock:   bt.FclkCAN,
			nominal: constraint(bt.Nominal),
		}
		if cantactPro {
			ci.feature |= FeatureReqUSBQuirkLPC546XX | FeatureQuirkBreqCantactPro
		}
		if dconf.SWVersion <= 1 {
			ci.feature &^= FeatureIdentify
		}
		if ci.feature.Has(FeatureFD | FeatureBTConstExt) {
			var ext gsusb.BTConstExtended
			if err := controlIn(ctx, h, cfg.ControlTimeout, cfg.Debug, gsusb.BreqBTConstExt, uint16(i), gsusb.BTConstExtendedSize, &ext); err != nil {
				return adapterConfig{}, fmt.Errorf("channel %d: %w", i, err)
			}
			ci.data = constraint(ext.Data)
		} else if ci.feature.Has(FeatureFD) {
			ci.data = ci.nominal
		}
		info[i] = ci
	}
	return adapterConfig{dconf: dconf, info: info}, nil
}

func constraint(l gsusb.Limits) bittiming.Constraint {
	return bittiming.Constraint{
		Tseg1Min: l.Tseg1Min,
		Tseg1Max: l.Tseg1Max,
		Tseg2Min: l.Tseg2Min,
		Tseg2Max: l.Tseg2Max,
		SJWMax:   l.SJWMax,
		BRPMin:   l.BRPMin,
		BRPMax:   l.BRPMax,
		BRPInc:   l.BRPInc,
	}
}
