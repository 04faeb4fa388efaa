package candle

import (
	"strings"

	"github.com/gocandle/candle/pkg/gsusb"
)

// Feature is the capability set a channel advertises in BT_CONST.
type Feature uint32

const (
	FeatureListenOnly          = Feature(gsusb.FeatureListenOnly)
	FeatureLoopBack            = Feature(gsusb.FeatureLoopBack)
	FeatureTripleSample        = Feature(gsusb.FeatureTripleSample)
	FeatureOneShot             = Feature(gsusb.FeatureOneShot)
	FeatureHardwareTimestamp   = Feature(gsusb.FeatureHWTimestamp)
	FeatureIdentify            = Feature(gsusb.FeatureIdentify)
	FeatureUserID              = Feature(gsusb.FeatureUserID)
	FeaturePadPackage          = Feature(gsusb.FeaturePadPktsToMaxPktSize)
	FeatureFD                  = Feature(gsusb.FeatureFD)
	FeatureReqUSBQuirkLPC546XX = Feature(gsusb.FeatureReqUSBQuirkLPC546XX)
	FeatureBTConstExt          = Feature(gsusb.FeatureBTConstExt)
	FeatureTermination         = Feature(gsusb.FeatureTermination)
	FeatureBitErrorReporting   = Feature(gsusb.FeatureBerrReporting)
	FeatureGetState            = Feature(gsusb.FeatureGetState)
	FeatureQuirkBreqCantactPro = Feature(gsusb.FeatureQuirkBreqCantactPro)
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureListenOnly, "listen-only"},
	{FeatureLoopBack, "loopback"},
	{FeatureTripleSample, "triple-sample"},
	{FeatureOneShot, "one-shot"},
	{FeatureHardwareTimestamp, "hw-timestamp"},
	{FeatureIdentify, "identify"},
	{FeatureUserID, "user-id"},
	{FeaturePadPackage, "pad-package"},
	{FeatureFD, "fd"},
	{FeatureReqUSBQuirkLPC546XX, "quirk-lpc546xx"},
	{FeatureBTConstExt, "bt-const-ext"},
	{FeatureTermination, "termination"},
	{FeatureBitErrorReporting, "berr-reporting"},
	{FeatureGetState, "get-state"},
	{FeatureQuirkBreqCantactPro, "quirk-cantact-pro"},
}

// Has reports whether every bit of o is set in f.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

func (f Feature) String() string {
	var out []string
	for _, n := range featureNames {
		if f.Has(n.f) {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, "|")
}

// Mode holds the flags passed to Start. ModeNormal is the empty set.
type Mode uint32

const (
	ModeNormal            Mode = 0
	ModeListenOnly             = Mode(FeatureListenOnly)
	ModeLoopBack               = Mode(FeatureLoopBack)
	ModeTripleSample           = Mode(FeatureTripleSample)
	ModeOneShot                = Mode(FeatureOneShot)
	ModeHardwareTimestamp      = Mode(FeatureHardwareTimestamp)
	ModePadPackage             = Mode(FeaturePadPackage)
	ModeFD                     = Mode(FeatureFD)
	ModeBitErrorReporting      = Mode(FeatureBitErrorReporting)
)

const modeMask = ModeListenOnly | ModeLoopBack | ModeTripleSample | ModeOneShot |
	ModeHardwareTimestamp | ModePadPackage | ModeFD | ModeBitErrorReporting

// Requires returns the features a channel must advertise to run in m.
// Bits that are not mode flags map to themselves so they never validate.
func (m Mode) Requires() Feature {
	return Feature(m)
}

func (m Mode) Has(o Mode) bool {
	return m&o == o
}

func (m Mode) String() string {
	if m == ModeNormal {
		return "normal"
	}
	return Feature(m).String()
}
