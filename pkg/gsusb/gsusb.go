// Package gsusb holds the gs_usb wire contract spoken by candleLight,
// CANable and compatible firmware: vendor control requests, their payloads
// and the feature and mode bits. All multi-byte fields are little endian.
package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Vendor control requests (bRequest). wValue carries the channel index.
const (
	BreqHostFormat     = 0
	BreqBitTiming      = 1
	BreqMode           = 2
	BreqBerr           = 3
	BreqBTConst        = 4
	BreqDeviceConfig   = 5
	BreqTimestamp      = 6
	BreqIdentify       = 7
	BreqGetUserID      = 8
	BreqSetUserID      = 9
	BreqDataBitTiming  = 10
	BreqBTConstExt     = 11
	BreqSetTermination = 12
	BreqGetTermination = 13
	BreqGetState       = 14

	// CANtact Pro firmware up to version 2 takes the data bit timing on
	// the request number later assigned to BT_CONST_EXT.
	BreqQuirkCantactProDataBitTiming = 11
)

// Feature and mode share bit positions.
const (
	FeatureListenOnly          uint32 = 1 << 0
	FeatureLoopBack            uint32 = 1 << 1
	FeatureTripleSample        uint32 = 1 << 2
	FeatureOneShot             uint32 = 1 << 3
	FeatureHWTimestamp         uint32 = 1 << 4
	FeatureIdentify            uint32 = 1 << 5
	FeatureUserID              uint32 = 1 << 6
	FeaturePadPktsToMaxPktSize uint32 = 1 << 7
	FeatureFD                  uint32 = 1 << 8
	FeatureReqUSBQuirkLPC546XX uint32 = 1 << 9
	FeatureBTConstExt          uint32 = 1 << 10
	FeatureTermination         uint32 = 1 << 11
	FeatureBerrReporting       uint32 = 1 << 12
	FeatureGetState            uint32 = 1 << 13
	FeatureQuirkBreqCantactPro uint32 = 1 << 14
)

// DeviceMode.Mode values.
const (
	ModeReset = 0
	ModeStart = 1
)

// DeviceState.State values.
const (
	StateErrorActive  = 0
	StateErrorWarning = 1
	StateErrorPassive = 2
	StateBusOff       = 3
	StateStopped      = 4
	StateSleeping     = 5
)

// HostFormatMagic tells the firmware the host is little endian.
const HostFormatMagic = 0x0000beef

// Identify modes.
const (
	IdentifyOff = 0
	IdentifyOn  = 1
)

var ErrShortPayload = errors.New("gsusb: short payload")

// ID is a USB vendor/product pair.
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// KnownDevices are the vendor/product pairs handled as gs_usb adapters.
var KnownDevices = []ID{
	{0x1d50, 0x606f}, // candleLight / CANable (gs_usb firmware)
	{0x1209, 0x2323}, // candleLight (pid.codes)
	{0x1cd2, 0x606f}, // CES CANext FD
	{0x16d0, 0x10b8}, // ABE CANdebugger FD
	{0x16d0, 0x0f30}, // Innomaker USB2CAN
}

// IsKnown reports whether vendor/product belong to a gs_usb adapter.
func IsKnown(vendor, product uint16) bool {
	for _, id := range KnownDevices {
		if id.Vendor == vendor && id.Product == product {
			return true
		}
	}
	return false
}

func need(b []byte, n int, what string) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, what, n, len(b))
	}
	return nil
}

func putUint32s(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func getUint32s(b []byte, dst ...*uint32) {
	for i, d := range dst {
		*d = binary.LittleEndian.Uint32(b[i*4:])
	}
}

// HostConfig is sent once after opening, before any other request.
type HostConfig struct {
	ByteOrder uint32
}

const HostConfigSize = 4

func (h HostConfig) MarshalBinary() ([]byte, error) {
	return putUint32s(h.ByteOrder), nil
}

func (h *HostConfig) UnmarshalBinary(b []byte) error {
	if err := need(b, HostConfigSize, "host config"); err != nil {
		return err
	}
	getUint32s(b, &h.ByteOrder)
	return nil
}

// DeviceConfig describes the adapter. ICount is the highest channel index.
type DeviceConfig struct {
	Reserved1 uint8
	Reserved2 uint8
	Reserved3 uint8
	ICount    uint8
	SWVersion uint32
	HWVersion uint32
}

const DeviceConfigSize = 12

// ChannelCount returns the number of CAN channels.
func (d DeviceConfig) ChannelCount() int {
	return int(d.ICount) + 1
}

func (d DeviceConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, DeviceConfigSize)
	b[0], b[1], b[2], b[3] = d.Reserved1, d.Reserved2, d.Reserved3, d.ICount
	binary.LittleEndian.PutUint32(b[4:], d.SWVersion)
	binary.LittleEndian.PutUint32(b[8:], d.HWVersion)
	return b, nil
}

func (d *DeviceConfig) UnmarshalBinary(b []byte) error {
	if err := need(b, DeviceConfigSize, "device config"); err != nil {
		return err
	}
	d.Reserved1, d.Reserved2, d.Reserved3, d.ICount = b[0], b[1], b[2], b[3]
	getUint32s(b[4:], &d.SWVersion, &d.HWVersion)
	return nil
}

// DeviceMode starts (ModeStart) or resets (ModeReset) a channel.
type DeviceMode struct {
	Mode  uint32
	Flags uint32
}

const DeviceModeSize = 8

func (m DeviceMode) MarshalBinary() ([]byte, error) {
	return putUint32s(m.Mode, m.Flags), nil
}

func (m *DeviceMode) UnmarshalBinary(b []byte) error {
	if err := need(b, DeviceModeSize, "device mode"); err != nil {
		return err
	}
	getUint32s(b, &m.Mode, &m.Flags)
	return nil
}

// DeviceState is the reply to BreqGetState.
type DeviceState struct {
	State uint32
	RxErr uint32
	TxErr uint32
}

const DeviceStateSize = 12

func (s DeviceState) MarshalBinary() ([]byte, error) {
	return putUint32s(s.State, s.RxErr, s.TxErr), nil
}

func (s *DeviceState) UnmarshalBinary(b []byte) error {
	if err := need(b, DeviceStateSize, "device state"); err != nil {
		return err
	}
	getUint32s(b, &s.State, &s.RxErr, &s.TxErr)
	return nil
}

// DeviceBitTiming is the payload of BreqBitTiming and BreqDataBitTiming.
type DeviceBitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

const DeviceBitTimingSize = 20

func (t DeviceBitTiming) MarshalBinary() ([]byte, error) {
	return putUint32s(t.PropSeg, t.PhaseSeg1, t.PhaseSeg2, t.SJW, t.BRP), nil
}

func (t *DeviceBitTiming) UnmarshalBinary(b []byte) error {
	if err := need(b, DeviceBitTimingSize, "bit timing"); err != nil {
		return err
	}
	getUint32s(b, &t.PropSeg, &t.PhaseSeg1, &t.PhaseSeg2, &t.SJW, &t.BRP)
	return nil
}

// Limits is one tseg/sjw/brp envelope as laid out on the wire.
type Limits struct {
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

const limitsSize = 32

func (l Limits) bytes() []byte {
	return putUint32s(l.Tseg1Min, l.Tseg1Max, l.Tseg2Min, l.Tseg2Max, l.SJWMax, l.BRPMin, l.BRPMax, l.BRPInc)
}

func (l *Limits) read(b []byte) {
	getUint32s(b, &l.Tseg1Min, &l.Tseg1Max, &l.Tseg2Min, &l.Tseg2Max, &l.SJWMax, &l.BRPMin, &l.BRPMax, &l.BRPInc)
}

// BTConst is the reply to BreqBTConst.
type BTConst struct {
	Feature uint32
	FclkCAN uint32
	Nominal Limits
}

const BTConstSize = 8 + limitsSize

func (c BTConst) MarshalBinary() ([]byte, error) {
	return append(putUint32s(c.Feature, c.FclkCAN), c.Nominal.bytes()...), nil
}

func (c *BTConst) UnmarshalBinary(b []byte) error {
	if err := need(b, BTConstSize, "bt const"); err != nil {
		return err
	}
	getUint32s(b, &c.Feature, &c.FclkCAN)
	c.Nominal.read(b[8:])
	return nil
}

// BTConstExtended is the reply to BreqBTConstExt on CAN-FD channels.
type BTConstExtended struct {
	Feature uint32
	FclkCAN uint32
	Nominal Limits
	Data    Limits
}

const BTConstExtendedSize = 8 + 2*limitsSize

func (c BTConstExtended) MarshalBinary() ([]byte, error) {
	b := append(putUint32s(c.Feature, c.FclkCAN), c.Nominal.bytes()...)
	return append(b, c.Data.bytes()...), nil
}

func (c *BTConstExtended) UnmarshalBinary(b []byte) error {
	if err := need(b, BTConstExtendedSize, "bt const ext"); err != nil {
		return err
	}
	getUint32s(b, &c.Feature, &c.FclkCAN)
	c.Nominal.read(b[8:])
	c.Data.read(b[8+limitsSize:])
	return nil
}

// Uint32 is the single word payload of termination and identify requests.
type Uint32 uint32

const Uint32Size = 4

func (u Uint32) MarshalBinary() ([]byte, error) {
	return putUint32s(uint32(u)), nil
}

func (u *Uint32) UnmarshalBinary(b []byte) error {
	if err := need(b, Uint32Size, "word"); err != nil {
		return err
	}
	*u = Uint32(binary.LittleEndian.Uint32(b))
	return nil
}
