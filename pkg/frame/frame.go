// Package frame defines CAN and CAN-FD frames and their gs_usb host frame
// encoding.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF

	MaxClassicLen = 8
	MaxFDLen      = 64
	MaxDLC        = 15
)

var (
	ErrMalformedFrame   = errors.New("frame: malformed")
	ErrOversizedPayload = errors.New("frame: payload too large")
	ErrInvalidID        = errors.New("frame: invalid identifier")
	ErrInvalidDLC       = errors.New("frame: invalid data length code")
	ErrInvalidFlags     = errors.New("frame: invalid flag combination")
)

var dlcToLen = [MaxDLC + 1]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen returns the payload length a DLC stands for.
func DLCToLen(dlc uint8) int {
	if dlc > MaxDLC {
		return MaxFDLen
	}
	return dlcToLen[dlc]
}

// LenToDLC returns the smallest DLC able to carry n bytes.
func LenToDLC(n int) uint8 {
	for dlc, l := range dlcToLen {
		if n <= l {
			return uint8(dlc)
		}
	}
	return MaxDLC
}

// Frame is a classical CAN or CAN-FD frame as exchanged with an adapter.
type Frame struct {
	ID       uint32 // 11-bit, 29-bit or error class bits
	Extended bool   // 29-bit identifier
	RTR      bool   // remote transmission request
	Error    bool   // error frame synthesized by the adapter

	FD  bool // CAN-FD frame
	BRS bool // bitrate switch, FD only
	ESI bool // error state indicator, FD only

	RX       bool // received from the bus, false for transmit echoes
	Overflow bool // adapter RX queue overflowed before this frame

	DLC  uint8
	Data []byte // always DLCToLen(DLC) bytes

	EchoID    uint32
	Channel   uint8
	Timestamp uint32 // µs, hardware timestamp mode only
}

type Option func(*Frame)

func WithExtended() Option { return func(f *Frame) { f.Extended = true } }
func WithRTR() Option      { return func(f *Frame) { f.RTR = true } }
func WithFD() Option       { return func(f *Frame) { f.FD = true } }

// WithBRS marks an FD frame for bitrate switching; it implies WithFD.
func WithBRS() Option { return func(f *Frame) { f.FD, f.BRS = true, true } }

// WithESI sets the error state indicator; it implies WithFD.
func WithESI() Option { return func(f *Frame) { f.FD, f.ESI = true, true } }

// New creates a frame, copying data and padding it to the length of the
// smallest DLC that holds it.
func New(id uint32, data []byte, opts ...Option) (*Frame, error) {
	f := &Frame{ID: id}
	for _, o := range opts {
		o(f)
	}
	if f.FD {
		if len(data) > MaxFDLen {
			return nil, fmt.Errorf("%w: %d bytes in FD frame", ErrOversizedPayload, len(data))
		}
		f.DLC = LenToDLC(len(data))
	} else {
		if len(data) > MaxClassicLen {
			return nil, fmt.Errorf("%w: %d bytes in classic frame", ErrOversizedPayload, len(data))
		}
		f.DLC = uint8(len(data))
	}
	f.Data = make([]byte, DLCToLen(f.DLC))
	copy(f.Data, data)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Len returns the payload length implied by the DLC.
func (f *Frame) Len() int {
	return DLCToLen(f.DLC)
}

// Validate reports whether f can be put on the wire.
func (f *Frame) Validate() error {
	if f.FD {
		if f.DLC > MaxDLC {
			return fmt.Errorf("%w: %d", ErrInvalidDLC, f.DLC)
		}
		if f.RTR {
			return fmt.Errorf("%w: RTR in FD frame", ErrInvalidFlags)
		}
	} else {
		if len(f.Data) > MaxClassicLen {
			return fmt.Errorf("%w: %d bytes in classic frame", ErrOversizedPayload, len(f.Data))
		}
		if f.DLC > MaxClassicLen {
			return fmt.Errorf("%w: %d in classic frame", ErrInvalidDLC, f.DLC)
		}
		if f.BRS || f.ESI {
			return fmt.Errorf("%w: BRS/ESI in classic frame", ErrInvalidFlags)
		}
	}
	if len(f.Data) > f.Len() {
		return fmt.Errorf("%w: %d bytes for DLC %d", ErrOversizedPayload, len(f.Data), f.DLC)
	}
	switch {
	case f.Extended || f.Error:
		if f.ID > MaxExtID {
			return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
		}
	case f.ID > MaxStdID:
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	return nil
}

// Normalize zero-pads Data to the DLC length.
func (f *Frame) Normalize() {
	if n := f.Len(); len(f.Data) < n {
		d := make([]byte, n)
		copy(d, f.Data)
		f.Data = d
	}
}

// Equal reports whether f and o describe the same frame.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.ID == o.ID &&
		f.Extended == o.Extended &&
		f.RTR == o.RTR &&
		f.Error == o.Error &&
		f.FD == o.FD &&
		f.BRS == o.BRS &&
		f.ESI == o.ESI &&
		f.RX == o.RX &&
		f.Overflow == o.Overflow &&
		f.DLC == o.DLC &&
		f.EchoID == o.EchoID &&
		f.Channel == o.Channel &&
		f.Timestamp == o.Timestamp &&
		bytes.Equal(f.Data, o.Data)
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) direction() string {
	switch {
	case f.Error:
		return "<e> || "
	case f.RX:
		return "<i> || "
	default:
		return "<o> || "
	}
}

func (f *Frame) idString() string {
	if f.Extended {
		return fmt.Sprintf("0x%08X", f.ID)
	}
	return fmt.Sprintf("0x%03X", f.ID)
}

func (f *Frame) flagString() string {
	var flags []string
	if f.FD {
		flags = append(flags, "FD")
	}
	if f.BRS {
		flags = append(flags, "BRS")
	}
	if f.ESI {
		flags = append(flags, "ESI")
	}
	if f.RTR {
		flags = append(flags, "RTR")
	}
	return strings.Join(flags, ",")
}

func hexView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func binView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%08b", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString(f.idString() + " || ")
	out.WriteString(strconv.Itoa(f.Len()) + " || ")
	if fl := f.flagString(); fl != "" {
		out.WriteString(fl + " || ")
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	if !f.FD {
		out.WriteString(" || ")
		out.WriteString(fmt.Sprintf("%-71s", binView(f.Data)))
	}
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString(green("%s", f.idString()) + " || ")
	out.WriteString(strconv.Itoa(f.Len()) + " || ")
	if fl := f.flagString(); fl != "" {
		out.WriteString(fl + " || ")
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	if !f.FD {
		out.WriteString(" || ")
		out.WriteString(red("%-71s", binView(f.Data)))
	}
	out.WriteString(" || ")
	out.WriteString(yellow("%s", onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
