package frame

import (
	"encoding/binary"
	"fmt"
)

// gs_host_frame layout
//
//	0..3   echo_id
//	4..7   can_id | EFF | RTR | ERR
//	8      can_dlc
//	9      channel
//	10     flags
//	11     reserved
//	12..   data (8 classic, 64 FD)
//	       timestamp_us (4, hardware timestamp layout)
//	       quirk pad (1, LPC546xx quirk layout)
const (
	HeaderSize = 12

	// RXEchoID marks a frame received from the bus.
	RXEchoID = 0xFFFFFFFF

	EFFFlag = 0x80000000
	RTRFlag = 0x40000000
	ERRFlag = 0x20000000

	FlagOverflow = 1 << 0
	FlagFD       = 1 << 1
	FlagBRS      = 1 << 2
	FlagESI      = 1 << 3

	flagMask = FlagOverflow | FlagFD | FlagBRS | FlagESI
)

// Layout selects the optional trailer of a host frame.
type Layout struct {
	Timestamp bool // 32-bit µs timestamp after the data
	Quirk     bool // one pad byte after the data (LPC546xx firmware, TX only)
}

// Size returns the encoded size of a classic or FD frame.
func (l Layout) Size(fd bool) int {
	n := HeaderSize + MaxClassicLen
	if fd {
		n = HeaderSize + MaxFDLen
	}
	if l.Timestamp {
		n += 4
	}
	if l.Quirk {
		n++
	}
	return n
}

// Encode writes f as a host frame.
func Encode(f *Frame, l Layout) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	echo := f.EchoID
	if f.RX {
		echo = RXEchoID
	} else if echo == RXEchoID {
		return nil, fmt.Errorf("%w: echo id 0x%08X is reserved for received frames", ErrInvalidFlags, echo)
	}

	id := f.ID
	if f.Extended {
		id |= EFFFlag
	}
	if f.RTR {
		id |= RTRFlag
	}
	if f.Error {
		id |= ERRFlag
	}

	var flags byte
	if f.Overflow {
		flags |= FlagOverflow
	}
	if f.FD {
		flags |= FlagFD
	}
	if f.BRS {
		flags |= FlagBRS
	}
	if f.ESI {
		flags |= FlagESI
	}

	b := make([]byte, l.Size(f.FD))
	binary.LittleEndian.PutUint32(b[0:], echo)
	binary.LittleEndian.PutUint32(b[4:], id)
	b[8] = f.DLC
	b[9] = f.Channel
	b[10] = flags
	copy(b[HeaderSize:], f.Data)
	if l.Timestamp {
		binary.LittleEndian.PutUint32(b[HeaderSize+dataArea(f.FD):], f.Timestamp)
	}
	return b, nil
}

// Decode parses a host frame. Buffers padded past the frame size are
// accepted, as sent by firmware padding packets to the endpoint size.
func Decode(b []byte, l Layout) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedFrame, len(b), HeaderSize)
	}
	echo := binary.LittleEndian.Uint32(b[0:])
	id := binary.LittleEndian.Uint32(b[4:])
	dlc, channel, flags, reserved := b[8], b[9], b[10], b[11]

	if reserved != 0 {
		return nil, fmt.Errorf("%w: reserved byte 0x%02X", ErrMalformedFrame, reserved)
	}
	if flags&^flagMask != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02X", ErrMalformedFrame, flags)
	}

	f := &Frame{
		EchoID:   echo,
		RX:       echo == RXEchoID,
		Extended: id&EFFFlag != 0,
		RTR:      id&RTRFlag != 0,
		Error:    id&ERRFlag != 0,
		Overflow: flags&FlagOverflow != 0,
		FD:       flags&FlagFD != 0,
		BRS:      flags&FlagBRS != 0,
		ESI:      flags&FlagESI != 0,
		DLC:      dlc,
		Channel:  channel,
	}
	if f.Extended || f.Error {
		f.ID = id & MaxExtID
	} else {
		if id&(MaxExtID&^MaxStdID) != 0 {
			return nil, fmt.Errorf("%w: standard id 0x%08X has extended bits set", ErrMalformedFrame, id)
		}
		f.ID = id & MaxStdID
	}

	if !f.FD {
		if f.BRS || f.ESI {
			return nil, fmt.Errorf("%w: BRS/ESI without FD", ErrMalformedFrame)
		}
		if dlc > MaxClassicLen {
			return nil, fmt.Errorf("%w: DLC %d in classic frame", ErrMalformedFrame, dlc)
		}
	} else if dlc > MaxDLC {
		return nil, fmt.Errorf("%w: DLC %d", ErrMalformedFrame, dlc)
	}

	n := DLCToLen(dlc)
	if len(b) < HeaderSize+n {
		return nil, fmt.Errorf("%w: DLC %d needs %d data bytes, got %d", ErrMalformedFrame, dlc, n, len(b)-HeaderSize)
	}
	f.Data = make([]byte, n)
	copy(f.Data, b[HeaderSize:HeaderSize+n])

	if l.Timestamp {
		off := HeaderSize + dataArea(f.FD)
		if len(b) < off+4 {
			return nil, fmt.Errorf("%w: %d bytes, timestamp needs %d", ErrMalformedFrame, len(b), off+4)
		}
		f.Timestamp = binary.LittleEndian.Uint32(b[off:])
	}
	return f, nil
}

// MarshalBinary encodes f with the plain layout.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return Encode(f, Layout{})
}

// UnmarshalBinary decodes a plain layout host frame into f.
func (f *Frame) UnmarshalBinary(b []byte) error {
	g, err := Decode(b, Layout{})
	if err != nil {
		return err
	}
	*f = *g
	return nil
}

func dataArea(fd bool) int {
	if fd {
		return MaxFDLen
	}
	return MaxClassicLen
}
