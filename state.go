package candle

import (
	"fmt"

	"github.com/gocandle/candle/pkg/gsusb"
)

// BusState is the CAN controller error state, ordered by severity up to
// BusOff.
type BusState uint32

const (
	BusStateErrorActive  = BusState(gsusb.StateErrorActive)
	BusStateErrorWarning = BusState(gsusb.StateErrorWarning)
	BusStateErrorPassive = BusState(gsusb.StateErrorPassive)
	BusStateBusOff       = BusState(gsusb.StateBusOff)
	BusStateStopped      = BusState(gsusb.StateStopped)
	BusStateSleeping     = BusState(gsusb.StateSleeping)
)

func (s BusState) String() string {
	switch s {
	case BusStateErrorActive:
		return "error-active"
	case BusStateErrorWarning:
		return "error-warning"
	case BusStateErrorPassive:
		return "error-passive"
	case BusStateBusOff:
		return "bus-off"
	case BusStateStopped:
		return "stopped"
	case BusStateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// ChannelState is a snapshot of the controller error counters.
type ChannelState struct {
	BusState BusState
	TxErrors uint32
	RxErrors uint32
}

func (s ChannelState) String() string {
	return fmt.Sprintf("%s tx_err=%d rx_err=%d", s.BusState, s.TxErrors, s.RxErrors)
}

// Phase is the lifecycle position of a Channel.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseConfigured
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConfigured:
		return "configured"
	case PhaseRunning:
		return "running"
	default:
		return "unknown"
	}
}
