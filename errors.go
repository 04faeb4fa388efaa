package candle

import (
	"errors"
	"fmt"
	"time"

	"github.com/gocandle/candle/pkg/bittiming"
	"github.com/gocandle/candle/pkg/frame"
)

var (
	ErrUnsupportedFeature = errors.New("feature not supported by channel")
	ErrInvalidState       = errors.New("invalid state")
	ErrTimeout            = errors.New("timeout")
	ErrDeviceBusy         = errors.New("device busy")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrIndexOutOfRange    = errors.New("channel index out of range")
	ErrFirmwareTooOld     = errors.New("firmware too old")
	ErrDroppedFrame       = errors.New("channel receive queue full")
)

// Errors of the solver and codec, re-exported for callers of this package.
var (
	ErrUnsatisfiableTiming = bittiming.ErrUnsatisfiableTiming
	ErrMalformedFrame      = frame.ErrMalformedFrame
	ErrOversizedPayload    = frame.ErrOversizedPayload
)

// TimeoutError is returned by blocking channel operations that ran out of
// time. It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Channel int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel %d: %s timeout (%s)", e.Channel, e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
