// Package bittiming calculates CAN bit timing register values from a
// bitrate, the controller clock and the timing limits a device reports.
//
// The search is the one used by the Linux kernel (can_calc_bittiming), so a
// node configured here samples the bus at the same point as its peers.
package bittiming

import (
	"errors"
	"fmt"
)

const (
	// SyncSeg is the fixed synchronization segment, one time quantum.
	SyncSeg = 1

	// MaxBitrateError is the largest accepted bitrate deviation in tenths
	// of a percent.
	MaxBitrateError = 50
)

var ErrUnsatisfiableTiming = errors.New("bittiming: no valid timing for bitrate")

// Constraint is the legal search space of one clock domain of a controller.
type Constraint struct {
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// IsZero reports whether the constraint is empty, as for the data phase of a
// channel without CAN-FD.
func (c Constraint) IsZero() bool {
	return c == Constraint{}
}

func (c Constraint) validate() error {
	switch {
	case c.IsZero():
		return fmt.Errorf("%w: empty constraint", ErrUnsatisfiableTiming)
	case c.Tseg1Min > c.Tseg1Max, c.Tseg2Min > c.Tseg2Max, c.BRPMin > c.BRPMax:
		return fmt.Errorf("%w: inverted constraint %+v", ErrUnsatisfiableTiming, c)
	case c.Tseg2Min == 0, c.BRPMin == 0:
		return fmt.Errorf("%w: zero minimum in constraint %+v", ErrUnsatisfiableTiming, c)
	}
	return nil
}

func (c Constraint) String() string {
	return fmt.Sprintf("tseg1 %d..%d tseg2 %d..%d sjw ..%d brp %d..%d/%d",
		c.Tseg1Min, c.Tseg1Max, c.Tseg2Min, c.Tseg2Max, c.SJWMax, c.BRPMin, c.BRPMax, c.BRPInc)
}

// Timing holds the register values sent to the adapter and the derived
// figures used for diagnostics.
type Timing struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32

	Bitrate     uint32 // achieved bitrate
	SamplePoint uint32 // permille
	TQ          uint32 // time quantum in ns
}

// Tseg1 returns prop_seg + phase_seg1.
func (t Timing) Tseg1() uint32 {
	return t.PropSeg + t.PhaseSeg1
}

// Quanta returns the number of time quanta per bit.
func (t Timing) Quanta() uint32 {
	return SyncSeg + t.PropSeg + t.PhaseSeg1 + t.PhaseSeg2
}

// Validate checks that t can be programmed into a controller with the
// constraint c.
func (t Timing) Validate(c Constraint) error {
	tseg1 := t.Tseg1()
	switch {
	case tseg1 < c.Tseg1Min || tseg1 > c.Tseg1Max:
		return fmt.Errorf("%w: tseg1 %d outside %d..%d", ErrUnsatisfiableTiming, tseg1, c.Tseg1Min, c.Tseg1Max)
	case t.PhaseSeg2 < c.Tseg2Min || t.PhaseSeg2 > c.Tseg2Max:
		return fmt.Errorf("%w: tseg2 %d outside %d..%d", ErrUnsatisfiableTiming, t.PhaseSeg2, c.Tseg2Min, c.Tseg2Max)
	case t.BRP < c.BRPMin || t.BRP > c.BRPMax:
		return fmt.Errorf("%w: brp %d outside %d..%d", ErrUnsatisfiableTiming, t.BRP, c.BRPMin, c.BRPMax)
	case t.SJW == 0:
		return fmt.Errorf("%w: sjw is zero", ErrUnsatisfiableTiming)
	case c.SJWMax > 0 && t.SJW > c.SJWMax:
		return fmt.Errorf("%w: sjw %d above %d", ErrUnsatisfiableTiming, t.SJW, c.SJWMax)
	case t.SJW > t.PhaseSeg1 || t.SJW > t.PhaseSeg2:
		return fmt.Errorf("%w: sjw %d exceeds phase segments %d/%d", ErrUnsatisfiableTiming, t.SJW, t.PhaseSeg1, t.PhaseSeg2)
	}
	return nil
}

func (t Timing) String() string {
	return fmt.Sprintf("%d bit/s sp %d.%d%% tq %dns (prop %d ps1 %d ps2 %d sjw %d brp %d)",
		t.Bitrate, t.SamplePoint/10, t.SamplePoint%10, t.TQ,
		t.PropSeg, t.PhaseSeg1, t.PhaseSeg2, t.SJW, t.BRP)
}

// DefaultSamplePoint returns the CiA recommended sample point in permille.
func DefaultSamplePoint(bitrate uint32) uint32 {
	switch {
	case bitrate > 800_000:
		return 750
	case bitrate > 500_000:
		return 800
	default:
		return 875
	}
}

// BitrateError returns the deviation of t from bitrate in tenths of a
// percent.
func BitrateError(bitrate uint32, t Timing) uint32 {
	if bitrate == 0 {
		return 0
	}
	diff := absDiff(int64(bitrate), int64(t.Bitrate))
	return uint32(diff * 1000 / int64(bitrate))
}

// Solve finds register values for bitrate on a controller clocked at
// clockHz. A samplePoint of zero selects DefaultSamplePoint.
func Solve(c Constraint, bitrate, clockHz, samplePoint uint32) (Timing, error) {
	if err := c.validate(); err != nil {
		return Timing{}, err
	}
	if bitrate == 0 || clockHz == 0 {
		return Timing{}, fmt.Errorf("%w: bitrate %d clock %d", ErrUnsatisfiableTiming, bitrate, clockHz)
	}
	if samplePoint >= 1000 {
		return Timing{}, fmt.Errorf("%w: sample point %d‰", ErrUnsatisfiableTiming, samplePoint)
	}
	nominal := int64(samplePoint)
	if nominal == 0 {
		nominal = int64(DefaultSamplePoint(bitrate))
	}

	brpInc := int64(c.BRPInc)
	if brpInc == 0 {
		brpInc = 1
	}

	var (
		clock     = int64(clockHz)
		rate      = int64(bitrate)
		bestErr   = int64(-1) // -1: nothing found yet
		bestSpErr = int64(-1)
		bestTseg  int64
		bestBRP   int64
	)

	// tseg even = round down, odd = round up
	for tseg := int64(c.Tseg1Max+c.Tseg2Max)*2 + 1; tseg >= int64(c.Tseg1Min+c.Tseg2Min)*2; tseg-- {
		tsegAll := SyncSeg + tseg/2

		brp := clock/(tsegAll*rate) + tseg%2
		brp = (brp / brpInc) * brpInc
		if brp < int64(c.BRPMin) || brp > int64(c.BRPMax) {
			continue
		}

		achieved := clock / (brp * tsegAll)
		bitrateErr := absDiff(rate, achieved)

		if bestErr >= 0 && bitrateErr > bestErr {
			continue
		}
		// a better bitrate restarts the sample point competition
		if bestErr < 0 || bitrateErr < bestErr {
			bestSpErr = -1
		}

		sp := updateSamplePoint(c, nominal, tseg/2)
		if !sp.ok {
			continue
		}
		if bestSpErr >= 0 && sp.err >= bestSpErr {
			continue
		}

		bestSpErr = sp.err
		bestErr = bitrateErr
		bestTseg = tseg / 2
		bestBRP = brp

		if bitrateErr == 0 && sp.err == 0 {
			break
		}
	}

	if bestErr < 0 {
		return Timing{}, fmt.Errorf("%w: %d bit/s with %d Hz clock (%s)", ErrUnsatisfiableTiming, bitrate, clockHz, c)
	}
	if bestErr > 0 {
		if e := bestErr * 1000 / rate; e > MaxBitrateError {
			return Timing{}, fmt.Errorf("%w: bitrate error %d.%d%% too high", ErrUnsatisfiableTiming, e/10, e%10)
		}
	}

	sp := updateSamplePoint(c, nominal, bestTseg)

	t := Timing{
		PropSeg:     uint32(sp.tseg1 / 2),
		PhaseSeg2:   uint32(sp.tseg2),
		BRP:         uint32(bestBRP),
		SamplePoint: uint32(sp.point),
		TQ:          uint32(bestBRP * 1_000_000_000 / clock),
	}
	t.PhaseSeg1 = uint32(sp.tseg1) - t.PropSeg
	t.SJW = defaultSJW(c, t)
	t.Bitrate = uint32(clock / (bestBRP * (SyncSeg + sp.tseg1 + sp.tseg2)))
	return t, nil
}

func defaultSJW(c Constraint, t Timing) uint32 {
	if c.SJWMax == 0 {
		return 1
	}
	sjw := t.PhaseSeg2 / 2
	if sjw > c.SJWMax {
		sjw = c.SJWMax
	}
	if sjw > t.PhaseSeg1 {
		sjw = t.PhaseSeg1
	}
	if sjw < 1 {
		sjw = 1
	}
	return sjw
}

type samplePoint struct {
	ok           bool
	point        int64
	err          int64
	tseg1, tseg2 int64
}

// updateSamplePoint splits tseg into tseg1/tseg2 so the sample point lands
// as close as possible to, but never after, nominal.
func updateSamplePoint(c Constraint, nominal, tseg int64) samplePoint {
	var best samplePoint
	for i := int64(0); i <= 1; i++ {
		tseg2 := tseg + SyncSeg - (nominal*(tseg+SyncSeg))/1000 - i
		tseg2 = clamp(tseg2, int64(c.Tseg2Min), int64(c.Tseg2Max))
		tseg1 := tseg - tseg2
		if tseg1 > int64(c.Tseg1Max) {
			tseg1 = int64(c.Tseg1Max)
			tseg2 = tseg - tseg1
		}
		if tseg1 < int64(c.Tseg1Min) || tseg2 < int64(c.Tseg2Min) || tseg2 > int64(c.Tseg2Max) {
			continue
		}

		point := 1000 * (tseg + SyncSeg - tseg2) / (tseg + SyncSeg)
		spErr := absDiff(nominal, point)

		if point <= nominal && (!best.ok || spErr < best.err) {
			best = samplePoint{ok: true, point: point, err: spErr, tseg1: tseg1, tseg2: tseg2}
		}
	}
	return best
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
