package candle

import "fmt"

// Stats counts the traffic of one channel session.
type Stats struct {
	SentFrames    uint64
	RecvFrames    uint64
	ErrorFrames   uint64
	DroppedFrames uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("sent: %d recv: %d errors: %d dropped: %d", st.SentFrames, st.RecvFrames, st.ErrorFrames, st.DroppedFrames)
}

// Stats returns the channel counters. Echoes count as received frames.
func (c *Channel) Stats() Stats {
	return Stats{
		SentFrames:    c.sent.Load(),
		RecvFrames:    c.recv.Load(),
		ErrorFrames:   c.errFrames.Load(),
		DroppedFrames: c.dropped.Load(),
	}
}
