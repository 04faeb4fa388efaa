package virtual

import "sync"

// Bus is an in-memory CAN bus shared by virtual adapters. A frame sent on
// one running channel is received by every running channel of the other
// adapters attached to the same bus.
type Bus struct {
	mu      sync.RWMutex
	devices map[*Device]struct{}
}

func NewBus() *Bus {
	return &Bus{devices: make(map[*Device]struct{})}
}

func (b *Bus) attach(d *Device) {
	b.mu.Lock()
	b.devices[d] = struct{}{}
	b.mu.Unlock()
}

// broadcast delivers raw to every device on the bus except from.
func (b *Bus) broadcast(from *Device, raw rxFrame) {
	b.mu.RLock()
	targets := make([]*Device, 0, len(b.devices))
	for d := range b.devices {
		if d != from {
			targets = append(targets, d)
		}
	}
	b.mu.RUnlock()

	for _, d := range targets {
		d.receiveFromBus(raw)
	}
}
