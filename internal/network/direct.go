package network

import "github.com/xedgesim/cosim/internal/event"

// Direct is the zero-latency, stateless network model. Route returns the
// event unchanged for immediate delivery; AdvanceTo never has anything
// buffered. Per spec §4.1 it deliberately opts out of metrics tracking —
// Metrics() always returns the zero value.
type Direct struct{}

// NewDirect constructs a Direct network model.
func NewDirect() *Direct {
	return &Direct{}
}

func (d *Direct) Route(e event.Event) []event.Event {
	return []event.Event{e}
}

func (d *Direct) AdvanceTo(targetTimeUs int64) []event.Event {
	return nil
}

func (d *Direct) Reset() {}

func (d *Direct) Metrics() Metrics {
	return Metrics{}
}
