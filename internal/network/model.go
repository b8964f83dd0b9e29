// Package network implements the network model: the single arbiter of
// cross-node event delivery (spec §4.1).
package network

import "github.com/xedgesim/cosim/internal/event"

// Link configures latency and loss for one directed (src, dst) pair.
type Link struct {
	Src       string
	Dst       string
	LatencyUs int64
	LossRate  float64
}

// Config is the validated network section of a scenario (spec §3).
type Config struct {
	Model            string // "direct" or "latency"
	DefaultLatencyUs int64
	DefaultLossRate  float64
	Links            []Link
}

// Model is the contract every network model implementation satisfies.
// None of its operations may fail (spec §4.1 "Failure policy"): a malformed
// event is still routed, it simply never matches a destination inbox.
type Model interface {
	// Route is called once per outgoing event. It returns events to deliver
	// immediately at the current clock; it may additionally buffer events
	// internally for delivery at a later virtual time.
	Route(e event.Event) []event.Event

	// AdvanceTo is called once per quantum boundary. It returns every
	// buffered event whose due time is <= targetTimeUs, in non-decreasing
	// due-time order. A second call with the same target returns nothing.
	AdvanceTo(targetTimeUs int64) []event.Event

	// Reset clears all pending and metric state and restores deterministic
	// RNGs to their origin.
	Reset()

	// Metrics returns a snapshot of the current NetworkMetrics.
	Metrics() Metrics
}

// NewFromConfig builds the model named by cfg.Model. A nil cfg yields
// DirectNetworkModel, matching the coordinator/launcher default (spec §4.4
// step 3: "absent -> DirectNetworkModel").
func NewFromConfig(cfg *Config, seed int64) (Model, error) {
	if cfg == nil {
		return NewDirect(), nil
	}
	switch cfg.Model {
	case "", "direct":
		return NewDirect(), nil
	case "latency":
		return NewLatency(*cfg, seed), nil
	default:
		return nil, &UnknownModelError{Model: cfg.Model}
	}
}

// UnknownModelError is returned by NewFromConfig for an unrecognized
// network.model value. It is a ConfigError in spec §7's taxonomy.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return "unknown network model: " + e.Model
}
