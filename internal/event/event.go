// Package event defines the common event value exchanged between coordinator,
// network model, and node adapters.
package event

import "encoding/json"

// NetworkMetadata is stamped onto an Event by the network model at delivery
// time. Zero value means the event has not yet been routed.
type NetworkMetadata struct {
	LatencyUs      int64   `json:"latency_us"`
	SentTimeUs     int64   `json:"sent_time_us"`
	DeliveryTimeUs int64   `json:"delivery_time_us"`
	LossRate       float64 `json:"loss_rate"`
}

// Event is the common value carried between nodes. It is immutable after
// construction except that the network layer produces a *new* Event with an
// updated TimeUs and populated NetworkMetadata representing the delivered
// copy — callers must never mutate an Event in place once it has been handed
// to the network model.
type Event struct {
	TimeUs          int64            `json:"time_us"`
	Type            string           `json:"type"`
	Src             string           `json:"src"`
	Dst             string           `json:"dst,omitempty"`
	Payload         map[string]any   `json:"payload,omitempty"`
	SizeBytes       int              `json:"size_bytes"`
	NetworkMetadata *NetworkMetadata `json:"network_metadata,omitempty"`
}

// HasDst reports whether the event names a destination node.
func (e Event) HasDst() bool {
	return e.Dst != ""
}

// WithDelivery returns a copy of e updated with the delivery time and network
// metadata the network model computed for it. e itself is left untouched.
func (e Event) WithDelivery(deliveryTimeUs, latencyUs int64, lossRate float64) Event {
	delivered := e
	delivered.TimeUs = deliveryTimeUs
	delivered.NetworkMetadata = &NetworkMetadata{
		LatencyUs:      latencyUs,
		SentTimeUs:     e.TimeUs,
		DeliveryTimeUs: deliveryTimeUs,
		LossRate:       lossRate,
	}
	return delivered
}

// wireAlias is the alternate field-naming dialect (§6, §9 open question 1)
// used by the container-side protocol adapter. Implementations at the wire
// boundary must translate between the two dialects; the core only ever sees
// the time_us/type/src/dst dialect above.
type wireAlias struct {
	TimestampUs int64          `json:"timestamp_us"`
	EventType   string         `json:"event_type"`
	Source      string         `json:"source"`
	Destination string         `json:"destination,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// MarshalAlias encodes e using the timestamp_us/event_type/source/destination
// dialect, for peers that speak it. The adapters in this module (including
// MQTT) exchange the core dialect.
func MarshalAlias(e Event) ([]byte, error) {
	return json.Marshal(wireAlias{
		TimestampUs: e.TimeUs,
		EventType:   e.Type,
		Source:      e.Src,
		Destination: e.Dst,
		Payload:     e.Payload,
	})
}

// UnmarshalAlias decodes the timestamp_us/event_type/source/destination
// dialect into the core Event shape. SizeBytes and NetworkMetadata are not
// part of the alias dialect and are left zero.
func UnmarshalAlias(data []byte) (Event, error) {
	var a wireAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return Event{}, err
	}
	return Event{
		TimeUs:  a.TimestampUs,
		Type:    a.EventType,
		Src:     a.Source,
		Dst:     a.Destination,
		Payload: a.Payload,
	}, nil
}

// MarshalAliasEvents encodes a slice of events using the alias dialect, for
// transports that exchange arrays rather than one frame per event.
func MarshalAliasEvents(events []Event) ([]byte, error) {
	aliases := make([]wireAlias, 0, len(events))
	for _, e := range events {
		aliases = append(aliases, wireAlias{
			TimestampUs: e.TimeUs,
			EventType:   e.Type,
			Source:      e.Src,
			Destination: e.Dst,
			Payload:     e.Payload,
		})
	}
	return json.Marshal(aliases)
}

// UnmarshalAliasEvents decodes a JSON array of events in the alias dialect.
func UnmarshalAliasEvents(data []byte) ([]Event, error) {
	var aliases []wireAlias
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(aliases))
	for _, a := range aliases {
		events = append(events, Event{
			TimeUs:  a.TimestampUs,
			Type:    a.EventType,
			Src:     a.Source,
			Dst:     a.Destination,
			Payload: a.Payload,
		})
	}
	return events, nil
}

// UnmarshalEventsAnyDialect decodes a JSON array of events trying the core
// dialect first and falling back to the alias dialect, per design note §9
// open question 1 ("implementers should preserve both dialects at the wire
// boundary for compatibility"). A line is treated as alias-dialect as soon
// as any one of its elements lacks a "time_us" key.
func UnmarshalEventsAnyDialect(data []byte) ([]Event, error) {
	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	for _, fields := range probe {
		if _, ok := fields["time_us"]; !ok {
			return UnmarshalAliasEvents(data)
		}
	}
	return UnmarshalEvents(data)
}

// MarshalEvents encodes a slice of events in the core dialect as a compact
// JSON array, per the wire grammar in spec §6 (no embedded newlines).
func MarshalEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}

// UnmarshalEvents decodes a compact JSON array of events in the core dialect.
// Unknown extra fields are ignored by json.Unmarshal already; that is the
// required behavior per spec §6.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}
