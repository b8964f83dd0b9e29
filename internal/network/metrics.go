package network

import "fmt"

// Metrics aggregates per-run network performance counters. It mirrors the
// teacher's sim.Metrics shape (counters plus a human-readable Print), adapted
// to the fields spec §3 requires for NetworkMetrics.
type Metrics struct {
	PacketsSent      int
	PacketsDelivered int
	PacketsDropped   int
	TotalLatencyUs   int64

	minLatencyUs    int64
	maxLatencyUs    int64
	haveLatencyBand bool
}

// RecordSent increments the sent counter. Latency calls it once per routed
// event; Direct records no metrics and never calls it.
func (m *Metrics) RecordSent() {
	m.PacketsSent++
}

// RecordDropped increments the dropped counter.
func (m *Metrics) RecordDropped() {
	m.PacketsDropped++
}

// RecordDelivered increments the delivered counter and folds latencyUs into
// the running total and observed min/max band.
func (m *Metrics) RecordDelivered(latencyUs int64) {
	m.PacketsDelivered++
	m.TotalLatencyUs += latencyUs

	if !m.haveLatencyBand {
		m.minLatencyUs = latencyUs
		m.maxLatencyUs = latencyUs
		m.haveLatencyBand = true
		return
	}
	if latencyUs < m.minLatencyUs {
		m.minLatencyUs = latencyUs
	}
	if latencyUs > m.maxLatencyUs {
		m.maxLatencyUs = latencyUs
	}
}

// MinLatencyUs returns the smallest latency observed so far and whether any
// packet has been delivered yet.
func (m *Metrics) MinLatencyUs() (int64, bool) {
	return m.minLatencyUs, m.haveLatencyBand
}

// MaxLatencyUs returns the largest latency observed so far and whether any
// packet has been delivered yet.
func (m *Metrics) MaxLatencyUs() (int64, bool) {
	return m.maxLatencyUs, m.haveLatencyBand
}

// AverageLatencyUs returns TotalLatencyUs / PacketsDelivered. The second
// return value is false when no packet has been delivered, per spec §8
// invariant 3 ("undefined otherwise").
func (m *Metrics) AverageLatencyUs() (float64, bool) {
	if m.PacketsDelivered == 0 {
		return 0, false
	}
	return float64(m.TotalLatencyUs) / float64(m.PacketsDelivered), true
}

// InFlight returns the number of packets sent but neither delivered nor
// dropped yet — the quantity spec §8 invariant 2 calls
// packets_still_in_flight_at_end.
func (m *Metrics) InFlight() int {
	return m.PacketsSent - m.PacketsDelivered - m.PacketsDropped
}

// Reset zeroes every counter, restoring the Metrics to its origin state.
func (m *Metrics) Reset() {
	*m = Metrics{}
}

// Print writes a human-readable summary, matching the texture of the
// teacher's sim.Metrics.Print.
func (m *Metrics) Print() {
	fmt.Println("=== Network Metrics ===")
	fmt.Printf("Packets sent      : %d\n", m.PacketsSent)
	fmt.Printf("Packets delivered : %d\n", m.PacketsDelivered)
	fmt.Printf("Packets dropped   : %d\n", m.PacketsDropped)
	fmt.Printf("Packets in flight : %d\n", m.InFlight())
	if avg, ok := m.AverageLatencyUs(); ok {
		minUs, _ := m.MinLatencyUs()
		maxUs, _ := m.MaxLatencyUs()
		fmt.Printf("Average latency   : %.2fus\n", avg)
		fmt.Printf("Latency band      : [%dus, %dus]\n", minUs, maxUs)
	}
}
