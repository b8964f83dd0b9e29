package network

import (
	"container/heap"
	"math/rand"

	"github.com/xedgesim/cosim/internal/event"
)

// pendingDelivery is one in-flight event waiting for its due time, keyed by
// delivery time with ties broken by insertion sequence — the same
// container/heap.Interface shape as the teacher's EventQueue in
// sim/simulator.go, adapted from "ordered by event.Timestamp()" to "ordered
// by delivery time, insertion-order tiebreak" per spec §4.1's tie-break rule.
type pendingDelivery struct {
	deliveryTimeUs int64
	seq            int64
	latencyUs      int64
	evt            event.Event
}

type deliveryQueue []*pendingDelivery

func (q deliveryQueue) Len() int { return len(q) }
func (q deliveryQueue) Less(i, j int) bool {
	if q[i].deliveryTimeUs != q[j].deliveryTimeUs {
		return q[i].deliveryTimeUs < q[j].deliveryTimeUs
	}
	return q[i].seq < q[j].seq
}
func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deliveryQueue) Push(x any) {
	*q = append(*q, x.(*pendingDelivery))
}

func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return item
}

// Latency is a deterministic per-link delay and loss network model
// (spec §4.1). Each configured (src, dst) link draws from its own RNG
// stream seeded by SHA-256(src_dst_seed); unconfigured pairs draw from a
// shared fallback stream seeded by SHA-256(default_seed).
type Latency struct {
	cfg     Config
	seed    int64
	links   map[linkKey]Link
	rngs    *linkRNGPool
	queue   deliveryQueue
	nextSeq int64
	metrics Metrics
}

// NewLatency builds a Latency network model from a validated Config.
func NewLatency(cfg Config, seed int64) *Latency {
	l := &Latency{cfg: cfg, seed: seed}
	l.rebuildLinks()
	return l
}

func (l *Latency) rebuildLinks() {
	l.links = make(map[linkKey]Link, len(l.cfg.Links))
	keys := make([]linkKey, 0, len(l.cfg.Links))
	for _, link := range l.cfg.Links {
		k := linkKey{src: link.Src, dst: link.Dst}
		l.links[k] = link
		keys = append(keys, k)
	}
	l.rngs = newLinkRNGPool(l.seed, keys)
}

// Route implements Model. See spec §4.1 for the step-by-step algorithm this
// follows exactly: record sent, look up (latency, loss) for (src, dst) or
// fall back to defaults, draw from that link's stream, drop or enqueue.
func (l *Latency) Route(e event.Event) []event.Event {
	l.metrics.RecordSent()

	latencyUs, lossRate, rng := l.paramsFor(e.Src, e.Dst)

	if rng.Float64() < lossRate {
		l.metrics.RecordDropped()
		return nil
	}

	deliveryTimeUs := e.TimeUs + latencyUs
	delivered := e.WithDelivery(deliveryTimeUs, latencyUs, lossRate)

	heap.Push(&l.queue, &pendingDelivery{
		deliveryTimeUs: deliveryTimeUs,
		seq:            l.nextSeq,
		latencyUs:      latencyUs,
		evt:            delivered,
	})
	l.nextSeq++

	return nil
}

func (l *Latency) paramsFor(src, dst string) (latencyUs int64, lossRate float64, rng *rand.Rand) {
	k := linkKey{src: src, dst: dst}
	if link, ok := l.links[k]; ok {
		return link.LatencyUs, link.LossRate, l.rngs.forLink(src, dst)
	}
	return l.cfg.DefaultLatencyUs, l.cfg.DefaultLossRate, l.rngs.forLink(src, dst)
}

// AdvanceTo pops every delivery due at or before targetTimeUs, in
// non-decreasing delivery-time order with insertion-order tiebreaks, and
// records each as delivered for metrics purposes. Idempotent: nothing is
// left at or before targetTimeUs for a repeated call to return.
func (l *Latency) AdvanceTo(targetTimeUs int64) []event.Event {
	var ready []event.Event
	for l.queue.Len() > 0 && l.queue[0].deliveryTimeUs <= targetTimeUs {
		item := heap.Pop(&l.queue).(*pendingDelivery)
		l.metrics.RecordDelivered(item.latencyUs)
		ready = append(ready, item.evt)
	}
	return ready
}

// Reset drops the delivery queue, zeroes metrics, and rebuilds every RNG
// stream to its original seed, so a replay of the same event sequence
// reproduces an identical delivery sequence (spec §4.1, §8).
func (l *Latency) Reset() {
	l.queue = nil
	l.nextSeq = 0
	l.metrics.Reset()
	l.rngs.reset()
}

func (l *Latency) Metrics() Metrics {
	return l.metrics
}
