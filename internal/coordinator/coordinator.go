// Package coordinator implements the conservative synchronous lockstep
// scheduling model of spec §4.3: a single run clock, a fixed quantum, and a
// fan-out / join / route / deliver / advance loop over registered node
// adapters.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/xedgesim/cosim/internal/adapter"
	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/network"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// DefaultQuantumUs is the time step New falls back to when it is given a
// non-positive quantum. Scenarios loaded from a file carry their own
// default of 1000us and never reach this fallback.
const DefaultQuantumUs int64 = 1_000_000

// registeredNode pairs a node's adapter with its pending inbox. The
// coordinator owns inboxes exclusively; no other component may read or
// write them (spec §4.1 PendingInboxes).
type registeredNode struct {
	id      string
	adapter adapter.NodeAdapter
	inbox   []event.Event
}

// Publisher receives one notification per closed quantum. It is the
// coordinator's only hook into the optional observability feed: accepting
// this narrow interface instead of a concrete type keeps the coordinator
// ignorant of websockets, HTTP, or anything else the feed is built from.
type Publisher interface {
	Publish(currentTimeUs int64, metrics network.Metrics)
}

// Coordinator owns the run clock and drives every registered node in
// lockstep. Not safe for concurrent use by multiple goroutines calling Run;
// a single Coordinator drives a single run.
type Coordinator struct {
	QuantumUs int64
	Network   network.Model

	// Publisher, when set, is notified after every quantum closes. Nil by
	// default: the observability feed is off unless a scenario turns it on.
	Publisher Publisher

	// order is insertion order, preserved across AddX calls (spec §4.3:
	// "iteration order over nodes is stable").
	order []string
	nodes map[string]*registeredNode

	currentTimeUs int64
}

// New constructs a Coordinator advancing in steps of quantumUs (0 or a
// negative value falls back to DefaultQuantumUs) against the given network
// model.
func New(quantumUs int64, net network.Model) *Coordinator {
	if quantumUs <= 0 {
		quantumUs = DefaultQuantumUs
	}
	return &Coordinator{
		QuantumUs: quantumUs,
		Network:   net,
		nodes:     make(map[string]*registeredNode),
	}
}

// AddSocketNode registers a node reached over TCP (spec §4.3 registration
// API, "add_socket_node(id, host, port)").
func (c *Coordinator) AddSocketNode(id, host string, port int) {
	c.AddAdapter(id, adapter.NewSocket(id, host, port))
}

// AddInProcessNode registers a node whose work runs inside the
// coordinator's own address space ("add_inprocess_node(id, node_instance)").
func (c *Coordinator) AddInProcessNode(id string, node adapter.InProcessNode) {
	c.AddAdapter(id, adapter.NewInProcess(id, node))
}

// AddAdapter registers id under an arbitrary NodeAdapter (stdio, MQTT, or
// any custom implementation — "add_adapter(id, adapter)"). All three
// registration overloads funnel through here and create an empty inbox.
func (c *Coordinator) AddAdapter(id string, a adapter.NodeAdapter) {
	if _, exists := c.nodes[id]; exists {
		return
	}
	c.order = append(c.order, id)
	c.nodes[id] = &registeredNode{id: id, adapter: a}
}

// CurrentTimeUs returns the coordinator's run clock.
func (c *Coordinator) CurrentTimeUs() int64 { return c.currentTimeUs }

// Run drives the simulation forward from the current clock to durationUs in
// fixed quanta, implementing the loop in spec §4.3 exactly. On any adapter
// error during fan-out or join, Run attempts SendShutdown on every
// registered adapter, the failing one included, before propagating the
// originating error; partial-quantum inbox
// state is discarded and there is no rollback of previously committed clock
// advances.
func (c *Coordinator) Run(ctx context.Context, durationUs int64) error {
	for c.currentTimeUs < durationUs {
		target := c.currentTimeUs + c.QuantumUs
		if target > durationUs {
			target = durationUs
		}

		outputs, err := c.step(ctx, target)
		if err != nil {
			c.teardownAll(ctx)
			return err
		}

		c.routeAndDeliver(outputs, target)
		c.currentTimeUs = target
		log.Printf(">> coordinator: quantum closed at %dus", c.currentTimeUs)

		if c.Publisher != nil {
			c.Publisher.Publish(c.currentTimeUs, c.Network.Metrics())
		}
	}
	return nil
}

// step fans out send_advance to every node concurrently, then joins on
// wait_done in stable node order, returning the combined outbox.
func (c *Coordinator) step(ctx context.Context, target int64) ([]event.Event, error) {
	type sendResult struct {
		id  string
		err error
	}

	// 1. Fan out. A slow adapter must not serialize the others (spec §4.3);
	// sends run concurrently while per-adapter ordering is preserved since
	// each adapter's own SendAdvance is called exactly once here.
	results := make(chan sendResult, len(c.order))
	var wg sync.WaitGroup
	for _, id := range c.order {
		n := c.nodes[id]
		inbox := n.inbox
		n.inbox = nil
		wg.Add(1)
		go func(n *registeredNode, inbox []event.Event) {
			defer wg.Done()
			err := n.adapter.SendAdvance(ctx, target, inbox)
			results <- sendResult{id: n.id, err: err}
		}(n, inbox)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("send_advance[%s]: %w", r.id, r.err)
		}
	}

	// 2. Join, in stable node order (determinism: spec §4.3).
	var outputs []event.Event
	for _, id := range c.order {
		n := c.nodes[id]
		outbox, err := n.adapter.WaitDone(ctx)
		if err != nil {
			return nil, fmt.Errorf("wait_done[%s]: %w", id, err)
		}
		outputs = append(outputs, outbox...)
	}
	return outputs, nil
}

// routeAndDeliver implements steps 3-4 of the coordinator loop: route each
// output through the network model, deliver anything ready now, then
// advance the network to target and deliver what it releases. Events whose
// dst is absent or unknown are dropped here, at delivery, not at routing
// (spec §4.3) — the network model still sees and counts every event.
func (c *Coordinator) routeAndDeliver(outputs []event.Event, target int64) {
	for _, e := range outputs {
		for _, delivered := range c.Network.Route(e) {
			c.deliver(delivered)
		}
	}
	for _, delivered := range c.Network.AdvanceTo(target) {
		c.deliver(delivered)
	}
}

func (c *Coordinator) deliver(e event.Event) {
	if !e.HasDst() {
		return
	}
	n, ok := c.nodes[e.Dst]
	if !ok {
		return
	}
	n.inbox = append(n.inbox, e)
}

// teardownAll attempts SendShutdown on every registered adapter, ignoring
// individual failures: it is best-effort cleanup after a fatal error, not a
// second chance to fail the run.
func (c *Coordinator) teardownAll(ctx context.Context) {
	for _, id := range c.order {
		n := c.nodes[id]
		if err := n.adapter.SendShutdown(ctx); err != nil {
			log.Printf(">> coordinator: shutdown[%s] failed during error teardown: %v", id, err)
		}
	}
}

// Shutdown sends SendShutdown to every registered adapter. Idempotent per
// adapter (each adapter implementation tracks its own shutdown state).
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var first *xerrors.Error
	for _, id := range c.order {
		n := c.nodes[id]
		if err := n.adapter.SendShutdown(ctx); err != nil {
			log.Printf(">> coordinator: shutdown[%s] failed: %v", id, err)
			if first == nil {
				if xerr, ok := err.(*xerrors.Error); ok {
					first = xerr
				}
			}
		}
	}
	if first != nil {
		return first
	}
	return nil
}
