// Package adapter implements the node adapter contract (spec §4.2): the
// coordinator-side object that speaks the node protocol over whichever
// substrate a node actually runs on. Four concrete adapters share the same
// capability interface and no implementation inheritance, matching the
// "class inheritance for adapters" translation note.
package adapter

import (
	"context"

	"github.com/xedgesim/cosim/internal/event"
)

// NodeAdapter is the capability interface every node substrate implements.
// Connect, SendInit, SendAdvance, WaitDone, and SendShutdown map directly to
// spec §4.2's five operations.
type NodeAdapter interface {
	// Connect establishes the channel. The node is reachable but not yet
	// initialized.
	Connect(ctx context.Context) error

	// SendInit transmits INIT and blocks for the READY acknowledgment.
	SendInit(ctx context.Context, config map[string]any) error

	// SendAdvance transmits the ADVANCE request and the ordered inbox.
	// targetTimeUs is expected to be strictly greater than the previous
	// target passed to this adapter; a target below the previous one is
	// rejected with a BackwardsTime error.
	SendAdvance(ctx context.Context, targetTimeUs int64, inbox []event.Event) error

	// WaitDone blocks until the node acknowledges DONE and returns its
	// outbox of outgoing events.
	WaitDone(ctx context.Context) ([]event.Event, error)

	// SendShutdown terminates the node cleanly. It is idempotent and must
	// never return an error that would abort a teardown sequence; callers
	// that need to know about a failure should check the returned error for
	// logging purposes only.
	SendShutdown(ctx context.Context) error
}
