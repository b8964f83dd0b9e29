package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/network"
)

// fakeAdapter is a minimal adapter.NodeAdapter for exercising the
// coordinator loop without real transports.
type fakeAdapter struct {
	id string

	connectCalled  bool
	initCalled     bool
	advanceTargets []int64
	advanceInboxes [][]event.Event
	shutdownCalled int

	// produce, if set, computes this node's outbox for a given target.
	produce func(target int64, inbox []event.Event) []event.Event

	sendAdvanceErr error
	waitDoneErr    error

	pendingTarget int64
	pendingInbox  []event.Event
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.connectCalled = true
	return nil
}

func (f *fakeAdapter) SendInit(ctx context.Context, config map[string]any) error {
	f.initCalled = true
	return nil
}

func (f *fakeAdapter) SendAdvance(ctx context.Context, targetTimeUs int64, inbox []event.Event) error {
	f.advanceTargets = append(f.advanceTargets, targetTimeUs)
	f.advanceInboxes = append(f.advanceInboxes, inbox)
	f.pendingTarget = targetTimeUs
	f.pendingInbox = inbox
	return f.sendAdvanceErr
}

func (f *fakeAdapter) WaitDone(ctx context.Context) ([]event.Event, error) {
	if f.waitDoneErr != nil {
		return nil, f.waitDoneErr
	}
	if f.produce == nil {
		return nil, nil
	}
	return f.produce(f.pendingTarget, f.pendingInbox), nil
}

func (f *fakeAdapter) SendShutdown(ctx context.Context) error {
	f.shutdownCalled++
	return nil
}

func TestCoordinator_RunsQuantaToDuration(t *testing.T) {
	c := New(1_000_000, network.NewDirect())
	a := &fakeAdapter{id: "n1"}
	c.AddAdapter("n1", a)

	require.NoError(t, c.Run(context.Background(), 3_000_000))

	assert.Equal(t, []int64{1_000_000, 2_000_000, 3_000_000}, a.advanceTargets)
	assert.Equal(t, int64(3_000_000), c.CurrentTimeUs())
}

func TestCoordinator_LastQuantumIsClampedToDuration(t *testing.T) {
	c := New(1_000_000, network.NewDirect())
	a := &fakeAdapter{id: "n1"}
	c.AddAdapter("n1", a)

	require.NoError(t, c.Run(context.Background(), 2_500_000))

	assert.Equal(t, []int64{1_000_000, 2_000_000, 2_500_000}, a.advanceTargets)
}

func TestCoordinator_RoutesDirectEventsToDestinationNextQuantum(t *testing.T) {
	c := New(1_000_000, network.NewDirect())

	sender := &fakeAdapter{produce: func(target int64, inbox []event.Event) []event.Event {
		if target == 1_000_000 {
			return []event.Event{{TimeUs: target, Type: "ping", Src: "sender", Dst: "receiver"}}
		}
		return nil
	}}
	var receiverSawInboxAt2s []event.Event
	receiver := &fakeAdapter{produce: func(target int64, inbox []event.Event) []event.Event {
		if target == 2_000_000 {
			receiverSawInboxAt2s = inbox
		}
		return nil
	}}

	c.AddAdapter("sender", sender)
	c.AddAdapter("receiver", receiver)

	require.NoError(t, c.Run(context.Background(), 2_000_000))

	require.Len(t, receiverSawInboxAt2s, 1)
	assert.Equal(t, "ping", receiverSawInboxAt2s[0].Type)
}

func TestCoordinator_EventsWithUnknownDstAreDroppedAtDelivery(t *testing.T) {
	c := New(1_000_000, network.NewDirect())
	sender := &fakeAdapter{produce: func(target int64, inbox []event.Event) []event.Event {
		if target == 1_000_000 {
			return []event.Event{{TimeUs: target, Type: "lost", Src: "sender", Dst: "nobody"}}
		}
		return nil
	}}
	c.AddAdapter("sender", sender)

	require.NoError(t, c.Run(context.Background(), 1_000_000))
}

func TestCoordinator_FanOutErrorTriggersShutdownOfAllNodes(t *testing.T) {
	c := New(1_000_000, network.NewDirect())
	failing := &fakeAdapter{sendAdvanceErr: assertError{"boom"}}
	other := &fakeAdapter{}
	c.AddAdapter("failing", failing)
	c.AddAdapter("other", other)

	err := c.Run(context.Background(), 1_000_000)
	require.Error(t, err)
	assert.Equal(t, 1, failing.shutdownCalled)
	assert.Equal(t, 1, other.shutdownCalled)
}

func TestCoordinator_StableInsertionOrder(t *testing.T) {
	c := New(1_000_000, network.NewDirect())
	c.AddAdapter("z", &fakeAdapter{})
	c.AddAdapter("a", &fakeAdapter{})
	c.AddAdapter("m", &fakeAdapter{})

	assert.Equal(t, []string{"z", "a", "m"}, c.order)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
