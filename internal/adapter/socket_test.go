package adapter

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// fakeSocketNode speaks the line protocol of spec §4.2.1 from the node side,
// for exercising the Socket adapter without a real external process.
func fakeSocketNode(t *testing.T, ln net.Listener, script func(conn net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
}

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestSocket_FullLifecycle(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	fakeSocketNode(t, ln, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		assert.True(t, strings.HasPrefix(line, "INIT s1 "))
		conn.Write([]byte("READY\n"))

		advanceLine, _ := r.ReadString('\n')
		assert.Equal(t, "ADVANCE 1000\n", advanceLine)
		eventsLine, _ := r.ReadString('\n')
		assert.Equal(t, "[]\n", eventsLine)

		conn.Write([]byte("DONE\n"))
		outbox, _ := event.MarshalEvents([]event.Event{{TimeUs: 1000, Type: "sample", Src: "s1"}})
		conn.Write(append(outbox, '\n'))

		shutdownLine, _ := r.ReadString('\n')
		assert.Equal(t, "SHUTDOWN\n", shutdownLine)
	})

	s := NewSocket("s1", "127.0.0.1", port)
	s.RetryAttempts = 2
	s.RetrySpacing = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SendInit(ctx, map[string]any{"seed": 1}))
	require.NoError(t, s.SendAdvance(ctx, 1000, nil))

	outbox, err := s.WaitDone(ctx)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, "sample", outbox[0].Type)

	require.NoError(t, s.SendShutdown(ctx))
	require.NoError(t, s.SendShutdown(ctx)) // idempotent
}

func TestSocket_ConnectFailsAfterRetryBudget(t *testing.T) {
	s := NewSocket("s1", "127.0.0.1", 1) // nothing listens on port 1
	s.RetryAttempts = 2
	s.RetrySpacing = 5 * time.Millisecond

	err := s.Connect(context.Background())
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindConnect, xerr.Kind)
}

func TestSocket_UnexpectedReadyReplyIsProtocolError(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	fakeSocketNode(t, ln, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		conn.Write([]byte("NOPE\n"))
	})

	s := NewSocket("s1", "127.0.0.1", port)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	err := s.SendInit(ctx, nil)
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindProtocol, xerr.Kind)
}

func TestSocket_BackwardsTimeIsRejected(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()
	fakeSocketNode(t, ln, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		conn.Write([]byte("READY\n"))
	})

	s := NewSocket("s1", "127.0.0.1", port)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SendInit(ctx, nil))
	require.NoError(t, s.SendAdvance(ctx, 1000, nil))

	err := s.SendAdvance(ctx, 500, nil)
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindBackwards, xerr.Kind)
}
