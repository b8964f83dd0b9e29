package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xedgesim/cosim/internal/network"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestFeed_PublishReachesSubscriber(t *testing.T) {
	addr := freeAddr(t)
	feed := NewFeed(addr)
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Stop(context.Background())

	var conn *websocket.Conn
	var err error
	url := fmt.Sprintf("ws://%s/status", addr)
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	// Give handleStatus's goroutine a beat to register the client before
	// Publish runs, since registration and Publish race over the mutex.
	time.Sleep(20 * time.Millisecond)

	metrics := network.Metrics{PacketsSent: 3, PacketsDelivered: 2, PacketsDropped: 1}
	feed.Publish(5_000_000, metrics)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, int64(5_000_000), frame.CurrentTimeUs)
	require.Equal(t, 3, frame.Metrics.PacketsSent)
	require.Equal(t, 2, frame.Metrics.PacketsDelivered)
	require.Equal(t, 1, frame.Metrics.PacketsDropped)
}

func TestFeed_PublishWithNoSubscribersIsSafe(t *testing.T) {
	feed := NewFeed(freeAddr(t))
	feed.Publish(1000, network.Metrics{})
}

func TestFeed_StopWithoutStartIsSafe(t *testing.T) {
	feed := NewFeed(freeAddr(t))
	require.NoError(t, feed.Stop(context.Background()))
}
