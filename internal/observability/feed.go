// Package observability implements the optional, strictly read-only status
// feed a launcher can serve over a websocket (SPEC_FULL §3 [OBSERVABILITY]):
// one frame per quantum boundary containing the current run clock and a
// network metrics snapshot. It accepts no input and cannot influence a run —
// there is no control channel here, only a broadcast.
package observability

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xedgesim/cosim/internal/network"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is one status update, JSON-encoded verbatim onto the wire.
type Frame struct {
	CurrentTimeUs int64           `json:"current_time_us"`
	Metrics       network.Metrics `json:"metrics"`
}

// Feed serves Frame broadcasts over /status to any number of connected,
// read-only subscribers. The zero value is not usable; construct with
// NewFeed.
type Feed struct {
	addr string

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	server   *http.Server
	listener net.Listener
}

// NewFeed constructs a Feed that will listen on addr once Start is called.
func NewFeed(addr string) *Feed {
	return &Feed{
		addr:    addr,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Start binds addr and begins serving /status in the background. It returns
// once the listener is bound, so a caller immediately knows whether the
// configured address was available.
func (f *Feed) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", f.handleStatus)

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return err
	}
	f.listener = ln
	f.server = &http.Server{Handler: mux}

	go func() {
		if err := f.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf(">> observability: serve failed: %v", err)
		}
	}()

	log.Printf(">> observability: status feed listening on %s/status", ln.Addr())
	return nil
}

// handleStatus upgrades the connection and starts its write pump. It never
// reads application data from the client: incoming frames are drained and
// discarded purely to keep the websocket's control-frame handling (pings,
// close) alive, matching the read-only contract (SPEC_FULL §3).
func (f *Feed) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf(">> observability: upgrade failed: %v", err)
		return
	}

	send := make(chan []byte, clientSendSize)
	f.mu.Lock()
	f.clients[conn] = send
	f.mu.Unlock()

	go f.writePump(conn, send)
	go f.drainReads(conn)
}

func (f *Feed) drainReads(conn *websocket.Conn) {
	defer f.disconnect(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(conn *websocket.Conn, send chan []byte) {
	for msg := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.disconnect(conn)
			return
		}
	}
}

func (f *Feed) disconnect(conn *websocket.Conn) {
	f.mu.Lock()
	if send, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		close(send)
	}
	f.mu.Unlock()
	conn.Close()
}

// Publish broadcasts a Frame to every connected subscriber, satisfying
// coordinator.Publisher. A slow or unresponsive subscriber never blocks the
// run: a full send buffer just drops the frame for that one client.
func (f *Feed) Publish(currentTimeUs int64, metrics network.Metrics) {
	body, err := json.Marshal(Frame{CurrentTimeUs: currentTimeUs, Metrics: metrics})
	if err != nil {
		log.Printf(">> observability: marshal frame: %v", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, send := range f.clients {
		select {
		case send <- body:
		default:
		}
	}
}

// Stop closes every client connection and shuts the HTTP server down.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	for conn, send := range f.clients {
		delete(f.clients, conn)
		close(send)
		conn.Close()
	}
	f.mu.Unlock()

	if f.server == nil {
		return nil
	}
	return f.server.Shutdown(ctx)
}
