package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// Socket transports the line-oriented text protocol of spec §4.2.1 over TCP:
//
//	coordinator -> node :  "INIT <node_id> <config_json>\n"
//	node -> coordinator :  "READY\n"
//	coordinator -> node :  "ADVANCE <target_us>\n" + "<events_json>\n"
//	node -> coordinator :  "DONE\n" + "<events_json>\n"
//	coordinator -> node :  "SHUTDOWN\n"
type Socket struct {
	NodeID string
	Host   string
	Port   int

	// RetryAttempts and RetrySpacing configure the connect retry budget.
	// Zero values fall back to the spec defaults (10 attempts, 500ms).
	RetryAttempts int
	RetrySpacing  time.Duration

	// ReadTimeout bounds WaitDone's line reads. Zero falls back to
	// defaultSocketReadTimeout.
	ReadTimeout time.Duration

	conn        net.Conn
	reader      *bufio.Reader
	lastTarget  int64
	haveTarget  bool
	shutdownRan bool
}

// defaultSocketReadTimeout bounds a single line read in WaitDone (spec §5
// "Cancellation / timeouts": "10s for socket line reads").
const defaultSocketReadTimeout = 10 * time.Second

// NewSocket constructs a Socket adapter with the spec-default retry budget.
func NewSocket(nodeID, host string, port int) *Socket {
	return &Socket{
		NodeID:        nodeID,
		Host:          host,
		Port:          port,
		RetryAttempts: 10,
		RetrySpacing:  500 * time.Millisecond,
	}
}

func (s *Socket) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	attempts := s.RetryAttempts
	if attempts <= 0 {
		attempts = 10
	}
	spacing := s.RetrySpacing
	if spacing <= 0 {
		spacing = 500 * time.Millisecond
	}

	var dialer net.Dialer
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			s.conn = conn
			s.reader = bufio.NewReader(conn)
			log.Printf(">> socket[%s] connected to %s after %d attempt(s)", s.NodeID, addr, i+1)
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return xerrors.ConnectError(s.NodeID, ctx.Err())
		case <-time.After(spacing):
		}
	}
	return xerrors.ConnectError(s.NodeID, fmt.Errorf("dial %s: %w", addr, lastErr))
}

func (s *Socket) SendInit(ctx context.Context, config map[string]any) error {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return xerrors.ProtocolError(s.NodeID, fmt.Errorf("marshal init config: %w", err))
	}
	if err := s.writeLine(fmt.Sprintf("INIT %s %s", s.NodeID, string(cfgJSON))); err != nil {
		return xerrors.ConnectError(s.NodeID, err)
	}
	line, err := s.readLine(ctx)
	if err != nil {
		return xerrors.ConnectError(s.NodeID, err)
	}
	if line != "READY" {
		return xerrors.ProtocolErrorf(s.NodeID, "expected READY, got %q", line)
	}
	log.Printf(">> socket[%s] INIT acknowledged", s.NodeID)
	return nil
}

func (s *Socket) SendAdvance(ctx context.Context, targetTimeUs int64, inbox []event.Event) error {
	if s.haveTarget && targetTimeUs < s.lastTarget {
		return xerrors.BackwardsTimeErrorf(s.NodeID, s.lastTarget, targetTimeUs)
	}
	s.lastTarget = targetTimeUs
	s.haveTarget = true

	eventsJSON, err := event.MarshalEvents(inbox)
	if err != nil {
		return xerrors.ProtocolError(s.NodeID, fmt.Errorf("marshal advance inbox: %w", err))
	}
	if err := s.writeLine(fmt.Sprintf("ADVANCE %d", targetTimeUs)); err != nil {
		return xerrors.ProtocolError(s.NodeID, err)
	}
	if err := s.writeLine(string(eventsJSON)); err != nil {
		return xerrors.ProtocolError(s.NodeID, err)
	}
	return nil
}

func (s *Socket) WaitDone(ctx context.Context) ([]event.Event, error) {
	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultSocketReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	line, err := s.readLine(ctx)
	if err != nil {
		return nil, xerrors.TimeoutError(s.NodeID, err)
	}
	if line != "DONE" {
		return nil, xerrors.ProtocolErrorf(s.NodeID, "expected DONE, got %q", line)
	}
	eventsLine, err := s.readLine(ctx)
	if err != nil {
		return nil, xerrors.TimeoutError(s.NodeID, err)
	}
	outbox, err := event.UnmarshalEvents([]byte(eventsLine))
	if err != nil {
		return nil, xerrors.ProtocolError(s.NodeID, fmt.Errorf("unmarshal outbox: %w", err))
	}
	return outbox, nil
}

func (s *Socket) SendShutdown(ctx context.Context) error {
	if s.shutdownRan {
		return nil
	}
	s.shutdownRan = true
	if s.conn == nil {
		return nil
	}
	if err := s.writeLine("SHUTDOWN"); err != nil {
		log.Printf(">> socket[%s] shutdown write failed (ignored): %v", s.NodeID, err)
	}
	if err := s.conn.Close(); err != nil {
		log.Printf(">> socket[%s] close failed (ignored): %v", s.NodeID, err)
	}
	return nil
}

func (s *Socket) writeLine(line string) error {
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}

// readLine reads one line, honoring ctx's deadline (if any) as a read
// deadline on the underlying connection so a hung node cannot block the
// caller forever.
func (s *Socket) readLine(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
