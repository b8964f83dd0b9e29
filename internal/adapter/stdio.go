package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// stdoutQueueDepth bounds the stdout/stderr reader queues (spec §4.2.2:
// "two producer tasks and two bounded queues" per §9's translation note).
const stdoutQueueDepth = 256

// defaultStdioReadTimeout bounds WaitDone's wait for DONE (spec §5
// "Cancellation / timeouts": "default 30s for stdio").
const defaultStdioReadTimeout = 30 * time.Second

// Stdio transports the same line protocol as Socket (spec §4.2.2), but over a
// child process's standard input/output instead of a TCP connection. Stdout
// and stderr are drained by dedicated reader goroutines into bounded
// channels so the child never blocks writing to a full stderr pipe while the
// adapter is waiting on a stdout line — a concrete deadlock the source
// corroborates.
type Stdio struct {
	NodeID string
	Path   string
	Args   []string

	// ShutdownGrace bounds how long SendShutdown waits for the child to
	// exit after SHUTDOWN before escalating to SIGTERM then SIGKILL. Zero
	// falls back to 5s.
	ShutdownGrace time.Duration

	// WaitTimeout bounds WaitDone's wait for DONE. Zero falls back to
	// defaultStdioReadTimeout.
	WaitTimeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout chan string
	stderr chan string
	done   chan struct{}

	stderrMu  sync.Mutex
	stderrBuf []string

	lastTarget  int64
	haveTarget  bool
	shutdownRan bool
}

// NewStdio constructs a Stdio adapter for a child launched as path(args...).
func NewStdio(nodeID, path string, args ...string) *Stdio {
	return &Stdio{NodeID: nodeID, Path: path, Args: args}
}

func (s *Stdio) Connect(ctx context.Context) error {
	s.cmd = exec.CommandContext(ctx, s.Path, s.Args...)

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return xerrors.ConnectError(s.NodeID, fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutPipe, err := s.cmd.StdoutPipe()
	if err != nil {
		return xerrors.ConnectError(s.NodeID, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := s.cmd.StderrPipe()
	if err != nil {
		return xerrors.ConnectError(s.NodeID, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := s.cmd.Start(); err != nil {
		return xerrors.ConnectError(s.NodeID, fmt.Errorf("start %s: %w", s.Path, err))
	}

	s.stdin = stdin
	s.stdout = make(chan string, stdoutQueueDepth)
	s.stderr = make(chan string, stdoutQueueDepth)
	s.done = make(chan struct{})

	go s.drain(stdoutPipe, s.stdout)
	go s.drain(stderrPipe, s.stderr)
	go s.collectStderr()

	log.Printf(">> stdio[%s] started %s %v (pid %d)", s.NodeID, s.Path, s.Args, s.cmd.Process.Pid)
	return nil
}

func (s *Stdio) drain(r io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

func (s *Stdio) collectStderr() {
	for line := range s.stderr {
		s.stderrMu.Lock()
		s.stderrBuf = append(s.stderrBuf, line)
		s.stderrMu.Unlock()
	}
	close(s.done)
}

func (s *Stdio) accumulatedStderr() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return strings.Join(s.stderrBuf, "\n")
}

func (s *Stdio) SendInit(ctx context.Context, config map[string]any) error {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return xerrors.ProtocolError(s.NodeID, fmt.Errorf("marshal init config: %w", err))
	}
	if err := s.writeLine(fmt.Sprintf("INIT %s", string(cfgJSON))); err != nil {
		return xerrors.ConnectError(s.NodeID, err)
	}
	line, err := s.readLine(ctx)
	if err != nil {
		return xerrors.ConnectError(s.NodeID, s.withStderr(err))
	}
	if line != "READY" {
		return xerrors.ProtocolErrorf(s.NodeID, "expected READY, got %q (%s)", line, s.accumulatedStderr())
	}
	return nil
}

func (s *Stdio) SendAdvance(ctx context.Context, targetTimeUs int64, inbox []event.Event) error {
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

func (s *Stdio) WaitDone(ctx context.Context) ([]event.Event, error) {
	waitTimeout := s.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultStdioReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	line, err := s.readLine(ctx)
	if err != nil {
		return nil, xerrors.TimeoutError(s.NodeID, s.withStderr(err))
	}
	if line != "DONE" {
		return nil, xerrors.ProtocolErrorf(s.NodeID, "expected DONE, got %q (%s)", line, s.accumulatedStderr())
	}
	eventsLine, err := s.readLine(ctx)
	if err != nil {
		return nil, xerrors.TimeoutError(s.NodeID, s.withStderr(err))
	}
	outbox, err := event.UnmarshalEvents([]byte(eventsLine))
	if err != nil {
		return nil, xerrors.ProtocolError(s.NodeID, fmt.Errorf("unmarshal outbox: %w", err))
	}
	return outbox, nil
}

// readLine pops one line from the stdout queue, honoring ctx cancellation.
func (s *Stdio) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-s.stdout:
		if !ok {
			return "", fmt.Errorf("stdout closed")
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Stdio) withStderr(err error) error {
	if acc := s.accumulatedStderr(); acc != "" {
		return fmt.Errorf("%w (stderr: %s)", err, acc)
	}
	return err
}

func (s *Stdio) writeLine(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// SendShutdown writes SHUTDOWN, waits up to ShutdownGrace for the child to
// exit, then escalates to SIGTERM and finally SIGKILL. It always closes
// stdin and always reaps the process. Idempotent: a second call is a no-op.
func (s *Stdio) SendShutdown(ctx context.Context) error {
	if s.shutdownRan {
		return nil
	}
	s.shutdownRan = true
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if err := s.writeLine("SHUTDOWN"); err != nil {
		log.Printf(">> stdio[%s] shutdown write failed (ignored): %v", s.NodeID, err)
	}
	_ = s.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- s.cmd.Wait() }()

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	log.Printf(">> stdio[%s] did not exit within %s, sending SIGTERM", s.NodeID, grace)
	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	log.Printf(">> stdio[%s] still alive, sending SIGKILL", s.NodeID)
	_ = s.cmd.Process.Kill()
	<-exited
	return nil
}
