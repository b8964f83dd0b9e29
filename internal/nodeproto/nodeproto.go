// Package nodeproto is the in-container counterpart to the stdio and docker
// adapters (spec §4.2.2: "the protocol framing at the container side is
// symmetrical"). A node implementation embeds Adapter, supplies a Callback,
// and calls Run to speak INIT/ADVANCE/SHUTDOWN over its own stdin/stdout —
// nothing else about the node's implementation needs to know the wire
// format. Outbox events are written in the core time_us/type/src/dst dialect
// so a Stdio-adapter-driven child round-trips directly; inbox events accept
// either dialect (§9 open question 1).
package nodeproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/xedgesim/cosim/internal/event"
)

// Callback processes one quantum's worth of inbox events and returns the
// events to emit in response. now and target are virtual microseconds.
type Callback func(now, target int64, inbox []event.Event) (outbox []event.Event, err error)

// Adapter runs the container-side protocol loop over the reader/writer
// streams passed to New; a node binary passes os.Stdin and os.Stdout.
type Adapter struct {
	NodeID   string
	Callback Callback

	in  *bufio.Reader
	out io.Writer

	currentTimeUs int64
	config        map[string]any
}

// New constructs an Adapter reading from in and writing to out.
func New(nodeID string, callback Callback, in io.Reader, out io.Writer) *Adapter {
	return &Adapter{
		NodeID:   nodeID,
		Callback: callback,
		in:       bufio.NewReader(in),
		out:      out,
	}
}

// Run blocks processing INIT/ADVANCE/SHUTDOWN frames until SHUTDOWN is
// received or the input stream is closed.
func (a *Adapter) Run() error {
	for {
		line, err := a.readLine()
		if err == io.EOF {
			log.Printf("<< nodeproto[%s] EOF, exiting", a.NodeID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("nodeproto[%s]: read command: %w", a.NodeID, err)
		}
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "INIT":
			if err := a.handleInit(rest); err != nil {
				return err
			}
		case "ADVANCE":
			if err := a.handleAdvance(rest); err != nil {
				return err
			}
		case "SHUTDOWN":
			log.Printf("<< nodeproto[%s] SHUTDOWN", a.NodeID)
			return nil
		default:
			msg := fmt.Sprintf("nodeproto[%s]: unknown command %q", a.NodeID, cmd)
			if werr := a.writeLine("ERROR " + msg); werr != nil {
				log.Printf("<< nodeproto[%s] failed to write ERROR frame: %v", a.NodeID, werr)
			}
			return fmt.Errorf("%s", msg)
		}
	}
}

func (a *Adapter) handleInit(configJSON string) error {
	if configJSON == "" {
		configJSON = "{}"
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("nodeproto[%s]: unmarshal init config: %w", a.NodeID, err)
	}
	a.config = cfg
	a.currentTimeUs = 0
	return a.writeLine("READY")
}

func (a *Adapter) handleAdvance(rest string) error {
	targetStr, eventsJSON, ok := strings.Cut(rest, " ")
	if !ok {
		targetStr = rest
		var err error
		eventsJSON, err = a.readLine()
		if err != nil {
			return fmt.Errorf("nodeproto[%s]: read advance events line: %w", a.NodeID, err)
		}
	}

	var targetTimeUs int64
	if _, err := fmt.Sscanf(targetStr, "%d", &targetTimeUs); err != nil {
		return fmt.Errorf("nodeproto[%s]: parse target_time_us %q: %w", a.NodeID, targetStr, err)
	}

	inbox, err := event.UnmarshalEventsAnyDialect([]byte(eventsJSON))
	if err != nil {
		log.Printf("<< nodeproto[%s] malformed inbox JSON, treating as empty: %v", a.NodeID, err)
		inbox = nil
	}

	outbox, err := a.Callback(a.currentTimeUs, targetTimeUs, inbox)
	if err != nil {
		log.Printf("<< nodeproto[%s] callback error, responding with empty outbox: %v", a.NodeID, err)
		outbox = nil
	}
	a.currentTimeUs = targetTimeUs

	outboxJSON, err := event.MarshalEvents(outbox)
	if err != nil {
		return fmt.Errorf("nodeproto[%s]: marshal outbox: %w", a.NodeID, err)
	}

	if err := a.writeLine("DONE"); err != nil {
		return err
	}
	return a.writeLine(string(outboxJSON))
}

func (a *Adapter) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *Adapter) writeLine(line string) error {
	_, err := io.WriteString(a.out, line+"\n")
	if f, ok := a.out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return err
}
