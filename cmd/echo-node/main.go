// Command echo-node is a minimal stdio/container node fixture: it echoes
// every inbox event back with an "echo_" type prefix. It exists for the
// stdio adapter's own tests and for scenario S4 (spec §8), grounded in
// original_source/containers/examples/echo_service.py.
package main

import (
	"os"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/nodeproto"
)

func echo(_, target int64, inbox []event.Event) ([]event.Event, error) {
	outbox := make([]event.Event, 0, len(inbox))
	for _, e := range inbox {
		outbox = append(outbox, event.Event{
			TimeUs: target,
			Type:   "echo_" + e.Type,
			Src:    "echo-node",
			Dst:    e.Src,
			Payload: map[string]any{
				"original_type":    e.Type,
				"original_source":  e.Src,
				"original_payload": e.Payload,
			},
		})
	}
	return outbox, nil
}

func main() {
	a := nodeproto.New("echo-node", echo, os.Stdin, os.Stdout)
	if err := a.Run(); err != nil {
		os.Exit(1)
	}
}
