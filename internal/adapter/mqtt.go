package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

func marshalJSON(v any) ([]byte, error)      { return json.Marshal(v) }
func unmarshalJSON(data []byte, v any) error { return json.Unmarshal(data, v) }

// defaultMQTTWaitTimeout bounds WaitDone's wait for a DONE publish, matching
// the stdio/emulator default (spec §5 names no MQTT-specific figure, so this
// adapter carries the same 30s fallback the other blocking waits use).
const defaultMQTTWaitTimeout = 30 * time.Second

// MQTT is the fourth NodeAdapter substrate (SPEC_FULL §3 [ADAPTER-MQTT]):
// same contract and wire schema as Socket/Stdio, carried over an MQTT broker
// instead of a direct connection. Topics, per node:
//
//	xedgesim/<node_id>/init     coordinator -> node, INIT config JSON
//	xedgesim/<node_id>/ready    node -> coordinator, empty payload
//	xedgesim/<node_id>/advance  coordinator -> node, {"target_time_us":..,"events":[...]}
//	xedgesim/<node_id>/done     node -> coordinator, {"events":[...]}
//	xedgesim/<node_id>/shutdown coordinator -> node, retained empty payload
type MQTT struct {
	NodeID         string
	BrokerURL      string
	ConnectTimeout time.Duration
	WaitTimeout    time.Duration

	cm *autopaho.ConnectionManager

	mu          sync.Mutex
	readyCh     chan struct{}
	doneCh      chan []event.Event
	lastTarget  int64
	haveTarget  bool
	shutdownRan bool
}

// NewMQTT constructs an MQTT adapter that will dial brokerURL (e.g.
// "mqtt://localhost:1883") on Connect.
func NewMQTT(nodeID, brokerURL string) *MQTT {
	return &MQTT{
		NodeID:         nodeID,
		BrokerURL:      brokerURL,
		ConnectTimeout: 30 * time.Second,
		WaitTimeout:    defaultMQTTWaitTimeout,
	}
}

func (m *MQTT) initTopic() string     { return "xedgesim/" + m.NodeID + "/init" }
func (m *MQTT) readyTopic() string    { return "xedgesim/" + m.NodeID + "/ready" }
func (m *MQTT) advanceTopic() string  { return "xedgesim/" + m.NodeID + "/advance" }
func (m *MQTT) doneTopic() string     { return "xedgesim/" + m.NodeID + "/done" }
func (m *MQTT) shutdownTopic() string { return "xedgesim/" + m.NodeID + "/shutdown" }

type advancePayload struct {
	TargetTimeUs int64         `json:"target_time_us"`
	Events       []event.Event `json:"events"`
}

type donePayload struct {
	Events []event.Event `json:"events"`
}

func (m *MQTT) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(m.BrokerURL)
	if err != nil {
		return xerrors.ConnectError(m.NodeID, fmt.Errorf("parse broker url: %w", err))
	}

	m.readyCh = make(chan struct{}, 1)
	m.doneCh = make(chan []event.Event, 1)

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.Printf(">> mqtt[%s] connected to %s", m.NodeID, m.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: m.readyTopic(), QoS: 1},
					{Topic: m.doneTopic(), QoS: 1},
				},
			}); err != nil {
				log.Printf(">> mqtt[%s] subscribe failed: %v", m.NodeID, err)
			}
		},
		OnConnectError: func(err error) {
			log.Printf(">> mqtt[%s] connect error: %v", m.NodeID, err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "xedgesim-" + m.NodeID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return xerrors.ConnectError(m.NodeID, err)
	}
	m.cm = cm
	cm.AddOnPublishReceived(m.handlePublish)

	connectTimeout := m.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return xerrors.ConnectError(m.NodeID, fmt.Errorf("await connection: %w", err))
	}
	return nil
}

func (m *MQTT) handlePublish(pr autopaho.PublishReceived) (bool, error) {
	switch pr.Packet.Topic {
	case m.readyTopic():
		select {
		case m.readyCh <- struct{}{}:
		default:
		}
	case m.doneTopic():
		var payload donePayload
		if err := unmarshalJSON(pr.Packet.Payload, &payload); err != nil {
			log.Printf(">> mqtt[%s] malformed DONE payload: %v", m.NodeID, err)
			return true, nil
		}
		select {
		case m.doneCh <- payload.Events:
		default:
		}
	}
	return true, nil
}

func (m *MQTT) SendInit(ctx context.Context, config map[string]any) error {
	payload, err := marshalJSON(config)
	if err != nil {
		return xerrors.ProtocolError(m.NodeID, err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{Topic: m.initTopic(), Payload: payload, QoS: 1}); err != nil {
		return xerrors.ConnectError(m.NodeID, err)
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return xerrors.TimeoutError(m.NodeID, ctx.Err())
	}
}

func (m *MQTT) SendAdvance(ctx context.Context, targetTimeUs int64, inbox []event.Event) error {
	if m.haveTarget && targetTimeUs < m.lastTarget {
		return xerrors.BackwardsTimeErrorf(m.NodeID, m.lastTarget, targetTimeUs)
	}
	m.lastTarget = targetTimeUs
	m.haveTarget = true

	payload, err := marshalJSON(advancePayload{TargetTimeUs: targetTimeUs, Events: inbox})
	if err != nil {
		return xerrors.ProtocolError(m.NodeID, err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{Topic: m.advanceTopic(), Payload: payload, QoS: 1}); err != nil {
		return xerrors.ProtocolError(m.NodeID, err)
	}
	return nil
}

func (m *MQTT) WaitDone(ctx context.Context) ([]event.Event, error) {
	waitTimeout := m.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultMQTTWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	select {
	case events := <-m.doneCh:
		return events, nil
	case <-ctx.Done():
		return nil, xerrors.TimeoutError(m.NodeID, ctx.Err())
	}
}

// SendShutdown publishes a retained empty message to the shutdown topic, so
// a broker session that reconnects later still observes it (SPEC_FULL §3).
func (m *MQTT) SendShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdownRan {
		return nil
	}
	m.shutdownRan = true
	if m.cm == nil {
		return nil
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.shutdownTopic(),
		Payload: []byte{},
		QoS:     1,
		Retain:  true,
	}); err != nil {
		log.Printf(">> mqtt[%s] shutdown publish failed (ignored): %v", m.NodeID, err)
	}
	if err := m.cm.Disconnect(ctx); err != nil {
		log.Printf(">> mqtt[%s] disconnect failed (ignored): %v", m.NodeID, err)
	}
	return nil
}
