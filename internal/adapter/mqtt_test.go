package adapter

import (
	"context"
	"testing"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

func fakePublishReceived(topic string, payload []byte) autopaho.PublishReceived {
	return autopaho.PublishReceived{
		Packet: &paho.Publish{Topic: topic, Payload: payload},
	}
}

func TestMQTT_TopicNames(t *testing.T) {
	m := NewMQTT("sensor1", "mqtt://localhost:1883")
	assert.Equal(t, "xedgesim/sensor1/init", m.initTopic())
	assert.Equal(t, "xedgesim/sensor1/ready", m.readyTopic())
	assert.Equal(t, "xedgesim/sensor1/advance", m.advanceTopic())
	assert.Equal(t, "xedgesim/sensor1/done", m.doneTopic())
	assert.Equal(t, "xedgesim/sensor1/shutdown", m.shutdownTopic())
}

func TestMQTT_AdvancePayloadRoundTrip(t *testing.T) {
	payload := advancePayload{
		TargetTimeUs: 5000,
		Events:       []event.Event{{TimeUs: 1000, Type: "sample", Src: "s1"}},
	}
	data, err := marshalJSON(payload)
	require.NoError(t, err)

	var decoded advancePayload
	require.NoError(t, unmarshalJSON(data, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestMQTT_BackwardsTimeIsRejectedWithoutTouchingConnection(t *testing.T) {
	m := NewMQTT("n", "mqtt://localhost:1883")
	m.haveTarget = true
	m.lastTarget = 5000

	err := m.SendAdvance(context.Background(), 1000, nil)
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindBackwards, xerr.Kind)
}

func TestMQTT_HandlePublish_ReadyAndDone(t *testing.T) {
	m := NewMQTT("n", "mqtt://localhost:1883")
	m.readyCh = make(chan struct{}, 1)
	m.doneCh = make(chan []event.Event, 1)

	_, err := m.handlePublish(fakePublishReceived(m.readyTopic(), nil))
	require.NoError(t, err)
	select {
	case <-m.readyCh:
	default:
		t.Fatal("expected ready signal")
	}

	donePayloadJSON, err := marshalJSON(donePayload{Events: []event.Event{{Type: "echo"}}})
	require.NoError(t, err)
	_, err = m.handlePublish(fakePublishReceived(m.doneTopic(), donePayloadJSON))
	require.NoError(t, err)
	select {
	case events := <-m.doneCh:
		require.Len(t, events, 1)
		assert.Equal(t, "echo", events[0].Type)
	default:
		t.Fatal("expected done events")
	}
}
