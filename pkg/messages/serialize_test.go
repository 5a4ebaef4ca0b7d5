package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBroadcast_Serialize(t *testing.T) {
	msg, err := NewBroadcast(Topic("world:Manila"), BroadcastPlayerMove, "3", map[string]interface{}{"user_id": "u1", "x": 1.5})
	require.NoError(t, err)

	b, err := SerializeMessage(msg)
	require.NoError(t, err)

	got, err := DeserializeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, "realtime:world:Manila", got.Topic)
	assert.Equal(t, EventBroadcast, got.Event)
	assert.Equal(t, "3", got.Ref)

	payload := BroadcastPayload{}
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, BroadcastPlayerMove, payload.Event)
	assert.JSONEq(t, `{"user_id":"u1","x":1.5}`, string(payload.Payload))
}

func TestDeserializeMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `nope`},
		{name: "missing event", data: `{"topic":"t","payload":{}}`},
		{name: "missing topic", data: `{"event":"e","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeMessage([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSerializeMessage_EmptyPayload(t *testing.T) {
	b, err := SerializeMessage(&Message{Topic: PhoenixTopic, Event: EventHeartbeat, Ref: "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"phoenix","event":"heartbeat","payload":{},"ref":"1"}`, string(b))
}
