package messages

import (
	"encoding/json"
	"fmt"
)

// SerializeMessage encodes a frame for the wire.
func SerializeMessage(m *Message) ([]byte, error) {
	if m.Payload == nil {
		m.Payload = json.RawMessage("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %v", err)
	}
	return b, nil
}

// DeserializeMessage decodes a frame read from the wire.
func DeserializeMessage(data []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %v", err)
	}
	if message.Topic == "" || message.Event == "" {
		return nil, fmt.Errorf("message is missing topic or event")
	}
	return message, nil
}

// NewMessage builds a frame with a JSON encoded payload.
func NewMessage(topic string, event string, ref string, payload interface{}) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %v", event, err)
	}
	return &Message{
		Topic:   topic,
		Event:   event,
		Payload: b,
		Ref:     ref,
	}, nil
}

// NewBroadcast builds a broadcast frame for an application event.
func NewBroadcast(topic string, event string, ref string, payload interface{}) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s broadcast: %v", event, err)
	}
	return NewMessage(topic, EventBroadcast, ref, BroadcastPayload{
		Type:    EventBroadcast,
		Event:   event,
		Payload: b,
	})
}

// NewReply builds a phx_reply frame answering ref.
func NewReply(topic string, ref string, status string, response interface{}) (*Message, error) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply: %v", err)
		}
		raw = b
	}
	return NewMessage(topic, EventReply, ref, ReplyPayload{
		Status:   status,
		Response: raw,
	})
}
