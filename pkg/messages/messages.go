package messages

import "encoding/json"

const (
	// MessageBufferSize represents the maximum size of a message
	MessageBufferSize = 64 * 1024
)

// Phoenix channel control events
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
)

// Realtime events
const (
	EventBroadcast     = "broadcast"
	EventPresence      = "presence"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Broadcast event names used by the world
const (
	BroadcastPlayerMove = "player_move"
	BroadcastPlayerChat = "player_chat"
)

// PhoenixTopic is the topic used for heartbeats.
const PhoenixTopic = "phoenix"

// Reply statuses
const (
	ReplyStatusOK    = "ok"
	ReplyStatusError = "error"
)

// Message represents a generic channel frame for serialization/deserialization
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
}

type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type PresenceConfig struct {
	Key string `json:"key"`
}

// ReplyPayload is carried by phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// BroadcastPayload wraps an application event on the broadcast extension.
type BroadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresencePayload is sent by a client to track or untrack itself.
type PresencePayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Presence client events
const (
	PresenceTrack   = "track"
	PresenceUntrack = "untrack"
)

// PresenceEntry groups the metas tracked under one presence key.
type PresenceEntry struct {
	Metas []json.RawMessage `json:"metas"`
}

// PresenceState maps presence keys to their metas.
type PresenceState map[string]PresenceEntry

// PresenceDiff carries joins and leaves since the last state.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

// Topic returns the realtime topic for a named channel.
func Topic(channel string) string {
	return "realtime:" + channel
}
