package channel

import (
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/cbodonnell/plaza/pkg/presence"
)

// Kind identifies the normalized shape of an inbound channel event.
type Kind int

const (
	KindMove Kind = iota + 1
	KindChat
	KindSync
	KindJoin
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindMove:
		return "move"
	case KindChat:
		return "chat"
	case KindSync:
		return "sync"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Event is the single shape the rest of the system sees.
// Move carries one presence, Sync the full snapshot, Join and Leave one or more.
type Event struct {
	Kind      Kind
	Presences []presence.Record
	Chat      *ChatMessage
}

// ChatMessage is the payload of a player_chat broadcast.
type ChatMessage struct {
	UserID        string `json:"user_id"`
	CharacterID   string `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
	Message       string `json:"message"`
	TargetNPCID   string `json:"targetNpcId,omitempty"`
	City          string `json:"city,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// decodeResult is what decoding one frame produced.
// malformed counts entries or frames that could not be turned into events.
type decodeResult struct {
	events    []Event
	malformed int
	ignored   bool
}

// decodeFrame turns one inbound frame on the channel topic into events.
func decodeFrame(msg *messages.Message) (decodeResult, error) {
	switch msg.Event {
	case messages.EventBroadcast:
		return decodeBroadcast(msg.Payload)
	case messages.EventPresenceState:
		var raw interface{}
		if err := json.Unmarshal(msg.Payload, &raw); err != nil {
			return decodeResult{malformed: 1}, fmt.Errorf("failed to decode presence state: %v", err)
		}
		records, dropped, ok := NormalizeSnapshot(raw)
		if !ok {
			return decodeResult{malformed: 1}, fmt.Errorf("unrecognized presence state shape")
		}
		return decodeResult{events: []Event{{Kind: KindSync, Presences: records}}, malformed: dropped}, nil
	case messages.EventPresenceDiff:
		return decodeDiff(msg.Payload)
	case messages.EventPresence:
		return decodePresence(msg.Payload)
	default:
		return decodeResult{ignored: true}, nil
	}
}

func decodeBroadcast(payload json.RawMessage) (decodeResult, error) {
	b := messages.BroadcastPayload{}
	if err := json.Unmarshal(payload, &b); err != nil {
		return decodeResult{malformed: 1}, fmt.Errorf("failed to decode broadcast: %v", err)
	}
	switch b.Event {
	case messages.BroadcastPlayerMove:
		m := map[string]interface{}{}
		if err := json.Unmarshal(b.Payload, &m); err != nil {
			return decodeResult{malformed: 1}, fmt.Errorf("failed to decode player move: %v", err)
		}
		record, ok := presence.FromMap(m)
		if !ok {
			return decodeResult{malformed: 1}, fmt.Errorf("player move without identity")
		}
		return decodeResult{events: []Event{{Kind: KindMove, Presences: []presence.Record{record}}}}, nil
	case messages.BroadcastPlayerChat:
		chat := &ChatMessage{}
		if err := json.Unmarshal(b.Payload, chat); err != nil {
			return decodeResult{malformed: 1}, fmt.Errorf("failed to decode player chat: %v", err)
		}
		return decodeResult{events: []Event{{Kind: KindChat, Chat: chat}}}, nil
	default:
		return decodeResult{ignored: true}, nil
	}
}

func decodeDiff(payload json.RawMessage) (decodeResult, error) {
	var diff struct {
		Joins  interface{} `json:"joins"`
		Leaves interface{} `json:"leaves"`
	}
	if err := json.Unmarshal(payload, &diff); err != nil {
		return decodeResult{malformed: 1}, fmt.Errorf("failed to decode presence diff: %v", err)
	}

	result := decodeResult{}
	joins := result.normalize(diff.Joins)
	leaves := result.normalize(diff.Leaves)

	// A re-track lists the same key under joins (new meta) and leaves (old
	// meta). The player stays, so only the join is reported.
	joined := make(map[string]struct{}, len(joins))
	for _, r := range joins {
		joined[r.UserID] = struct{}{}
	}
	departed := leaves[:0]
	for _, r := range leaves {
		if _, ok := joined[r.UserID]; !ok {
			departed = append(departed, r)
		}
	}

	if len(joins) > 0 {
		result.events = append(result.events, Event{Kind: KindJoin, Presences: joins})
	}
	if len(departed) > 0 {
		result.events = append(result.events, Event{Kind: KindLeave, Presences: departed})
	}
	return result, nil
}

// normalize decodes one side of a presence diff, counting what it drops.
func (r *decodeResult) normalize(raw interface{}) []presence.Record {
	if raw == nil {
		return nil
	}
	records, dropped, ok := NormalizeSnapshot(raw)
	if !ok {
		r.malformed++
		return nil
	}
	r.malformed += dropped
	return records
}

// decodePresence handles the client-library style presence frame whose
// payload is {event: sync|join|leave, ...} with a variant body.
func decodePresence(payload json.RawMessage) (decodeResult, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return decodeResult{malformed: 1}, fmt.Errorf("failed to decode presence event: %v", err)
	}
	event, _ := envelope["event"].(string)
	body, hasBody := envelope["payload"]
	if !hasBody {
		body = envelope
	}

	switch event {
	case "sync":
		records, dropped, ok := NormalizeSnapshot(body)
		if !ok {
			return decodeResult{malformed: 1}, fmt.Errorf("unrecognized presence sync shape")
		}
		return decodeResult{events: []Event{{Kind: KindSync, Presences: records}}, malformed: dropped}, nil
	case "join", "leave":
		record, ok := NormalizePresenceEvent(body)
		if !ok {
			return decodeResult{malformed: 1}, fmt.Errorf("unrecognized presence %s shape", event)
		}
		kind := KindJoin
		if event == "leave" {
			kind = KindLeave
		}
		return decodeResult{events: []Event{{Kind: kind, Presences: []presence.Record{record}}}}, nil
	case messages.PresenceTrack, messages.PresenceUntrack:
		// echo of our own push
		return decodeResult{ignored: true}, nil
	default:
		return decodeResult{malformed: 1}, fmt.Errorf("unknown presence event %q", event)
	}
}

// NormalizeSnapshot flattens a presence snapshot into records. Accepted shapes:
//   - an array of presences
//   - an object with presence_state or state holding one of the shapes below
//   - an object of key -> {metas: [...]}
//   - an object of key -> [...]
//   - a flat object of key -> presence
//
// Entries without an identity are dropped and counted. ok is false when raw is
// neither an array nor an object.
func NormalizeSnapshot(raw interface{}) (records []presence.Record, dropped int, ok bool) {
	var candidates []interface{}
	switch v := raw.(type) {
	case []interface{}:
		candidates = v
	case map[string]interface{}:
		if nested, found := nestedState(v); found {
			candidates = flattenValues(nested, false)
		} else {
			candidates = flattenValues(v, true)
		}
	default:
		return nil, 0, false
	}

	records = make([]presence.Record, 0, len(candidates))
	for _, c := range candidates {
		m, isMap := c.(map[string]interface{})
		if !isMap {
			dropped++
			continue
		}
		record, found := presence.FromMap(m)
		if !found {
			dropped++
			continue
		}
		records = append(records, record)
	}
	return records, dropped, true
}

func nestedState(m map[string]interface{}) (map[string]interface{}, bool) {
	for _, key := range []string{"presence_state", "state"} {
		if nested, ok := m[key].(map[string]interface{}); ok {
			return nested, true
		}
	}
	return nil, false
}

// flattenValues expands the values of a keyed presence object. With
// requireIdentity, plain values are only kept when they carry a user_id,
// which keeps unrelated fields of a flat object out of the snapshot.
func flattenValues(m map[string]interface{}, requireIdentity bool) []interface{} {
	var out []interface{}
	for _, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			if metas, ok := t["metas"].([]interface{}); ok {
				out = append(out, metas...)
				continue
			}
			if requireIdentity {
				if _, ok := t["user_id"]; !ok {
					continue
				}
			}
			out = append(out, t)
		case []interface{}:
			out = append(out, t...)
		default:
			if !requireIdentity {
				out = append(out, t)
			}
		}
	}
	return out
}

// NormalizePresenceEvent extracts one presence from a join or leave envelope,
// trying presence_event, event.presence_event, new_presences[0], new_presence,
// a bare presence with user_id and finally the first element of an array.
func NormalizePresenceEvent(raw interface{}) (presence.Record, bool) {
	var candidate interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		candidate = presenceEventCandidate(v)
	case []interface{}:
		if len(v) > 0 {
			candidate = v[0]
		}
	}
	m, ok := candidate.(map[string]interface{})
	if !ok {
		return presence.Record{}, false
	}
	return presence.FromMap(m)
}

func presenceEventCandidate(v map[string]interface{}) interface{} {
	if pe, ok := v["presence_event"]; ok && pe != nil {
		return pe
	}
	if ev, ok := v["event"].(map[string]interface{}); ok {
		if pe, ok := ev["presence_event"]; ok && pe != nil {
			return pe
		}
	}
	if np, ok := v["new_presences"].([]interface{}); ok {
		if len(np) == 0 {
			return nil
		}
		return np[0]
	}
	if np, ok := v["new_presence"]; ok && np != nil {
		return np
	}
	if _, ok := v["user_id"]; ok {
		return v
	}
	return nil
}
