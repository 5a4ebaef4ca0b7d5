package worldevents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
)

// Actions understood by the world-events endpoint
const (
	ActionSaveEvent          = "save_event"
	ActionSavePosition       = "save_position"
	ActionGetNearbyPlayers   = "get_nearby_players"
	ActionGetNPCInteractions = "get_npc_interactions"
)

// DefaultNearbyWindow is how far back get_nearby_players looks when the
// request does not say.
const DefaultNearbyWindow = 5 * time.Minute

// MaxNearbyWindow is the longest window get_nearby_players accepts.
const MaxNearbyWindow = 24 * time.Hour

// Request is the body of every world-events call. Which fields matter
// depends on Action.
type Request struct {
	Action      string `json:"action"`
	UserID      string `json:"userId,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
	City        string `json:"city,omitempty"`
	// Data is the event for save_event: its "type" member is the event type
	// and every other member is event data.
	Data json.RawMessage `json:"data,omitempty"`
	// Position is the row for save_position.
	Position *models.WorldPosition `json:"position,omitempty"`
	// WindowSeconds bounds get_nearby_players, 0 means DefaultNearbyWindow.
	WindowSeconds int    `json:"windowSeconds,omitempty"`
	NPCID         string `json:"npcId,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type Response struct {
	OK           bool                   `json:"ok,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Players      []models.WorldPosition `json:"players,omitempty"`
	Interactions []models.WorldEvent    `json:"interactions,omitempty"`
}

// EncodeEventData folds the event type into its data object.
func EncodeEventData(eventType string, data json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("event data must be a JSON object: %v", err)
		}
	}
	t, err := json.Marshal(eventType)
	if err != nil {
		return nil, err
	}
	fields["type"] = t
	return json.Marshal(fields)
}

// DecodeEventData splits the data of a save_event request back into the
// event type and the remaining event data.
func DecodeEventData(data json.RawMessage) (string, json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("event data must be a JSON object: %v", err)
	}
	raw, ok := fields["type"]
	if !ok {
		return "", nil, fmt.Errorf("event data is missing a type")
	}
	var eventType string
	if err := json.Unmarshal(raw, &eventType); err != nil || eventType == "" {
		return "", nil, fmt.Errorf("event type must be a non-empty string")
	}
	delete(fields, "type")
	rest, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return eventType, rest, nil
}
