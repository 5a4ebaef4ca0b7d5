package models

import (
	"encoding/json"
	"time"
)

// World event types
const (
	EventTypePositionUpdate = "position_update"
	EventTypeNPCChat        = "npc_chat"
)

// WorldPosition is the last known position of a character, written when a
// participant leaves a city. Z holds the world y coordinate.
type WorldPosition struct {
	ID          int64     `json:"id,omitempty"`
	CharacterID string    `json:"character_id"`
	X           float64   `json:"x"`
	Z           float64   `json:"z"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
	Street      string    `json:"street,omitempty"`
	City        string    `json:"city,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// WorldEvent is an append-only record of something that happened in a city.
// ID is a ULID so events sort by creation time.
type WorldEvent struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	CharacterID string          `json:"character_id,omitempty"`
	City        string          `json:"city,omitempty"`
	EventType   string          `json:"event_type"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NPCChat is the event data of an npc_chat event.
type NPCChat struct {
	NPCID      string `json:"npcId"`
	NPCName    string `json:"npcName,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	Message    string `json:"message"`
	Reply      string `json:"reply,omitempty"`
}

// PositionUpdate is the event data of a position_update event.
type PositionUpdate struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Direction string   `json:"direction,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
	Street    string   `json:"street,omitempty"`
	Locality  string   `json:"locality,omitempty"`
}
