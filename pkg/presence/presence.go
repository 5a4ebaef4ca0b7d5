package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultCharacterName is used when a presence is published without a name
	DefaultCharacterName = "Player"
	// DefaultDirection is used when a presence is published without a facing
	DefaultDirection = "down"
)

// Record is the replicated state of one participant in a city channel.
type Record struct {
	UserID        string   `json:"user_id"`
	CharacterID   string   `json:"character_id,omitempty"`
	CharacterName string   `json:"character_name,omitempty"`
	City          string   `json:"city,omitempty"`
	X             float64  `json:"x"`
	Y             float64  `json:"y"`
	Direction     string   `json:"direction,omitempty"`
	AvatarURL     string   `json:"avatar_url,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lng           *float64 `json:"lng,omitempty"`
	Street        string   `json:"street,omitempty"`
	Locality      string   `json:"locality,omitempty"`
	DisplayName   string   `json:"display_name,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// Identity is the local participant publishing presence.
type Identity struct {
	UserID      string
	CharacterID string
	City        string
}

// Fields are the caller supplied parts of a presence update.
// Zero values fall back to the previous record or to the defaults.
type Fields struct {
	Name      string
	X         *float64
	Y         *float64
	Direction string
	AvatarURL string
}

// Build merges fields over previous (which may be nil) into a new record for id.
func Build(id Identity, previous *Record, fields Fields, now time.Time) Record {
	r := Record{
		UserID:        id.UserID,
		CharacterID:   id.CharacterID,
		CharacterName: DefaultCharacterName,
		City:          id.City,
		Direction:     DefaultDirection,
	}
	if previous != nil {
		r.CharacterName = previous.CharacterName
		r.X = previous.X
		r.Y = previous.Y
		r.Direction = previous.Direction
		r.AvatarURL = previous.AvatarURL
	}
	if fields.Name != "" {
		r.CharacterName = fields.Name
	}
	if fields.X != nil {
		r.X = *fields.X
	}
	if fields.Y != nil {
		r.Y = *fields.Y
	}
	if fields.Direction != "" {
		r.Direction = fields.Direction
	}
	if fields.AvatarURL != "" {
		r.AvatarURL = fields.AvatarURL
	}
	r.Timestamp = now.UnixMilli()
	return r
}

// WithGeo returns a copy of r carrying the given coordinates.
func (r Record) WithGeo(lat float64, lng float64) Record {
	r.Lat = &lat
	r.Lng = &lng
	return r
}

// Valid reports whether the record can be keyed in a registry.
func (r Record) Valid() bool {
	return r.UserID != ""
}

func (r Record) String() string {
	return fmt.Sprintf("%s(%s) at %.1f,%.1f in %s", r.UserID, r.CharacterName, r.X, r.Y, r.City)
}

// FromMap decodes an untyped presence object into a record.
// The user id is resolved with IdentityOf so nested user objects are honoured.
// It returns false when no identity can be found.
func FromMap(m map[string]interface{}) (Record, bool) {
	uid := IdentityOf(m)
	if uid == "" {
		return Record{}, false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		// Fields of the wrong type are tolerated; keep what can be read.
		r = Record{}
		lenient(m, &r)
	}
	r.UserID = uid
	if r.AvatarURL == "" {
		// older clients publish the avatar as rpm_avatar
		r.AvatarURL, _ = m["rpm_avatar"].(string)
	}
	return r, true
}

// IdentityOf extracts a user id from an untyped presence object trying
// user_id, user.id, user.uid and id in that order. The first present wins.
func IdentityOf(m map[string]interface{}) string {
	if m == nil {
		return ""
	}
	if s := idString(m["user_id"]); s != "" {
		return s
	}
	if user, ok := m["user"].(map[string]interface{}); ok {
		if s := idString(user["id"]); s != "" {
			return s
		}
		if s := idString(user["uid"]); s != "" {
			return s
		}
	}
	return idString(m["id"])
}

func idString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func lenient(m map[string]interface{}, r *Record) {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	num := func(key string) float64 {
		f, _ := m[key].(float64)
		return f
	}
	r.CharacterID = idString(m["character_id"])
	r.CharacterName = str("character_name")
	r.City = str("city")
	r.X = num("x")
	r.Y = num("y")
	r.Direction = str("direction")
	r.AvatarURL = str("avatar_url")
	r.Street = str("street")
	r.Locality = str("locality")
	r.DisplayName = str("display_name")
	r.Timestamp = int64(num("timestamp"))
}
