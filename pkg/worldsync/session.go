package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbodonnell/plaza/pkg/besteffort"
	"github.com/cbodonnell/plaza/pkg/channel"
	"github.com/cbodonnell/plaza/pkg/geocode"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/cbodonnell/plaza/pkg/presence"
	"github.com/cbodonnell/plaza/pkg/queue"
	"github.com/cbodonnell/plaza/pkg/registry"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
)

const (
	// DefaultThrottleInterval is the minimum time between two move broadcasts
	DefaultThrottleInterval = 500 * time.Millisecond
	// DefaultPumpInterval is how often Run drains channel events
	DefaultPumpInterval = 20 * time.Millisecond
)

// Channel is the realtime topic a session publishes on.
type Channel interface {
	Connect(ctx context.Context) error
	Broadcast(ctx context.Context, event string, payload interface{}) error
	Track(ctx context.Context, record presence.Record) error
	Close() error
	Events() queue.Queue
	Stats() channel.Stats
}

// Store persists world events and positions. Both the repositories and the
// world-events HTTP client implement it.
type Store interface {
	SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error
	InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error
}

// MovePayload is the body of a player_move broadcast.
type MovePayload struct {
	UserID        string  `json:"user_id"`
	CharacterID   string  `json:"character_id,omitempty"`
	CharacterName string  `json:"character_name,omitempty"`
	City          string  `json:"city,omitempty"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Direction     string  `json:"direction"`
	Avatar        string  `json:"rpm_avatar,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// Stats counts what the session published and dropped.
type Stats struct {
	MovesPublished uint64
	MovesThrottled uint64
	MovesFailed    uint64
	Channel        channel.Stats
}

// Session keeps one participant in sync with a city channel: it publishes
// the local presence and folds everyone else's into a registry.
// Failures are logged and never returned to the caller, except from Connect.
type Session struct {
	identity  presence.Identity
	initial   presence.Fields
	channel   Channel
	registry  *registry.Registry
	store     Store
	geocoder  geocode.Reverser
	policy    besteffort.Policy
	planeSize float64
	now       func() time.Time

	throttleInterval time.Duration
	pumpInterval     time.Duration

	joined atomic.Bool

	throttleLock sync.Mutex
	lastSync     time.Time

	presenceLock sync.Mutex
	lastPresence *presence.Record

	chatLock sync.RWMutex
	onChat   func(channel.ChatMessage)

	published atomic.Uint64
	throttled atomic.Uint64
	failed    atomic.Uint64
}

type NewSessionOptions struct {
	Identity presence.Identity
	// InitialPresence is published on Connect, e.g. the name and spawn point
	InitialPresence presence.Fields
	Channel         Channel
	// Store is optional, persistence is skipped without it
	Store Store
	// Geocoder is optional, street and locality stay empty without it
	Geocoder         geocode.Reverser
	BestEffort       *besteffort.Policy
	PlaneSize        float64
	ThrottleInterval time.Duration
	PumpInterval     time.Duration
	Now              func() time.Time
}

func NewSession(opts NewSessionOptions) *Session {
	if opts.PlaneSize <= 0 {
		opts.PlaneSize = presence.DefaultPlaneSize
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = DefaultPumpInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy := besteffort.DefaultPolicy
	if opts.BestEffort != nil {
		policy = *opts.BestEffort
	}
	return &Session{
		identity:         opts.Identity,
		initial:          opts.InitialPresence,
		channel:          opts.Channel,
		registry:         registry.New(opts.Identity.UserID),
		store:            opts.Store,
		geocoder:         opts.Geocoder,
		policy:           policy,
		planeSize:        opts.PlaneSize,
		now:              opts.Now,
		throttleInterval: opts.ThrottleInterval,
		pumpInterval:     opts.PumpInterval,
	}
}

// Connect joins the city channel and publishes the initial presence.
// The error is for the caller to log; nothing retries.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect world sync for %s: %v", s.identity.City, err)
	}
	s.joined.Store(true)
	log.Info("World sync connected to %s", s.identity.City)
	s.UpdatePresence(ctx, s.initial)
	return nil
}

// UpdatePresence merges fields into the local presence, enriches it with
// coordinates and an address when possible, and tracks it on the channel.
// A position_update world event is written in the background.
func (s *Session) UpdatePresence(ctx context.Context, fields presence.Fields) {
	if !s.joined.Load() {
		log.Debug("Skipping presence update, not connected")
		return
	}

	s.presenceLock.Lock()
	previous := s.lastPresence
	s.presenceLock.Unlock()

	record := presence.Build(s.identity, previous, fields, s.now())
	record = s.enrich(ctx, record)

	if err := s.channel.Track(ctx, record); err != nil {
		log.Error("Failed to update presence: %v", err)
		return
	}

	s.presenceLock.Lock()
	s.lastPresence = &record
	s.presenceLock.Unlock()

	s.saveEvent(ctx, models.EventTypePositionUpdate, models.PositionUpdate{
		X:         record.X,
		Y:         record.Y,
		Direction: record.Direction,
		Lat:       record.Lat,
		Lng:       record.Lng,
		Street:    record.Street,
		Locality:  record.Locality,
	})
}

func (s *Session) enrich(ctx context.Context, record presence.Record) presence.Record {
	ll, ok := presence.WorldToLatLng(s.planeSize, s.identity.City, record.X, record.Y)
	if !ok {
		log.Trace("No coordinates for city %s", s.identity.City)
		return record
	}
	record = record.WithGeo(ll.Lat, ll.Lng)
	if s.geocoder == nil {
		return record
	}
	geo, err := s.geocoder.Reverse(ctx, ll.Lat, ll.Lng)
	if err != nil {
		log.Warn("Reverse geocode failed: %v", err)
		return record
	}
	record.Street = geo.Street
	record.Locality = geo.Locality
	record.DisplayName = geo.DisplayName
	return record
}

// BroadcastMove publishes the local position at most once per throttle
// interval. Calls inside the interval are dropped, so the first call of a
// window wins. A failed publish does not start a new window.
// It reports whether the move was published.
func (s *Session) BroadcastMove(ctx context.Context, x float64, y float64, direction string, avatar string) bool {
	s.throttleLock.Lock()
	defer s.throttleLock.Unlock()

	now := s.now()
	if !s.lastSync.IsZero() && now.Sub(s.lastSync) < s.throttleInterval {
		s.throttled.Add(1)
		return false
	}
	if direction == "" {
		direction = presence.DefaultDirection
	}

	payload := MovePayload{
		UserID:        s.identity.UserID,
		CharacterID:   s.identity.CharacterID,
		CharacterName: s.characterName(),
		City:          s.identity.City,
		X:             x,
		Y:             y,
		Direction:     direction,
		Avatar:        avatar,
		Timestamp:     now.UnixMilli(),
	}
	if err := s.channel.Broadcast(ctx, messages.BroadcastPlayerMove, payload); err != nil {
		s.failed.Add(1)
		log.Error("Move broadcast error: %v", err)
		return false
	}
	s.lastSync = now
	s.published.Add(1)
	return true
}

// BroadcastChat sends a chat line to the city, optionally addressed to an NPC.
func (s *Session) BroadcastChat(ctx context.Context, message string, targetNPCID string) {
	chat := channel.ChatMessage{
		UserID:        s.identity.UserID,
		CharacterID:   s.identity.CharacterID,
		CharacterName: s.characterName(),
		Message:       message,
		TargetNPCID:   targetNPCID,
		City:          s.identity.City,
		Timestamp:     s.now().UnixMilli(),
	}
	if err := s.channel.Broadcast(ctx, messages.BroadcastPlayerChat, chat); err != nil {
		log.Error("Chat broadcast error: %v", err)
	}
}

// RecordNPCChat writes an npc_chat world event in the background.
func (s *Session) RecordNPCChat(ctx context.Context, chat models.NPCChat) {
	if chat.PlayerName == "" {
		chat.PlayerName = s.characterName()
	}
	s.saveEvent(ctx, models.EventTypeNPCChat, chat)
}

func (s *Session) characterName() string {
	s.presenceLock.Lock()
	defer s.presenceLock.Unlock()
	if s.lastPresence == nil {
		return presence.DefaultCharacterName
	}
	return s.lastPresence.CharacterName
}

func (s *Session) saveEvent(ctx context.Context, eventType string, data interface{}) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		log.Error("Failed to marshal %s event: %v", eventType, err)
		return
	}
	event := &models.WorldEvent{
		UserID:      s.identity.UserID,
		CharacterID: s.identity.CharacterID,
		City:        s.identity.City,
		EventType:   eventType,
		EventData:   b,
	}
	// detached from ctx so a finished request does not cancel the write
	s.policy.Go(context.WithoutCancel(ctx), "persist "+eventType, func(ctx context.Context) error {
		return s.store.SaveWorldEvent(ctx, event)
	})
}

// Pump applies every queued channel event to the registry and returns how
// many were handled.
func (s *Session) Pump() int {
	items, err := s.channel.Events().ReadAllMessages()
	if err != nil {
		log.Error("Failed to read channel events: %v", err)
		return 0
	}
	for _, item := range items {
		event, ok := item.(channel.Event)
		if !ok {
			log.Warn("Unexpected item on event queue: %T", item)
			continue
		}
		s.apply(event)
	}
	return len(items)
}

func (s *Session) apply(event channel.Event) {
	switch event.Kind {
	case channel.KindMove:
		for _, p := range event.Presences {
			s.registry.ApplyMove(p)
		}
	case channel.KindSync:
		s.registry.ApplySync(event.Presences)
	case channel.KindJoin:
		for _, p := range event.Presences {
			s.registry.ApplyJoin(p)
		}
	case channel.KindLeave:
		for _, p := range event.Presences {
			s.registry.ApplyLeave(p)
		}
	case channel.KindChat:
		s.chatLock.RLock()
		fn := s.onChat
		s.chatLock.RUnlock()
		if fn != nil && event.Chat != nil {
			fn(*event.Chat)
		}
	default:
		log.Warn("Unhandled channel event kind %s", event.Kind)
	}
}

// Run pumps channel events until ctx is done.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("World sync pump for %s stopped", s.identity.City)
			return
		case <-ticker.C:
			s.Pump()
		}
	}
}

// Disconnect persists the last presence as a world position, leaves the
// channel and forgets every other player. Background writes are not awaited.
func (s *Session) Disconnect(ctx context.Context) {
	s.presenceLock.Lock()
	last := s.lastPresence
	s.presenceLock.Unlock()

	if last != nil && s.identity.CharacterID != "" && s.store != nil {
		position := positionOf(*last, s.identity)
		if s.policy.Do(ctx, "persist last presence", func(ctx context.Context) error {
			return s.store.InsertWorldPosition(ctx, position)
		}) {
			log.Info("Persisted last presence for %s", s.identity.CharacterID)
		}
	}

	if s.joined.Swap(false) {
		if err := s.channel.Close(); err != nil {
			log.Warn("Failed to close channel: %v", err)
		}
	}
	s.registry.Clear()
}

func positionOf(r presence.Record, id presence.Identity) *models.WorldPosition {
	street := r.Street
	if street == "" {
		street = r.DisplayName
	}
	city := r.Locality
	if city == "" {
		city = r.City
	}
	if city == "" {
		city = id.City
	}
	return &models.WorldPosition{
		CharacterID: id.CharacterID,
		X:           r.X,
		Z:           r.Y,
		Lat:         r.Lat,
		Lng:         r.Lng,
		Street:      street,
		City:        city,
	}
}

// OnPlayerUpdate sets the callback fired with every other player after each change.
func (s *Session) OnPlayerUpdate(fn func([]presence.Record)) {
	s.registry.OnUpdate(fn)
}

// OnPlayerJoined sets the callback fired when another player joins.
func (s *Session) OnPlayerJoined(fn func(presence.Record)) {
	s.registry.OnJoin(fn)
}

// OnPlayerLeft sets the callback fired when another player leaves.
func (s *Session) OnPlayerLeft(fn func(presence.Record)) {
	s.registry.OnLeave(fn)
}

// OnChatMessage sets the callback fired for every player_chat broadcast.
func (s *Session) OnChatMessage(fn func(channel.ChatMessage)) {
	s.chatLock.Lock()
	defer s.chatLock.Unlock()
	s.onChat = fn
}

// OtherPlayers returns every other player sorted by user id.
func (s *Session) OtherPlayers() []presence.Record {
	return s.registry.Players()
}

// LastPresence returns the last presence accepted by the channel.
func (s *Session) LastPresence() (presence.Record, bool) {
	s.presenceLock.Lock()
	defer s.presenceLock.Unlock()
	if s.lastPresence == nil {
		return presence.Record{}, false
	}
	return *s.lastPresence, true
}

func (s *Session) Stats() Stats {
	return Stats{
		MovesPublished: s.published.Load(),
		MovesThrottled: s.throttled.Load(),
		MovesFailed:    s.failed.Load(),
		Channel:        s.channel.Stats(),
	}
}
