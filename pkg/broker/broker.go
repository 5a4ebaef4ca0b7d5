package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	authproviders "github.com/cbodonnell/plaza/pkg/auth/providers"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	// DefaultSendBuffer is the number of frames queued per connection before
	// frames to it are dropped
	DefaultSendBuffer = 256
	// WriteTimeout bounds a single websocket write
	WriteTimeout = 5 * time.Second
	// TopicPrefix is the prefix of every joinable topic
	TopicPrefix = "realtime:"
)

// Departure describes a tracked presence that left a topic.
type Departure struct {
	Topic string
	Key   string
	Meta  json.RawMessage
	// Abrupt is set when the connection dropped without leaving or untracking.
	Abrupt bool
}

// Stats counts what the broker has seen.
type Stats struct {
	Connections int
	Topics      int
	Relayed     uint64
	Rejected    uint64
	Dropped     uint64
}

// Broker is a realtime relay speaking the channel frame protocol: topics,
// broadcast fan-out and presence.
type Broker struct {
	authProvider authproviders.AuthProvider
	validator    *Validator
	departures   chan<- Departure
	sendBuffer   int

	mu      sync.Mutex
	topics  map[string]*topic
	clients map[*client]struct{}

	nextRef  atomic.Uint64
	relayed  atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

type NewBrokerOptions struct {
	// AuthProvider verifies the access token sent on join. Joins are not
	// authenticated when it is nil.
	AuthProvider authproviders.AuthProvider
	// Departures receives tracked presences that leave. Sends never block.
	Departures chan<- Departure
	SendBuffer int
}

func NewBroker(opts NewBrokerOptions) (*Broker, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %v", err)
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &Broker{
		authProvider: opts.AuthProvider,
		validator:    validator,
		departures:   opts.Departures,
		sendBuffer:   opts.SendBuffer,
		topics:       make(map[string]*topic),
		clients:      make(map[*client]struct{}),
	}, nil
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	connections, topics := len(b.clients), len(b.topics)
	b.mu.Unlock()
	return Stats{
		Connections: connections,
		Topics:      topics,
		Relayed:     b.relayed.Load(),
		Rejected:    b.rejected.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until it closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, b.sendBuffer),
		topics: make(map[string]struct{}),
	}
	log.Debug("New WebSocket connection %s from %s", c.id, r.RemoteAddr)
	b.handleConnection(r.Context(), c)
}

// handleConnection reads frames until the connection fails or is closed.
func (b *Broker) handleConnection(ctx context.Context, c *client) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	defer func() {
		b.disconnect(c)
		cancel()
		wg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(messages.MessageBufferSize)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Trace("Connection %s closed", c.id)
			default:
				log.Debug("Connection %s dropped: %v", c.id, err)
			}
			return
		}

		msg, err := messages.DeserializeMessage(data)
		if err != nil {
			b.rejected.Add(1)
			log.Warn("Dropping undecodable frame from %s: %v", c.id, err)
			continue
		}
		b.handleMessage(ctx, c, msg)
	}
}

func (b *Broker) handleMessage(ctx context.Context, c *client, msg *messages.Message) {
	if msg.Topic == messages.PhoenixTopic {
		if msg.Event == messages.EventHeartbeat {
			b.reply(c, msg, messages.ReplyStatusOK, struct{}{})
		}
		return
	}

	switch msg.Event {
	case messages.EventJoin:
		b.join(ctx, c, msg)
	case messages.EventLeave:
		b.leave(c, msg)
	case messages.EventBroadcast:
		b.broadcast(c, msg)
	case messages.EventPresence:
		b.presence(c, msg)
	default:
		b.rejectf(c, msg, "unknown event %q", msg.Event)
	}
}

func (b *Broker) join(ctx context.Context, c *client, msg *messages.Message) {
	if !strings.HasPrefix(msg.Topic, TopicPrefix) || len(msg.Topic) == len(TopicPrefix) {
		b.rejectf(c, msg, "invalid topic %q", msg.Topic)
		return
	}
	payload := messages.JoinPayload{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			b.rejectf(c, msg, "invalid join payload")
			return
		}
	}

	if b.authProvider != nil {
		claims, err := b.authProvider.VerifyToken(ctx, payload.AccessToken)
		if err != nil {
			log.Warn("Rejecting join of %s by %s: %v", msg.Topic, c.id, err)
			b.rejectf(c, msg, "unauthorized")
			return
		}
		c.uid = claims.UID
	}

	key := payload.Config.Presence.Key
	if key == "" {
		key = c.id
	}

	b.mu.Lock()
	t, ok := b.topics[msg.Topic]
	if !ok {
		t = newTopic(msg.Topic)
		b.topics[msg.Topic] = t
	}
	t.members[c] = &member{
		joinRef: msg.JoinRef,
		key:     key,
		self:    payload.Config.Broadcast.Self,
		ack:     payload.Config.Broadcast.Ack,
	}
	c.topics[msg.Topic] = struct{}{}
	state := t.state()
	b.mu.Unlock()

	log.Debug("Connection %s (uid %q) joined %s as %s", c.id, c.uid, msg.Topic, key)
	b.reply(c, msg, messages.ReplyStatusOK, struct{}{})
	b.push(c, msg.Topic, messages.EventPresenceState, state)
}

func (b *Broker) leave(c *client, msg *messages.Message) {
	b.mu.Lock()
	departure, recipients, ok := b.removeLocked(c, msg.Topic)
	b.mu.Unlock()
	if !ok {
		b.rejectf(c, msg, "not joined")
		return
	}

	b.reply(c, msg, messages.ReplyStatusOK, struct{}{})
	if departure != nil {
		b.announceLeave(*departure, recipients)
	}
}

// disconnect removes c from every topic it joined.
func (b *Broker) disconnect(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	type leaving struct {
		departure  *Departure
		recipients []*client
	}
	var left []leaving
	for name := range c.topics {
		departure, recipients, _ := b.removeLocked(c, name)
		if departure != nil {
			departure.Abrupt = true
			left = append(left, leaving{departure: departure, recipients: recipients})
		}
	}
	b.mu.Unlock()

	for _, l := range left {
		b.announceLeave(*l.departure, l.recipients)
	}
}

// removeLocked drops c from a topic and returns its departure, if it was
// tracked, with the members left to tell.
func (b *Broker) removeLocked(c *client, name string) (*Departure, []*client, bool) {
	t, ok := b.topics[name]
	if !ok {
		return nil, nil, false
	}
	m, ok := t.members[c]
	if !ok {
		return nil, nil, false
	}
	delete(t.members, c)
	delete(c.topics, name)
	if len(t.members) == 0 {
		delete(b.topics, name)
	}
	if m.meta == nil {
		return nil, nil, true
	}
	return &Departure{Topic: name, Key: m.key, Meta: m.meta}, t.recipients(nil), true
}

func (b *Broker) announceLeave(departure Departure, recipients []*client) {
	log.Debug("Presence %s left %s", departure.Key, departure.Topic)
	diff := messages.PresenceDiff{
		Joins:  messages.PresenceState{},
		Leaves: messages.PresenceState{departure.Key: {Metas: []json.RawMessage{departure.Meta}}},
	}
	b.fanout(recipients, departure.Topic, messages.EventPresenceDiff, diff)

	if b.departures == nil {
		return
	}
	select {
	case b.departures <- departure:
	default:
		log.Warn("Departure queue is full, dropping departure of %s from %s", departure.Key, departure.Topic)
	}
}

func (b *Broker) broadcast(c *client, msg *messages.Message) {
	payload := messages.BroadcastPayload{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Event == "" {
		b.rejectf(c, msg, "invalid broadcast payload")
		return
	}
	if err := b.validator.Validate(payload.Event, payload.Payload); err != nil {
		log.Warn("Dropping %s from %s: %v", payload.Event, c.id, err)
		b.rejectf(c, msg, "%v", err)
		return
	}

	b.mu.Lock()
	t, ok := b.topics[msg.Topic]
	var m *member
	if ok {
		m = t.members[c]
	}
	if m == nil {
		b.mu.Unlock()
		b.rejectf(c, msg, "not joined")
		return
	}
	exclude := c
	if m.self {
		exclude = nil
	}
	recipients := t.recipients(exclude)
	ack := m.ack
	b.mu.Unlock()

	payload.Type = messages.EventBroadcast
	b.relayed.Add(1)
	b.fanout(recipients, msg.Topic, messages.EventBroadcast, payload)
	if ack {
		b.reply(c, msg, messages.ReplyStatusOK, struct{}{})
	}
}

func (b *Broker) presence(c *client, msg *messages.Message) {
	payload := messages.PresencePayload{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		b.rejectf(c, msg, "invalid presence payload")
		return
	}

	var meta json.RawMessage
	if payload.Event == messages.PresenceTrack {
		fields := map[string]interface{}{}
		if err := json.Unmarshal(payload.Payload, &fields); err != nil {
			b.rejectf(c, msg, "presence must be an object")
			return
		}
		fields["phx_ref"] = b.ref()
		raw, err := json.Marshal(fields)
		if err != nil {
			b.rejectf(c, msg, "presence must be an object")
			return
		}
		meta = raw
	} else if payload.Event != messages.PresenceUntrack {
		b.rejectf(c, msg, "unknown presence event %q", payload.Event)
		return
	}

	b.mu.Lock()
	t, ok := b.topics[msg.Topic]
	var m *member
	if ok {
		m = t.members[c]
	}
	if m == nil {
		b.mu.Unlock()
		b.rejectf(c, msg, "not joined")
		return
	}
	previous := m.meta
	m.meta = meta
	recipients := t.recipients(nil)
	b.mu.Unlock()

	b.reply(c, msg, messages.ReplyStatusOK, struct{}{})

	if meta != nil {
		// an update is announced as a join only, clients treat it as an upsert
		b.fanout(recipients, msg.Topic, messages.EventPresenceDiff, messages.PresenceDiff{
			Joins:  messages.PresenceState{m.key: {Metas: []json.RawMessage{meta}}},
			Leaves: messages.PresenceState{},
		})
		return
	}
	if previous != nil {
		b.announceLeave(Departure{Topic: msg.Topic, Key: m.key, Meta: previous}, recipients)
	}
}

func (b *Broker) ref() string {
	return strconv.FormatUint(b.nextRef.Add(1), 10)
}

func (b *Broker) rejectf(c *client, msg *messages.Message, format string, args ...interface{}) {
	b.rejected.Add(1)
	b.reply(c, msg, messages.ReplyStatusError, map[string]string{"reason": fmt.Sprintf(format, args...)})
}

func (b *Broker) reply(c *client, msg *messages.Message, status string, response interface{}) {
	if msg.Ref == "" {
		return
	}
	reply, err := messages.NewReply(msg.Topic, msg.Ref, status, response)
	if err != nil {
		log.Error("Failed to build reply: %v", err)
		return
	}
	reply.JoinRef = msg.JoinRef
	b.send(c, reply)
}

func (b *Broker) push(c *client, topic string, event string, payload interface{}) {
	msg, err := messages.NewMessage(topic, event, "", payload)
	if err != nil {
		log.Error("Failed to build %s: %v", event, err)
		return
	}
	b.send(c, msg)
}

func (b *Broker) fanout(recipients []*client, topic string, event string, payload interface{}) {
	if len(recipients) == 0 {
		return
	}
	msg, err := messages.NewMessage(topic, event, "", payload)
	if err != nil {
		log.Error("Failed to build %s: %v", event, err)
		return
	}
	for _, c := range recipients {
		b.send(c, msg)
	}
}

func (b *Broker) send(c *client, msg *messages.Message) {
	data, err := messages.SerializeMessage(msg)
	if err != nil {
		log.Error("Failed to serialize %s: %v", msg.Event, err)
		return
	}
	if !c.enqueue(data) {
		b.dropped.Add(1)
		log.Warn("Send buffer of %s is full, dropping %s", c.id, msg.Event)
	}
}
