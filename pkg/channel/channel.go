package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/cbodonnell/plaza/pkg/presence"
	"github.com/cbodonnell/plaza/pkg/queue"
	"github.com/gorilla/websocket"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultReplyTimeout      = 10 * time.Second
)

// ErrNotConnected is returned when publishing on a channel that is not joined.
var ErrNotConnected = errors.New("channel is not connected")

// Conn is the subset of a websocket connection used by the channel.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla's default dialer.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RealtimeURL builds the websocket URL of a realtime endpoint from its base
// address (http, https, ws or wss) and an optional API key.
func RealtimeURL(base string, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse realtime url: %v", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stats counts what the channel has seen.
type Stats struct {
	Received  uint64
	Malformed uint64
	Ignored   uint64
	Dropped   uint64
}

// Channel is a joined realtime topic with broadcast and presence.
// Decoded events are pushed to the event queue for the owner to drain.
type Channel struct {
	url               string
	topic             string
	presenceKey       string
	accessToken       string
	dialer            Dialer
	events            queue.Queue
	heartbeatInterval time.Duration
	replyTimeout      time.Duration

	conn      Conn
	connLock  sync.Mutex
	writeLock sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool
	nextRef   atomic.Uint64
	joinRef   string

	pending     map[string]chan messages.ReplyPayload
	pendingLock sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	received  atomic.Uint64
	malformed atomic.Uint64
	ignored   atomic.Uint64
	dropped   atomic.Uint64
}

type NewChannelOptions struct {
	// URL is the realtime websocket URL, see RealtimeURL
	URL string
	// Name is the channel name, e.g. world:Manila
	Name string
	// PresenceKey is the key our presence is tracked under
	PresenceKey string
	// AccessToken is sent on join when set
	AccessToken       string
	Dialer            Dialer
	EventQueue        queue.Queue
	HeartbeatInterval time.Duration
	ReplyTimeout      time.Duration
}

// NewChannel creates a channel. Nothing is dialed until Connect.
func NewChannel(opts NewChannelOptions) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.EventQueue == nil {
		opts.EventQueue = queue.NewInMemoryQueue(1024)
	}
	return &Channel{
		url:               opts.URL,
		topic:             messages.Topic(opts.Name),
		presenceKey:       opts.PresenceKey,
		accessToken:       opts.AccessToken,
		dialer:            opts.Dialer,
		events:            opts.EventQueue,
		heartbeatInterval: opts.HeartbeatInterval,
		replyTimeout:      opts.ReplyTimeout,
		pending:           make(map[string]chan messages.ReplyPayload),
	}
}

// Topic returns the full topic name.
func (c *Channel) Topic() string {
	return c.topic
}

// Events returns the queue decoded events are pushed to.
func (c *Channel) Events() queue.Queue {
	return c.events
}

// Connected reports whether the topic is joined.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Ignored:   c.ignored.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Connect dials the realtime endpoint and joins the topic, subscribing to the
// player_move and player_chat broadcasts and presence sync, join and leave.
func (c *Channel) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	c.connLock.Lock()
	stale := c.conn != nil
	c.connLock.Unlock()
	if stale {
		// the previous connection dropped without Close
		c.teardown()
	}

	log.Info("Connecting to %s", c.topic)
	conn, err := c.dialer(ctx, c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime server: %v", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.connLock.Lock()
	c.conn = conn
	c.cancel = cancel
	c.connLock.Unlock()
	c.closing.Store(false)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// a dropped socket stops the heartbeat too
		defer cancel()
		c.readLoop(loopCtx, conn)
	}()

	joinRef := c.ref()
	c.joinRef = joinRef
	join := messages.JoinPayload{
		Config: messages.JoinConfig{
			Broadcast: messages.BroadcastConfig{Self: false, Ack: false},
			Presence:  messages.PresenceConfig{Key: c.presenceKey},
		},
		AccessToken: c.accessToken,
	}
	reply, err := c.push(ctx, messages.EventJoin, joinRef, join, true)
	if err != nil {
		c.teardown()
		return fmt.Errorf("failed to join %s: %v", c.topic, err)
	}
	if reply.Status != messages.ReplyStatusOK {
		c.teardown()
		return fmt.Errorf("join %s rejected: %s", c.topic, string(reply.Response))
	}

	c.connected.Store(true)
	log.Info("Joined %s", c.topic)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeat(loopCtx)
	}()

	return nil
}

// Broadcast publishes an application event to the other channel members.
// Delivery is fire-and-forget.
func (c *Channel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	msg, err := messages.NewBroadcast(c.topic, event, c.ref(), payload)
	if err != nil {
		return err
	}
	msg.JoinRef = c.joinRef
	return c.write(ctx, msg)
}

// Track publishes record as our presence and waits for the server to accept it.
func (c *Channel) Track(ctx context.Context, record presence.Record) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %v", err)
	}
	reply, err := c.push(ctx, messages.EventPresence, c.ref(), messages.PresencePayload{
		Type:    messages.EventPresence,
		Event:   messages.PresenceTrack,
		Payload: b,
	}, true)
	if err != nil {
		return fmt.Errorf("failed to track presence: %v", err)
	}
	if reply.Status != messages.ReplyStatusOK {
		return fmt.Errorf("track rejected: %s", string(reply.Response))
	}
	return nil
}

// Untrack removes our presence from the channel.
func (c *Channel) Untrack(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	_, err := c.push(ctx, messages.EventPresence, c.ref(), messages.PresencePayload{
		Type:  messages.EventPresence,
		Event: messages.PresenceUntrack,
	}, false)
	return err
}

// Close leaves the topic and closes the connection.
func (c *Channel) Close() error {
	c.connLock.Lock()
	conn := c.conn
	c.connLock.Unlock()
	if conn == nil {
		log.Warn("Channel %s is already closed", c.topic)
		return nil
	}

	if c.connected.Load() {
		leave := &messages.Message{Topic: c.topic, Event: messages.EventLeave, Ref: c.ref(), JoinRef: c.joinRef}
		if err := c.write(context.Background(), leave); err != nil {
			log.Debug("Failed to send leave for %s: %v", c.topic, err)
		}
	}
	c.teardown()
	log.Info("Left %s", c.topic)
	return nil
}

func (c *Channel) teardown() {
	c.closing.Store(true)
	c.connected.Store(false)

	c.connLock.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.connLock.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failPending()
}

func (c *Channel) ref() string {
	return strconv.FormatUint(c.nextRef.Add(1), 10)
}

// push writes a frame on the topic and, when wait is set, waits for its reply.
func (c *Channel) push(ctx context.Context, event string, ref string, payload interface{}, wait bool) (messages.ReplyPayload, error) {
	msg, err := messages.NewMessage(c.topic, event, ref, payload)
	if err != nil {
		return messages.ReplyPayload{}, err
	}
	msg.JoinRef = c.joinRef

	var replyChan chan messages.ReplyPayload
	if wait {
		replyChan = make(chan messages.ReplyPayload, 1)
		c.pendingLock.Lock()
		c.pending[ref] = replyChan
		c.pendingLock.Unlock()
		defer func() {
			c.pendingLock.Lock()
			delete(c.pending, ref)
			c.pendingLock.Unlock()
		}()
	}

	if err := c.write(ctx, msg); err != nil {
		return messages.ReplyPayload{}, err
	}
	if !wait {
		return messages.ReplyPayload{Status: messages.ReplyStatusOK}, nil
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replyChan:
		if !ok {
			return messages.ReplyPayload{}, fmt.Errorf("connection closed before reply to %s", event)
		}
		return reply, nil
	case <-timer.C:
		return messages.ReplyPayload{}, fmt.Errorf("timed out waiting for reply to %s", event)
	case <-ctx.Done():
		return messages.ReplyPayload{}, ctx.Err()
	}
}

func (c *Channel) write(ctx context.Context, msg *messages.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	conn := c.conn
	c.connLock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to write message to realtime connection: %v", err)
	}
	return nil
}

func (c *Channel) failPending() {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
}

func (c *Channel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := &messages.Message{Topic: messages.PhoenixTopic, Event: messages.EventHeartbeat, Ref: c.ref()}
			if err := c.write(ctx, msg); err != nil {
				log.Warn("Failed to send heartbeat on %s: %v", c.topic, err)
			}
		}
	}
}

// readLoop reads frames until the connection fails or is closed.
func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error("Error reading realtime message on %s: %v", c.topic, err)
				} else {
					log.Warn("Realtime connection for %s closed: %v", c.topic, err)
				}
			}
			c.connected.Store(false)
			c.failPending()
			return
		}
		if ctx.Err() != nil {
			return
		}

		msg, err := messages.DeserializeMessage(b)
		if err != nil {
			c.malformed.Add(1)
			log.Warn("Dropping undecodable frame on %s: %v", c.topic, err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Channel) handleMessage(msg *messages.Message) {
	if msg.Event == messages.EventReply {
		reply := messages.ReplyPayload{}
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			log.Warn("Failed to decode reply %s: %v", msg.Ref, err)
			return
		}
		c.pendingLock.Lock()
		ch, ok := c.pending[msg.Ref]
		c.pendingLock.Unlock()
		if ok {
			// a repeated ref must not stall the read loop
			select {
			case ch <- reply:
			default:
				log.Debug("Dropping repeated reply %s on %s", msg.Ref, msg.Topic)
			}
		} else if reply.Status != messages.ReplyStatusOK {
			log.Warn("Server rejected push %s on %s: %s", msg.Ref, msg.Topic, string(reply.Response))
		}
		return
	}

	if msg.Topic != c.topic {
		log.Trace("Ignoring %s on %s", msg.Event, msg.Topic)
		return
	}

	switch msg.Event {
	case messages.EventClose, messages.EventError:
		log.Warn("Channel %s closed by server (%s)", c.topic, msg.Event)
		c.connected.Store(false)
		return
	}

	c.received.Add(1)
	result, err := decodeFrame(msg)
	if result.malformed > 0 {
		c.malformed.Add(uint64(result.malformed))
	}
	if err != nil {
		log.Warn("Dropping %s frame on %s: %v", msg.Event, c.topic, err)
	} else if result.malformed > 0 {
		log.Warn("Dropped %d presence entries without identity on %s", result.malformed, c.topic)
	}
	if result.ignored {
		c.ignored.Add(1)
		return
	}
	for _, event := range result.events {
		if err := c.events.Enqueue(event); err != nil {
			c.dropped.Add(1)
			log.Warn("Failed to enqueue %s event from %s: %v", event.Kind, c.topic, err)
		}
	}
}
