package broker

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/messages"
	"nhooyr.io/websocket"
)

// client is one websocket connection. Its topics are guarded by the broker lock.
type client struct {
	id     string
	uid    string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

// enqueue hands a frame to the writer without blocking.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("Failed to write to %s: %v", c.id, err)
				return
			}
		}
	}
}

// member is a client's membership of one topic.
type member struct {
	joinRef string
	key     string
	self    bool
	ack     bool
	// meta is the tracked presence, nil until tracked
	meta json.RawMessage
}

type topic struct {
	name    string
	members map[*client]*member
}

func newTopic(name string) *topic {
	return &topic{
		name:    name,
		members: make(map[*client]*member),
	}
}

// state groups the tracked metas by presence key.
func (t *topic) state() messages.PresenceState {
	state := messages.PresenceState{}
	for _, m := range t.members {
		if m.meta == nil {
			continue
		}
		entry := state[m.key]
		entry.Metas = append(entry.Metas, m.meta)
		state[m.key] = entry
	}
	return state
}

// recipients lists the members other than exclude in a stable order.
func (t *topic) recipients(exclude *client) []*client {
	clients := make([]*client, 0, len(t.members))
	for c := range t.members {
		if c != exclude {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}
