package registry

import (
	"sort"
	"sync"

	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/presence"
)

// Registry holds the latest presence of every other participant in a channel,
// keyed by user id. The local participant is never stored.
// Callbacks run on the goroutine that applied the change, after the lock is released.
type Registry struct {
	selfID string

	lock    sync.RWMutex
	players map[string]presence.Record

	callbackLock sync.RWMutex
	onUpdate     func([]presence.Record)
	onJoin       func(presence.Record)
	onLeave      func(presence.Record)
}

// New creates an empty registry that ignores events for selfID.
func New(selfID string) *Registry {
	return &Registry{
		selfID:  selfID,
		players: make(map[string]presence.Record),
	}
}

// SelfID returns the id the registry excludes.
func (r *Registry) SelfID() string {
	return r.selfID
}

// OnUpdate sets the callback fired with the full player list after every change.
func (r *Registry) OnUpdate(fn func([]presence.Record)) {
	r.callbackLock.Lock()
	defer r.callbackLock.Unlock()
	r.onUpdate = fn
}

// OnJoin sets the callback fired when another participant joins.
func (r *Registry) OnJoin(fn func(presence.Record)) {
	r.callbackLock.Lock()
	defer r.callbackLock.Unlock()
	r.onJoin = fn
}

// OnLeave sets the callback fired when another participant leaves.
func (r *Registry) OnLeave(fn func(presence.Record)) {
	r.callbackLock.Lock()
	defer r.callbackLock.Unlock()
	r.onLeave = fn
}

func (r *Registry) isSelf(record presence.Record) bool {
	return record.UserID == r.selfID
}

// ApplyMove records the latest position of another participant.
func (r *Registry) ApplyMove(record presence.Record) {
	if !record.Valid() || r.isSelf(record) {
		return
	}
	r.lock.Lock()
	r.players[record.UserID] = record
	r.lock.Unlock()
	r.fireUpdate()
}

// ApplySync replaces the registry with the given snapshot.
func (r *Registry) ApplySync(records []presence.Record) {
	r.lock.Lock()
	r.players = make(map[string]presence.Record, len(records))
	for _, record := range records {
		if !record.Valid() || r.isSelf(record) {
			continue
		}
		r.players[record.UserID] = record
	}
	r.lock.Unlock()
	r.fireUpdate()
}

// ApplyJoin adds another participant and fires the join callback.
func (r *Registry) ApplyJoin(record presence.Record) {
	if !record.Valid() || r.isSelf(record) {
		return
	}
	r.lock.Lock()
	r.players[record.UserID] = record
	r.lock.Unlock()

	if fn := r.joinCallback(); fn != nil {
		fn(record)
	}
	r.fireUpdate()
}

// ApplyLeave removes a participant and fires the leave callback.
// Leaving an unknown participant still fires the callback.
func (r *Registry) ApplyLeave(record presence.Record) {
	if !record.Valid() || r.isSelf(record) {
		return
	}
	r.lock.Lock()
	previous, ok := r.players[record.UserID]
	delete(r.players, record.UserID)
	r.lock.Unlock()

	if ok {
		// the leave payload may be sparse, report what we last knew
		record = previous
	} else {
		log.Debug("Leave for unknown player %s", record.UserID)
	}
	if fn := r.leaveCallback(); fn != nil {
		fn(record)
	}
	r.fireUpdate()
}

// Clear empties the registry without firing callbacks.
func (r *Registry) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.players = make(map[string]presence.Record)
}

// Get returns the latest record for userID.
func (r *Registry) Get(userID string) (presence.Record, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	record, ok := r.players[userID]
	return record, ok
}

// Len returns the number of other participants.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.players)
}

// Players returns a snapshot of every other participant sorted by user id.
func (r *Registry) Players() []presence.Record {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]presence.Record, 0, len(r.players))
	for _, record := range r.players {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Registry) fireUpdate() {
	r.callbackLock.RLock()
	fn := r.onUpdate
	r.callbackLock.RUnlock()
	if fn != nil {
		fn(r.Players())
	}
}

func (r *Registry) joinCallback() func(presence.Record) {
	r.callbackLock.RLock()
	defer r.callbackLock.RUnlock()
	return r.onJoin
}

func (r *Registry) leaveCallback() func(presence.Record) {
	r.callbackLock.RLock()
	defer r.callbackLock.RUnlock()
	return r.onLeave
}
