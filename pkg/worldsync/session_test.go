package worldsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/plaza/pkg/besteffort"
	"github.com/cbodonnell/plaza/pkg/channel"
	"github.com/cbodonnell/plaza/pkg/geocode"
	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/cbodonnell/plaza/pkg/presence"
	"github.com/cbodonnell/plaza/pkg/queue"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
	events *queue.InMemoryQueue
}

func newMockChannel() *mockChannel {
	return &mockChannel{events: queue.NewInMemoryQueue(64)}
}

func (m *mockChannel) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockChannel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	return m.Called(ctx, event, payload).Error(0)
}

func (m *mockChannel) Track(ctx context.Context, record presence.Record) error {
	return m.Called(ctx, record).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func (m *mockChannel) Events() queue.Queue {
	return m.events
}

func (m *mockChannel) Stats() channel.Stats {
	return channel.Stats{Malformed: 2}
}

type fakeStore struct {
	mu        sync.Mutex
	events    []models.WorldEvent
	positions []models.WorldPosition
	failures  int
}

func (f *fakeStore) SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeStore) InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database is down")
	}
	f.positions = append(f.positions, *position)
	return nil
}

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeGeocoder struct {
	result *geocode.Result
	err    error
}

func (f *fakeGeocoder) Reverse(ctx context.Context, lat float64, lng float64) (*geocode.Result, error) {
	return f.result, f.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testIdentity = presence.Identity{UserID: "me", CharacterID: "char-1", City: "Manila"}

func newTestSession(ch *mockChannel, store Store, geocoder geocode.Reverser, clock *fakeClock) *Session {
	return NewSession(NewSessionOptions{
		Identity:   testIdentity,
		Channel:    ch,
		Store:      store,
		Geocoder:   geocoder,
		BestEffort: &besteffort.Policy{Attempts: 2, Delay: time.Millisecond},
		Now:        clock.Now,
	})
}

func connectedSession(t *testing.T, store Store, geocoder geocode.Reverser) (*Session, *mockChannel, *fakeClock) {
	t.Helper()
	ch := newMockChannel()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ch.On("Connect", mock.Anything).Return(nil)
	ch.On("Track", mock.Anything, mock.Anything).Return(nil)
	s := newTestSession(ch, store, geocoder, clock)
	require.NoError(t, s.Connect(context.Background()))
	return s, ch, clock
}

func movePayloads(ch *mockChannel) []MovePayload {
	var out []MovePayload
	for _, call := range ch.Calls {
		if call.Method == "Broadcast" && call.Arguments.String(1) == messages.BroadcastPlayerMove {
			out = append(out, call.Arguments.Get(2).(MovePayload))
		}
	}
	return out
}

func TestSession_ConnectPublishesInitialPresence(t *testing.T) {
	geocoder := &fakeGeocoder{result: &geocode.Result{Street: "Taft Avenue", Locality: "Manila", DisplayName: "Taft Avenue, Manila"}}
	s, ch, _ := connectedSession(t, nil, geocoder)

	ch.AssertNumberOfCalls(t, "Track", 1)
	record := ch.Calls[1].Arguments.Get(1).(presence.Record)
	assert.Equal(t, "me", record.UserID)
	assert.Equal(t, "char-1", record.CharacterID)
	assert.Equal(t, presence.DefaultCharacterName, record.CharacterName)
	assert.Equal(t, presence.DefaultDirection, record.Direction)
	require.NotNil(t, record.Lat)
	require.NotNil(t, record.Lng)
	assert.Equal(t, "Taft Avenue", record.Street)

	last, ok := s.LastPresence()
	require.True(t, ok)
	assert.Equal(t, record, last)
}

func TestSession_ConnectPublishesConfiguredPresence(t *testing.T) {
	store := &fakeStore{}
	ch := newMockChannel()
	ch.On("Connect", mock.Anything).Return(nil)
	ch.On("Track", mock.Anything, mock.Anything).Return(nil)

	x, y := 800.0, 600.0
	s := NewSession(NewSessionOptions{
		Identity:        testIdentity,
		InitialPresence: presence.Fields{Name: "Ana", X: &x, Y: &y},
		Channel:         ch,
		Store:           store,
		BestEffort:      &besteffort.Policy{Attempts: 1},
		Now:             (&fakeClock{now: time.Now()}).Now,
	})
	require.NoError(t, s.Connect(context.Background()))

	ch.AssertNumberOfCalls(t, "Track", 1)
	record := ch.Calls[1].Arguments.Get(1).(presence.Record)
	assert.Equal(t, "Ana", record.CharacterName)
	assert.Equal(t, 800.0, record.X)
	assert.Equal(t, 600.0, record.Y)

	assert.Eventually(t, func() bool { return store.eventCount() == 1 }, time.Second, time.Millisecond)
	// no stray writes after the first
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.events, 1)
	assert.Equal(t, models.EventTypePositionUpdate, store.events[0].EventType)
	assert.Contains(t, string(store.events[0].EventData), `"x":800`)
	assert.Contains(t, string(store.events[0].EventData), `"y":600`)
}

func TestSession_ConnectFailure(t *testing.T) {
	ch := newMockChannel()
	ch.On("Connect", mock.Anything).Return(errors.New("refused"))
	s := newTestSession(ch, nil, nil, &fakeClock{now: time.Now()})

	assert.Error(t, s.Connect(context.Background()))
	ch.AssertNotCalled(t, "Track", mock.Anything, mock.Anything)

	// not joined, so presence updates are skipped
	s.UpdatePresence(context.Background(), presence.Fields{Name: "Ana"})
	ch.AssertNotCalled(t, "Track", mock.Anything, mock.Anything)
}

func TestSession_UpdatePresenceSwallowsGeocodeFailure(t *testing.T) {
	store := &fakeStore{}
	s, ch, _ := connectedSession(t, store, &fakeGeocoder{err: errors.New("rate limited")})

	x, y := 3100.0, 2900.0
	s.UpdatePresence(context.Background(), presence.Fields{Name: "Ana", X: &x, Y: &y, Direction: "left"})

	ch.AssertNumberOfCalls(t, "Track", 2)
	last, ok := s.LastPresence()
	require.True(t, ok)
	assert.Equal(t, "Ana", last.CharacterName)
	assert.Equal(t, 3100.0, last.X)
	assert.Empty(t, last.Street)
	assert.NotNil(t, last.Lat)

	// one position_update per accepted presence
	assert.Eventually(t, func() bool { return store.eventCount() == 2 }, time.Second, time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	var data []string
	for _, e := range store.events {
		assert.Equal(t, models.EventTypePositionUpdate, e.EventType)
		assert.Equal(t, "Manila", e.City)
		data = append(data, string(e.EventData))
	}
	// the writes race each other, so order is not asserted
	assert.Condition(t, func() bool {
		for _, d := range data {
			if strings.Contains(d, `"x":3100`) {
				return true
			}
		}
		return false
	})
}

func TestSession_UpdatePresenceTrackFailureKeepsPreviousPresence(t *testing.T) {
	ch := newMockChannel()
	ch.On("Connect", mock.Anything).Return(nil)
	ch.On("Track", mock.Anything, mock.Anything).Return(nil).Once()
	ch.On("Track", mock.Anything, mock.Anything).Return(errors.New("timeout"))
	s := newTestSession(ch, nil, nil, &fakeClock{now: time.Now()})
	require.NoError(t, s.Connect(context.Background()))

	x := 10.0
	s.UpdatePresence(context.Background(), presence.Fields{X: &x})

	last, ok := s.LastPresence()
	require.True(t, ok)
	assert.Equal(t, 0.0, last.X)
}

func TestSession_BroadcastMoveThrottle(t *testing.T) {
	s, ch, clock := connectedSession(t, nil, nil)
	ch.On("Broadcast", mock.Anything, messages.BroadcastPlayerMove, mock.Anything).Return(nil)
	ctx := context.Background()

	assert.True(t, s.BroadcastMove(ctx, 1, 1, "up", ""))
	clock.Advance(200 * time.Millisecond)
	assert.False(t, s.BroadcastMove(ctx, 2, 2, "left", ""))
	clock.Advance(299 * time.Millisecond)
	assert.False(t, s.BroadcastMove(ctx, 3, 3, "left", ""))
	clock.Advance(time.Millisecond)
	assert.True(t, s.BroadcastMove(ctx, 4, 4, "", "avatar.glb"))

	payloads := movePayloads(ch)
	require.Len(t, payloads, 2)
	assert.Equal(t, 1.0, payloads[0].X)
	assert.Equal(t, "up", payloads[0].Direction)
	assert.Equal(t, 4.0, payloads[1].X)
	assert.Equal(t, presence.DefaultDirection, payloads[1].Direction)
	assert.Equal(t, "avatar.glb", payloads[1].Avatar)
	assert.Equal(t, "me", payloads[1].UserID)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.MovesPublished)
	assert.Equal(t, uint64(2), stats.MovesThrottled)
	assert.Equal(t, uint64(2), stats.Channel.Malformed)
}

func TestSession_BroadcastMoveFailureDoesNotConsumeWindow(t *testing.T) {
	s, ch, clock := connectedSession(t, nil, nil)
	ch.On("Broadcast", mock.Anything, messages.BroadcastPlayerMove, mock.Anything).Return(errors.New("socket closed")).Once()
	ch.On("Broadcast", mock.Anything, messages.BroadcastPlayerMove, mock.Anything).Return(nil)
	ctx := context.Background()

	assert.False(t, s.BroadcastMove(ctx, 1, 1, "up", ""))
	clock.Advance(10 * time.Millisecond)
	assert.True(t, s.BroadcastMove(ctx, 2, 2, "up", ""))
	assert.Equal(t, uint64(1), s.Stats().MovesFailed)
}

func TestSession_BroadcastMoveConcurrentCallsPublishOnce(t *testing.T) {
	s, ch, _ := connectedSession(t, nil, nil)
	ch.On("Broadcast", mock.Anything, messages.BroadcastPlayerMove, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.BroadcastMove(context.Background(), float64(i), 0, "up", "")
		}(i)
	}
	wg.Wait()

	assert.Len(t, movePayloads(ch), 1)
}

func TestSession_BroadcastChat(t *testing.T) {
	s, ch, _ := connectedSession(t, nil, nil)
	ch.On("Broadcast", mock.Anything, messages.BroadcastPlayerChat, mock.MatchedBy(func(c channel.ChatMessage) bool {
		return c.Message == "hello" && c.TargetNPCID == "npc-1" && c.City == "Manila" && c.UserID == "me"
	})).Return(nil)

	s.BroadcastChat(context.Background(), "hello", "npc-1")

	ch.AssertExpectations(t)
}

func TestSession_PumpAppliesEvents(t *testing.T) {
	s, ch, _ := connectedSession(t, nil, nil)

	var updates [][]presence.Record
	var joined, left []string
	var chats []string
	s.OnPlayerUpdate(func(players []presence.Record) { updates = append(updates, players) })
	s.OnPlayerJoined(func(p presence.Record) { joined = append(joined, p.UserID) })
	s.OnPlayerLeft(func(p presence.Record) { left = append(left, p.UserID) })
	s.OnChatMessage(func(c channel.ChatMessage) { chats = append(chats, c.Message) })

	for _, e := range []channel.Event{
		{Kind: channel.KindSync, Presences: []presence.Record{{UserID: "me"}, {UserID: "a"}, {UserID: "b"}}},
		{Kind: channel.KindMove, Presences: []presence.Record{{UserID: "a", X: 9}}},
		{Kind: channel.KindMove, Presences: []presence.Record{{UserID: "me", X: 100}}},
		{Kind: channel.KindJoin, Presences: []presence.Record{{UserID: "c"}}},
		{Kind: channel.KindLeave, Presences: []presence.Record{{UserID: "b"}}},
		{Kind: channel.KindChat, Chat: &channel.ChatMessage{UserID: "a", Message: "hi"}},
	} {
		require.NoError(t, ch.events.Enqueue(e))
	}

	assert.Equal(t, 6, s.Pump())

	players := s.OtherPlayers()
	require.Len(t, players, 2)
	assert.Equal(t, "a", players[0].UserID)
	assert.Equal(t, 9.0, players[0].X)
	assert.Equal(t, "c", players[1].UserID)

	assert.Len(t, updates, 4)
	assert.Equal(t, []string{"c"}, joined)
	assert.Equal(t, []string{"b"}, left)
	assert.Equal(t, []string{"hi"}, chats)
	assert.Equal(t, 0, s.Pump())
}

func TestSession_RunStopsOnCancel(t *testing.T) {
	s, ch, _ := connectedSession(t, nil, nil)
	require.NoError(t, ch.events.Enqueue(channel.Event{Kind: channel.KindJoin, Presences: []presence.Record{{UserID: "a"}}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(s.OtherPlayers()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSession_DisconnectPersistsLastPresence(t *testing.T) {
	store := &fakeStore{failures: 1}
	geocoder := &fakeGeocoder{result: &geocode.Result{DisplayName: "Intramuros, Manila", Locality: "Manila"}}
	s, ch, _ := connectedSession(t, store, geocoder)
	ch.On("Close").Return(nil)
	require.NoError(t, ch.events.Enqueue(channel.Event{Kind: channel.KindJoin, Presences: []presence.Record{{UserID: "a"}}}))
	s.Pump()

	x, y := 3010.0, 2990.0
	s.UpdatePresence(context.Background(), presence.Fields{X: &x, Y: &y})
	s.Disconnect(context.Background())

	ch.AssertNumberOfCalls(t, "Close", 1)
	assert.Empty(t, s.OtherPlayers())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.positions, 1)
	p := store.positions[0]
	assert.Equal(t, "char-1", p.CharacterID)
	assert.Equal(t, 3010.0, p.X)
	assert.Equal(t, 2990.0, p.Z)
	assert.Equal(t, "Intramuros, Manila", p.Street)
	assert.Equal(t, "Manila", p.City)
	assert.NotNil(t, p.Lat)
}

func TestSession_DisconnectWithoutPresence(t *testing.T) {
	ch := newMockChannel()
	store := &fakeStore{}
	s := newTestSession(ch, store, nil, &fakeClock{now: time.Now()})

	s.Disconnect(context.Background())

	ch.AssertNotCalled(t, "Close")
	assert.Empty(t, store.positions)
}
