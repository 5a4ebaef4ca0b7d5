package worldevents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handle func(req Request) (int, Response)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		req := Request{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, resp := handle(req)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClient_SaveWorldEvent(t *testing.T) {
	var got Request
	server := newTestServer(t, func(req Request) (int, Response) {
		got = req
		return http.StatusOK, Response{OK: true, ID: "01J0000000000000000000000"}
	})

	c := NewClient(NewClientOptions{Endpoint: server.URL + "/", AccessToken: "secret"})
	event := &models.WorldEvent{
		UserID:      "u1",
		CharacterID: "c1",
		City:        "Manila",
		EventType:   models.EventTypeNPCChat,
		EventData:   json.RawMessage(`{"npcId":"n1","message":"hi"}`),
	}
	require.NoError(t, c.SaveWorldEvent(context.Background(), event))

	assert.Equal(t, ActionSaveEvent, got.Action)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "c1", got.CharacterID)
	assert.Equal(t, "Manila", got.City)
	assert.JSONEq(t, `{"type":"npc_chat","npcId":"n1","message":"hi"}`, string(got.Data))
	assert.Equal(t, "01J0000000000000000000000", event.ID)
}

func TestClient_InsertWorldPosition(t *testing.T) {
	var got Request
	server := newTestServer(t, func(req Request) (int, Response) {
		got = req
		return http.StatusOK, Response{OK: true}
	})

	c := NewClient(NewClientOptions{Endpoint: server.URL, AccessToken: "secret"})
	require.NoError(t, c.InsertWorldPosition(context.Background(), &models.WorldPosition{
		CharacterID: "c1",
		X:           10,
		Z:           20,
		City:        "Cebu City",
	}))

	assert.Equal(t, ActionSavePosition, got.Action)
	require.NotNil(t, got.Position)
	assert.Equal(t, 20.0, got.Position.Z)
	assert.Equal(t, "Cebu City", got.City)
}

func TestClient_Queries(t *testing.T) {
	server := newTestServer(t, func(req Request) (int, Response) {
		switch req.Action {
		case ActionGetNearbyPlayers:
			assert.Equal(t, 120, req.WindowSeconds)
			return http.StatusOK, Response{Players: []models.WorldPosition{{CharacterID: "c2", City: req.City}}}
		case ActionGetNPCInteractions:
			assert.Equal(t, 5, req.Limit)
			return http.StatusOK, Response{Interactions: []models.WorldEvent{{ID: "e1", EventType: models.EventTypeNPCChat}}}
		}
		return http.StatusBadRequest, Response{Error: "unknown action"}
	})

	c := NewClient(NewClientOptions{Endpoint: server.URL, AccessToken: "secret"})

	players, err := c.NearbyPlayers(context.Background(), "Manila", "c1", 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "c2", players[0].CharacterID)

	interactions, err := c.NPCInteractions(context.Background(), "n1", 5)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, "e1", interactions[0].ID)
}

func TestClient_ErrorStatus(t *testing.T) {
	server := newTestServer(t, func(req Request) (int, Response) {
		return http.StatusBadRequest, Response{Error: "position is required"}
	})

	c := NewClient(NewClientOptions{Endpoint: server.URL, AccessToken: "secret"})
	err := c.InsertWorldPosition(context.Background(), &models.WorldPosition{CharacterID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position is required")
}

func TestEventData(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantRest string
		wantErr  bool
	}{
		{name: "type and fields", data: `{"type":"position_update","x":1}`, wantType: "position_update", wantRest: `{"x":1}`},
		{name: "type only", data: `{"type":"npc_chat"}`, wantType: "npc_chat", wantRest: `{}`},
		{name: "missing type", data: `{"x":1}`, wantErr: true},
		{name: "empty type", data: `{"type":""}`, wantErr: true},
		{name: "not an object", data: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventType, rest, err := DecodeEventData(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, eventType)
			assert.JSONEq(t, tt.wantRest, string(rest))
		})
	}

	encoded, err := EncodeEventData("npc_chat", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"npc_chat"}`, string(encoded))

	_, err = EncodeEventData("npc_chat", json.RawMessage(`"text"`))
	assert.Error(t, err)
}
