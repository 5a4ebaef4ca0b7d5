package handlers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/cbodonnell/plaza/pkg/api/middleware"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/repositories"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/cbodonnell/plaza/pkg/worldevents"
)

// MaxRequestBytes bounds a world-events request body.
const MaxRequestBytes = 64 * 1024

// HandleWorldEvents serves every world-events action from one endpoint.
func HandleWorldEvents(repository repositories.Repository, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			log.Error("failed to get user from context")
			writeError(w, http.StatusInternalServerError, "failed to get user from context")
			return
		}

		req := &worldevents.Request{}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var (
			resp *worldevents.Response
			err  error
		)
		switch req.Action {
		case worldevents.ActionSaveEvent:
			resp, err = saveEvent(r, repository, userID, req)
		case worldevents.ActionSavePosition:
			resp, err = savePosition(r, repository, req)
		case worldevents.ActionGetNearbyPlayers:
			resp, err = nearbyPlayers(r, repository, req, now())
		case worldevents.ActionGetNPCInteractions:
			resp, err = npcInteractions(r, repository, req)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
			return
		}
		if err != nil {
			if bad, ok := err.(badRequest); ok {
				writeError(w, http.StatusBadRequest, string(bad))
				return
			}
			log.Error("failed to %s: %v", req.Action, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to %s", req.Action))
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// badRequest is an error the caller can fix.
type badRequest string

func (e badRequest) Error() string {
	return string(e)
}

func saveEvent(r *http.Request, repository repositories.Repository, userID string, req *worldevents.Request) (*worldevents.Response, error) {
	if len(req.Data) == 0 {
		return nil, badRequest("data is required")
	}
	eventType, data, err := worldevents.DecodeEventData(req.Data)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	if req.UserID != "" && req.UserID != userID {
		log.Warn("Ignoring user id %s in a request authenticated as %s", req.UserID, userID)
	}
	event := &models.WorldEvent{
		UserID:      userID,
		CharacterID: req.CharacterID,
		City:        req.City,
		EventType:   eventType,
		EventData:   data,
	}
	if err := repository.SaveWorldEvent(r.Context(), event); err != nil {
		return nil, err
	}
	return &worldevents.Response{OK: true, ID: event.ID}, nil
}

func savePosition(r *http.Request, repository repositories.Repository, req *worldevents.Request) (*worldevents.Response, error) {
	if req.Position == nil {
		return nil, badRequest("position is required")
	}
	position := *req.Position
	if position.CharacterID == "" {
		position.CharacterID = req.CharacterID
	}
	if position.City == "" {
		position.City = req.City
	}
	if position.CharacterID == "" {
		return nil, badRequest("characterId is required")
	}
	if !finite(position.X) || !finite(position.Z) {
		return nil, badRequest("position must be finite")
	}
	if err := repository.InsertWorldPosition(r.Context(), &position); err != nil {
		return nil, err
	}
	return &worldevents.Response{OK: true}, nil
}

func nearbyPlayers(r *http.Request, repository repositories.Repository, req *worldevents.Request, now time.Time) (*worldevents.Response, error) {
	if req.City == "" {
		return nil, badRequest("city is required")
	}
	window := worldevents.DefaultNearbyWindow
	if req.WindowSeconds > 0 {
		// compared in seconds so huge values cannot overflow a Duration
		if int64(req.WindowSeconds) > int64(worldevents.MaxNearbyWindow/time.Second) {
			return nil, badRequest(fmt.Sprintf("windowSeconds must be at most %d", int64(worldevents.MaxNearbyWindow/time.Second)))
		}
		window = time.Duration(req.WindowSeconds) * time.Second
	}
	players, err := repository.NearbyPlayers(r.Context(), req.City, req.CharacterID, now.Add(-window))
	if err != nil {
		return nil, err
	}
	if players == nil {
		players = []models.WorldPosition{}
	}
	return &worldevents.Response{OK: true, Players: players}, nil
}

func npcInteractions(r *http.Request, repository repositories.Repository, req *worldevents.Request) (*worldevents.Response, error) {
	if req.NPCID == "" {
		return nil, badRequest("npcId is required")
	}
	events, err := repository.NPCInteractions(r.Context(), req.NPCID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &worldevents.Response{OK: true, Interactions: events}, nil
}

// HandleHealth reports that the server is up.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, &worldevents.Response{OK: true})
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func writeJSON(w http.ResponseWriter, status int, resp *worldevents.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &worldevents.Response{Error: message})
}
