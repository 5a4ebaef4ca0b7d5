package worldevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
)

const DefaultTimeout = 10 * time.Second

// Client talks to a world-events endpoint so that participants can persist
// without database credentials. It satisfies the session's store.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

type NewClientOptions struct {
	// Endpoint is the full URL of the world-events function.
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
}

func NewClient(opts NewClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint:    strings.TrimRight(opts.Endpoint, "/"),
		accessToken: opts.AccessToken,
		httpClient:  opts.HTTPClient,
	}
}

// SaveWorldEvent sends a save_event action. The id assigned by the server is
// written back to event.
func (c *Client) SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error {
	data, err := EncodeEventData(event.EventType, event.EventData)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %v", err)
	}
	resp, err := c.do(ctx, &Request{
		Action:      ActionSaveEvent,
		UserID:      event.UserID,
		CharacterID: event.CharacterID,
		City:        event.City,
		Data:        data,
	})
	if err != nil {
		return err
	}
	event.ID = resp.ID
	return nil
}

func (c *Client) InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error {
	_, err := c.do(ctx, &Request{
		Action:      ActionSavePosition,
		CharacterID: position.CharacterID,
		City:        position.City,
		Position:    position,
	})
	return err
}

// NearbyPlayers lists the latest positions in city other than characterID's.
func (c *Client) NearbyPlayers(ctx context.Context, city string, characterID string, window time.Duration) ([]models.WorldPosition, error) {
	resp, err := c.do(ctx, &Request{
		Action:        ActionGetNearbyPlayers,
		CharacterID:   characterID,
		City:          city,
		WindowSeconds: int(window / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return resp.Players, nil
}

func (c *Client) NPCInteractions(ctx context.Context, npcID string, limit int) ([]models.WorldEvent, error) {
	resp, err := c.do(ctx, &Request{
		Action: ActionGetNPCInteractions,
		NPCID:  npcID,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Interactions, nil
}

func (c *Client) do(ctx context.Context, request *Request) (*Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %v", request.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %v", request.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %v", request.Action, err)
	}
	defer res.Body.Close()

	response := &Response{}
	decodeErr := json.NewDecoder(res.Body).Decode(response)
	if res.StatusCode != http.StatusOK {
		if decodeErr == nil && response.Error != "" {
			return nil, fmt.Errorf("%s failed with status %d: %s", request.Action, res.StatusCode, response.Error)
		}
		return nil, fmt.Errorf("%s failed with status %d", request.Action, res.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s response: %v", request.Action, decodeErr)
	}
	return response, nil
}
