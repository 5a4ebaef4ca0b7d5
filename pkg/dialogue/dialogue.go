package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cbodonnell/plaza/pkg/log"
)

const (
	DefaultEndpoint    = "https://api.x.ai/v1/chat/completions"
	DefaultModel       = "grok-2-latest"
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.8
	DefaultTimeout     = 20 * time.Second
	// DefaultHistoryLimit is the number of messages kept per NPC
	DefaultHistoryLimit = 10
)

// Roles of chat completion messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Persona is the NPC a player is talking to.
type Persona struct {
	ID   string
	Name string
	Role string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client forwards player messages to a chat completion endpoint, keeping a
// rolling history per NPC. Chat never fails: errors become a fallback line.
type Client struct {
	endpoint     string
	apiKey       string
	model        string
	maxTokens    int
	temperature  float64
	historyLimit int
	httpClient   *http.Client

	lock    sync.Mutex
	history map[string][]Message
}

type NewClientOptions struct {
	Endpoint     string
	APIKey       string
	Model        string
	MaxTokens    int
	// Temperature defaults to DefaultTemperature when nil; 0 is a valid setting
	Temperature  *float64
	HistoryLimit int
	HTTPClient   *http.Client
}

func NewClient(opts NewClientOptions) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint:     opts.Endpoint,
		apiKey:       opts.APIKey,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		temperature:  temperature,
		historyLimit: opts.HistoryLimit,
		httpClient:   opts.HTTPClient,
		history:      make(map[string][]Message),
	}
}

// Fallback is the line returned when the NPC cannot answer.
func Fallback(npcName string) string {
	return fmt.Sprintf("%s seems distracted right now. Try again in a moment.", npcName)
}

// SystemPrompt is the persona prompt sent ahead of the history.
func SystemPrompt(npc Persona, playerName string, city string) string {
	role := npc.Role
	if role == "" {
		role = "local resident"
	}
	return fmt.Sprintf(
		"You are %s, a %s in %s, Philippines. You are talking to %s, a visitor in the city. "+
			"Stay in character, be friendly and concise, and answer in at most three sentences.",
		npc.Name, role, city, playerName,
	)
}

// Chat sends message to npc and returns its reply.
func (c *Client) Chat(ctx context.Context, npc Persona, message string, playerName string, city string) string {
	if playerName == "" {
		playerName = "a traveler"
	}

	history := c.History(npc.ID)
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: SystemPrompt(npc, playerName, city)})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: message})

	reply, err := c.complete(ctx, messages)
	if err != nil {
		log.Warn("NPC chat with %s failed: %v", npc.Name, err)
		return Fallback(npc.Name)
	}

	c.remember(npc.ID, Message{Role: RoleUser, Content: message}, Message{Role: RoleAssistant, Content: reply})
	return reply
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call completion endpoint: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion endpoint returned status %d", resp.StatusCode)
	}

	completion := completionResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %v", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *Client) remember(npcID string, msgs ...Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	h := append(c.history[npcID], msgs...)
	if len(h) > c.historyLimit {
		h = append([]Message(nil), h[len(h)-c.historyLimit:]...)
	}
	c.history[npcID] = h
}

// History returns a copy of the messages remembered for npcID, oldest first.
func (c *Client) History(npcID string) []Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]Message(nil), c.history[npcID]...)
}

// Reset forgets the conversation with npcID.
func (c *Client) Reset(npcID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.history, npcID)
}
