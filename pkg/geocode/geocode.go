package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultEndpoint  = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "plaza/1.0"
	DefaultTimeout   = 5 * time.Second
)

// Result is the part of a reverse geocode the world cares about.
type Result struct {
	Street      string
	Locality    string
	DisplayName string
}

// Reverser resolves coordinates to a place.
type Reverser interface {
	Reverse(ctx context.Context, lat float64, lng float64) (*Result, error)
}

// Client reverse geocodes against a Nominatim compatible endpoint.
// Results are cached per client by coordinates rounded to 4 decimals (about 11 m).
type Client struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client

	cacheLock sync.RWMutex
	cache     map[string]*Result
}

type NewClientOptions struct {
	Endpoint   string
	UserAgent  string
	HTTPClient *http.Client
}

func NewClient(opts NewClientOptions) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint:   opts.Endpoint,
		userAgent:  opts.UserAgent,
		httpClient: opts.HTTPClient,
		cache:      make(map[string]*Result),
	}
}

type nominatimResponse struct {
	DisplayName string            `json:"display_name"`
	Name        string            `json:"name"`
	Address     map[string]string `json:"address"`
	Error       string            `json:"error"`
}

func cacheKey(lat float64, lng float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lng, 'f', 4, 64)
}

// Reverse returns the street and locality at lat, lng.
func (c *Client) Reverse(ctx context.Context, lat float64, lng float64) (*Result, error) {
	key := cacheKey(lat, lng)
	c.cacheLock.RLock()
	cached, ok := c.cache[key]
	c.cacheLock.RUnlock()
	if ok {
		return cached, nil
	}

	u, err := url.Parse(strings.TrimRight(c.endpoint, "/") + "/reverse")
	if err != nil {
		return nil, fmt.Errorf("failed to parse geocode endpoint: %v", err)
	}
	q := u.Query()
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocode request: %v", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reverse geocode: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reverse geocode returned status %d", resp.StatusCode)
	}

	body := nominatimResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode geocode response: %v", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("reverse geocode failed: %s", body.Error)
	}

	result := &Result{
		Street:      firstOf(body.Address, "road", "pedestrian"),
		Locality:    firstOf(body.Address, "city", "town", "village", "county"),
		DisplayName: body.DisplayName,
	}
	if result.Street == "" {
		result.Street = body.Name
	}

	c.cacheLock.Lock()
	c.cache[key] = result
	c.cacheLock.Unlock()
	return result, nil
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
