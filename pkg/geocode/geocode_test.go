package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Reverse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{
			name: "road and city",
			body: `{"display_name":"Taft Avenue, Manila","address":{"road":"Taft Avenue","city":"Manila"}}`,
			want: Result{Street: "Taft Avenue", Locality: "Manila", DisplayName: "Taft Avenue, Manila"},
		},
		{
			name: "pedestrian and town",
			body: `{"display_name":"x","address":{"pedestrian":"Calle Real","town":"Vigan"}}`,
			want: Result{Street: "Calle Real", Locality: "Vigan", DisplayName: "x"},
		},
		{
			name: "name and county",
			body: `{"name":"Rizal Park","address":{"county":"Metro Manila"}}`,
			want: Result{Street: "Rizal Park", Locality: "Metro Manila"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/reverse", r.URL.Path)
				assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
				assert.Equal(t, "14.5995", r.URL.Query().Get("lat"))
				assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(NewClientOptions{Endpoint: server.URL, UserAgent: "test-agent"})
			got, err := c.Reverse(context.Background(), 14.5995, 120.9842)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestClient_ReverseCachesByRoundedCoordinates(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"address":{"road":"Roxas Boulevard"}}`))
	}))
	defer server.Close()

	c := NewClient(NewClientOptions{Endpoint: server.URL})
	_, err := c.Reverse(context.Background(), 14.59951, 120.98421)
	require.NoError(t, err)
	_, err = c.Reverse(context.Background(), 14.59949, 120.98419)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = c.Reverse(context.Background(), 14.6, 120.98)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_ReverseErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "status", status: http.StatusTooManyRequests, body: `{}`},
		{name: "nominatim error", status: http.StatusOK, body: `{"error":"Unable to geocode"}`},
		{name: "bad json", status: http.StatusOK, body: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(NewClientOptions{Endpoint: server.URL})
			_, err := c.Reverse(context.Background(), 1, 2)
			assert.Error(t, err)
		})
	}
}
