package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// MockKickServer is an httptest server standing in for the public Kick API.
// Unregistered paths answer 404.
type MockKickServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	Requests atomic.Int64
}

func NewMockKickServer(t *testing.T) *MockKickServer {
	t.Helper()
	m := &MockKickServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Requests.Add(1)
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Channel is the subset of a /channels entry the mock serves.
type Channel struct {
	Slug        string
	Title       string
	Category    string
	Live        bool
	ViewerCount int
	StartTime   string
}

// MockChannels serves /channels, answering by the slug query parameter.
// Slugs missing from channels get an empty data array.
func (m *MockKickServer) MockChannels(channels ...Channel) {
	bySlug := make(map[string]Channel, len(channels))
	for _, c := range channels {
		bySlug[c.Slug] = c
	}
	m.Handlers["/channels"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]interface{}{}
		if c, ok := bySlug[r.URL.Query().Get("slug")]; ok {
			entry := map[string]interface{}{
				"broadcaster_user_id": 1000 + len(c.Slug),
				"slug":                c.Slug,
				"stream_title":        c.Title,
				"stream": map[string]interface{}{
					"is_live":      c.Live,
					"viewer_count": c.ViewerCount,
					"start_time":   c.StartTime,
				},
			}
			if c.Category != "" {
				entry["category"] = map[string]interface{}{"id": 15, "name": c.Category}
			}
			data = append(data, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse serves a client-credentials token at /oauth/token.
func (m *MockKickServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStatus makes path answer with a fixed status code and body.
func (m *MockKickServer) MockStatus(path string, code int, body string) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}
