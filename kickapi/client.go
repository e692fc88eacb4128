// Package kickapi queries the public Kick API for a channel's broadcast status and
// normalizes the response into a StatusRecord.
package kickapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultBaseURL   = "https://api.kick.com/public/v1"
	DefaultTimeout   = 5 * time.Second
	DefaultUserAgent = "Notifier/1.0"
)

// StatusRecord is a normalized snapshot of a channel. It lives for one pass only.
type StatusRecord struct {
	Username          string
	BroadcasterUserID int64
	IsLive            bool
	Title             string
	Category          string
	CategoryID        int64
	ViewerCount       int
	StartedAt         time.Time
	Thumbnail         string
	URL               string
	Language          string
	IsMature          bool
	Tags              []string
}

// Options configures NewClient. Zero values fall back to the package defaults.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// Optional app credentials; when both are set requests carry a bearer token
	// obtained with the client-credentials grant.
	ClientID     string
	ClientSecret string
	TokenURL     string

	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// Client fetches channel status. One HTTP client configuration is fixed at construction.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	base := &http.Client{Timeout: opts.Timeout, Transport: opts.Transport}

	hc := base
	if opts.ClientID != "" && opts.ClientSecret != "" {
		cc := &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		hc = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
		hc.Timeout = opts.Timeout
	}

	return &Client{
		BaseURL:    strings.TrimRight(opts.BaseURL, "/"),
		UserAgent:  opts.UserAgent,
		HTTPClient: hc,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

type channelsResponse struct {
	Data []channel `json:"data"`
}

type channel struct {
	BroadcasterUserID int64  `json:"broadcaster_user_id"`
	Slug              string `json:"slug"`
	StreamTitle       string `json:"stream_title"`
	Category          *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"category"`
	Stream *struct {
		IsLive      bool     `json:"is_live"`
		IsMature    bool     `json:"is_mature"`
		Language    string   `json:"language"`
		StartTime   string   `json:"start_time"`
		Thumbnail   string   `json:"thumbnail"`
		ViewerCount int      `json:"viewer_count"`
		CustomTags  []string `json:"custom_tags"`
	} `json:"stream"`
}

// FetchStatus issues one GET for username. It returns (nil, nil) when the channel
// does not exist, and a *TransientFetchError for every other failure.
func (c *Client) FetchStatus(ctx context.Context, username string) (*StatusRecord, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/channels", nil)
	if err != nil {
		return nil, &TransientFetchError{Username: username, Err: err}
	}
	q := url.Values{}
	q.Set("slug", username)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, &TransientFetchError{Username: username, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransientFetchError{
			Username:   username,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(b))),
		}
	}

	var body channelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransientFetchError{Username: username, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode channels: %w", err)}
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return normalize(username, body.Data[0]), nil
}

// IsLive is true only when Kick explicitly reports an active broadcast.
func (c *Client) IsLive(ctx context.Context, username string) (bool, error) {
	st, err := c.FetchStatus(ctx, username)
	if err != nil || st == nil {
		return false, err
	}
	return st.IsLive, nil
}

func normalize(requested string, ch channel) *StatusRecord {
	name := strings.ToLower(ch.Slug)
	if name == "" {
		name = requested
	}
	rec := &StatusRecord{
		Username:          name,
		BroadcasterUserID: ch.BroadcasterUserID,
		Title:             ch.StreamTitle,
		Category:          "Just Chatting",
		URL:               "https://kick.com/" + name,
		Language:          "en",
	}
	if rec.Title == "" {
		rec.Title = "No title"
	}
	if ch.Category != nil {
		rec.CategoryID = ch.Category.ID
		if ch.Category.Name != "" {
			rec.Category = ch.Category.Name
		}
	}
	if s := ch.Stream; s != nil {
		rec.IsLive = s.IsLive
		rec.IsMature = s.IsMature
		rec.ViewerCount = s.ViewerCount
		rec.Thumbnail = s.Thumbnail
		rec.Tags = s.CustomTags
		if s.Language != "" {
			rec.Language = s.Language
		}
		if t, err := time.Parse(time.RFC3339, s.StartTime); err == nil {
			rec.StartedAt = t
		}
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return rec
}
