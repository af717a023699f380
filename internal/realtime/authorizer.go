package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Authorizer obtains signed grants for the Pusher handshake. Implementations
// delegate to a trusted origin; they never decide access themselves.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel string) (Grant, error)
	AuthenticateUser(ctx context.Context, socketID string) (Grant, error)
}

// InstanceHeader carries the gateway's process identity to the origin.
const InstanceHeader = "X-Lobbycast-Instance"

// HTTPAuthorizer forwards handshake requests to the origin's auth endpoints
// and relays the grants it returns.
type HTTPAuthorizer struct {
	ChannelURL string
	UserURL    string
	// Token is the bearer token identifying this process to the origin.
	Token    string
	Instance string
	Client   *http.Client
}

// NewHTTPAuthorizer creates an authorizer for origin, e.g.
// "https://app.example.com", using its /api/pusher endpoints.
func NewHTTPAuthorizer(origin, token string) *HTTPAuthorizer {
	origin = strings.TrimRight(origin, "/")
	return &HTTPAuthorizer{
		ChannelURL: origin + ChannelAuthPath,
		UserURL:    origin + UserAuthPath,
		Token:      token,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAuthorizer) AuthorizeChannel(ctx context.Context, socketID, channel string) (Grant, error) {
	return a.post(ctx, a.ChannelURL, url.Values{
		"socket_id":    {socketID},
		"channel_name": {channel},
	})
}

func (a *HTTPAuthorizer) AuthenticateUser(ctx context.Context, socketID string) (Grant, error) {
	return a.post(ctx, a.UserURL, url.Values{"socket_id": {socketID}})
}

func (a *HTTPAuthorizer) post(ctx context.Context, endpoint string, form url.Values) (Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	if a.Instance != "" {
		req.Header.Set(InstanceHeader, a.Instance)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("realtime: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Grant{}, fmt.Errorf("realtime: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Grant{}, fmt.Errorf("realtime: auth endpoint returned %d", resp.StatusCode)
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return Grant{}, fmt.Errorf("realtime: decode grant: %w", err)
	}
	if grant.Auth == "" {
		return Grant{}, fmt.Errorf("realtime: grant without signature")
	}
	return grant, nil
}
