package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the public API endpoint for login, lobby, and
// connection-info calls.
const DefaultBaseURL = "https://api.halcyon.games/v2"

// Client wraps the REST API for one application: login, lobby creation, and
// connection-info lookup. Session traffic itself goes through a Transport.
type Client struct {
	appID       string
	baseURL     string
	httpc       *http.Client
	defaultInfo ConnectionInfo
	log         *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a non-default API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger attaches a logger; the default is no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// New creates a Client for appID. defaultInfo is the connection endpoint
// used when the API has no specific host for a room.
func New(appID string, defaultInfo ConnectionInfo, opts ...Option) *Client {
	c := &Client{
		appID:       appID,
		baseURL:     DefaultBaseURL,
		httpc:       &http.Client{Timeout: 30 * time.Second},
		defaultInfo: defaultInfo,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoginAnonymous obtains a session token without any identity.
func (c *Client) LoginAnonymous(ctx context.Context) (string, error) {
	return c.login(ctx, "anonymous", nil)
}

// LoginNickname obtains a session token for a self-chosen nickname.
func (c *Client) LoginNickname(ctx context.Context, nickname string) (string, error) {
	return c.login(ctx, "nickname", map[string]string{"nickname": nickname})
}

// LoginGoogle exchanges a Google identity token for a session token.
func (c *Client) LoginGoogle(ctx context.Context, idToken string) (string, error) {
	return c.login(ctx, "google", map[string]string{"idToken": idToken})
}

func (c *Client) login(ctx context.Context, method string, body map[string]string) (string, error) {
	url := fmt.Sprintf("%s/auth/%s/login/%s", c.baseURL, c.appID, method)

	var result struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, url, "", body, &result); err != nil {
		return "", fmt.Errorf("%s login: %w", method, err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("%s login: response carried no token", method)
	}
	return result.Token, nil
}

// CreateUnlistedLobby creates a private room and returns its id.
func (c *Client) CreateUnlistedLobby(ctx context.Context, token string) (string, error) {
	url := fmt.Sprintf("%s/lobby/%s/create/unlisted", c.baseURL, c.appID)

	var roomID string
	if err := c.post(ctx, url, token, map[string]string{}, &roomID); err != nil {
		return "", fmt.Errorf("creating lobby: %w", err)
	}
	return roomID, nil
}

// ConnectionInfoForRoom looks up the public endpoint for roomID. A response
// without a host means the room is served from the default endpoint.
func (c *Client) ConnectionInfoForRoom(ctx context.Context, roomID string) (ConnectionInfo, error) {
	url := fmt.Sprintf("%s/rooms/%s/connectioninfo/%s", c.baseURL, c.appID, roomID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("building request: %w", err)
	}

	var info ConnectionInfo
	if err := c.do(req, &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("looking up connection info: %w", err)
	}
	if info.Host == "" {
		return c.defaultInfo, nil
	}
	info.TLS = c.defaultInfo.TLS
	return info, nil
}

// NewConnection resolves roomID's endpoint and returns an unconnected
// Connection over a websocket transport.
func (c *Client) NewConnection(ctx context.Context, roomID string) (*Connection, error) {
	info, err := c.ConnectionInfoForRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return NewConnection(roomID, NewWebSocketTransport(info, c.log)), nil
}

func (c *Client) post(ctx context.Context, url, token string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.Debug("api call",
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
