package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every API request the stub server saw.
type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (rec *recorder) add(r *http.Request, body string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.requests = append(rec.requests, r)
	rec.bodies = append(rec.bodies, body)
}

func (rec *recorder) all() ([]*http.Request, []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*http.Request(nil), rec.requests...), append([]string(nil), rec.bodies...)
}

func newAPIClient(t *testing.T, handler http.HandlerFunc) (*Client, *recorder) {
	t.Helper()

	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.add(r.Clone(context.Background()), string(body))
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	c := New("app-1", ConnectionInfo{Host: "default.example", Port: 7000, TLS: true}, WithBaseURL(ts.URL))
	return c, rec
}

func TestLoginAnonymous(t *testing.T) {
	c, rec := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	})

	token, err := c.LoginAnonymous(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	requests, _ := rec.all()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/auth/app-1/login/anonymous", req.URL.Path)
}

func TestLoginNickname_SendsBody(t *testing.T) {
	c, rec := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})

	_, err := c.LoginNickname(context.Background(), "kit")
	require.NoError(t, err)

	_, bodies := rec.all()
	require.Len(t, bodies, 1)
	assert.JSONEq(t, `{"nickname":"kit"}`, bodies[0])
}

func TestLogin_EmptyTokenIsError(t *testing.T) {
	c, _ := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := c.LoginAnonymous(context.Background())
	assert.Error(t, err)
}

func TestLogin_ErrorStatusSurfaced(t *testing.T) {
	c, _ := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	_, err := c.LoginGoogle(context.Background(), "id-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCreateUnlistedLobby(t *testing.T) {
	c, rec := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode("room-77")
	})

	roomID, err := c.CreateUnlistedLobby(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "room-77", roomID)

	requests, _ := rec.all()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "/lobby/app-1/create/unlisted", req.URL.Path)
	assert.Equal(t, "tok-123", req.Header.Get("Authorization"))
}

func TestConnectionInfoForRoom(t *testing.T) {
	c, rec := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"host": "edge-3.example", "port": 9001})
	})

	info, err := c.ConnectionInfoForRoom(context.Background(), "room-77")
	require.NoError(t, err)
	assert.Equal(t, ConnectionInfo{Host: "edge-3.example", Port: 9001, TLS: true}, info)

	requests, _ := rec.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "/rooms/app-1/connectioninfo/room-77", requests[0].URL.Path)
}

func TestConnectionInfoForRoom_EmptyHostFallsBack(t *testing.T) {
	c, _ := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"host": "", "port": 0})
	})

	info, err := c.ConnectionInfoForRoom(context.Background(), "room-77")
	require.NoError(t, err)
	assert.Equal(t, ConnectionInfo{Host: "default.example", Port: 7000, TLS: true}, info)
}

func TestNewConnection(t *testing.T) {
	c, _ := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"host": "edge-1.example", "port": 9000})
	})

	conn, err := c.NewConnection(context.Background(), "room-77")
	require.NoError(t, err)
	assert.Equal(t, "room-77", conn.RoomID())
	assert.False(t, conn.IsReady())
}
