package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/notify"
	"github.com/soulsync/soulsync-server/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (*model.Account, error) {
	if token == "acct-1:secret" {
		return &model.Account{ID: "acct-1"}, nil
	}
	return nil, security.ErrInvalidToken
}

func startServer(t *testing.T) (*notify.Hub, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := notify.NewHub(nil)
	handler := NewHandler(config.DefaultConfig(), stubVerifier{}, hub)

	router := gin.New()
	router.GET("/ws", handler.Serve)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestAuthHandshake(t *testing.T) {
	hub, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "acct-1:secret"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "authenticated", frame["type"])
	assert.Equal(t, "acct-1", frame["account_id"])
	assert.NotEmpty(t, frame["channel_id"])

	assert.Eventually(t, func() bool { return hub.Channels("acct-1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestInvalidAuthKeepsTransportOpen(t *testing.T) {
	hub, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "acct-1:wrong"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, 0, hub.Channels("acct-1"))

	// The connection survives the rejection and accepts a valid retry.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "acct-1:secret"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "authenticated", frame["type"])
}

func TestPingPong(t *testing.T) {
	_, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestUnknownFrameType(t *testing.T) {
	_, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}

func TestBroadcastDelivery(t *testing.T) {
	hub, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "acct-1:secret"}))
	frame := readFrame(t, conn)
	require.Equal(t, "authenticated", frame["type"])

	hub.Broadcast(context.Background(), "acct-1", notify.Event{
		Name: notify.EventNewMemory,
		Data: map[string]any{"version": 7, "updated_at": "2026-08-31T00:00:00Z"},
	})

	frame = readFrame(t, conn)
	assert.Equal(t, notify.EventNewMemory, frame["event"])
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, data["version"])
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "acct-1:secret"}))
	frame := readFrame(t, conn)
	require.Equal(t, "authenticated", frame["type"])

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Channels("acct-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
