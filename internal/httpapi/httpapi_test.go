package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/tabletop-sessions/internal/auth"
	"github.com/DoyleJ11/tabletop-sessions/internal/hub"
	"github.com/DoyleJ11/tabletop-sessions/internal/ws"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

func newServer(t *testing.T) (*httptest.Server, *hub.Hub, *auth.Validator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := zaptest.NewLogger(t)
	h := hub.NewHub(ctx, hub.Options{Logger: log})
	v := auth.NewValidator(auth.Config{Secret: "test-secret"})
	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, Auth: v, WS: ws.HandlerOptions{}, Logger: log}))
	t.Cleanup(srv.Close)
	return srv, h, v
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, h, _ := newServer(t)
	_, err := h.Create(context.Background(), "dm1", "Lost Mine", "")
	require.NoError(t, err)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
}

func TestLookupSession(t *testing.T) {
	srv, h, _ := newServer(t)
	sess, err := h.Create(context.Background(), "dm1", "Lost Mine", "")
	require.NoError(t, err)

	var got sessionLookup
	code := strings.ToLower(sess.InviteCode())
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sessions/"+code, &got))
	assert.Equal(t, sess.ID(), got.ID)
	assert.Equal(t, "Lost Mine", got.Name)
	assert.Equal(t, "lobby", got.Status)
	assert.Zero(t, got.ConnectedCount)
}

func TestLookupSession_NotFound(t *testing.T) {
	srv, _, _ := newServer(t)

	var body struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/sessions/ZZZZZZ", &body))
	assert.Equal(t, "NotFound", body.Code)
}

func TestWebsocketRoute(t *testing.T) {
	srv, _, v := newServer(t)
	tok, err := v.Issue("dm1", "Dana", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sock, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer sock.CloseNow()

	require.NoError(t, wsjson.Write(ctx, sock, types.ClientMessage{Type: types.KindAuth, Token: tok}))
	var m types.ServerMessage
	require.NoError(t, wsjson.Read(ctx, sock, &m))
	assert.Equal(t, types.KindAuthSuccess, m.Type)
	assert.Equal(t, "dm1", m.UserID)
}
