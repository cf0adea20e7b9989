package ws

import (
	"context"
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
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

func newTestServer(t *testing.T, opts HandlerOptions) (*httptest.Server, *auth.Validator) {
	t.Helper()
	v := auth.NewValidator(auth.Config{Secret: "test-secret", Issuer: "tabletop"})
	srv := httptest.NewServer(Handler(newTestHub(t), v, opts, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv, v
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.CloseNow() })
	return sock
}

func write(t *testing.T, sock *websocket.Conn, m types.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, sock, m))
}

func read(t *testing.T, sock *websocket.Conn) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m types.ServerMessage
	require.NoError(t, wsjson.Read(ctx, sock, &m))
	return m
}

func readKind(t *testing.T, sock *websocket.Conn, kind string) types.ServerMessage {
	t.Helper()
	for range 20 {
		if m := read(t, sock); m.Type == kind {
			return m
		}
	}
	t.Fatalf("no %s message", kind)
	return types.ServerMessage{}
}

func TestHandler_FullRoundTrip(t *testing.T) {
	srv, v := newTestServer(t, HandlerOptions{})
	dmTok, err := v.Issue("dm1", "Dana", time.Hour)
	require.NoError(t, err)
	pTok, err := v.Issue("p1", "Pip", time.Hour)
	require.NoError(t, err)

	dm := dial(t, srv)
	write(t, dm, types.ClientMessage{Type: types.KindAuth, Token: dmTok})
	ok := read(t, dm)
	require.Equal(t, types.KindAuthSuccess, ok.Type)
	assert.Equal(t, "Dana", ok.Name)

	write(t, dm, types.ClientMessage{Type: types.KindCreateSession, Name: "Tomb of Horrors"})
	created := readKind(t, dm, types.KindSessionCreated)
	readKind(t, dm, types.KindSessionJoined)

	p := dial(t, srv)
	write(t, p, types.ClientMessage{Type: types.KindAuth, Token: pTok})
	readKind(t, p, types.KindAuthSuccess)
	write(t, p, types.ClientMessage{Type: types.KindJoinSession, InviteCode: strings.ToLower(created.Session.InviteCode)})
	joined := readKind(t, p, types.KindSessionJoined)
	assert.Equal(t, created.SessionID, joined.SessionID)

	write(t, p, types.ClientMessage{Type: types.KindRollDice, ClientRef: "r1", Expression: "1d20+5", Reason: "initiative"})
	mine := readKind(t, p, types.KindDiceResult)
	assert.Equal(t, "r1", mine.ClientRef)
	theirs := readKind(t, dm, types.KindDiceResult)
	assert.Equal(t, mine.Seq, theirs.Seq)
	assert.Equal(t, mine.Dice.Total, theirs.Dice.Total)
	assert.GreaterOrEqual(t, mine.Dice.Total, 6)
	assert.LessOrEqual(t, mine.Dice.Total, 25)

	write(t, p, types.ClientMessage{Type: types.KindPing})
	readKind(t, p, types.KindPong)

	require.NoError(t, p.Close(websocket.StatusNormalClosure, "bye"))
	left := readKind(t, dm, types.KindPlayerLeft)
	assert.Equal(t, "p1", left.UserID)
}

func TestHandler_BadTokenClosesWithPolicyViolation(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{})
	sock := dial(t, srv)

	write(t, sock, types.ClientMessage{Type: types.KindAuth, Token: "not-a-jwt"})
	m := read(t, sock)
	assert.Equal(t, types.KindAuthError, m.Type)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := sock.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandler_MessageBeforeAuthCloses(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{})
	sock := dial(t, srv)

	write(t, sock, types.ClientMessage{Type: types.KindJoinSession, InviteCode: "ABC234"})
	m := read(t, sock)
	assert.Equal(t, types.KindAuthError, m.Type)
}

func TestHandler_AuthTimeout(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{AuthTimeout: 50 * time.Millisecond})
	sock := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := sock.Read(ctx)
	require.Error(t, err)
	assert.NotEqual(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestHandler_MalformedJSONAfterAuth(t *testing.T) {
	srv, v := newTestServer(t, HandlerOptions{})
	tok, err := v.Issue("p1", "Pip", time.Hour)
	require.NoError(t, err)
	sock := dial(t, srv)
	write(t, sock, types.ClientMessage{Type: types.KindAuth, Token: tok})
	readKind(t, sock, types.KindAuthSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sock.Write(ctx, websocket.MessageText, []byte("{not json")))

	m := read(t, sock)
	assert.Equal(t, types.KindError, m.Type)
	assert.Equal(t, "InvalidInput", m.Code)

	write(t, sock, types.ClientMessage{Type: types.KindPing})
	readKind(t, sock, types.KindPong)
}
