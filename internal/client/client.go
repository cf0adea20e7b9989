// Package client is a Go client for the session server. It keeps one
// websocket open, reconnecting with exponential backoff, and feeds every
// server message into a mirror.Store.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/mirror"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
	"github.com/DoyleJ11/tabletop-sessions/internal/ws"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

// ErrRejected is returned by Run when the server refused the token. Retrying
// with the same token cannot succeed.
var ErrRejected = errors.New("client: authentication rejected")

var errNotConnected = errors.New("client: not connected")

type Config struct {
	URL          string
	Token        string
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxBackoff   time.Duration
	Logger       *zap.Logger
}

type Client struct {
	cfg   Config
	store *mirror.Store
	log   *zap.Logger

	// every server message after it was applied to the store; slow readers
	// miss events, the store never does
	events chan types.ServerMessage

	mu         sync.Mutex
	sock       *websocket.Conn
	inviteCode string
	resyncSent bool
	authed     chan struct{}
}

func New(cfg Config, store *mirror.Store) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		store:  store,
		log:    cfg.Logger.Named("client"),
		events: make(chan types.ServerMessage, 256),
		authed: make(chan struct{}),
	}
}

func (c *Client) Store() *mirror.Store { return c.store }

func (c *Client) Events() <-chan types.ServerMessage { return c.events }

// Ready is closed after the first successful authentication.
func (c *Client) Ready() <-chan struct{} { return c.authed }

// Run connects and stays connected until ctx is cancelled or the server
// rejects the token.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.MaxBackoff

	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Info("disconnected, retrying", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connect runs one connection to completion. connected reports whether it
// got as far as authenticating.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sock, _, err := websocket.Dial(dctx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer sock.CloseNow()

	if err := c.write(ctx, sock, types.ClientMessage{Type: types.KindAuth, Token: c.cfg.Token}); err != nil {
		return false, err
	}
	var reply types.ServerMessage
	if err := wsjson.Read(ctx, sock, &reply); err != nil {
		return false, fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type != types.KindAuthSuccess {
		return false, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
	}

	c.mu.Lock()
	code := c.inviteCode
	c.mu.Unlock()
	c.log.Info("connected", zap.String("user_id", reply.UserID))

	// rejoin before anything else can be sent on this socket
	if code != "" {
		if err := c.rejoin(ctx, sock, code); err != nil {
			return true, err
		}
	}

	c.mu.Lock()
	c.sock = sock
	c.resyncSent = false
	select {
	case <-c.authed:
	default:
		close(c.authed)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
	}()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go c.keepalive(ctx, sock)

	for {
		var m types.ServerMessage
		if err := wsjson.Read(ctx, sock, &m); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.receive(ctx, sock, m)
	}
}

func (c *Client) receive(ctx context.Context, sock *websocket.Conn, m types.ServerMessage) {
	c.store.Apply(m)

	switch m.Type {
	case types.KindSessionJoined:
		c.mu.Lock()
		if m.Session != nil {
			c.inviteCode = m.Session.InviteCode
		}
		c.mu.Unlock()
	case types.KindSessionClosed:
		switch m.Reason {
		case ws.ReasonDropped:
			// the socket is still up; only the session let go of us
			c.mu.Lock()
			code := c.inviteCode
			c.mu.Unlock()
			if code != "" {
				c.log.Info("dropped by session, rejoining", zap.String("session_id", m.SessionID))
				if err := c.rejoin(ctx, sock, code); err != nil {
					c.log.Warn("rejoin failed", zap.Error(err))
				}
			}
		case session.ReasonDeleted, session.ReasonArchived, session.ReasonSuperseded:
			c.mu.Lock()
			c.inviteCode = ""
			c.mu.Unlock()
		}
	case types.KindSessionDeleted:
		c.mu.Lock()
		c.inviteCode = ""
		c.mu.Unlock()
	case types.KindResyncResult:
		c.mu.Lock()
		c.resyncSent = false
		c.mu.Unlock()
	}

	if c.store.NeedsResync() {
		c.mu.Lock()
		send := !c.resyncSent
		c.resyncSent = true
		c.mu.Unlock()
		if send {
			c.log.Debug("sequence gap, resyncing", zap.Uint64("last_seq", c.store.LastSeq()))
			if err := c.write(ctx, sock, types.ClientMessage{Type: types.KindResync, LastSeq: c.store.LastSeq()}); err != nil {
				c.log.Warn("resync request failed", zap.Error(err))
			}
		}
	}

	select {
	case c.events <- m:
	default:
	}
}

// rejoin joins code again and asks for every event after the mirror's last
// sequence number.
func (c *Client) rejoin(ctx context.Context, sock *websocket.Conn, code string) error {
	lastSeq := c.store.LastSeq()
	if err := c.write(ctx, sock, types.ClientMessage{Type: types.KindJoinSession, InviteCode: code}); err != nil {
		return err
	}
	if lastSeq > 0 {
		return c.write(ctx, sock, types.ClientMessage{Type: types.KindResync, LastSeq: lastSeq})
	}
	return nil
}

func (c *Client) keepalive(ctx context.Context, sock *websocket.Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.write(ctx, sock, types.ClientMessage{Type: types.KindPing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, sock *websocket.Conn, m types.ClientMessage) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, sock, m); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// Send writes m on the current connection. It fails while reconnecting.
func (c *Client) Send(ctx context.Context, m types.ClientMessage) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return errNotConnected
	}
	return c.write(ctx, sock, m)
}

func (c *Client) CreateSession(ctx context.Context, name, campaignID string) error {
	return c.Send(ctx, types.ClientMessage{Type: types.KindCreateSession, Name: name, CampaignID: campaignID})
}

// JoinSession joins by invite code. The code is remembered and rejoined after
// every reconnect.
func (c *Client) JoinSession(ctx context.Context, inviteCode string) error {
	c.mu.Lock()
	c.inviteCode = inviteCode
	c.mu.Unlock()
	return c.Send(ctx, types.ClientMessage{Type: types.KindJoinSession, InviteCode: inviteCode})
}

// LeaveSession leaves explicitly and clears the mirror.
func (c *Client) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	c.inviteCode = ""
	c.mu.Unlock()
	err := c.Send(ctx, types.ClientMessage{Type: types.KindLeaveSession, SessionID: c.store.SessionID()})
	c.store.Reset()
	return err
}

// SendChat shows the message optimistically until the server confirms it.
func (c *Client) SendChat(ctx context.Context, content string, inCharacter bool, recipient string) (string, error) {
	ref := uuid.NewString()
	c.store.ApplyLocal(mirror.Pending{Ref: ref, Kind: mirror.PendingChat, Content: content})
	err := c.Send(ctx, types.ClientMessage{
		Type:          types.KindSendChat,
		ClientRef:     ref,
		SessionID:     c.store.SessionID(),
		Content:       content,
		IsInCharacter: inCharacter,
		IsWhisper:     recipient != "",
		Recipient:     recipient,
	})
	if err != nil {
		c.store.Apply(types.ServerMessage{Type: types.KindError, ClientRef: ref, Message: err.Error()})
	}
	return ref, err
}

func (c *Client) RollDice(ctx context.Context, expression, reason string, private bool) (string, error) {
	ref := uuid.NewString()
	c.store.ApplyLocal(mirror.Pending{Ref: ref, Kind: mirror.PendingDice, Expr: expression})
	err := c.Send(ctx, types.ClientMessage{
		Type:       types.KindRollDice,
		ClientRef:  ref,
		SessionID:  c.store.SessionID(),
		Expression: expression,
		Reason:     reason,
		IsPrivate:  private,
	})
	if err != nil {
		c.store.Apply(types.ServerMessage{Type: types.KindError, ClientRef: ref, Message: err.Error()})
	}
	return ref, err
}

func (c *Client) SetReady(ctx context.Context, ready bool) (string, error) {
	ref := uuid.NewString()
	c.store.ApplyLocal(mirror.Pending{Ref: ref, Kind: mirror.PendingReady, Ready: ready})
	err := c.Send(ctx, types.ClientMessage{Type: types.KindSetReady, ClientRef: ref, SessionID: c.store.SessionID(), Ready: &ready})
	if err != nil {
		c.store.Apply(types.ServerMessage{Type: types.KindError, ClientRef: ref, Message: err.Error()})
	}
	return ref, err
}
