// Package ws owns client connections: the per-connection protocol state
// machine and the websocket transport that feeds it.
package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/auth"
	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

// ReasonDropped is reported when the session detached a connection that fell
// behind.
const ReasonDropped = "dropped"

var ErrClosed = errors.New("ws: connection closed")

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Registry interface {
	Create(ctx context.Context, hostID, name, campaignID string) (*session.Session, error)
	FindByCode(ctx context.Context, code string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	UpdateStatus(ctx context.Context, sessionID, userID string, status engine.Status) error
	Delete(ctx context.Context, sessionID, userID string) error
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

type ConnOptions struct {
	OutSize    int
	OutboxSize int
}

// attachment is one membership of this connection in a session. The session
// closes outbox when it detaches the connection.
type attachment struct {
	sess    *session.Session
	outbox  chan types.ServerMessage
	leaving atomic.Bool
}

// Conn is the transport-independent half of a client connection. Handle
// drives it; everything the client should receive appears on Out.
type Conn struct {
	id   string
	reg  Registry
	auth Authenticator
	opts ConnOptions
	log  *zap.Logger

	out    chan types.ServerMessage
	closed chan struct{}

	mu       sync.Mutex
	state    State
	identity auth.Identity
	att      *attachment
	joining  bool
}

func NewConn(id string, reg Registry, authn Authenticator, opts ConnOptions, log *zap.Logger) *Conn {
	if opts.OutSize <= 0 {
		opts.OutSize = 64
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	return &Conn{
		id:     id,
		reg:    reg,
		auth:   authn,
		opts:   opts,
		log:    log.With(zap.String("conn_id", id)),
		out:    make(chan types.ServerMessage, opts.OutSize),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Out() <-chan types.ServerMessage { return c.out }

func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SessionID is empty unless the connection is joined.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.att == nil {
		return ""
	}
	return c.att.sess.ID()
}

func (c *Conn) send(m types.ServerMessage) {
	select {
	case c.out <- m:
	case <-c.closed:
	}
}

func (c *Conn) sendError(ref string, err error) {
	code := engine.CodeOf(err)
	if code == engine.CodeInternal {
		c.log.Error("request failed", zap.Error(err))
	}
	c.send(types.ServerMessage{Type: types.KindError, ClientRef: ref, Code: string(code), Message: err.Error()})
}

// Authenticate moves an unauthenticated connection to authenticated.
func (c *Conn) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateClosed:
		return auth.Identity{}, ErrClosed
	case StateUnauthenticated:
	default:
		return auth.Identity{}, fmt.Errorf("%w: already authenticated", engine.ErrInvalidState)
	}

	if strings.TrimSpace(token) == "" {
		return auth.Identity{}, fmt.Errorf("%w: missing token", engine.ErrAuthenticationFailed)
	}
	id, err := c.auth.Authenticate(ctx, token)
	if err != nil {
		if !errors.Is(err, engine.ErrAuthenticationFailed) {
			err = fmt.Errorf("%w: %v", engine.ErrAuthenticationFailed, err)
		}
		return auth.Identity{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnauthenticated {
		return auth.Identity{}, fmt.Errorf("%w: already authenticated", engine.ErrInvalidState)
	}
	c.state = StateAuthenticated
	c.identity = id
	c.log = c.log.With(zap.String("user_id", id.UserID))
	return id, nil
}

// CreateSession creates a session hosted by this connection's user and joins it.
func (c *Conn) CreateSession(ctx context.Context, name, campaignID string) (*session.Session, error) {
	id, err := c.requireState(StateAuthenticated)
	if err != nil {
		return nil, err
	}
	sess, err := c.reg.Create(ctx, id.UserID, name, campaignID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Join attaches the connection to the session behind inviteCode.
func (c *Conn) Join(ctx context.Context, inviteCode string) (*session.Session, error) {
	sess, err := c.reg.FindByCode(ctx, inviteCode)
	if err != nil {
		return nil, err
	}
	return sess, c.attach(ctx, sess)
}

func (c *Conn) attach(ctx context.Context, sess *session.Session) error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateUnauthenticated:
		c.mu.Unlock()
		return fmt.Errorf("%w: authenticate first", engine.ErrAuthenticationFailed)
	case c.state == StateJoined && c.att.sess == sess:
		c.mu.Unlock()
		return fmt.Errorf("%w: already in this session", engine.ErrConflict)
	case c.state == StateJoined:
		c.mu.Unlock()
		return fmt.Errorf("%w: leave the current session first", engine.ErrInvalidState)
	case c.joining:
		c.mu.Unlock()
		return fmt.Errorf("%w: a join is already in progress", engine.ErrConflict)
	}
	c.joining = true
	identity := c.identity
	c.mu.Unlock()

	att := &attachment{sess: sess, outbox: make(chan types.ServerMessage, c.opts.OutboxSize)}
	err := sess.Join(ctx, c.id, identity.UserID, identity.Name, att.outbox)

	c.mu.Lock()
	c.joining = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		att.leaving.Store(true)
		lctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := sess.Leave(lctx, c.id); err != nil && !errors.Is(err, engine.ErrNotFound) {
			c.log.Warn("leave after close failed", zap.Error(err))
		}
		return ErrClosed
	}
	c.att = att
	c.state = StateJoined
	c.mu.Unlock()

	go c.forward(att)
	c.log.Info("joined session", zap.String("session_id", sess.ID()))
	return nil
}

// forward copies session events to Out until the session closes the outbox.
func (c *Conn) forward(att *attachment) {
	lastClosed := false
	for m := range att.outbox {
		lastClosed = m.Type == types.KindSessionClosed
		select {
		case c.out <- m:
		case <-c.closed:
		}
	}
	if att.leaving.Load() {
		return
	}

	c.mu.Lock()
	current := c.att == att
	if current {
		c.att = nil
		if c.state == StateJoined {
			c.state = StateAuthenticated
		}
	}
	c.mu.Unlock()

	if current && !lastClosed {
		c.log.Warn("detached by session", zap.String("session_id", att.sess.ID()))
		c.send(types.ServerMessage{Type: types.KindSessionClosed, SessionID: att.sess.ID(), Reason: ReasonDropped})
	}
}

// Leave detaches from the current session. The participant row is kept.
func (c *Conn) Leave(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	att := c.att
	if c.state != StateJoined || att == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: not in a session", engine.ErrInvalidState)
	}
	if sessionID != "" && sessionID != att.sess.ID() {
		c.mu.Unlock()
		return fmt.Errorf("%w: not in session %s", engine.ErrNotFound, sessionID)
	}
	att.leaving.Store(true)
	c.att = nil
	c.state = StateAuthenticated
	c.mu.Unlock()

	if err := att.sess.Leave(ctx, c.id); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	c.log.Info("left session", zap.String("session_id", att.sess.ID()))
	return nil
}

// Close detaches from any session and stops all delivery. It is safe to call
// more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	att := c.att
	c.att = nil
	close(c.closed)
	c.mu.Unlock()

	if att != nil {
		att.leaving.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := att.sess.Leave(ctx, c.id); err != nil && !errors.Is(err, engine.ErrNotFound) {
			c.log.Warn("leave on close failed", zap.Error(err))
		}
	}
}

func (c *Conn) requireState(want State) (auth.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == want:
		return c.identity, nil
	case c.state == StateClosed:
		return auth.Identity{}, ErrClosed
	case c.state == StateUnauthenticated:
		return auth.Identity{}, fmt.Errorf("%w: authenticate first", engine.ErrAuthenticationFailed)
	case c.state == StateJoined:
		return auth.Identity{}, fmt.Errorf("%w: leave the current session first", engine.ErrInvalidState)
	default:
		return auth.Identity{}, fmt.Errorf("%w: not in a session", engine.ErrInvalidState)
	}
}

// joined returns the current attachment, checking sessionID when given.
func (c *Conn) joined(sessionID string) (*attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined || c.att == nil {
		return nil, fmt.Errorf("%w: not joined to a session", engine.ErrForbidden)
	}
	if sessionID != "" && sessionID != c.att.sess.ID() {
		return nil, fmt.Errorf("%w: not joined to session %s", engine.ErrForbidden, sessionID)
	}
	return c.att, nil
}
