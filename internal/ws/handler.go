package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

const maxMessageBytes = 64 << 10

type HandlerOptions struct {
	AuthTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OriginPatterns []string
	OutboxSize     int
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Handler upgrades the request and runs the connection until either side
// closes it. The first message must be auth within AuthTimeout.
func Handler(reg Registry, authn Authenticator, opts HandlerOptions, log *zap.Logger) http.HandlerFunc {
	opts = opts.withDefaults()
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}
		defer sock.CloseNow()
		sock.SetReadLimit(maxMessageBytes)

		c := NewConn(uuid.NewString(), reg, authn, ConnOptions{OutboxSize: opts.OutboxSize}, log)
		defer c.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-c.Out():
					wctx, wcancel := context.WithTimeout(ctx, opts.WriteTimeout)
					err := wsjson.Write(wctx, sock, m)
					wcancel()
					if err != nil {
						c.log.Debug("write failed", zap.Error(err))
						return
					}
				}
			}
		}()

		// Reader loop
		for {
			timeout := opts.ReadTimeout
			if c.State() == StateUnauthenticated {
				timeout = opts.AuthTimeout
			}
			rctx, rcancel := context.WithTimeout(ctx, timeout)
			_, data, err := sock.Read(rctx)
			rcancel()
			if err != nil {
				switch {
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
					websocket.CloseStatus(err) == websocket.StatusGoingAway:
				case c.State() == StateUnauthenticated && errors.Is(err, context.DeadlineExceeded):
					sock.Close(websocket.StatusPolicyViolation, "authentication timeout")
				default:
					c.log.Debug("read failed", zap.Error(err))
				}
				return
			}

			var msg types.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				if c.State() == StateUnauthenticated {
					rejectAuth(ctx, sock, opts.WriteTimeout, "malformed message")
					return
				}
				c.sendError("", errBadJSON)
				continue
			}

			if err := c.Handle(ctx, msg); err != nil {
				if errors.Is(err, engine.ErrAuthenticationFailed) {
					c.log.Info("authentication failed", zap.Error(err))
					rejectAuth(ctx, sock, opts.WriteTimeout, err.Error())
				}
				return
			}
		}
	}
}

var errBadJSON = fmt.Errorf("%w: message is not valid JSON", engine.ErrInvalidInput)

func rejectAuth(ctx context.Context, sock *websocket.Conn, timeout time.Duration, reason string) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_ = wsjson.Write(wctx, sock, types.ServerMessage{Type: types.KindAuthError, Code: string(engine.CodeAuthenticationFailed), Message: reason})
	sock.Close(websocket.StatusPolicyViolation, "authentication failed")
}
