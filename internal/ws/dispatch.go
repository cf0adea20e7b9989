package ws

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

// Handle processes one client message. Only authentication failures and
// ErrClosed are returned; the transport closes the socket for those. Every
// other failure is reported to the client as an error event.
func (c *Conn) Handle(ctx context.Context, m types.ClientMessage) error {
	state := c.State()
	if state == StateClosed {
		return ErrClosed
	}
	if state == StateUnauthenticated {
		if m.Type != types.KindAuth {
			return fmt.Errorf("%w: authenticate first", engine.ErrAuthenticationFailed)
		}
		id, err := c.Authenticate(ctx, m.Token)
		if err != nil {
			return err
		}
		c.send(types.ServerMessage{Type: types.KindAuthSuccess, ClientRef: m.ClientRef, UserID: id.UserID, Name: id.Name})
		return nil
	}

	err := c.dispatch(ctx, m)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClosed):
		return err
	default:
		c.sendError(m.ClientRef, err)
		return nil
	}
}

func (c *Conn) dispatch(ctx context.Context, m types.ClientMessage) error {
	switch m.Type {
	case types.KindPing:
		c.send(types.ServerMessage{Type: types.KindPong, ClientRef: m.ClientRef})
		return nil

	case types.KindAuth:
		return fmt.Errorf("%w: already authenticated", engine.ErrInvalidState)

	case types.KindCreateSession:
		sess, err := c.CreateSession(ctx, m.Name, m.CampaignID)
		if err != nil {
			return err
		}
		c.send(types.ServerMessage{Type: types.KindSessionCreated, ClientRef: m.ClientRef, SessionID: sess.ID(), Session: ptr(sess.Info())})
		if err := c.attach(ctx, sess); err != nil {
			return err
		}
		return nil

	case types.KindJoinSession:
		_, err := c.Join(ctx, m.InviteCode)
		return err

	case types.KindLeaveSession:
		current := c.SessionID()
		if err := c.Leave(ctx, m.SessionID); err != nil {
			return err
		}
		c.send(types.ServerMessage{Type: types.KindSessionLeft, ClientRef: m.ClientRef, SessionID: current})
		return nil

	case types.KindDeleteSession:
		id := m.SessionID
		if id == "" {
			id = c.SessionID()
		}
		if id == "" {
			return fmt.Errorf("%w: missing sessionId", engine.ErrInvalidInput)
		}
		if err := c.reg.Delete(ctx, id, c.Identity().UserID); err != nil {
			return err
		}
		c.send(types.ServerMessage{Type: types.KindSessionDeleted, ClientRef: m.ClientRef, SessionID: id})
		return nil

	case types.KindUpdateStatus:
		status, ok := engine.ParseStatus(m.Status)
		if !ok {
			return fmt.Errorf("%w: unknown status %q", engine.ErrInvalidInput, m.Status)
		}
		id := m.SessionID
		if id == "" {
			id = c.SessionID()
		}
		return c.reg.UpdateStatus(ctx, id, c.Identity().UserID, status)

	case types.KindResync:
		att, err := c.joined(m.SessionID)
		if err != nil {
			return err
		}
		return att.sess.Resync(ctx, c.id, m.ClientRef, m.LastSeq)
	}

	cmd, err := toCommand(m)
	if err != nil {
		return err
	}
	att, err := c.joined(m.SessionID)
	if err != nil {
		return err
	}
	c.log.Debug("command", zap.String("type", m.Type), zap.String("session_id", att.sess.ID()))
	return att.sess.Submit(ctx, session.FromClient{ConnID: c.id, ClientRef: m.ClientRef, Cmd: cmd})
}

// toCommand maps gameplay messages onto engine commands. The acting user is
// filled in by the session from the connection.
func toCommand(m types.ClientMessage) (engine.Command, error) {
	switch m.Type {
	case types.KindSetReady:
		ready := true
		if m.Ready != nil {
			ready = *m.Ready
		}
		return engine.Command{Type: engine.CmdSetReady, Ready: ready}, nil
	case types.KindBindCharacter:
		return engine.Command{Type: engine.CmdBindCharacter, CharacterID: m.CharacterID}, nil
	case types.KindLockSession:
		return engine.Command{Type: engine.CmdLockSession, Locked: m.Locked, AllowList: m.AllowList}, nil
	case types.KindSendChat:
		return engine.Command{
			Type:        engine.CmdSendChat,
			Content:     m.Content,
			InCharacter: m.IsInCharacter,
			Whisper:     m.IsWhisper,
			Recipient:   m.Recipient,
		}, nil
	case types.KindRollDice:
		return engine.Command{Type: engine.CmdRollDice, Expression: m.Expression, Reason: m.Reason, Private: m.IsPrivate}, nil
	case types.KindStartCombat:
		return engine.Command{Type: engine.CmdStartCombat, Initiative: m.InitiativeOrder}, nil
	case types.KindAdvanceTurn:
		return engine.Command{Type: engine.CmdAdvanceTurn, ExpectedRound: m.ExpectedRound, ExpectedTurn: m.ExpectedTurn}, nil
	case types.KindEndCombat:
		return engine.Command{Type: engine.CmdEndCombat}, nil
	case types.KindGameAction:
		return engine.Command{Type: engine.CmdGameAction, Action: m.Action, Payload: m.Payload}, nil
	default:
		return engine.Command{}, fmt.Errorf("%w: unknown message type %q", engine.ErrInvalidInput, m.Type)
	}
}

func ptr[T any](v T) *T { return &v }
