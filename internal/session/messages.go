package session

import (
	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

type Msg interface{ isSessionMsg() }

// Join attaches a connection. Outbox receives every event for this
// connection in session order; the session closes it when the connection is
// detached.
type Join struct {
	ConnID string
	UserID string
	Name   string
	Outbox chan types.ServerMessage
	Reply  chan error
}

func (Join) isSessionMsg() {}

type Leave struct{ ConnID string }

func (Leave) isSessionMsg() {}

// FromClient is a gameplay command from an attached connection. Failures are
// reported to that connection as error events.
type FromClient struct {
	ConnID    string
	ClientRef string
	Cmd       engine.Command
}

func (FromClient) isSessionMsg() {}

// Exec runs a command on behalf of a caller that is not attached, such as the
// registry changing the session status.
type Exec struct {
	Cmd   engine.Command
	Reply chan error
}

func (Exec) isSessionMsg() {}

type Resync struct {
	ConnID    string
	ClientRef string
	LastSeq   uint64
}

func (Resync) isSessionMsg() {}

// AlertHost reports a problem the host must see, such as lost writes.
type AlertHost struct {
	Err error
}

func (AlertHost) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type View struct {
	Seq        uint64
	NumClients int
	State      engine.State
}
