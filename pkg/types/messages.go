// Package types holds the JSON wire protocol spoken between game clients and
// the session coordinator.
package types

import "encoding/json"

// Client -> Server message kinds.
const (
	KindAuth          = "auth"
	KindCreateSession = "create_session"
	KindJoinSession   = "join_session"
	KindLeaveSession  = "leave_session"
	KindSetReady      = "set_ready"
	KindSendChat      = "send_chat"
	KindRollDice      = "roll_dice"
	KindStartCombat   = "start_combat"
	KindAdvanceTurn   = "advance_turn"
	KindEndCombat     = "end_combat"
	KindGameAction    = "game_action"
	KindUpdateStatus  = "update_status"
	KindDeleteSession = "delete_session"
	KindLockSession   = "lock_session"
	KindBindCharacter = "bind_character"
	KindResync        = "resync"
	KindPing          = "ping"
)

// Server -> Client message kinds.
const (
	KindAuthSuccess     = "auth_success"
	KindAuthError       = "auth_error"
	KindSessionCreated  = "session_created"
	KindSessionJoined   = "session_joined"
	KindSessionLeft     = "session_left"
	KindSessionDeleted  = "session_deleted"
	KindSessionClosed   = "session_closed"
	KindPlayerJoined    = "player_joined"
	KindPlayerLeft      = "player_left"
	KindChat            = "chat"
	KindDiceResult      = "dice_result"
	KindGameStateUpdate = "game_state_update"
	KindGameActionEvent = "game_action"
	KindResyncResult    = "resync"
	KindError           = "error"
	KindPong            = "pong"
)

// ClientMessage is every message a client may send; Type selects which fields
// are read. ClientRef is opaque and echoed back on the resulting event or error.
type ClientMessage struct {
	Type      string `json:"type"`
	ClientRef string `json:"clientRef,omitempty"`

	Token      string `json:"token,omitempty"`
	Name       string `json:"name,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	Ready       *bool    `json:"ready,omitempty"`
	CharacterID string   `json:"characterId,omitempty"`
	Locked      bool     `json:"locked,omitempty"`
	AllowList   []string `json:"allowList,omitempty"`
	Status      string   `json:"status,omitempty"`

	Content       string `json:"content,omitempty"`
	IsInCharacter bool   `json:"isInCharacter,omitempty"`
	IsWhisper     bool   `json:"isWhisper,omitempty"`
	Recipient     string `json:"recipient,omitempty"`

	Expression string `json:"expression,omitempty"`
	Reason     string `json:"reason,omitempty"`
	IsPrivate  bool   `json:"isPrivate,omitempty"`

	InitiativeOrder []string `json:"initiativeOrder,omitempty"`
	ExpectedRound   *int     `json:"expectedRound,omitempty"`
	ExpectedTurn    string   `json:"expectedTurn,omitempty"`

	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	LastSeq uint64 `json:"lastSeq,omitempty"`
}

// ServerMessage is every message the coordinator emits. Seq is set on events
// that belong to a session's ordered log and is strictly increasing per session.
type ServerMessage struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`

	UserID  string       `json:"userId,omitempty"`
	Name    string       `json:"name,omitempty"`
	Session *SessionInfo `json:"session,omitempty"`
	Player  *Player      `json:"player,omitempty"`
	Players []Player     `json:"players,omitempty"`
	State   *GameState   `json:"state,omitempty"`
	Chat    *ChatMessage `json:"chat,omitempty"`
	Dice    *DiceRoll    `json:"dice,omitempty"`
	Action  *GameAction  `json:"action,omitempty"`

	Events    []ServerMessage `json:"events,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}
