package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DoyleJ11/tabletop-sessions/internal/dice"
)

const (
	MaxNameLength    = 100
	MaxChatLength    = 2000
	MaxReasonLength  = 200
	MaxActionLength  = 64
	MaxPayloadBytes  = 16 << 10
	ActionChangeMap  = "change_map"
	maxInitiativeLen = 64
)

type CommandType string

const (
	CmdJoin               CommandType = "Join"
	CmdLeave              CommandType = "Leave"
	CmdSetReady           CommandType = "SetReady"
	CmdBindCharacter      CommandType = "BindCharacter"
	CmdLockSession        CommandType = "LockSession"
	CmdUpdateStatus       CommandType = "UpdateStatus"
	CmdStartCombat        CommandType = "StartCombat"
	CmdAdvanceTurn        CommandType = "AdvanceTurn"
	CmdEndCombat          CommandType = "EndCombat"
	CmdSendChat           CommandType = "SendChat"
	CmdRollDice           CommandType = "RollDice"
	CmdGameAction         CommandType = "GameAction"
	CmdExpireParticipants CommandType = "ExpireParticipants"
)

/*
	CmdJoin            -> EvtPlayerJoined
	CmdLeave           -> EvtPlayerLeft
	CmdStartCombat     -> EvtCombatStarted
	CmdAdvanceTurn     -> EvtTurnAdvanced (+ EvtRoundAdvanced on wrap)
	CmdEndCombat       -> EvtCombatEnded
	CmdUpdateStatus    -> EvtStatusChanged (+ EvtCombatEnded when completing mid-combat)
	CmdSendChat        -> EvtChatSent
	CmdRollDice        -> EvtDiceRolled (Roll is resolved from Expression by the caller so Apply stays pure)
	CmdGameAction      -> EvtGameAction, or EvtMapChanged for change_map
*/

type Command struct {
	Type   CommandType
	UserID string
	Name   string
	Now    time.Time

	Ready       bool
	CharacterID string
	Locked      bool
	AllowList   []string
	Status      Status

	Initiative    []string
	ExpectedRound *int
	ExpectedTurn  string

	Content     string
	InCharacter bool
	Whisper     bool
	Recipient   string

	Expression string
	Roll       *dice.Result
	Reason     string
	Private    bool

	Action  string
	Payload json.RawMessage

	Grace time.Duration
}

type EventType string

const (
	EvtPlayerJoined   EventType = "PlayerJoined"
	EvtPlayerLeft     EventType = "PlayerLeft"
	EvtPlayerAway     EventType = "PlayerAway"
	EvtPlayerReady    EventType = "PlayerReady"
	EvtCharacterBound EventType = "CharacterBound"
	EvtSessionLocked  EventType = "SessionLocked"
	EvtStatusChanged  EventType = "StatusChanged"
	EvtCombatStarted  EventType = "CombatStarted"
	EvtTurnAdvanced   EventType = "TurnAdvanced"
	EvtRoundAdvanced  EventType = "RoundAdvanced"
	EvtCombatEnded    EventType = "CombatEnded"
	EvtMapChanged     EventType = "MapChanged"
	EvtChatSent       EventType = "ChatSent"
	EvtDiceRolled     EventType = "DiceRolled"
	EvtGameAction     EventType = "GameAction"
)

type Event struct {
	Type   EventType
	UserID string
	Rejoin bool
}

// ChangesState reports whether the event alters the shared game state view
// (as opposed to appending to the chat/dice/action log).
func (e Event) ChangesState() bool {
	switch e.Type {
	case EvtChatSent, EvtDiceRolled, EvtGameAction, EvtPlayerJoined, EvtPlayerLeft:
		return false
	default:
		return true
	}
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never mutated; on error the original state is returned unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if err := authorizeHostOnly(s, cmd); err != nil {
		return nil, s, err
	}
	if s.Status == StatusCompleted && cmd.Type != CmdLeave && cmd.Type != CmdExpireParticipants {
		return nil, s, fmt.Errorf("%w: session is completed", ErrInvalidState)
	}

	switch cmd.Type {
	case CmdJoin:
		return applyJoin(s, cmd)
	case CmdLeave:
		return applyLeave(s, cmd)
	case CmdExpireParticipants:
		return applyExpire(s, cmd)
	case CmdUpdateStatus:
		return applyStatus(s, cmd)
	}

	p, ok := s.Participants[cmd.UserID]
	if !ok || !p.Connected {
		return nil, s, fmt.Errorf("%w: not joined to this session", ErrForbidden)
	}

	switch cmd.Type {
	case CmdSetReady:
		next := s.Clone()
		p.Ready = cmd.Ready
		next.Participants[cmd.UserID] = p
		return []Event{{Type: EvtPlayerReady, UserID: cmd.UserID}}, next, nil

	case CmdBindCharacter:
		next := s.Clone()
		p.CharacterID = strings.TrimSpace(cmd.CharacterID)
		next.Participants[cmd.UserID] = p
		return []Event{{Type: EvtCharacterBound, UserID: cmd.UserID}}, next, nil

	case CmdLockSession:
		if cmd.UserID != s.HostID {
			return nil, s, fmt.Errorf("%w: only the host may lock the session", ErrForbidden)
		}
		next := s.Clone()
		next.Locked = cmd.Locked
		next.AllowList = map[string]bool{}
		for _, id := range cmd.AllowList {
			if id = strings.TrimSpace(id); id != "" {
				next.AllowList[id] = true
			}
		}
		return []Event{{Type: EvtSessionLocked, UserID: cmd.UserID}}, next, nil

	case CmdStartCombat, CmdAdvanceTurn, CmdEndCombat:
		if !s.IsDM(cmd.UserID) {
			return nil, s, fmt.Errorf("%w: only the DM may run combat", ErrForbidden)
		}
		if s.Status == StatusPaused {
			return nil, s, fmt.Errorf("%w: session is paused", ErrInvalidState)
		}
		return applyCombat(s, cmd)

	case CmdSendChat:
		return applyChat(s, cmd)

	case CmdRollDice:
		if cmd.Roll == nil {
			return nil, s, fmt.Errorf("%w: missing roll", ErrInvalidInput)
		}
		if utf8.RuneCountInString(cmd.Reason) > MaxReasonLength {
			return nil, s, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
		}
		return []Event{{Type: EvtDiceRolled, UserID: cmd.UserID}}, s, nil

	case CmdGameAction:
		return applyGameAction(s, cmd)

	default:
		return nil, s, fmt.Errorf("%w: unsupported command %q", ErrInvalidInput, cmd.Type)
	}
}

func applyJoin(s State, cmd Command) ([]Event, State, error) {
	if cmd.UserID == "" {
		return nil, s, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if s.Locked && cmd.UserID != s.HostID && !s.AllowList[cmd.UserID] {
		return nil, s, fmt.Errorf("%w: session is locked", ErrForbidden)
	}

	next := s.Clone()
	p, rejoin := next.Participants[cmd.UserID]
	if !rejoin {
		p = Participant{UserID: cmd.UserID, Role: RolePlayer}
		if cmd.UserID == s.HostID {
			p.Role = RoleDM
		}
	}
	if name := strings.TrimSpace(cmd.Name); name != "" {
		p.Name = name
	}
	p.Connected = true
	p.Away = false
	// readiness is re-derived after every (re)join
	p.Ready = false
	p.LastSeen = cmd.Now
	next.Participants[cmd.UserID] = p

	return []Event{{Type: EvtPlayerJoined, UserID: cmd.UserID, Rejoin: rejoin}}, next, nil
}

func applyLeave(s State, cmd Command) ([]Event, State, error) {
	p, ok := s.Participants[cmd.UserID]
	if !ok {
		return nil, s, fmt.Errorf("%w: not a participant", ErrNotFound)
	}
	if !p.Connected {
		return nil, s, fmt.Errorf("%w: already disconnected", ErrInvalidState)
	}
	next := s.Clone()
	p.Connected = false
	p.Ready = false
	p.LastSeen = cmd.Now
	next.Participants[cmd.UserID] = p
	return []Event{{Type: EvtPlayerLeft, UserID: cmd.UserID}}, next, nil
}

func applyExpire(s State, cmd Command) ([]Event, State, error) {
	var events []Event
	next := s
	for id, p := range s.Participants {
		if p.Connected || p.Away || cmd.Now.Sub(p.LastSeen) < cmd.Grace {
			continue
		}
		if events == nil {
			next = s.Clone()
		}
		p.Away = true
		next.Participants[id] = p
		events = append(events, Event{Type: EvtPlayerAway, UserID: id})
	}
	return events, next, nil
}

var statusTransitions = map[Status][]Status{
	StatusLobby:  {StatusActive, StatusCompleted},
	StatusActive: {StatusPaused, StatusCompleted},
	StatusPaused: {StatusActive, StatusCompleted},
}

// authorizeHostOnly rejects host-only commands from other users before any
// state check, so they see Forbidden whatever the session status.
func authorizeHostOnly(s State, cmd Command) error {
	switch cmd.Type {
	case CmdStartCombat, CmdAdvanceTurn, CmdEndCombat:
		if !s.IsDM(cmd.UserID) {
			return fmt.Errorf("%w: only the DM may run combat", ErrForbidden)
		}
	case CmdUpdateStatus:
		if cmd.UserID != s.HostID {
			return fmt.Errorf("%w: only the host may change the session status", ErrForbidden)
		}
	case CmdLockSession:
		if cmd.UserID != s.HostID {
			return fmt.Errorf("%w: only the host may lock the session", ErrForbidden)
		}
	}
	return nil
}

func applyStatus(s State, cmd Command) ([]Event, State, error) {
	if cmd.UserID != s.HostID {
		return nil, s, fmt.Errorf("%w: only the host may change the session status", ErrForbidden)
	}
	allowed := false
	for _, to := range statusTransitions[s.Status] {
		if to == cmd.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, s, fmt.Errorf("%w: cannot move from %s to %q", ErrInvalidState, s.Status, cmd.Status)
	}

	next := s.Clone()
	next.Status = cmd.Status
	events := []Event{{Type: EvtStatusChanged, UserID: cmd.UserID}}
	if cmd.Status == StatusCompleted && s.Combat.Active {
		next.Combat = Combat{}
		events = append(events, Event{Type: EvtCombatEnded, UserID: cmd.UserID})
	}
	return events, next, nil
}

func applyChat(s State, cmd Command) ([]Event, State, error) {
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return nil, s, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxChatLength {
		return nil, s, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, MaxChatLength)
	}
	if cmd.Whisper {
		if cmd.Recipient == "" {
			return nil, s, fmt.Errorf("%w: whisper needs a recipient", ErrInvalidInput)
		}
		if _, ok := s.Participants[cmd.Recipient]; !ok {
			return nil, s, fmt.Errorf("%w: recipient is not in this session", ErrNotFound)
		}
	}
	return []Event{{Type: EvtChatSent, UserID: cmd.UserID}}, s, nil
}

func applyGameAction(s State, cmd Command) ([]Event, State, error) {
	action := strings.TrimSpace(cmd.Action)
	if action == "" || len(action) > MaxActionLength {
		return nil, s, fmt.Errorf("%w: action must be 1-%d characters", ErrInvalidInput, MaxActionLength)
	}
	if len(cmd.Payload) > MaxPayloadBytes {
		return nil, s, fmt.Errorf("%w: payload too large", ErrInvalidInput)
	}
	if len(cmd.Payload) > 0 && !json.Valid(cmd.Payload) {
		return nil, s, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}

	if action != ActionChangeMap {
		return []Event{{Type: EvtGameAction, UserID: cmd.UserID}}, s, nil
	}

	if !s.IsDM(cmd.UserID) {
		return nil, s, fmt.Errorf("%w: only the DM may change the map", ErrForbidden)
	}
	var body struct {
		MapID string `json:"mapId"`
	}
	if err := json.Unmarshal(cmd.Payload, &body); err != nil || strings.TrimSpace(body.MapID) == "" {
		return nil, s, fmt.Errorf("%w: change_map needs a mapId", ErrInvalidInput)
	}
	next := s.Clone()
	next.MapID = strings.TrimSpace(body.MapID)
	return []Event{{Type: EvtMapChanged, UserID: cmd.UserID}}, next, nil
}

// ValidateName checks a session or display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, MaxNameLength)
	}
	return nil
}
