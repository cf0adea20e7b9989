package engine

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusLobby     Status = "lobby"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// ParseStatus accepts the wire spelling of a session status.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusLobby, StatusActive, StatusPaused, StatusCompleted:
		return s, true
	default:
		return "", false
	}
}

type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

type Participant struct {
	UserID      string
	Name        string
	Role        Role
	Connected   bool
	Ready       bool
	Away        bool // disconnected past the grace period
	CharacterID string
	LastSeen    time.Time
}

// Combat is the turn pointer. CurrentTurn is derived from Initiative and
// TurnIndex and is only meaningful while Active.
type Combat struct {
	Active     bool
	Round      int
	Initiative []string
	TurnIndex  int
}

func (c Combat) CurrentTurn() (string, bool) {
	if !c.Active || c.TurnIndex < 0 || c.TurnIndex >= len(c.Initiative) {
		return "", false
	}
	return c.Initiative[c.TurnIndex], true
}

type State struct {
	SessionID    string
	InviteCode   string
	CampaignID   string
	Name         string
	HostID       string
	Status       Status
	MapID        string
	Locked       bool
	AllowList    map[string]bool
	Combat       Combat
	Participants map[string]Participant
	CreatedAt    time.Time
}

func NewState(sessionID, inviteCode, campaignID, name, hostID string, now time.Time) State {
	return State{
		SessionID:    sessionID,
		InviteCode:   inviteCode,
		CampaignID:   campaignID,
		Name:         name,
		HostID:       hostID,
		Status:       StatusLobby,
		AllowList:    map[string]bool{},
		Participants: map[string]Participant{},
		CreatedAt:    now,
	}
}

// Clone returns a copy that shares no maps or slices with s.
func (s State) Clone() State {
	c := s
	c.AllowList = maps.Clone(s.AllowList)
	if c.AllowList == nil {
		c.AllowList = map[string]bool{}
	}
	c.Participants = maps.Clone(s.Participants)
	if c.Participants == nil {
		c.Participants = map[string]Participant{}
	}
	c.Combat.Initiative = slices.Clone(s.Combat.Initiative)
	return c
}

func (s State) IsDM(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == s.HostID {
		return true
	}
	p, ok := s.Participants[userID]
	return ok && p.Role == RoleDM
}

func (s State) ConnectedCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Connected {
			n++
		}
	}
	return n
}

// ActiveCount counts participants that are connected or still inside the
// disconnect grace period.
func (s State) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Connected || !p.Away {
			n++
		}
	}
	return n
}

// SortedParticipants orders the roster host first, then by name.
func (s State) SortedParticipants() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Participant) int {
		if a.UserID == s.HostID {
			return -1
		}
		if b.UserID == s.HostID {
			return 1
		}
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}
