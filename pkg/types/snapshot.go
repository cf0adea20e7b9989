package types

import (
	"encoding/json"
	"time"
)

type SessionInfo struct {
	ID             string    `json:"id"`
	InviteCode     string    `json:"inviteCode"`
	CampaignID     string    `json:"campaignId,omitempty"`
	Name           string    `json:"name"`
	HostID         string    `json:"hostId"`
	Status         string    `json:"status"`
	ConnectedCount int       `json:"connectedCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Player struct {
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Connected   bool      `json:"connected"`
	Ready       bool      `json:"ready"`
	Away        bool      `json:"away,omitempty"`
	CharacterID string    `json:"characterId,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// GameState is the authoritative derived state of a session. Clients replace
// their copy wholesale whenever one arrives.
type GameState struct {
	SessionID             string   `json:"sessionId"`
	Status                string   `json:"status"`
	MapID                 string   `json:"mapId,omitempty"`
	Locked                bool     `json:"locked,omitempty"`
	InCombat              bool     `json:"inCombat"`
	Round                 int      `json:"round"`
	CurrentTurnCreatureID *string  `json:"currentTurnCreatureId"`
	InitiativeOrder       []string `json:"initiativeOrder,omitempty"`
	Players               []Player `json:"players"`
	ConnectedCount        int      `json:"connectedCount"`
	ActiveCount           int      `json:"activeCount"`
	Seq                   uint64   `json:"seq"`
}

type ChatMessage struct {
	ID            string    `json:"id"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName"`
	Content       string    `json:"content"`
	IsInCharacter bool      `json:"isInCharacter,omitempty"`
	IsWhisper     bool      `json:"isWhisper,omitempty"`
	Recipient     string    `json:"recipient,omitempty"`
	IsSystem      bool      `json:"isSystem,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	Redacted      bool      `json:"redacted,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type DiceRoll struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Expression string    `json:"expression"`
	Rolls      []int     `json:"rolls"`
	Modifier   int       `json:"modifier"`
	Total      int       `json:"total"`
	Reason     string    `json:"reason,omitempty"`
	IsPrivate  bool      `json:"isPrivate,omitempty"`
	Redacted   bool      `json:"redacted,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type GameAction struct {
	UserID    string          `json:"userId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
