package store

import (
	"time"
)

// SessionRecord is the durable copy of a live session. The in-memory session
// is authoritative; this row trails it.
type SessionRecord struct {
	ID             string   `gorm:"primarykey;size:36"`
	InviteCode     string   `gorm:"size:6;index;not null"`
	CampaignID     string   `gorm:"size:64"`
	Name           string   `gorm:"size:100;not null"`
	HostID         string   `gorm:"size:64;index;not null"`
	Status         string   `gorm:"size:16;not null"`
	MapID          string   `gorm:"size:64"`
	Locked         bool     `gorm:"not null;default:false"`
	AllowList      []string `gorm:"serializer:json"`
	InCombat       bool     `gorm:"not null;default:false"`
	Round          int      `gorm:"not null;default:0"`
	Initiative     []string `gorm:"serializer:json"`
	TurnIndex      int      `gorm:"not null;default:0"`
	LastSeq        uint64   `gorm:"not null;default:0"`
	CreatedAt      time.Time
	LastActivityAt time.Time
	ArchivedAt     *time.Time `gorm:"index"`

	Participants []ParticipantRecord `gorm:"foreignKey:SessionID;references:ID"`
}

func (SessionRecord) TableName() string {
	return "game_sessions"
}

// ParticipantRecord is unique per (session, user); rejoining updates the row.
type ParticipantRecord struct {
	ID          uint   `gorm:"primarykey"`
	SessionID   string `gorm:"size:36;not null;uniqueIndex:idx_participant_session_user"`
	UserID      string `gorm:"size:64;not null;uniqueIndex:idx_participant_session_user"`
	Name        string `gorm:"size:100"`
	Role        string `gorm:"size:16;not null"`
	Connected   bool   `gorm:"not null;default:false"`
	Ready       bool   `gorm:"not null;default:false"`
	CharacterID string `gorm:"size:64"`
	LastSeenAt  time.Time
}

func (ParticipantRecord) TableName() string {
	return "session_participants"
}

type ChatMessageRecord struct {
	ID          string `gorm:"primarykey;size:36"`
	SessionID   string `gorm:"size:36;not null;index:idx_chat_session_seq"`
	Seq         uint64 `gorm:"not null;index:idx_chat_session_seq"`
	SenderID    string `gorm:"size:64"`
	SenderName  string `gorm:"size:100"`
	Content     string `gorm:"type:text;not null"`
	InCharacter bool
	Whisper     bool
	Recipient   string `gorm:"size:64"`
	System      bool
	Severity    string `gorm:"size:16"`
	CreatedAt   time.Time
}

func (ChatMessageRecord) TableName() string {
	return "chat_messages"
}

type DiceRollRecord struct {
	ID         string `gorm:"primarykey;size:36"`
	SessionID  string `gorm:"size:36;not null;index:idx_dice_session_seq"`
	Seq        uint64 `gorm:"not null;index:idx_dice_session_seq"`
	PlayerID   string `gorm:"size:64"`
	PlayerName string `gorm:"size:100"`
	Expression string `gorm:"size:64;not null"`
	Rolls      []int  `gorm:"serializer:json"`
	Modifier   int
	Total      int
	Reason     string `gorm:"size:200"`
	Private    bool
	CreatedAt  time.Time
}

func (DiceRollRecord) TableName() string {
	return "dice_rolls"
}
