package session

import (
	"slices"
	"time"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/store"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

func sessionRecord(s engine.State, seq uint64, lastActivity time.Time) store.SessionRecord {
	allow := make([]string, 0, len(s.AllowList))
	for id, ok := range s.AllowList {
		if ok {
			allow = append(allow, id)
		}
	}
	slices.Sort(allow)

	return store.SessionRecord{
		ID:             s.SessionID,
		InviteCode:     s.InviteCode,
		CampaignID:     s.CampaignID,
		Name:           s.Name,
		HostID:         s.HostID,
		Status:         string(s.Status),
		MapID:          s.MapID,
		Locked:         s.Locked,
		AllowList:      allow,
		InCombat:       s.Combat.Active,
		Round:          s.Combat.Round,
		Initiative:     slices.Clone(s.Combat.Initiative),
		TurnIndex:      s.Combat.TurnIndex,
		LastSeq:        seq,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: lastActivity,
	}
}

// SessionRecordOf is the durable form of a freshly created session.
func SessionRecordOf(s engine.State, now time.Time) store.SessionRecord {
	return sessionRecord(s, 0, now)
}

func participantRecord(sessionID string, p engine.Participant) store.ParticipantRecord {
	return store.ParticipantRecord{
		SessionID:   sessionID,
		UserID:      p.UserID,
		Name:        p.Name,
		Role:        string(p.Role),
		Connected:   p.Connected,
		Ready:       p.Ready,
		CharacterID: p.CharacterID,
		LastSeenAt:  p.LastSeen,
	}
}

func chatRecord(sessionID string, seq uint64, c *types.ChatMessage) store.ChatMessageRecord {
	return store.ChatMessageRecord{
		ID:          c.ID,
		SessionID:   sessionID,
		Seq:         seq,
		SenderID:    c.SenderID,
		SenderName:  c.SenderName,
		Content:     c.Content,
		InCharacter: c.IsInCharacter,
		Whisper:     c.IsWhisper,
		Recipient:   c.Recipient,
		System:      c.IsSystem,
		Severity:    c.Severity,
		CreatedAt:   c.Timestamp,
	}
}

func diceRecord(sessionID string, seq uint64, d *types.DiceRoll) store.DiceRollRecord {
	return store.DiceRollRecord{
		ID:         d.ID,
		SessionID:  sessionID,
		Seq:        seq,
		PlayerID:   d.PlayerID,
		PlayerName: d.PlayerName,
		Expression: d.Expression,
		Rolls:      slices.Clone(d.Rolls),
		Modifier:   d.Modifier,
		Total:      d.Total,
		Reason:     d.Reason,
		Private:    d.IsPrivate,
		CreatedAt:  d.Timestamp,
	}
}

// StateFromRecord rebuilds a session after a restart. Nobody is connected
// until they rejoin, so every participant comes back disconnected with the
// grace period starting at restore time.
func StateFromRecord(rec store.SessionRecord, now time.Time) (engine.State, uint64) {
	s := engine.NewState(rec.ID, rec.InviteCode, rec.CampaignID, rec.Name, rec.HostID, rec.CreatedAt)
	if st, ok := engine.ParseStatus(rec.Status); ok {
		s.Status = st
	}
	s.MapID = rec.MapID
	s.Locked = rec.Locked
	for _, id := range rec.AllowList {
		s.AllowList[id] = true
	}
	if rec.InCombat && len(rec.Initiative) > 0 {
		s.Combat = engine.Combat{
			Active:     true,
			Round:      rec.Round,
			Initiative: slices.Clone(rec.Initiative),
			TurnIndex:  rec.TurnIndex,
		}
		if s.Combat.TurnIndex < 0 || s.Combat.TurnIndex >= len(s.Combat.Initiative) {
			s.Combat.TurnIndex = 0
		}
	}
	for _, p := range rec.Participants {
		s.Participants[p.UserID] = engine.Participant{
			UserID:      p.UserID,
			Name:        p.Name,
			Role:        engine.Role(p.Role),
			CharacterID: p.CharacterID,
			LastSeen:    now,
		}
	}
	return s, rec.LastSeq
}
