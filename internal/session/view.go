package session

import (
	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

func toPlayer(p engine.Participant) types.Player {
	return types.Player{
		UserID:      p.UserID,
		Name:        p.Name,
		Role:        string(p.Role),
		Connected:   p.Connected,
		Ready:       p.Ready,
		Away:        p.Away,
		CharacterID: p.CharacterID,
		LastSeen:    p.LastSeen,
	}
}

func toPlayers(s engine.State) []types.Player {
	ps := s.SortedParticipants()
	out := make([]types.Player, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPlayer(p))
	}
	return out
}

// GameStateOf derives the wire view of s. The current turn is null outside
// of combat.
func GameStateOf(s engine.State, seq uint64) *types.GameState {
	gs := &types.GameState{
		SessionID:      s.SessionID,
		Status:         string(s.Status),
		MapID:          s.MapID,
		Locked:         s.Locked,
		InCombat:       s.Combat.Active,
		Round:          s.Combat.Round,
		Players:        toPlayers(s),
		ConnectedCount: s.ConnectedCount(),
		ActiveCount:    s.ActiveCount(),
		Seq:            seq,
	}
	if s.Combat.Active {
		gs.InitiativeOrder = append([]string(nil), s.Combat.Initiative...)
		if id, ok := s.Combat.CurrentTurn(); ok {
			gs.CurrentTurnCreatureID = &id
		}
	}
	return gs
}

func (s *Session) gameState() *types.GameState {
	return GameStateOf(s.state, s.seq)
}

// redactFor returns msg as viewer may see it. Whispers are visible to the
// sender, the recipient and DMs; private rolls to the roller and DMs. Others
// receive the event with its content stripped so sequence numbers stay
// contiguous for every viewer.
func redactFor(msg types.ServerMessage, viewer string, viewerIsDM bool) types.ServerMessage {
	switch {
	case msg.Chat != nil && msg.Chat.IsWhisper:
		c := msg.Chat
		if viewerIsDM || viewer == c.SenderID || viewer == c.Recipient {
			return msg
		}
		redacted := *c
		redacted.Content = ""
		redacted.Redacted = true
		msg.Chat = &redacted

	case msg.Dice != nil && msg.Dice.IsPrivate:
		d := msg.Dice
		if viewerIsDM || viewer == d.PlayerID {
			return msg
		}
		redacted := *d
		redacted.Expression = ""
		redacted.Rolls = nil
		redacted.Modifier = 0
		redacted.Total = 0
		redacted.Reason = ""
		redacted.Redacted = true
		msg.Dice = &redacted
	}
	return msg
}
