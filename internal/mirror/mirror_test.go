package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

func strp(s string) *string { return &s }

func joined(seq uint64) types.ServerMessage {
	return types.ServerMessage{
		Type:      types.KindSessionJoined,
		Seq:       seq,
		SessionID: "s1",
		Session:   &types.SessionInfo{ID: "s1", InviteCode: "ABC234", Name: "Inn"},
		Players:   []types.Player{{UserID: "dm1", Name: "Dana", Role: "dm", Connected: true}},
		State: &types.GameState{
			SessionID: "s1",
			Status:    "lobby",
			Players:   []types.Player{{UserID: "dm1", Name: "Dana", Role: "dm", Connected: true}},
			Seq:       seq,
		},
	}
}

func chat(seq uint64, id, ref, content string) types.ServerMessage {
	return types.ServerMessage{
		Type:      types.KindChat,
		Seq:       seq,
		SessionID: "s1",
		ClientRef: ref,
		Chat:      &types.ChatMessage{ID: id, SenderID: "p1", Content: content},
	}
}

func combat(seq uint64, round int, turn string) types.ServerMessage {
	return types.ServerMessage{
		Type:      types.KindGameStateUpdate,
		Seq:       seq,
		SessionID: "s1",
		State: &types.GameState{
			SessionID:             "s1",
			Status:                "active",
			InCombat:              true,
			Round:                 round,
			CurrentTurnCreatureID: strp(turn),
			InitiativeOrder:       []string{"a", "b"},
			Players:               []types.Player{{UserID: "dm1", Connected: true}},
			Seq:                   seq,
		},
	}
}

func TestStore_JoinReplacesWholesale(t *testing.T) {
	s := New(0)
	require.True(t, s.Apply(joined(3)))

	snap := s.Snapshot()
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, uint64(3), snap.LastSeq)
	require.NotNil(t, snap.State)
	assert.Equal(t, "lobby", snap.State.Status)
	assert.Nil(t, snap.State.CurrentTurnCreatureID)
	assert.Len(t, snap.State.Players, 1)
}

func TestStore_DuplicatesAreIgnored(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))

	assert.True(t, s.Apply(chat(2, "m1", "", "hi")))
	assert.False(t, s.Apply(chat(2, "m1", "", "hi")))
	assert.False(t, s.Apply(chat(1, "m0", "", "old")))

	snap := s.Snapshot()
	assert.Len(t, snap.Chat, 1)
	assert.Equal(t, uint64(2), snap.LastSeq)
}

func TestStore_GapFlagsResyncWithoutApplying(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))

	assert.False(t, s.Apply(combat(5, 2, "b")))
	assert.True(t, s.NeedsResync())
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.LastSeq)
	assert.False(t, snap.State.InCombat)

	res := types.ServerMessage{
		Type:      types.KindResyncResult,
		SessionID: "s1",
		Events:    []types.ServerMessage{chat(2, "m1", "", "missed"), combat(5, 2, "b")},
		State:     combat(5, 2, "b").State,
	}
	require.True(t, s.Apply(res))

	snap = s.Snapshot()
	assert.False(t, snap.NeedsResync)
	assert.Equal(t, uint64(5), snap.LastSeq)
	assert.True(t, snap.State.InCombat)
	assert.Equal(t, 2, snap.State.Round)
	assert.Equal(t, "b", *snap.State.CurrentTurnCreatureID)
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, "missed", snap.Chat[0].Content)

	// the live copy of an event already replayed is dropped
	assert.False(t, s.Apply(combat(5, 2, "b")))
	assert.True(t, s.Apply(chat(6, "m2", "", "after")))
}

func TestStore_ResyncDeduplicatesLogByID(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	s.Apply(chat(2, "m1", "", "one"))

	s.Apply(types.ServerMessage{
		Type:      types.KindResyncResult,
		SessionID: "s1",
		Events:    []types.ServerMessage{chat(2, "m1", "", "one"), chat(3, "m2", "", "two")},
		State:     &types.GameState{SessionID: "s1", Status: "lobby", Seq: 3},
		Truncated: true,
	})

	snap := s.Snapshot()
	assert.Len(t, snap.Chat, 2)
	assert.True(t, snap.Truncated)
	assert.Equal(t, uint64(3), snap.LastSeq)
}

func TestStore_PendingConfirmedByClientRef(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	s.ApplyLocal(Pending{Ref: "r1", Kind: PendingChat, Content: "hello"})
	s.ApplyLocal(Pending{Ref: "r2", Kind: PendingDice, Expr: "1d20"})
	require.Len(t, s.Snapshot().Pending, 2)

	s.Apply(chat(2, "m1", "r1", "hello"))
	snap := s.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "r2", snap.Pending[0].Ref)

	s.Apply(types.ServerMessage{
		Type:      types.KindDiceResult,
		Seq:       3,
		SessionID: "s1",
		ClientRef: "r2",
		Dice:      &types.DiceRoll{ID: "d1", PlayerID: "p1", Expression: "1d20", Rolls: []int{14}, Total: 14},
	})
	snap = s.Snapshot()
	assert.Empty(t, snap.Pending)
	require.Len(t, snap.Dice, 1)
	assert.Equal(t, 14, snap.Dice[0].Total)
}

func TestStore_ErrorRollsBackPending(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	s.ApplyLocal(Pending{Ref: "r1", Kind: PendingReady, Ready: true})

	s.Apply(types.ServerMessage{Type: types.KindError, ClientRef: "r1", Code: "InvalidState", Message: "session is completed"})

	snap := s.Snapshot()
	assert.Empty(t, snap.Pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "InvalidState", snap.LastError.Code)
	assert.Equal(t, uint64(1), snap.LastSeq)
}

func TestStore_PlayerJoinAndLeave(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))

	s.Apply(types.ServerMessage{Type: types.KindPlayerJoined, Seq: 2, SessionID: "s1",
		Player: &types.Player{UserID: "p1", Name: "Pip", Connected: true, Ready: true}})
	s.Apply(types.ServerMessage{Type: types.KindPlayerLeft, Seq: 3, SessionID: "s1", UserID: "p1"})

	snap := s.Snapshot()
	require.Len(t, snap.State.Players, 2)
	p := snap.State.Players[1]
	assert.Equal(t, "p1", p.UserID)
	assert.False(t, p.Connected)
	assert.False(t, p.Ready)
}

func TestStore_IgnoresOtherSessions(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	other := chat(2, "m9", "", "wrong room")
	other.SessionID = "s2"
	assert.False(t, s.Apply(other))
	assert.Empty(t, s.Snapshot().Chat)
}

func TestStore_SessionClosedAndReset(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	s.ApplyLocal(Pending{Ref: "r1", Kind: PendingChat})

	s.Apply(types.ServerMessage{Type: types.KindSessionClosed, SessionID: "s1", Reason: "deleted"})
	assert.Equal(t, "deleted", s.Snapshot().Closed)

	s.Reset()
	snap := s.Snapshot()
	assert.Empty(t, snap.SessionID)
	assert.Nil(t, snap.State)
	assert.Empty(t, snap.Pending)
	assert.Zero(t, snap.LastSeq)
}

func TestStore_LogIsBounded(t *testing.T) {
	s := New(3)
	s.Apply(joined(1))
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		s.Apply(chat(uint64(i+2), id, "", id))
	}
	snap := s.Snapshot()
	require.Len(t, snap.Chat, 3)
	assert.Equal(t, "c", snap.Chat[0].ID)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := New(0)
	s.Apply(joined(1))
	snap := s.Snapshot()
	snap.State.Players[0].Name = "mutated"
	assert.Equal(t, "Dana", s.Snapshot().State.Players[0].Name)
}
