// Package mirror keeps a client's copy of one session. It applies server
// events in sequence order, holds optimistic local intents until the server
// confirms or rejects them, and never guesses across a sequence gap.
package mirror

import (
	"slices"
	"sync"
	"time"

	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

const defaultLogLimit = 500

type PendingKind string

const (
	PendingChat  PendingKind = "chat"
	PendingDice  PendingKind = "dice"
	PendingReady PendingKind = "ready"
)

// Pending is a local intent the server has not answered yet.
type Pending struct {
	Ref       string
	Kind      PendingKind
	Content   string
	Expr      string
	Ready     bool
	CreatedAt time.Time
}

// Snapshot is a copy of the mirrored session, safe to keep and render.
type Snapshot struct {
	SessionID   string
	Session     *types.SessionInfo
	State       *types.GameState
	Chat        []types.ChatMessage
	Dice        []types.DiceRoll
	Actions     []types.GameAction
	Pending     []Pending
	LastSeq     uint64
	NeedsResync bool
	// Truncated is set when the server could not replay the whole gap.
	Truncated bool
	// Closed holds the reason the server detached this client, if it did.
	Closed    string
	LastError *types.ServerMessage
}

type Store struct {
	mu       sync.RWMutex
	snap     Snapshot
	logLimit int
}

func New(logLimit int) *Store {
	if logLimit <= 0 {
		logLimit = defaultLogLimit
	}
	return &Store{logLimit: logLimit}
}

// ApplyLocal records an optimistic intent under its client ref.
func (s *Store) ApplyLocal(p Pending) {
	if p.Ref == "" {
		return
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Pending = slices.DeleteFunc(s.snap.Pending, func(x Pending) bool { return x.Ref == p.Ref })
	s.snap.Pending = append(s.snap.Pending, p)
}

// Apply folds one server message into the mirror and reports whether
// anything changed. Messages at or below the last applied sequence number are
// ignored, so replays are harmless.
func (s *Store) Apply(m types.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Type {
	case types.KindSessionJoined:
		if s.snap.SessionID != m.SessionID {
			s.snap = Snapshot{Pending: s.snap.Pending}
		}
		s.snap.SessionID = m.SessionID
		if m.Session != nil {
			info := *m.Session
			s.snap.Session = &info
		}
		s.replaceState(m.State, m.Players, m.Seq)
		s.snap.Closed = ""
		return true

	case types.KindResyncResult:
		if s.snap.SessionID != "" && m.SessionID != s.snap.SessionID {
			return false
		}
		for _, e := range m.Events {
			s.appendLog(e)
		}
		seq := m.Seq
		if m.State != nil {
			seq = m.State.Seq
		}
		s.replaceState(m.State, m.Players, seq)
		s.snap.Truncated = m.Truncated
		return true

	case types.KindError:
		if m.ClientRef != "" {
			s.dropPending(m.ClientRef)
		}
		e := m
		s.snap.LastError = &e
		return true

	case types.KindSessionClosed:
		if m.SessionID == "" || m.SessionID == s.snap.SessionID {
			s.snap.Closed = m.Reason
			return true
		}
		return false
	}

	if m.Seq == 0 || s.snap.SessionID == "" || (m.SessionID != "" && m.SessionID != s.snap.SessionID) {
		return false
	}
	if m.Seq <= s.snap.LastSeq {
		return false
	}
	if m.Seq > s.snap.LastSeq+1 {
		s.snap.NeedsResync = true
		return false
	}
	s.snap.LastSeq = m.Seq

	switch m.Type {
	case types.KindPlayerJoined:
		if m.Player != nil && s.snap.State != nil {
			s.upsertPlayer(*m.Player)
		}
	case types.KindPlayerLeft:
		if s.snap.State != nil {
			for i, p := range s.snap.State.Players {
				if p.UserID == m.UserID {
					s.snap.State.Players[i].Connected = false
					s.snap.State.Players[i].Ready = false
				}
			}
		}
	case types.KindGameStateUpdate:
		if m.State != nil {
			s.replaceState(m.State, m.State.Players, m.Seq)
		}
		if m.ClientRef != "" {
			s.dropPending(m.ClientRef)
		}
	default:
		s.appendLog(m)
	}
	return true
}

func (s *Store) replaceState(st *types.GameState, players []types.Player, seq uint64) {
	if st != nil {
		cp := *st
		cp.InitiativeOrder = slices.Clone(st.InitiativeOrder)
		if players == nil {
			players = st.Players
		}
		cp.Players = slices.Clone(players)
		if st.CurrentTurnCreatureID != nil {
			id := *st.CurrentTurnCreatureID
			cp.CurrentTurnCreatureID = &id
		}
		s.snap.State = &cp
	}
	if seq > s.snap.LastSeq || s.snap.NeedsResync {
		s.snap.LastSeq = seq
	}
	s.snap.NeedsResync = false
}

func (s *Store) upsertPlayer(p types.Player) {
	for i, existing := range s.snap.State.Players {
		if existing.UserID == p.UserID {
			s.snap.State.Players[i] = p
			return
		}
	}
	s.snap.State.Players = append(s.snap.State.Players, p)
}

// appendLog adds chat, dice and action events. Entries are keyed by id, so an
// event seen both live and in a resync is kept once.
func (s *Store) appendLog(m types.ServerMessage) {
	switch {
	case m.Chat != nil:
		if slices.ContainsFunc(s.snap.Chat, func(c types.ChatMessage) bool { return c.ID == m.Chat.ID }) {
			return
		}
		s.snap.Chat = trim(append(s.snap.Chat, *m.Chat), s.logLimit)
	case m.Dice != nil:
		if slices.ContainsFunc(s.snap.Dice, func(d types.DiceRoll) bool { return d.ID == m.Dice.ID }) {
			return
		}
		d := *m.Dice
		d.Rolls = slices.Clone(m.Dice.Rolls)
		s.snap.Dice = trim(append(s.snap.Dice, d), s.logLimit)
	case m.Action != nil:
		s.snap.Actions = trim(append(s.snap.Actions, *m.Action), s.logLimit)
	default:
		return
	}
	if m.ClientRef != "" {
		s.dropPending(m.ClientRef)
	}
}

func (s *Store) dropPending(ref string) {
	s.snap.Pending = slices.DeleteFunc(s.snap.Pending, func(p Pending) bool { return p.Ref == ref })
}

func trim[T any](xs []T, limit int) []T {
	if over := len(xs) - limit; over > 0 {
		return slices.Clone(xs[over:])
	}
	return xs
}

func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.LastSeq
}

func (s *Store) NeedsResync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.NeedsResync
}

func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.SessionID
}

// Snapshot returns a deep copy of the mirror.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	if s.snap.Session != nil {
		info := *s.snap.Session
		out.Session = &info
	}
	if s.snap.State != nil {
		st := *s.snap.State
		st.Players = slices.Clone(s.snap.State.Players)
		st.InitiativeOrder = slices.Clone(s.snap.State.InitiativeOrder)
		out.State = &st
	}
	out.Chat = slices.Clone(s.snap.Chat)
	out.Dice = slices.Clone(s.snap.Dice)
	out.Actions = slices.Clone(s.snap.Actions)
	out.Pending = slices.Clone(s.snap.Pending)
	return out
}

// Reset forgets everything, including pending intents.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
}
