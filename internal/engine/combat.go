package engine

import (
	"fmt"
	"strings"
)

func applyCombat(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStartCombat:
		if s.Combat.Active {
			return nil, s, fmt.Errorf("%w: combat already started", ErrInvalidState)
		}
		order, err := normalizeInitiative(cmd.Initiative)
		if err != nil {
			return nil, s, err
		}
		next := s.Clone()
		next.Combat = Combat{Active: true, Round: 1, Initiative: order, TurnIndex: 0}
		return []Event{{Type: EvtCombatStarted, UserID: cmd.UserID}}, next, nil

	case CmdAdvanceTurn:
		if !s.Combat.Active {
			return nil, s, fmt.Errorf("%w: no active combat", ErrInvalidState)
		}
		if cmd.ExpectedRound != nil && *cmd.ExpectedRound != s.Combat.Round {
			return nil, s, fmt.Errorf("%w: round is %d, not %d", ErrConflict, s.Combat.Round, *cmd.ExpectedRound)
		}
		if current, _ := s.Combat.CurrentTurn(); cmd.ExpectedTurn != "" && cmd.ExpectedTurn != current {
			return nil, s, fmt.Errorf("%w: turn already moved to %s", ErrConflict, current)
		}

		next := s.Clone()
		events := []Event{{Type: EvtTurnAdvanced, UserID: cmd.UserID}}
		next.Combat.TurnIndex, next.Combat.Round = NextTurn(s.Combat.TurnIndex, s.Combat.Round, len(s.Combat.Initiative))
		if next.Combat.Round != s.Combat.Round {
			events = append(events, Event{Type: EvtRoundAdvanced, UserID: cmd.UserID})
		}
		return events, next, nil

	case CmdEndCombat:
		if !s.Combat.Active {
			return nil, s, fmt.Errorf("%w: no active combat", ErrInvalidState)
		}
		next := s.Clone()
		next.Combat = Combat{}
		return []Event{{Type: EvtCombatEnded, UserID: cmd.UserID}}, next, nil
	}
	return nil, s, fmt.Errorf("%w: unsupported command %q", ErrInvalidInput, cmd.Type)
}

// NextTurn moves the pointer one creature forward. Wrapping past the last
// creature is the only way the round increases.
func NextTurn(index, round, n int) (int, int) {
	if n == 0 {
		return 0, round
	}
	index++
	if index >= n {
		return 0, round + 1
	}
	return index, round
}

func normalizeInitiative(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: initiative order is empty", ErrInvalidState)
	}
	if len(ids) > maxInitiativeLen {
		return nil, fmt.Errorf("%w: initiative order longer than %d", ErrInvalidInput, maxInitiativeLen)
	}
	order := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: blank creature in initiative order", ErrInvalidState)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: creature %s appears twice", ErrInvalidState, id)
		}
		seen[id] = true
		order = append(order, id)
	}
	return order, nil
}
