// Package dice parses and rolls tabletop dice expressions such as "2d6+4".
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

const (
	MaxDice     = 100
	MinSides    = 2
	MaxSides    = 1000
	MaxModifier = 1000
	maxExprLen  = 64
)

var (
	// ErrEmptyExpression indicates no expression was supplied.
	ErrEmptyExpression = errors.New("dice expression is empty")
	// ErrInvalidExpression indicates the expression could not be parsed.
	ErrInvalidExpression = errors.New("invalid dice expression")
	// ErrTooManyDice indicates more than MaxDice dice were requested.
	ErrTooManyDice = errors.New("too many dice")
	// ErrInvalidSides indicates a die outside [MinSides, MaxSides].
	ErrInvalidSides = errors.New("invalid number of sides")
)

// Group is NdM: Count dice with Sides faces.
type Group struct {
	Count int
	Sides int
}

// Expression is a parsed sum of dice groups and a flat modifier.
type Expression struct {
	Groups   []Group
	Modifier int
}

// Result is an immutable roll outcome. Total always equals the sum of Rolls
// plus Modifier.
type Result struct {
	Expression string
	Rolls      []int
	Modifier   int
	Total      int
}

// Parse reads expressions like "d20", "2d6+4", "1d8+1d6-1". Dice groups may
// only be added; constants may be added or subtracted.
func Parse(raw string) (Expression, error) {
	s := strings.ToLower(strings.Join(strings.Fields(raw), ""))
	if s == "" {
		return Expression{}, ErrEmptyExpression
	}
	if len(s) > maxExprLen {
		return Expression{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidExpression, maxExprLen)
	}

	var expr Expression
	total := 0
	for len(s) > 0 {
		sign := 1
		switch s[0] {
		case '+':
			s = s[1:]
		case '-':
			sign = -1
			s = s[1:]
		}
		end := strings.IndexAny(s, "+-")
		if end < 0 {
			end = len(s)
		}
		term := s[:end]
		s = s[end:]
		if term == "" {
			return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, raw)
		}

		if count, sides, ok := strings.Cut(term, "d"); ok {
			if sign < 0 {
				return Expression{}, fmt.Errorf("%w: dice cannot be subtracted", ErrInvalidExpression)
			}
			g, err := parseGroup(count, sides)
			if err != nil {
				return Expression{}, err
			}
			total += g.Count
			if total > MaxDice {
				return Expression{}, fmt.Errorf("%w: at most %d", ErrTooManyDice, MaxDice)
			}
			expr.Groups = append(expr.Groups, g)
			continue
		}

		n, err := strconv.Atoi(term)
		if err != nil || n < 0 {
			return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, term)
		}
		expr.Modifier += sign * n
		if expr.Modifier > MaxModifier || expr.Modifier < -MaxModifier {
			return Expression{}, fmt.Errorf("%w: modifier out of range", ErrInvalidExpression)
		}
	}

	if len(expr.Groups) == 0 {
		return Expression{}, fmt.Errorf("%w: no dice in %q", ErrInvalidExpression, raw)
	}
	return expr, nil
}

func parseGroup(count, sides string) (Group, error) {
	g := Group{Count: 1}
	if count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n < 1 {
			return Group{}, fmt.Errorf("%w: bad dice count %q", ErrInvalidExpression, count)
		}
		g.Count = n
	}
	n, err := strconv.Atoi(sides)
	if err != nil {
		return Group{}, fmt.Errorf("%w: bad sides %q", ErrInvalidExpression, sides)
	}
	if n < MinSides || n > MaxSides {
		return Group{}, fmt.Errorf("%w: d%d", ErrInvalidSides, n)
	}
	g.Sides = n
	return g, nil
}

// String renders the canonical form, e.g. "2d6+1d4-1".
func (e Expression) String() string {
	var b strings.Builder
	for i, g := range e.Groups {
		if i > 0 {
			b.WriteByte('+')
		}
		fmt.Fprintf(&b, "%dd%d", g.Count, g.Sides)
	}
	switch {
	case e.Modifier > 0:
		fmt.Fprintf(&b, "+%d", e.Modifier)
	case e.Modifier < 0:
		fmt.Fprintf(&b, "%d", e.Modifier)
	}
	return b.String()
}

// Roller draws dice from a seeded source. It is safe for concurrent use.
type Roller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRoller(seed int64) *Roller {
	return &Roller{rng: rand.New(rand.NewSource(seed))}
}

// NewSeed generates a seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// Roll resolves every die uniformly in [1, Sides], in group order.
func (r *Roller) Roll(e Expression) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Expression: e.String(), Modifier: e.Modifier}
	sum := 0
	for _, g := range e.Groups {
		for i := 0; i < g.Count; i++ {
			v := r.rng.Intn(g.Sides) + 1
			res.Rolls = append(res.Rolls, v)
			sum += v
		}
	}
	res.Total = sum + e.Modifier
	return res
}

// RollString parses and rolls in one step.
func (r *Roller) RollString(raw string) (Result, error) {
	e, err := Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return r.Roll(e), nil
}
