package constraint

import (
	"math"
	"strings"
)

// Number is the set of quantities a Constraint can hold.
type Number interface {
	~int | ~int64 | ~float64
}

// Step is one accepted proposal. Previous equals Value when the proposal tied
// the current value.
type Step[T Number] struct {
	Contributor string
	Previous    T
	Value       T
	Reason      string
}

// Constraint is a narrowing container for one quantity.
type Constraint[T Number] struct {
	kind      Kind
	initial   T
	value     T
	direction Direction
	steps     []Step[T]
}

// New returns a constraint for kind starting at initial, narrowing in the kind's
// direction.
func New[T Number](kind Kind, initial T) *Constraint[T] {
	return NewWithDirection(kind, initial, kind.Direction())
}

// NewWithDirection returns a constraint with an explicit direction.
func NewWithDirection[T Number](kind Kind, initial T, dir Direction) *Constraint[T] {
	return &Constraint[T]{
		kind:      kind,
		initial:   initial,
		value:     initial,
		direction: dir,
	}
}

func (c *Constraint[T]) Kind() Kind           { return c.kind }
func (c *Constraint[T]) Value() T             { return c.value }
func (c *Constraint[T]) Initial() T           { return c.initial }
func (c *Constraint[T]) Direction() Direction { return c.direction }

// Narrowed reports whether the value moved away from the initial value.
func (c *Constraint[T]) Narrowed() bool {
	return c.value != c.initial
}

// Steps returns a copy of the history.
func (c *Constraint[T]) Steps() []Step[T] {
	out := make([]Step[T], len(c.steps))
	copy(out, c.steps)
	return out
}

// Propose offers v on behalf of contributor. Looser proposals are ignored;
// a proposal equal to the current value is recorded without changing it.
// It reports whether the proposal was recorded.
func (c *Constraint[T]) Propose(contributor string, v T, reason string) bool {
	if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	if c.looser(v) {
		return false
	}
	c.steps = append(c.steps, Step[T]{
		Contributor: contributor,
		Previous:    c.value,
		Value:       v,
		Reason:      reason,
	})
	c.value = v
	return true
}

func (c *Constraint[T]) looser(v T) bool {
	if c.direction == Minimum {
		return v < c.value
	}
	return v > c.value
}

// proposeFloat converts v to T, rounding integral quantities toward the
// restrictive side.
func (c *Constraint[T]) proposeFloat(contributor string, v float64, reason string) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if isInteger[T]() {
		if c.direction == Minimum {
			v = math.Ceil(v)
		} else {
			v = math.Floor(v)
		}
		if v >= math.MaxInt64 || v <= math.MinInt64 {
			return false
		}
	}
	return c.Propose(contributor, T(v), reason)
}

func isInteger[T Number]() bool {
	half := 0.5
	return T(half) == 0
}

// Reasons returns the reason of every step, prefixed with its contributor.
func (c *Constraint[T]) Reasons() []string {
	out := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		out = append(out, formatReason(s.Contributor, s.Reason))
	}
	return out
}

// MostRestrictiveReasons returns the reasons of the steps that produced the final
// value, including ties.
func (c *Constraint[T]) MostRestrictiveReasons() []string {
	var out []string
	for _, s := range c.steps {
		if s.Value == c.value {
			out = append(out, formatReason(s.Contributor, s.Reason))
		}
	}
	return out
}

// ReasonText joins Reasons with newlines.
func (c *Constraint[T]) ReasonText() string {
	return strings.Join(c.Reasons(), "\n")
}

func formatReason(contributor, reason string) string {
	if contributor == "" {
		return reason
	}
	return contributor + ": " + reason
}

// Narrower is the view of a constraint handed to contributors. Narrow can only
// tighten; proposals in the wrong direction and NaN or infinite values are ignored.
type Narrower interface {
	Kind() Kind
	Current() float64
	Initial() float64
	Narrow(v float64, reason string)
}

type narrower[T Number] struct {
	c    *Constraint[T]
	from string
}

func (n narrower[T]) Kind() Kind       { return n.c.kind }
func (n narrower[T]) Current() float64 { return float64(n.c.value) }
func (n narrower[T]) Initial() float64 { return float64(n.c.initial) }

func (n narrower[T]) Narrow(v float64, reason string) {
	n.c.proposeFloat(n.from, v, reason)
}

// Limit narrows n to v with the standard reason for its kind.
func Limit(n Narrower, v float64, because string) {
	n.Narrow(v, LimitingReason(n.Kind(), v, because))
}
