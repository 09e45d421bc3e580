// Package fsm holds the transition-table primitives shared by the agent and
// issue state machines.
package fsm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Table maps a state to the states it may move to. States absent from the
// table have no outgoing transitions.
type Table[S ~string] map[S][]S

// Can reports whether from → to is an allowed edge.
func (t Table[S]) Can(from, to S) bool {
	return slices.Contains(t[from], to)
}

// Allowed returns a copy of the outgoing edges for from.
func (t Table[S]) Allowed(from S) []S {
	return slices.Clone(t[from])
}

// Strings renders the outgoing edges of from as plain strings.
func (t Table[S]) Strings(from S) []string {
	out := make([]string, 0, len(t[from]))
	for _, s := range t[from] {
		out = append(out, string(s))
	}
	return out
}

// Check returns a *TransitionError when from → to is not in the table.
func (t Table[S]) Check(entity, id string, from, to S) error {
	if t.Can(from, to) {
		return nil
	}
	return &TransitionError{
		Entity: entity,
		ID:     id,
		From:   string(from),
		To:     string(to),
		Valid:  t.Strings(from),
	}
}

// ErrInvalidTransition matches every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError is returned when a state machine is asked to take an edge
// that is not in its table. It carries enough context for the caller to pick a
// valid target.
type TransitionError struct {
	Entity string   `json:"entity"`
	ID     string   `json:"id,omitempty"`
	From   string   `json:"current_state"`
	To     string   `json:"requested_state"`
	Valid  []string `json:"validTransitions"`
}

func (e *TransitionError) Error() string {
	valid := "none"
	if len(e.Valid) > 0 {
		valid = strings.Join(e.Valid, ", ")
	}
	if e.ID != "" {
		return fmt.Sprintf("invalid transition for %s %s: %s -> %s (valid: %s)", e.Entity, e.ID, e.From, e.To, valid)
	}
	return fmt.Sprintf("invalid transition for %s: %s -> %s (valid: %s)", e.Entity, e.From, e.To, valid)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
