// Package lifecycle owns the spec status state machine: the table of legal
// edges and the evaluation of caller-supplied preconditions. It knows nothing
// about worktrees or agents.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ilocn/specwork/internal/spec"
)

var (
	// ErrIllegalTransition matches every *IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrPrecondition matches every *Violation.
	ErrPrecondition = errors.New("precondition failed")
)

// edges is the legal-edge table. pending->blocked is the reconcile edge used
// when a pending spec is found to have unmet dependencies.
var edges = map[spec.Status][]spec.Status{
	spec.StatusPending:    {spec.StatusInProgress, spec.StatusBlocked, spec.StatusCancelled},
	spec.StatusBlocked:    {spec.StatusPending, spec.StatusCancelled},
	spec.StatusInProgress: {spec.StatusCompleted, spec.StatusFailed},
	spec.StatusCompleted:  {spec.StatusCancelled},
	spec.StatusFailed:     {spec.StatusPending, spec.StatusCancelled},
	spec.StatusCancelled:  nil,
}

// now stamps UpdatedAt on transitioned records.
var now = time.Now

// IllegalTransitionError reports an edge that is not in the table.
type IllegalTransitionError struct {
	SpecID string
	From   spec.Status
	To     spec.Status
}

func (e *IllegalTransitionError) Error() string {
	next := Targets(e.From)
	if len(next) == 0 {
		return fmt.Sprintf("spec %s: cannot move from %s to %s (%s is terminal)", e.SpecID, e.From, e.To, e.From)
	}
	names := make([]string, len(next))
	for i, st := range next {
		names[i] = string(st)
	}
	return fmt.Sprintf("spec %s: cannot move from %s to %s (allowed: %s)", e.SpecID, e.From, e.To, strings.Join(names, ", "))
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// Violation names the first precondition that did not hold.
type Violation struct {
	Check  string
	SpecID string
	Detail string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("spec %s: %s not satisfied", v.SpecID, v.Check)
	}
	return fmt.Sprintf("spec %s: %s not satisfied: %s", v.SpecID, v.Check, v.Detail)
}

func (v *Violation) Unwrap() error { return ErrPrecondition }

// Legal reports whether from->to is in the edge table.
func Legal(from, to spec.Status) bool {
	return slices.Contains(edges[from], to)
}

// Targets returns the statuses reachable from from in one step.
func Targets(from spec.Status) []spec.Status {
	return slices.Clone(edges[from])
}

// CanTransition checks the edge and then each precondition in order. It
// returns nil, an *IllegalTransitionError or the first *Violation.
func CanTransition(s *spec.Spec, to spec.Status, pre ...Precondition) error {
	if !Legal(s.Status, to) {
		return &IllegalTransitionError{SpecID: s.ID, From: s.Status, To: to}
	}
	for _, p := range pre {
		if err := p.Check(s); err != nil {
			var v *Violation
			if errors.As(err, &v) {
				if v.SpecID == "" {
					v.SpecID = s.ID
				}
				return v
			}
			return &Violation{Check: p.Name(), SpecID: s.ID, Detail: err.Error()}
		}
	}
	return nil
}

// Transition returns a copy of s moved to status to with Version+1 and a
// fresh UpdatedAt. s is never modified, and nothing changes on error.
func Transition(s *spec.Spec, to spec.Status, pre ...Precondition) (*spec.Spec, error) {
	if err := CanTransition(s, to, pre...); err != nil {
		return nil, err
	}
	next := s.Clone()
	next.Status = to
	next.Version = s.Version + 1
	next.UpdatedAt = spec.TimePtr(now())
	return next, nil
}

// Store is the persistence Apply needs. *spec.Store satisfies it.
type Store interface {
	Load(id string) (*spec.Spec, error)
	Replace(sp *spec.Spec, expect int64) error
}

// Apply loads id, transitions it and writes it back if the record has not
// changed on disk in the meantime.
func Apply(st Store, id string, to spec.Status, pre ...Precondition) (*spec.Spec, error) {
	return ApplyFunc(st, id, to, nil, pre...)
}

// ApplyFunc is Apply with an extra mutation, such as completion evidence,
// applied to the transitioned record before it is written. Preconditions see
// the record as loaded.
func ApplyFunc(st Store, id string, to spec.Status, mutate func(*spec.Spec), pre ...Precondition) (*spec.Spec, error) {
	cur, err := st.Load(id)
	if err != nil {
		return nil, err
	}
	next, err := Transition(cur, to, pre...)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(next)
		next.Status = to
		next.Version = cur.Version + 1
	}
	if err := st.Replace(next, cur.Version); err != nil {
		return nil, err
	}
	return next, nil
}
