// Package graph computes readiness, cycles and dangling references over a
// set of spec records. A Graph is a snapshot: build a new one for every
// query instead of keeping one around.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ilocn/specwork/internal/spec"
)

var (
	// ErrCycle matches every cycle validation error.
	ErrCycle = errors.New("dependency cycle")
	// ErrDangling matches every dangling reference validation error.
	ErrDangling = errors.New("dangling dependency")
)

// Error wraps one validation failure with its kind.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func (e *Error) Unwrap() error { return e.Kind }

// ReadinessKind classifies a spec for scheduling.
type ReadinessKind int

const (
	// NotApplicable covers specs that are not pending or blocked.
	NotApplicable ReadinessKind = iota
	Ready
	Blocked
)

func (k ReadinessKind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	}
	return "n/a"
}

// Readiness is the scheduling verdict for one spec. Unmet lists dependency
// ids (and, for drivers, member ids) that are not completed. Reason explains
// a Blocked verdict that has no unmet ids.
type Readiness struct {
	Kind   ReadinessKind
	Unmet  []string
	Reason string
}

// Cycle is a strongly connected set of spec ids, sorted.
type Cycle []string

func (c Cycle) String() string {
	if len(c) == 1 {
		return c[0] + " -> " + c[0]
	}
	return strings.Join(c, " -> ") + " -> " + c[0]
}

// DanglingRef is a dependency that does not resolve.
type DanglingRef struct {
	SpecID string
	Ref    string
	Reason string
}

// StatusChange is a pending/blocked correction computed by Reconcile.
type StatusChange struct {
	ID    string
	From  spec.Status
	To    spec.Status
	Unmet []string
}

type external struct {
	sp  *spec.Spec
	err error
}

// Graph is a read-only dependency view over one repository's specs.
type Graph struct {
	byID     map[string]*spec.Spec
	ids      []string
	idx      *spec.Index
	external map[string]external
}

// Build snapshots specs. Cross-repository references ("alias:id") are
// resolved eagerly through resolver, which may be nil when no aliases are
// configured.
func Build(specs []*spec.Spec, resolver Resolver) *Graph {
	g := &Graph{
		byID:     make(map[string]*spec.Spec, len(specs)),
		idx:      spec.NewIndex(specs),
		external: make(map[string]external),
	}
	for _, s := range specs {
		g.byID[s.ID] = s
		g.ids = append(g.ids, s.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		for _, dep := range g.byID[id].Dependencies {
			alias, ref, qualified := SplitRef(dep)
			if !qualified {
				continue
			}
			if _, done := g.external[dep]; done {
				continue
			}
			if resolver == nil {
				g.external[dep] = external{err: fmt.Errorf("%w %q", ErrUnknownRepo, alias)}
				continue
			}
			sp, err := resolver.Resolve(alias, ref)
			g.external[dep] = external{sp: sp, err: err}
		}
	}
	return g
}

// SplitRef splits "alias:id" into its parts. qualified is false for a plain
// local id.
func SplitRef(ref string) (alias, id string, qualified bool) {
	alias, id, qualified = strings.Cut(ref, ":")
	if !qualified {
		return "", ref, false
	}
	return alias, id, true
}

// Get returns the spec with id, or nil.
func (g *Graph) Get(id string) *spec.Spec { return g.byID[id] }

// Index returns the driver/member index of the snapshot.
func (g *Graph) Index() *spec.Index { return g.idx }

// Specs returns every spec sorted by id.
func (g *Graph) Specs() []*spec.Spec {
	out := make([]*spec.Spec, len(g.ids))
	for i, id := range g.ids {
		out[i] = g.byID[id]
	}
	return out
}

// status looks up the status of a dependency reference.
func (g *Graph) status(ref string) (spec.Status, error) {
	if _, _, qualified := SplitRef(ref); qualified {
		ext := g.external[ref]
		if ext.err != nil {
			return "", ext.err
		}
		if ext.sp == nil {
			return "", spec.ErrNotFound
		}
		return ext.sp.Status, nil
	}
	s, ok := g.byID[ref]
	if !ok {
		return "", spec.ErrNotFound
	}
	return s.Status, nil
}

// UnmetDependencies returns the dependencies of id that are not completed,
// including unresolvable ones. A member also waits on its driver's
// dependencies.
func (g *Graph) UnmetDependencies(id string) []string {
	s := g.byID[id]
	if s == nil {
		return nil
	}
	deps := slices.Clone([]string(s.Dependencies))
	if driver, ok := g.idx.DriverOf(id); ok {
		for _, d := range g.byID[driver].Dependencies {
			if !slices.Contains(deps, d) && d != id {
				deps = append(deps, d)
			}
		}
	}
	var unmet []string
	for _, dep := range deps {
		st, err := g.status(dep)
		if err != nil || st != spec.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Readiness classifies id. A spec is Ready when it is pending, every
// dependency is completed, it needs no outstanding approval and, for a
// driver with members, every member is completed.
func (g *Graph) Readiness(id string) Readiness {
	s := g.byID[id]
	if s == nil || (s.Status != spec.StatusPending && s.Status != spec.StatusBlocked) {
		return Readiness{Kind: NotApplicable}
	}
	unmet := g.UnmetDependencies(id)
	unmet = append(unmet, g.idx.IncompleteMembers(id)...)
	if len(unmet) > 0 {
		return Readiness{Kind: Blocked, Unmet: unmet}
	}
	if s.Status == spec.StatusBlocked {
		return Readiness{Kind: Blocked, Reason: "dependencies met, awaiting reconcile"}
	}
	if a := s.Approval; a != nil && a.Required && a.Status != spec.ApprovalApproved {
		return Readiness{Kind: Blocked, Reason: "awaiting approval"}
	}
	return Readiness{Kind: Ready}
}

// Ready returns every Ready spec sorted by id.
func (g *Graph) Ready() []*spec.Spec {
	var out []*spec.Spec
	for _, id := range g.ids {
		if g.Readiness(id).Kind == Ready {
			out = append(out, g.byID[id])
		}
	}
	return out
}

// Reconcile returns the status corrections that restore the blocked
// invariant: pending specs with unmet dependencies become blocked, blocked
// specs whose dependencies are all completed become pending.
func (g *Graph) Reconcile() []StatusChange {
	var out []StatusChange
	for _, id := range g.ids {
		s := g.byID[id]
		unmet := g.UnmetDependencies(id)
		switch {
		case s.Status == spec.StatusPending && len(unmet) > 0:
			out = append(out, StatusChange{ID: id, From: spec.StatusPending, To: spec.StatusBlocked, Unmet: unmet})
		case s.Status == spec.StatusBlocked && len(unmet) == 0:
			out = append(out, StatusChange{ID: id, From: spec.StatusBlocked, To: spec.StatusPending})
		}
	}
	return out
}

// Dangling reports dependencies that name an unknown repository alias or an
// unknown spec id.
func (g *Graph) Dangling() []DanglingRef {
	var out []DanglingRef
	for _, id := range g.ids {
		for _, dep := range g.byID[id].Dependencies {
			_, err := g.status(dep)
			if err == nil {
				continue
			}
			reason := "unknown spec"
			if errors.Is(err, ErrUnknownRepo) {
				reason = "unknown repository"
			} else if !errors.Is(err, spec.ErrNotFound) {
				reason = err.Error()
			}
			out = append(out, DanglingRef{SpecID: id, Ref: dep, Reason: reason})
		}
	}
	return out
}

// DetectCycles runs Tarjan's strongly connected components over the local
// dependency edges. Every component with more than one spec, and every
// self-loop, is a cycle. Cycles are sorted by their first id.
func (g *Graph) DetectCycles() []Cycle {
	t := tarjan{
		g:       g,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, id := range g.ids {
		if _, seen := t.index[id]; !seen {
			t.strongConnect(id)
		}
	}
	var cycles []Cycle
	for _, comp := range t.components {
		if len(comp) > 1 || slices.Contains(g.byID[comp[0]].Dependencies, comp[0]) {
			sort.Strings(comp)
			cycles = append(cycles, Cycle(comp))
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// CheckCycles returns every dependency cycle joined into one error, or nil.
func (g *Graph) CheckCycles() error {
	var errs []error
	for _, c := range g.DetectCycles() {
		errs = append(errs, &Error{Kind: ErrCycle, Msg: c.String()})
	}
	return errors.Join(errs...)
}

// Validate returns every cycle and dangling reference joined into one error,
// or nil.
func (g *Graph) Validate() error {
	var errs []error
	if err := g.CheckCycles(); err != nil {
		errs = append(errs, err)
	}
	for _, d := range g.Dangling() {
		errs = append(errs, &Error{Kind: ErrDangling, Msg: fmt.Sprintf("%s depends on %s (%s)", d.SpecID, d.Ref, d.Reason)})
	}
	return errors.Join(errs...)
}

// localDeps returns the dependencies of id that are specs in this graph.
func (g *Graph) localDeps(id string) []string {
	var out []string
	for _, dep := range g.byID[id].Dependencies {
		if _, ok := g.byID[dep]; ok {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

type tarjan struct {
	g          *Graph
	next       int
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.g.localDeps(v) {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, comp)
}
