package lifecycle

import (
	"fmt"
	"strings"

	"github.com/ilocn/specwork/internal/spec"
)

// Precondition is a named predicate attached to one transition.
type Precondition interface {
	Name() string
	Check(s *spec.Spec) error
}

// PreconditionFunc adapts a function into a Precondition.
func PreconditionFunc(name string, fn func(*spec.Spec) error) Precondition {
	return funcCheck{name: name, fn: fn}
}

type funcCheck struct {
	name string
	fn   func(*spec.Spec) error
}

func (f funcCheck) Name() string             { return f.name }
func (f funcCheck) Check(s *spec.Spec) error { return f.fn(s) }

// Check names.
const (
	CheckCleanTree    = "clean_tree"
	CheckDependencies = "dependencies_completed"
	CheckCriteria     = "criteria_checked"
	CheckCommits      = "has_commits"
	CheckMembers      = "members_completed"
	CheckApproval     = "approval_granted"
)

func violation(check string, s *spec.Spec, format string, args ...any) *Violation {
	return &Violation{Check: check, SpecID: s.ID, Detail: fmt.Sprintf(format, args...)}
}

// CleanTree requires status to report no uncommitted changes. status returns
// porcelain lines for the working tree the spec executed in.
func CleanTree(status func() ([]string, error)) Precondition {
	return PreconditionFunc(CheckCleanTree, func(s *spec.Spec) error {
		lines, err := status()
		if err != nil {
			return violation(CheckCleanTree, s, "reading tree status: %v", err)
		}
		if len(lines) > 0 {
			return violation(CheckCleanTree, s, "%d uncommitted change(s): %s", len(lines), strings.Join(firstN(lines, 3), "; "))
		}
		return nil
	})
}

// DependencyChecker reports the dependencies of a spec that are not completed.
// *graph.Graph satisfies it.
type DependencyChecker interface {
	UnmetDependencies(id string) []string
}

// DependenciesCompleted requires every dependency to be completed.
func DependenciesCompleted(deps DependencyChecker) Precondition {
	return PreconditionFunc(CheckDependencies, func(s *spec.Spec) error {
		if unmet := deps.UnmetDependencies(s.ID); len(unmet) > 0 {
			return violation(CheckDependencies, s, "waiting on %s", strings.Join(unmet, ", "))
		}
		return nil
	})
}

// CriteriaChecked requires every acceptance criteria checkbox to be checked.
func CriteriaChecked() Precondition {
	return PreconditionFunc(CheckCriteria, func(s *spec.Spec) error {
		if n := s.UncheckedCriteria(); n > 0 {
			return violation(CheckCriteria, s, "%d unchecked acceptance criteria", n)
		}
		return nil
	})
}

// HasCommits requires at least one commit since the branch point. count
// returns the number of commits on the work branch.
func HasCommits(count func() (int, error)) Precondition {
	return PreconditionFunc(CheckCommits, func(s *spec.Spec) error {
		n, err := count()
		if err != nil {
			return violation(CheckCommits, s, "counting commits: %v", err)
		}
		if n == 0 {
			return violation(CheckCommits, s, "no commits since branch point")
		}
		return nil
	})
}

// MembersCompleted requires a driver to have at least one member and every
// member completed.
func MembersCompleted(idx *spec.Index) Precondition {
	return PreconditionFunc(CheckMembers, func(s *spec.Spec) error {
		members := idx.Members(s.ID)
		if len(members) == 0 {
			return violation(CheckMembers, s, "driver has no members")
		}
		if open := idx.IncompleteMembers(s.ID); len(open) > 0 {
			return violation(CheckMembers, s, "incomplete members: %s", strings.Join(open, ", "))
		}
		return nil
	})
}

// ApprovalGranted requires approval when the spec asks for it.
func ApprovalGranted() Precondition {
	return PreconditionFunc(CheckApproval, func(s *spec.Spec) error {
		a := s.Approval
		if a == nil || !a.Required || a.Status == spec.ApprovalApproved {
			return nil
		}
		status := a.Status
		if status == "" {
			status = spec.ApprovalPending
		}
		return violation(CheckApproval, s, "approval is %s", status)
	})
}

func firstN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return append(lines[:n:n], fmt.Sprintf("... %d more", len(lines)-n))
}
