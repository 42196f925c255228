// Package merge reconciles two copies of a spec record field by field using
// a fixed strategy table instead of a textual diff.
package merge

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ilocn/specwork/internal/spec"
)

// Strategy says how a field is combined.
type Strategy string

const (
	KeepBase       Strategy = "keep-base"
	TakeIncoming   Strategy = "take-incoming"
	SetUnion       Strategy = "set-union"
	MostRecentWins Strategy = "most-recent-wins"
	IncomingIfNew  Strategy = "incoming-if-new"
	Max            Strategy = "max"
)

// Field names, matching the frontmatter keys.
const (
	FieldID                 = "id"
	FieldKind               = "type"
	FieldStatus             = "status"
	FieldDrift              = "drift"
	FieldDependencies       = "depends_on"
	FieldTargetPaths        = "target_files"
	FieldLabels             = "labels"
	FieldBranch             = "branch"
	FieldCommits            = "commits"
	FieldCompletedAt        = "completed_at"
	FieldModel              = "model"
	FieldRetryCount         = "retry_count"
	FieldLastError          = "last_error"
	FieldNextRetryAt        = "next_retry_at"
	FieldApproval           = "approval"
	FieldLastVerified       = "last_verified"
	FieldVerificationStatus = "verification_status"
	FieldVersion            = "version"
	FieldUpdatedAt          = "updated_at"
	FieldBody               = "body"
)

// Table is the strategy for every spec field.
var Table = map[string]Strategy{
	FieldID:                 KeepBase,
	FieldKind:               KeepBase,
	FieldApproval:           KeepBase,
	FieldStatus:             TakeIncoming,
	FieldDrift:              TakeIncoming,
	FieldBranch:             TakeIncoming,
	FieldCompletedAt:        TakeIncoming,
	FieldModel:              TakeIncoming,
	FieldRetryCount:         TakeIncoming,
	FieldLastError:          TakeIncoming,
	FieldNextRetryAt:        TakeIncoming,
	FieldCommits:            SetUnion,
	FieldDependencies:       SetUnion,
	FieldTargetPaths:        SetUnion,
	FieldLabels:             SetUnion,
	FieldLastVerified:       MostRecentWins,
	FieldVerificationStatus: MostRecentWins,
	FieldUpdatedAt:          MostRecentWins,
	FieldBody:               IncomingIfNew,
	FieldVersion:            Max,
}

// FieldChange records a field whose merged value differs from base.
type FieldChange struct {
	Field    string
	Strategy Strategy
	Base     string
	Incoming string
	Result   string
}

func (c FieldChange) String() string {
	return fmt.Sprintf("%s (%s): %s -> %s", c.Field, c.Strategy, c.Base, c.Result)
}

// Result is the merged record and the report of what changed.
type Result struct {
	Spec    *spec.Spec
	Changes []FieldChange
}

// Merge combines base (the record on the base branch) with incoming (the
// copy from the work branch). Neither input is modified. Merging a record
// with itself returns an equal record and no changes.
func Merge(base, incoming *spec.Spec) Result {
	out := base.Clone()
	in := incoming.Clone()
	var changes []FieldChange

	note := func(field string, b, i, r any) {
		bs, is, rs := show(b), show(i), show(r)
		if bs != rs {
			changes = append(changes, FieldChange{Field: field, Strategy: Table[field], Base: bs, Incoming: is, Result: rs})
		}
	}

	if in.Status != "" {
		out.Status = in.Status
	}
	note(FieldStatus, base.Status, in.Status, out.Status)

	out.Drift = in.Drift
	note(FieldDrift, base.Drift, in.Drift, out.Drift)

	// branch, completed_at and model keep base when incoming is empty, so a
	// copy made before completion cannot erase evidence.
	out.Branch = takeString(base.Branch, in.Branch)
	note(FieldBranch, base.Branch, in.Branch, out.Branch)

	out.CompletedAt = takeTime(base.CompletedAt, in.CompletedAt)
	note(FieldCompletedAt, base.CompletedAt, in.CompletedAt, out.CompletedAt)

	out.Model = takeString(base.Model, in.Model)
	note(FieldModel, base.Model, in.Model, out.Model)

	out.RetryCount = in.RetryCount
	note(FieldRetryCount, base.RetryCount, in.RetryCount, out.RetryCount)

	out.LastError = in.LastError
	note(FieldLastError, base.LastError, in.LastError, out.LastError)

	out.NextRetryAt = in.NextRetryAt
	note(FieldNextRetryAt, base.NextRetryAt, in.NextRetryAt, out.NextRetryAt)

	out.Commits = union(base.Commits, in.Commits)
	note(FieldCommits, base.Commits, in.Commits, out.Commits)

	out.Dependencies = union(base.Dependencies, in.Dependencies)
	note(FieldDependencies, base.Dependencies, in.Dependencies, out.Dependencies)

	out.TargetPaths = union(base.TargetPaths, in.TargetPaths)
	note(FieldTargetPaths, base.TargetPaths, in.TargetPaths, out.TargetPaths)

	out.Labels = union(base.Labels, in.Labels)
	note(FieldLabels, base.Labels, in.Labels, out.Labels)

	if newer(in.LastVerified, base.LastVerified) {
		out.LastVerified = in.LastVerified
		out.VerificationStatus = in.VerificationStatus
	}
	note(FieldLastVerified, base.LastVerified, in.LastVerified, out.LastVerified)
	note(FieldVerificationStatus, base.VerificationStatus, in.VerificationStatus, out.VerificationStatus)

	if newer(in.UpdatedAt, base.UpdatedAt) {
		out.UpdatedAt = in.UpdatedAt
	}
	note(FieldUpdatedAt, base.UpdatedAt, in.UpdatedAt, out.UpdatedAt)

	if in.Body != "" && in.Body != base.Body {
		out.Body = in.Body
	}
	if out.Body != base.Body {
		changes = append(changes, FieldChange{Field: FieldBody, Strategy: Table[FieldBody], Base: summarize(base.Body), Incoming: summarize(in.Body), Result: summarize(out.Body)})
	}

	out.Version = max(base.Version, in.Version)
	note(FieldVersion, base.Version, in.Version, out.Version)

	return Result{Spec: out, Changes: changes}
}

func takeString(base, in string) string {
	if in == "" {
		return base
	}
	return in
}

func takeTime(base, in *time.Time) *time.Time {
	if in == nil {
		return base
	}
	return in
}

// newer reports whether in should win a most-recent comparison against
// base. Ties go to incoming.
func newer(in, base *time.Time) bool {
	switch {
	case in == nil:
		return false
	case base == nil:
		return true
	}
	return !in.Before(*base)
}

// union returns base followed by the incoming items base lacks.
func union[S ~[]string](base, in S) S {
	if len(in) == 0 {
		return slices.Clone(base)
	}
	out := slices.Clone(base)
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func show(v any) string {
	switch x := v.(type) {
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case []string:
		return "[" + strings.Join(x, ", ") + "]"
	case spec.StringList:
		return "[" + strings.Join(x, ", ") + "]"
	}
	return fmt.Sprint(v)
}

func summarize(body string) string {
	lines := strings.Count(body, "\n")
	if body != "" && !strings.HasSuffix(body, "\n") {
		lines++
	}
	return fmt.Sprintf("%d lines, %d bytes", lines, len(body))
}
