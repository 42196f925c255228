package spec

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a spec.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending, StatusBlocked, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Kind discriminates spec variants.
type Kind string

const (
	KindCode          Kind = "code"
	KindTask          Kind = "task"
	KindDriver        Kind = "driver"
	KindDocumentation Kind = "documentation"
	KindResearch      Kind = "research"
)

// Valid reports whether k is a known kind. The empty kind means code.
func (k Kind) Valid() bool {
	switch k {
	case "", KindCode, KindTask, KindDriver, KindDocumentation, KindResearch:
		return true
	}
	return false
}

// TracksDrift reports whether specs of this kind carry a drift flag.
func (k Kind) TracksDrift() bool {
	return k == KindDocumentation || k == KindResearch
}

// Approval gates entry into in_progress.
type Approval struct {
	Required bool       `yaml:"required"`
	Status   string     `yaml:"status,omitempty"` // pending, approved, rejected
	By       string     `yaml:"by,omitempty"`
	At       *time.Time `yaml:"at,omitempty"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Spec is one unit of work: YAML frontmatter plus a markdown body.
type Spec struct {
	ID     string `yaml:"-"`
	Kind   Kind   `yaml:"type,omitempty"`
	Status Status `yaml:"status"`
	Drift  bool   `yaml:"drift,omitempty"`

	Dependencies StringList `yaml:"depends_on,omitempty"`
	TargetPaths  StringList `yaml:"target_files,omitempty"`
	Labels       StringList `yaml:"labels,omitempty"`

	Branch      string     `yaml:"branch,omitempty"`
	Commits     []string   `yaml:"commits,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
	Model       string     `yaml:"model,omitempty"`

	RetryCount  int        `yaml:"retry_count,omitempty"`
	LastError   string     `yaml:"last_error,omitempty"`
	NextRetryAt *time.Time `yaml:"next_retry_at,omitempty"`

	Approval *Approval `yaml:"approval,omitempty"`

	LastVerified       *time.Time `yaml:"last_verified,omitempty"`
	VerificationStatus string     `yaml:"verification_status,omitempty"`

	Version   int64      `yaml:"version,omitempty"`
	UpdatedAt *time.Time `yaml:"updated_at,omitempty"`

	Body string `yaml:"-"`
}

// EffectiveKind returns Kind, defaulting to code.
func (s *Spec) EffectiveKind() Kind {
	if s.Kind == "" {
		return KindCode
	}
	return s.Kind
}

// HasLabel reports whether the spec carries label l.
func (s *Spec) HasLabel(l string) bool {
	return slices.Contains(s.Labels, l)
}

// Validate checks required fields and enum values.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if s.Status == "" {
		return fmt.Errorf("%w: status (spec %s)", ErrMissingField, s.ID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("spec %s: unknown status %q", s.ID, s.Status)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("spec %s: unknown type %q", s.ID, s.Kind)
	}
	for _, d := range s.Dependencies {
		if d == s.ID {
			return fmt.Errorf("spec %s depends on itself", s.ID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	c := *s
	c.Dependencies = slices.Clone(s.Dependencies)
	c.TargetPaths = slices.Clone(s.TargetPaths)
	c.Labels = slices.Clone(s.Labels)
	c.Commits = slices.Clone(s.Commits)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.NextRetryAt = cloneTime(s.NextRetryAt)
	c.LastVerified = cloneTime(s.LastVerified)
	c.UpdatedAt = cloneTime(s.UpdatedAt)
	if s.Approval != nil {
		a := *s.Approval
		a.At = cloneTime(s.Approval.At)
		c.Approval = &a
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t truncated to the second in UTC, the
// precision records are stored at.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC().Truncate(time.Second)
	return &v
}

// StringList is a list that also accepts a single scalar in YAML.
type StringList []string

// UnmarshalYAML accepts `key: a` as well as `key: [a, b]`.
func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" || n.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{n.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", n.Line)
}
