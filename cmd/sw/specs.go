package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/ilocn/specwork/internal/agent"
	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/engine"
	"github.com/ilocn/specwork/internal/graph"
	"github.com/ilocn/specwork/internal/idgen"
	"github.com/ilocn/specwork/internal/lock"
	"github.com/ilocn/specwork/internal/sandbox"
	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

// ─── init ────────────────────────────────────────────────────────────────────

type InitCmd struct {
	Dir     string   `arg:"" optional:"" default:"." help:"Repository root to set up."`
	Base    string   `help:"Base branch work is merged into (default: the repository's default branch)."`
	Prefix  string   `default:"sw/" help:"Prefix for work branches."`
	Agent   string   `default:"claude" enum:"claude,command" help:"Agent provider (claude or command)."`
	Command string   `help:"Agent executable when --agent=command."`
	Repo    []string `name:"repo" help:"Register another repository for cross-repo dependencies as alias=path (repeatable)."`
}

func (c *InitCmd) Run(ctx context.Context, g *Globals) error {
	repos, err := splitPairs("repo", c.Repo)
	if err != nil {
		return err
	}
	cfg := config.Default()
	cfg.BaseBranch = c.Base
	cfg.BranchPrefix = c.Prefix
	cfg.Agent.Provider = c.Agent
	cfg.Agent.Command = c.Command
	if len(repos) > 0 {
		cfg.Repos = repos
	}

	ws, err := workspace.Init(ctx, c.Dir, cfg)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	out := g.Out()
	fmt.Fprintf(out, "initialized specwork workspace at %s\n", ws.Root)
	fmt.Fprintf(out, "built-in prompts: %s\n", strings.Join(agent.EmbeddedNames(), ", "))
	for alias, path := range ws.Config.Repos {
		fmt.Fprintf(out, "repo: %s → %s\n", alias, path)
	}
	fmt.Fprintln(out, "tip: add a spec with: sw add \"<title>\"")
	return nil
}

// ─── prompts ─────────────────────────────────────────────────────────────────

type PromptsCmd struct{}

func (c *PromptsCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	docs, err := agent.ListDocs(ws.PromptsDir())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(g.Out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tSOURCE\tDESCRIPTION")
	for _, d := range docs {
		model := d.Model
		if model == "" {
			model = "-"
		}
		src := d.Source
		if rel, err := filepath.Rel(ws.Root, src); err == nil && !strings.HasPrefix(rel, "..") {
			src = rel
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, model, src, truncate(d.Description, 60))
	}
	return w.Flush()
}

// ─── add ─────────────────────────────────────────────────────────────────────

type AddCmd struct {
	Title           string   `arg:"" help:"Spec title, used as the first heading of the body."`
	ID              string   `help:"Spec id (default: generated)."`
	Type            string   `short:"t" help:"Spec type: code, task, driver, documentation or research."`
	Driver          string   `help:"Add the spec as the next member of this driver."`
	DependsOn       []string `name:"depends-on" short:"d" sep:"," help:"Dependency ids; alias:id for another repository."`
	Labels          []string `name:"label" short:"l" sep:"," help:"Labels."`
	Targets         []string `name:"target" sep:"," help:"Files the spec is expected to touch."`
	Criteria        []string `name:"criterion" help:"Acceptance criterion (repeatable)."`
	BodyFile        string   `name:"body-file" type:"existingfile" help:"Read the markdown body from a file."`
	RequireApproval bool     `name:"require-approval" help:"Require sw approve before the spec may start."`
}

func (c *AddCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	id := c.ID
	if c.Driver != "" {
		if id != "" {
			return errors.New("--id and --driver cannot be combined")
		}
		if id, err = nextMember(e.Store, c.Driver); err != nil {
			return err
		}
	}
	body, err := c.body()
	if err != nil {
		return err
	}
	s := &spec.Spec{
		ID:           id,
		Kind:         spec.Kind(c.Type),
		Dependencies: c.DependsOn,
		Labels:       c.Labels,
		TargetPaths:  c.Targets,
		Body:         body,
	}
	if c.RequireApproval {
		s.Approval = &spec.Approval{Required: true, Status: spec.ApprovalPending}
	}
	if err := e.Store.Create(s); err != nil {
		return fmt.Errorf("creating spec: %w", err)
	}
	if _, err := e.Reconcile(); err != nil {
		return err
	}
	cur, err := e.Store.Load(s.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "added spec %s (%s): %s\n", cur.ID, cur.Status, c.Title)
	return nil
}

func (c *AddCmd) body() (string, error) {
	if c.BodyFile != "" {
		data, err := os.ReadFile(c.BodyFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", c.Title)
	if len(c.Criteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n\n")
		for _, cr := range c.Criteria {
			fmt.Fprintf(&b, "- [ ] %s\n", cr)
		}
	}
	return b.String(), nil
}

// nextMember returns the id for a new member of driver, numbered after the
// highest existing member.
func nextMember(st *spec.Store, driver string) (string, error) {
	if _, err := st.Load(driver); err != nil {
		return "", fmt.Errorf("driver %s: %w", driver, err)
	}
	specs, err := st.List()
	if err != nil {
		return "", err
	}
	n := 1
	for _, id := range spec.NewIndex(specs).Members(driver) {
		if _, m, ok := idgen.SplitMember(id); ok && m >= n {
			n = m + 1
		}
	}
	return idgen.MemberID(driver, n), nil
}

// ─── list ────────────────────────────────────────────────────────────────────

type ListCmd struct {
	Status string   `short:"s" help:"Only specs with this status."`
	Labels []string `name:"label" short:"l" sep:"," help:"Only specs carrying any of these labels."`
}

func (c *ListCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	gr, err := e.Graph()
	if err != nil {
		return err
	}
	var shown []*spec.Spec
	for _, s := range gr.Specs() {
		if c.Status != "" && string(s.Status) != c.Status {
			continue
		}
		if len(c.Labels) > 0 && !hasAnyLabel(s, c.Labels) {
			continue
		}
		shown = append(shown, s)
	}
	if len(shown) == 0 {
		fmt.Fprintln(g.Out(), "no specs")
		return nil
	}
	w := tabwriter.NewWriter(g.Out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tREADINESS\tDEPENDS ON\tLABELS\tTITLE")
	for _, s := range shown {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.EffectiveKind(), readinessText(gr, s.ID),
			joinOrDash(s.Dependencies), joinOrDash(s.Labels), truncate(title(s), 50))
	}
	return w.Flush()
}

func hasAnyLabel(s *spec.Spec, labels []string) bool {
	for _, l := range labels {
		if s.HasLabel(l) {
			return true
		}
	}
	return false
}

// title returns the first markdown heading of the body, or its first line.
func title(s *spec.Spec) string {
	for _, line := range strings.Split(s.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "#"))
	}
	return ""
}

func readinessText(gr *graph.Graph, id string) string {
	r := gr.Readiness(id)
	switch {
	case r.Kind != graph.Blocked:
		return r.Kind.String()
	case len(r.Unmet) > 0:
		return "blocked by " + strings.Join(r.Unmet, ",")
	}
	return "blocked: " + r.Reason
}

// ─── show ────────────────────────────────────────────────────────────────────

type ShowCmd struct {
	ID  string `arg:"" help:"Spec ID."`
	Raw bool   `help:"Print the record file as stored."`
}

func (c *ShowCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Store.Load(c.ID)
	if err != nil {
		return err
	}
	out := g.Out()
	if c.Raw {
		data, err := spec.Render(s)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	gr, err := e.Graph()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "ID:         %s\n", s.ID)
	fmt.Fprintf(out, "Status:     %s\n", s.Status)
	fmt.Fprintf(out, "Type:       %s\n", s.EffectiveKind())
	if r := gr.Readiness(s.ID); r.Kind != graph.NotApplicable {
		fmt.Fprintf(out, "Readiness:  %s\n", readinessText(gr, s.ID))
	}
	if len(s.Dependencies) > 0 {
		fmt.Fprintf(out, "Depends on: %s\n", strings.Join(s.Dependencies, ", "))
	}
	if members := gr.Index().Members(s.ID); len(members) > 0 {
		fmt.Fprintf(out, "Members:    %s\n", strings.Join(members, ", "))
	}
	if len(s.Labels) > 0 {
		fmt.Fprintf(out, "Labels:     %s\n", strings.Join(s.Labels, ", "))
	}
	if checked, unchecked := spec.Criteria(s.Body); checked+unchecked > 0 {
		fmt.Fprintf(out, "Criteria:   %d/%d checked\n", checked, checked+unchecked)
	}
	if s.Approval != nil && s.Approval.Required {
		fmt.Fprintf(out, "Approval:   %s", s.Approval.Status)
		if s.Approval.By != "" {
			fmt.Fprintf(out, " by %s at %s", s.Approval.By, fmtTime(s.Approval.At))
		}
		fmt.Fprintln(out)
	}
	if s.Branch != "" {
		fmt.Fprintf(out, "Branch:     %s\n", s.Branch)
	}
	if len(s.Commits) > 0 {
		fmt.Fprintf(out, "Commits:    %s\n", strings.Join(s.Commits, ", "))
	}
	if s.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:  %s (%s)\n", fmtTime(s.CompletedAt), s.Model)
	}
	if s.RetryCount > 0 {
		fmt.Fprintf(out, "Retries:    %d\n", s.RetryCount)
	}
	if s.NextRetryAt != nil {
		fmt.Fprintf(out, "Next retry: %s\n", fmtTime(s.NextRetryAt))
	}
	if s.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", firstLine(s.LastError))
	}
	if s.VerificationStatus != "" {
		fmt.Fprintf(out, "Verified:   %s at %s\n", s.VerificationStatus, fmtTime(s.LastVerified))
	}
	if s.Drift {
		fmt.Fprintln(out, "Drift:      yes")
	}

	entry, err := e.Locks.Inspect(s.ID)
	if err != nil {
		return err
	}
	if entry.State != lock.StateAbsent {
		fmt.Fprintf(out, "Lock:       %s by pid %d%s, %s old\n", entry.State, entry.OwnerPID(), detachedNote(entry), fmtAge(entry.AcquiredAt))
	}
	if sb, ok := e.Sandboxes.Get(s.ID); ok {
		fmt.Fprintf(out, "Sandbox:    %s\n", sb.Path)
		if mk, err := sandbox.ReadMarker(sb.Path); err == nil {
			fmt.Fprintf(out, "Marker:     %s, %s ago\n", mk.Status, fmtAge(mk.UpdatedAt))
		}
		if changes, err := e.Sandboxes.ChangedFiles(ctx, sb); err == nil && len(changes) > 0 {
			fmt.Fprintln(out, "Changes:")
			for _, fc := range changes {
				fmt.Fprintf(out, "  %s +%d -%d\n", fc.Path, fc.Added, fc.Deleted)
			}
		}
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, s.Body)
	return nil
}

func detachedNote(e lock.Entry) string {
	if e.Detached {
		return " (detached)"
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// ─── ready ───────────────────────────────────────────────────────────────────

type ReadyCmd struct {
	All bool `help:"Also list blocked specs and what they wait on."`
}

func (c *ReadyCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	gr, err := e.Graph()
	if err != nil {
		return err
	}
	out := g.Out()
	ready := 0
	for _, s := range gr.Ready() {
		if gr.Index().IsDriver(s.ID) {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", s.ID, title(s))
		ready++
	}
	if c.All {
		for _, s := range gr.Specs() {
			if r := gr.Readiness(s.ID); r.Kind == graph.Blocked {
				fmt.Fprintf(out, "%s\t%s\n", s.ID, readinessText(gr, s.ID))
			}
		}
	}
	if ready == 0 {
		return engine.ErrNothingToDo
	}
	return nil
}

// ─── lint ────────────────────────────────────────────────────────────────────

type LintCmd struct{}

func (c *LintCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	out := g.Out()
	var problems int
	report := func(format string, args ...any) {
		problems++
		fmt.Fprintf(out, "error: "+format+"\n", args...)
	}

	entries, err := os.ReadDir(e.Store.Dir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".md" {
			continue
		}
		id := strings.TrimSuffix(de.Name(), ".md")
		s, err := e.Store.Load(id)
		if err != nil {
			report("%s: %v", id, err)
			continue
		}
		if err := s.Validate(); err != nil {
			report("%v", err)
		}
	}

	gr, err := e.Graph()
	if err != nil {
		return err
	}
	for _, cyc := range gr.DetectCycles() {
		report("dependency cycle: %s", cyc)
	}
	for _, d := range gr.Dangling() {
		report("%s depends on %s: %s", d.SpecID, d.Ref, d.Reason)
	}
	for _, ch := range gr.Reconcile() {
		fmt.Fprintf(out, "warning: %s is %s but should be %s (run sw recover)\n", ch.ID, ch.From, ch.To)
	}
	for _, s := range gr.Specs() {
		if s.Drift {
			fmt.Fprintf(out, "warning: %s has drifted from the code it documents\n", s.ID)
		}
	}
	if problems > 0 {
		return fmt.Errorf("lint found %d problem(s)", problems)
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// ─── approve / reject / verify ───────────────────────────────────────────────

type ApproveCmd struct {
	ID string `arg:"" help:"Spec ID."`
	By string `help:"Who approves (default: $USER)."`
}

func (c *ApproveCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Approve(c.ID, approver(c.By))
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "approved %s by %s\n", s.ID, s.Approval.By)
	return nil
}

type RejectCmd struct {
	ID string `arg:"" help:"Spec ID."`
	By string `help:"Who rejects (default: $USER)."`
}

func (c *RejectCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Reject(c.ID, approver(c.By))
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "rejected %s by %s\n", s.ID, s.Approval.By)
	return nil
}

func approver(by string) string {
	if by != "" {
		return by
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

type VerifyCmd struct {
	ID     string `arg:"" help:"Spec ID."`
	Status string `required:"" enum:"passed,failed,partial" help:"Verification result: passed, failed or partial."`
}

func (c *VerifyCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.Engine(ctx)
	if err != nil {
		return err
	}
	s, err := e.Verify(c.ID, c.Status)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out(), "verified %s: %s\n", s.ID, s.VerificationStatus)
	return nil
}
