package agent

import (
	"fmt"
	"strings"

	"github.com/ilocn/specwork/internal/spec"
)

// PromptContext is what a prompt document is rendered against.
type PromptContext struct {
	Spec     *spec.Spec
	SpecFile string
	Sandbox  string
	Branch   string
	Attempt  int
}

// Render substitutes the {{...}} placeholders of doc and appends the
// execution environment and commit instructions the agent always needs.
func Render(doc *Doc, pc PromptContext) string {
	sp := pc.Spec
	r := strings.NewReplacer(
		"{{spec.id}}", sp.ID,
		"{{spec.body}}", sp.Body,
		"{{spec.file}}", pc.SpecFile,
		"{{spec.target_files}}", strings.Join(sp.TargetPaths, "\n"),
		"{{spec}}", formatSpec(sp),
		"{{sandbox.path}}", pc.Sandbox,
		"{{sandbox.branch}}", pc.Branch,
	)
	var b strings.Builder
	b.WriteString(r.Replace(doc.Body))

	b.WriteString("\n\n## Execution environment\n\n")
	fmt.Fprintf(&b, "- Working directory: `%s`\n", pc.Sandbox)
	fmt.Fprintf(&b, "- Branch: `%s`\n", pc.Branch)
	fmt.Fprintf(&b, "- Spec record: `%s`\n", pc.SpecFile)
	if pc.Attempt > 1 {
		fmt.Fprintf(&b, "- This is attempt %d.", pc.Attempt)
		if sp.LastError != "" {
			b.WriteString(" The previous attempt failed with:\n\n```\n")
			b.WriteString(strings.TrimSpace(sp.LastError))
			b.WriteString("\n```\n")
		} else {
			b.WriteString("\n")
		}
	}
	b.WriteString("- Changes stay on this branch until they are merged.\n")

	if !strings.Contains(strings.ToLower(b.String()), "commit your work") {
		b.WriteString("\n## Commit your work\n\n")
		fmt.Fprintf(&b, "Commit every change before finishing, for example `git commit -am \"%s: <summary>\"`.\n", sp.ID)
		b.WriteString("Uncommitted changes are discarded when the sandbox is removed.\n")
	}
	return b.String()
}

func formatSpec(sp *spec.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Spec ID: %s\n\n", sp.ID)
	b.WriteString(strings.TrimSpace(sp.Body))
	if len(sp.TargetPaths) > 0 {
		b.WriteString("\n\n## Target files\n\n")
		for _, f := range sp.TargetPaths {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}
