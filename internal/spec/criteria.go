package spec

import "strings"

const criteriaHeading = "## Acceptance Criteria"

// Criteria counts the checkboxes in the acceptance criteria section of body.
//
// The section starts at the last "## Acceptance Criteria" heading outside a
// code fence and ends at the next "## " heading. Checkboxes inside code
// fences are ignored. A body without the heading has no criteria.
func Criteria(body string) (checked, unchecked int) {
	lines := strings.Split(body, "\n")

	start := -1
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(trimmed, criteriaHeading) {
			start = i
		}
	}
	if start < 0 {
		return 0, 0
	}

	inFence = false
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "## ") {
			break
		}
		unchecked += strings.Count(line, "- [ ]")
		checked += strings.Count(line, "- [x]") + strings.Count(line, "- [X]")
	}
	return checked, unchecked
}

// UncheckedCriteria returns the number of open acceptance checkboxes of s.
func (s *Spec) UncheckedCriteria() int {
	_, n := Criteria(s.Body)
	return n
}
