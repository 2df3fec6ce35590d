package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/nova/workflow"
)

const (
	// DefaultContextTokens is the context window assumed when none is set.
	DefaultContextTokens = 180_000
	// charsPerToken is a rough estimate used for budgeting.
	charsPerToken = 4
	// truncationMarker ends a section cut to fit the budget.
	truncationMarker = "\n\n[... truncated due to context budget ...]"
)

// TaskContext is the task-specific part of a prompt.
type TaskContext struct {
	Task          *workflow.Task
	VersionID     string
	Spec          string
	Plan          string
	PriorFeedback string
}

// Params collects everything that goes into a system prompt.
type Params struct {
	// Template is the role prompt, e.g. ImplementerPrompt().
	Template string

	// Preferences are agent instructions from the merged preferences.
	Preferences []string

	// Task is optional.
	Task *TaskContext

	// Evidence is included verbatim and never trimmed, e.g. build and lint
	// results the validator must judge.
	Evidence string

	// Extra is appended as additional context (file tree, history).
	Extra string

	// Knowledge snippets are the lowest priority and trimmed first.
	Knowledge []string

	// ContextTokens is the model context window; 30% is reserved for output.
	ContextTokens int
}

// Compose assembles the system prompt. The template, preferences, task
// header, prior feedback and evidence are always kept in full. The remaining
// budget goes to the spec, the plan, extra context and knowledge in that
// order; the first of those that overflows is truncated and later ones are
// dropped.
func Compose(p Params) string {
	window := p.ContextTokens
	if window <= 0 {
		window = DefaultContextTokens
	}
	budgetChars := window * 7 / 10 * charsPerToken

	var spec, plan, feedback string
	if p.Task != nil && p.Task.Task != nil {
		spec = block("Approved Spec", p.Task.Spec)
		plan = block("Approved Plan", p.Task.Plan)
		if p.Task.PriorFeedback != "" {
			feedback = "\n\n## Prior Attempt Feedback\n\nThe previous attempt was rejected. Address these issues:\n\n" + p.Task.PriorFeedback
		}
	}
	header := []string{p.Template, preferencesBlock(p.Preferences), taskBlock(p.Task)}
	trailer := []string{feedback, block("Build / Validation Results", p.Evidence)}

	remaining := budgetChars
	for _, s := range append(header, trailer...) {
		remaining -= len(s)
	}
	fitted := make([]string, 4)
	for i, section := range []string{spec, plan, block("Additional Context", p.Extra), block("Knowledge Base", strings.Join(p.Knowledge, "\n\n"))} {
		if len(section) <= remaining {
			fitted[i] = section
			remaining -= len(section)
			continue
		}
		if remaining-len(truncationMarker) > 200 {
			fitted[i] = cutAtRune(section, remaining-len(truncationMarker)) + truncationMarker
		}
		remaining = 0
	}

	var b strings.Builder
	for _, s := range header {
		b.WriteString(s)
	}
	b.WriteString(fitted[0])
	b.WriteString(fitted[1])
	for _, s := range trailer {
		b.WriteString(s)
	}
	b.WriteString(fitted[2])
	b.WriteString(fitted[3])
	return strings.TrimSpace(b.String())
}

// cutAtRune returns at most n bytes of s without splitting a UTF-8 sequence.
func cutAtRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func block(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return fmt.Sprintf("\n\n## %s\n\n%s", title, body)
}

func preferencesBlock(instructions []string) string {
	if len(instructions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Active Preferences\n\nYou MUST follow these instructions:\n\n")
	for _, inst := range instructions {
		fmt.Fprintf(&b, "- %s\n", inst)
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskBlock(tc *TaskContext) string {
	if tc == nil || tc.Task == nil {
		return ""
	}
	t := tc.Task

	var b strings.Builder
	b.WriteString("\n\n## Current Task\n\n")
	fmt.Fprintf(&b, "- **ID:** %s\n", t.ID)
	fmt.Fprintf(&b, "- **Title:** %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "- **Description:** %s\n", t.Description)
	}
	fmt.Fprintf(&b, "- **Attempt:** %d of %d\n", t.AttemptCount, workflow.MaxAttempts)
	if tc.VersionID != "" {
		fmt.Fprintf(&b, "- **Version:** %s\n", tc.VersionID)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("- **Acceptance Criteria:**\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "- **Dependencies:** %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Guidance != "" {
		fmt.Fprintf(&b, "\n## Planner Guidance\n\n%s\n", t.Guidance)
	}
	return strings.TrimRight(b.String(), "\n")
}
