package pipeline

import (
	"fmt"
	"strings"

	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/workflow"
)

const (
	feedbackHead  = 800
	fileDiffLimit = 3000
)

// FormatCommandResults renders command results for the validator. Output is
// passed through as captured by the CommandRunner.
func FormatCommandResults(results []workflow.CommandResult) string {
	if len(results) == 0 {
		return "(no commands were run)"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "$ %s  ->  exit %d", r.Command, r.ExitCode)
		if r.Stdout != "" {
			fmt.Fprintf(&b, "\nstdout:\n%s", r.Stdout)
		}
		if r.Stderr != "" {
			fmt.Fprintf(&b, "\nstderr:\n%s", r.Stderr)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

// FormatFileChanges summarizes the implementer's file operations for the
// validator. Long contents are cut at 3000 characters.
func FormatFileChanges(ops []contract.FileOperation) string {
	if len(ops) == 0 {
		return "(no file changes)"
	}
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.Action {
		case contract.ActionDelete:
			parts = append(parts, fmt.Sprintf("--- DELETED: %s ---", op.Path))
		default:
			label := "MODIFIED"
			if op.Action == contract.ActionCreate {
				label = "NEW FILE"
			}
			content := op.Content
			if len(content) > fileDiffLimit {
				content = content[:fileDiffLimit] + fmt.Sprintf("\n... (truncated, %d chars total)", len(op.Content))
			}
			parts = append(parts, fmt.Sprintf("--- %s: %s ---\n%s", label, op.Path, content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// QAFeedback turns a failed validation into feedback for the next
// implementer attempt.
func QAFeedback(out *contract.ValidatorOutput, results []workflow.CommandResult) string {
	lines := []string{"QA verdict: FAIL - " + out.Summary}

	violations := append([]string(nil), out.Violations...)
	for _, c := range out.Criteria {
		if !c.Met {
			violations = append(violations, "criterion not met: "+c.Criterion)
		}
	}
	if len(violations) > 0 {
		lines = append(lines, "", "Violations:")
		for _, v := range violations {
			lines = append(lines, "  - "+v)
		}
	}

	if out.Notes != "" {
		lines = append(lines, "", "Notes: "+out.Notes)
	}

	var failed []workflow.CommandResult
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		lines = append(lines, "", "Failed commands:")
		for _, r := range failed {
			lines = append(lines, fmt.Sprintf("  $ %s -> exit %d", r.Command, r.ExitCode))
			if r.Stderr != "" {
				lines = append(lines, "    stderr: "+Head(r.Stderr, feedbackHead))
			}
		}
	}

	lines = append(lines, "",
		"IMPORTANT: Build errors often surface one at a time. Check every file that imports "+
			"or depends on a file you modified and fix every instance of the same error in one pass.")
	return strings.Join(lines, "\n")
}

// missingCriteria returns the acceptance criteria the validator did not
// report on. Criteria are matched on trimmed, case-insensitive text.
func missingCriteria(want []string, reported []contract.CriterionResult) []string {
	seen := make(map[string]bool, len(reported))
	for _, c := range reported {
		seen[normalizeCriterion(c.Criterion)] = true
	}
	var missing []string
	for _, c := range want {
		if !seen[normalizeCriterion(c)] {
			missing = append(missing, c)
		}
	}
	return missing
}

func normalizeCriterion(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
