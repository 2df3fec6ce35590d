package escalation

import (
	"fmt"
	"strings"

	"github.com/c360studio/nova/workflow"
)

const stderrHead = 500

// BuildContext renders a blocked task and its full attempt history for the
// planner.
func BuildContext(task *workflow.Task, logs []workflow.RunLog) string {
	reason := task.BlockedReason
	if reason == "" {
		reason = "max attempts reached"
	}

	lines := []string{
		"## Escalation: Task " + task.ID,
		"",
		"**Title:** " + task.Title,
		"**Description:** " + task.Description,
		fmt.Sprintf("**Attempts used:** %d", task.AttemptCount),
		fmt.Sprintf("**Escalations so far:** %d of %d", task.EscalationCount, workflow.MaxEscalations),
		"**Blocked reason:** " + reason,
	}

	if len(task.AcceptanceCriteria) > 0 {
		lines = append(lines, "", "**Acceptance Criteria:**")
		for _, c := range task.AcceptanceCriteria {
			lines = append(lines, "  - "+c)
		}
	}

	if len(logs) > 0 {
		lines = append(lines, "", "## Attempt History", "")
		for _, log := range logs {
			lines = append(lines,
				fmt.Sprintf("### %s (attempt %d)", titleCase(log.Role), log.Attempt),
				"- **Status:** "+log.Status,
				"- **Summary:** "+log.Summary,
			)
			for _, cmd := range log.Commands {
				if !cmd.Failed() {
					continue
				}
				lines = append(lines, fmt.Sprintf("- **Failed command:** `%s` -> exit %d", cmd.Command, cmd.ExitCode))
				if cmd.Stderr != "" {
					lines = append(lines, "  ```", "  "+head(cmd.Stderr, stderrHead), "  ```")
				}
			}
			lines = append(lines, "")
		}
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// retryGuidance is the guidance attached to a task the planner re-armed.
func retryGuidance(guidance, summary string, decisions []string) string {
	if strings.TrimSpace(guidance) == "" {
		guidance = summary
	}
	var b strings.Builder
	b.WriteString(guidance)
	if len(decisions) > 0 {
		b.WriteString("\n\nDecisions made: ")
		b.WriteString(strings.Join(decisions, ", "))
	}
	b.WriteString("\n\nPrevious attempts failed. Follow this guidance precisely.")
	return b.String()
}
