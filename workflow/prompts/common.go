// Package prompts assembles the system prompts sent to each agent role.
package prompts

// Output format blocks. Each role must answer with exactly one JSON object.
const (
	implementerFormat = "```json" + `
{
  "status": "complete | blocked",
  "summary": "what you did, or why you are blocked",
  "next_action": "what should happen next",
  "files_touched": ["relative/path.go"],
  "file_operations": [
    {"action": "create | edit | delete", "path": "relative/path.go", "content": "full file content"}
  ],
  "commands": ["go build ./..."]
}
` + "```"

	validatorFormat = "```json" + `
{
  "status": "passed | failed | blocked",
  "summary": "one paragraph verdict",
  "verdict": "pass | fail | blocked",
  "criteria": [
    {"criterion": "exact text of the acceptance criterion", "met": true, "evidence": "what shows it"}
  ],
  "violations": ["concrete problem"],
  "notes": "anything the implementer should know"
}
` + "```"

	plannerFormat = "```json" + `
{
  "status": "complete | blocked",
  "summary": "your assessment",
  "resolution": "retry | human_needed",
  "guidance": "specific instructions for the next implementer attempt",
  "decisions": ["decision taken"]
}
` + "```"
)

// contractRules is appended to every role prompt.
const contractRules = `

## Response Rules

- Respond with ONE JSON object and nothing else. Text outside it is ignored.
- Use only the status values listed above.
- Paths are relative to the project root. Never use absolute paths or "..".
- If you cannot proceed, answer with status "blocked" and explain why in summary.`
