package workflow

import (
	"fmt"
	"regexp"
	"time"
)

// taskIDPattern validates task ids of the form v{version}-{n}.
var taskIDPattern = regexp.MustCompile(`^v[0-9]+-[0-9]+$`)

// Task is a unit of work inside a project version.
type Task struct {
	// ID is unique within the version, formatted v{version}-{n} (e.g. "v1-003").
	ID string `json:"id"`

	// Title is a short human-readable name.
	Title string `json:"title"`

	// Description explains what must be built.
	Description string `json:"description,omitempty"`

	// AcceptanceCriteria are independently verifiable conditions the validator evaluates.
	AcceptanceCriteria []string `json:"acceptance_criteria"`

	// Order is informational; Dependencies are authoritative for execution order.
	Order int `json:"order"`

	// Dependencies lists ids of tasks in the same version that must be done first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Commands are build/lint commands declared by the task list, if any.
	Commands []string `json:"commands,omitempty"`

	State           TaskState `json:"state"`
	AttemptCount    int       `json:"attempt_count"`
	EscalationCount int       `json:"escalation_count"`

	// BlockedReason is a human-readable explanation, set while BLOCKED.
	BlockedReason string `json:"blocked_reason,omitempty"`

	// EscalationID is set only while BLOCKED awaiting resolution.
	EscalationID string `json:"escalation_id,omitempty"`

	// Guidance is attached by a retry resolution and consumed by the next implementer call.
	Guidance string `json:"guidance,omitempty"`

	// CommitPending is set when the task is DONE but its commit failed.
	CommitPending bool   `json:"commit_pending,omitempty"`
	CommitHash    string `json:"commit_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateTaskID checks that id follows the v{version}-{n} format.
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// FormatTaskID builds a task id from a version id ("v1") and sequence number.
func FormatTaskID(versionID string, seq int) string {
	return fmt.Sprintf("%s-%03d", versionID, seq)
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Commands = append([]string(nil), t.Commands...)
	return c
}

