package workflow

import "time"

// Resolution is the outcome of an escalation.
type Resolution string

const (
	// ResolutionRetry re-arms the task with guidance.
	ResolutionRetry Resolution = "retry"
	// ResolutionHumanNeeded leaves the task BLOCKED for the operator.
	ResolutionHumanNeeded Resolution = "human_needed"
)

// IsValid returns true for known resolutions.
func (r Resolution) IsValid() bool {
	return r == ResolutionRetry || r == ResolutionHumanNeeded
}

// AttemptSummary is one prior worker outcome carried in an escalation's history.
type AttemptSummary struct {
	Role      string          `json:"role"`
	Attempt   int             `json:"attempt"`
	Status    string          `json:"status"`
	Summary   string          `json:"summary"`
	Commands  []CommandResult `json:"commands,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Escalation records a task exceeding its retry budget and how it was resolved.
type Escalation struct {
	// ID is esc-{task}-{n}.
	ID string `json:"escalation_id"`

	// TaskID is a lookup reference; the task owns its own lifecycle.
	TaskID    string `json:"task_id"`
	VersionID string `json:"version_id"`

	// FromRole is the role whose outcome caused the block.
	FromRole string `json:"from_role,omitempty"`

	Reason  string           `json:"reason"`
	History []AttemptSummary `json:"history"`

	Resolution Resolution `json:"resolution,omitempty"`
	Guidance   string     `json:"guidance,omitempty"`
	ResolvedBy Actor      `json:"resolved_by,omitempty"`

	// Permanent marks an escalation that exceeded MaxEscalations. The
	// Planner was not consulted and only a human can act on the task.
	Permanent bool `json:"permanent,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsResolved returns true once a resolution has been recorded.
func (e *Escalation) IsResolved() bool {
	return e.ResolvedAt != nil
}

// Resolve records the resolution. Resolved escalations are terminal.
func (e *Escalation) Resolve(res Resolution, by Actor, guidance string, at time.Time) error {
	if e.IsResolved() {
		return ErrInvalidTransition
	}
	if !res.IsValid() {
		return ErrInvalidTransition
	}
	e.Resolution = res
	e.ResolvedBy = by
	e.Guidance = guidance
	e.ResolvedAt = &at
	return nil
}
