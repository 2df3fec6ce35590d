package workflow

import "errors"

// Sentinel errors for version and task operations.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidTaskID      = errors.New("invalid task id")
	ErrDuplicateTask      = errors.New("duplicate task id")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCycle              = errors.New("circular dependency detected")
	ErrProjectRequired    = errors.New("project name is required")
	ErrInvalidProject     = errors.New("invalid project name: must be lowercase alphanumeric with hyphens, no path separators")
	ErrInvalidVersionID   = errors.New("invalid version id: must look like v1, v2, ...")
	ErrDocumentImmutable  = errors.New("document is locked and cannot be changed")
	ErrEmptyTaskList      = errors.New("task list is empty")
	ErrReasonRequired     = errors.New("blocked reason is required")
	ErrEscalationNotFound = errors.New("escalation not found")

	// ErrEscalationsRemaining rejects archiving a blocked task that can still be escalated.
	ErrEscalationsRemaining = errors.New("task still has escalations left")
)
