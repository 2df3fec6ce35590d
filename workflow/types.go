// Package workflow provides the nova task and phase state machine for managing
// a project version through a structured delivery process.
package workflow

import (
	"fmt"
	"strings"
)

// Execution limits shared by the pipeline runner and the escalation protocol.
const (
	// MaxAttempts is the number of implementer attempts a task gets before it is blocked.
	MaxAttempts = 3
	// MaxEscalations is the number of Planner-resolved escalations a task may consume.
	MaxEscalations = 2
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskStateNew indicates the task was generated but its list is not yet approved.
	TaskStateNew TaskState = "new"
	// TaskStateReady indicates the task can be dispatched once its dependencies are done.
	TaskStateReady TaskState = "ready"
	// TaskStateInProgress indicates the implementer is working on the task.
	TaskStateInProgress TaskState = "in_progress"
	// TaskStateInReview is a legacy review state. It is parsed from old state
	// files but no transition ever enters or leaves it.
	TaskStateInReview TaskState = "in_review"
	// TaskStateInQA indicates build commands and the validator are running.
	TaskStateInQA TaskState = "in_qa"
	// TaskStateDone indicates the validator passed the task.
	TaskStateDone TaskState = "done"
	// TaskStateBlocked indicates the task awaits escalation or human resolution.
	TaskStateBlocked TaskState = "blocked"
	// TaskStateArchived indicates the task is terminal and immutable.
	TaskStateArchived TaskState = "archived"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// IsValid returns true if the state is a known task state, including legacy ones.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateNew, TaskStateReady, TaskStateInProgress, TaskStateInReview,
		TaskStateInQA, TaskStateDone, TaskStateBlocked, TaskStateArchived:
		return true
	default:
		return false
	}
}

// IsLegacy returns true for states kept only for backward compatibility.
func (s TaskState) IsLegacy() bool {
	return s == TaskStateInReview
}

// IsSettled returns true if the state satisfies version completion.
func (s TaskState) IsSettled() bool {
	return s == TaskStateDone || s == TaskStateArchived
}

// ParseTaskState converts a string to a TaskState.
func ParseTaskState(s string) (TaskState, error) {
	state := TaskState(strings.ToLower(strings.TrimSpace(s)))
	if !state.IsValid() {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return state, nil
}

// Phase represents the lifecycle phase of a project version.
type Phase string

const (
	PhaseBrainstorm     Phase = "brainstorm"
	PhaseSpecDraft      Phase = "spec_draft"
	PhaseSpecApproved   Phase = "spec_approved"
	PhasePlanDraft      Phase = "plan_draft"
	PhasePlanApproved   Phase = "plan_approved"
	PhaseTasksGenerated Phase = "tasks_generated"
	PhaseExecuting      Phase = "executing"
	PhaseComplete       Phase = "complete"
)

// phaseOrder is the only legal phase sequence.
var phaseOrder = []Phase{
	PhaseBrainstorm,
	PhaseSpecDraft,
	PhaseSpecApproved,
	PhasePlanDraft,
	PhasePlanApproved,
	PhaseTasksGenerated,
	PhaseExecuting,
	PhaseComplete,
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is known.
func (p Phase) IsValid() bool {
	return p.rank() >= 0
}

// rank returns the position of the phase in the linear sequence, or -1.
func (p Phase) rank() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// AtLeast returns true if p is the same as or later than other.
func (p Phase) AtLeast(other Phase) bool {
	return p.rank() >= other.rank() && other.rank() >= 0
}

// Next returns the immediate successor phase. The second result is false for COMPLETE.
func (p Phase) Next() (Phase, bool) {
	r := p.rank()
	if r < 0 || r == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[r+1], true
}

// CanTransitionTo returns true if target is the immediate successor of p.
func (p Phase) CanTransitionTo(target Phase) bool {
	next, ok := p.Next()
	return ok && next == target
}

// Actor identifies who drives a state transition.
type Actor string

const (
	// ActorPipeline is the pipeline runner.
	ActorPipeline Actor = "pipeline"
	// ActorEscalation is the escalation protocol acting on its own authority.
	ActorEscalation Actor = "escalation-protocol"
	// ActorPlanner is a Planner-role envelope relayed by the escalation protocol.
	ActorPlanner Actor = "planner"
	// ActorHuman is an explicit operator command.
	ActorHuman Actor = "human"
)

// String returns the string representation of the actor.
func (a Actor) String() string {
	return string(a)
}
