package workflow

import (
	"fmt"
	"time"
)

// Transition is a request to move one task to a new state.
type Transition struct {
	// TaskID identifies the task within the version.
	TaskID string

	// To is the target state.
	To TaskState

	// Actor is who drives the transition. The table restricts each edge to
	// specific actors.
	Actor Actor

	// Reason is required when entering BLOCKED and becomes blocked_reason.
	Reason string

	// Guidance is attached to the task on BLOCKED -> READY.
	Guidance string

	// EscalationID is recorded on the task when entering BLOCKED through escalation.
	EscalationID string
}

// edge describes one legal task transition.
type edge struct {
	actors []Actor
	guard  func(v *Version, t *Task, tr Transition) error
	apply  func(t *Task, tr Transition)
}

func (e edge) allows(a Actor) bool {
	for _, allowed := range e.actors {
		if allowed == a {
			return true
		}
	}
	return false
}

type edgeKey struct {
	from, to TaskState
}

// taskTransitions is the live transition table. The legacy IN_REVIEW state has
// no entries, so it can be parsed but never entered or left.
var taskTransitions = map[edgeKey]edge{
	{TaskStateNew, TaskStateReady}: {
		actors: []Actor{ActorPlanner, ActorHuman},
		guard: func(v *Version, _ *Task, _ Transition) error {
			if !v.Phase.AtLeast(PhaseTasksGenerated) {
				return fmt.Errorf("version phase %s is before %s", v.Phase, PhaseTasksGenerated)
			}
			return nil
		},
	},
	{TaskStateReady, TaskStateInProgress}: {
		actors: []Actor{ActorPipeline},
		guard: func(v *Version, t *Task, _ Transition) error {
			for _, dep := range t.Dependencies {
				d, err := v.Task(dep)
				if err != nil {
					return err
				}
				if d.State != TaskStateDone {
					return fmt.Errorf("dependency %s is %s", dep, d.State)
				}
			}
			return nil
		},
		apply: func(t *Task, _ Transition) {
			t.AttemptCount = 1
		},
	},
	{TaskStateInProgress, TaskStateInQA}: {
		actors: []Actor{ActorPipeline},
	},
	{TaskStateInQA, TaskStateDone}: {
		actors: []Actor{ActorPipeline},
		apply: func(t *Task, _ Transition) {
			t.Guidance = ""
		},
	},
	{TaskStateInQA, TaskStateInProgress}: {
		actors: []Actor{ActorPipeline},
		guard: func(_ *Version, t *Task, _ Transition) error {
			if t.AttemptCount >= MaxAttempts {
				return fmt.Errorf("attempt %d of %d already used", t.AttemptCount, MaxAttempts)
			}
			return nil
		},
		apply: func(t *Task, _ Transition) {
			t.AttemptCount++
		},
	},
	{TaskStateInProgress, TaskStateBlocked}: {
		actors: []Actor{ActorPipeline, ActorEscalation},
		guard:  requireReason,
		apply:  applyBlocked,
	},
	{TaskStateInQA, TaskStateBlocked}: {
		actors: []Actor{ActorPipeline, ActorEscalation},
		guard:  requireReason,
		apply:  applyBlocked,
	},
	{TaskStateBlocked, TaskStateReady}: {
		actors: []Actor{ActorPlanner, ActorHuman},
		apply: func(t *Task, tr Transition) {
			t.AttemptCount = 0
			if tr.Actor == ActorPlanner {
				t.EscalationCount++
			}
			t.BlockedReason = ""
			t.EscalationID = ""
			t.Guidance = tr.Guidance
		},
	},
	{TaskStateBlocked, TaskStateArchived}: {
		actors: []Actor{ActorHuman},
		guard: func(_ *Version, t *Task, _ Transition) error {
			if t.EscalationCount < MaxEscalations {
				return fmt.Errorf("%w: %d of %d used", ErrEscalationsRemaining, t.EscalationCount, MaxEscalations)
			}
			return nil
		},
	},
	{TaskStateDone, TaskStateArchived}: {
		actors: []Actor{ActorPipeline, ActorHuman},
	},
}

func requireReason(_ *Version, _ *Task, tr Transition) error {
	if tr.Reason == "" {
		return ErrReasonRequired
	}
	return nil
}

func applyBlocked(t *Task, tr Transition) {
	t.BlockedReason = tr.Reason
	if tr.EscalationID != "" {
		t.EscalationID = tr.EscalationID
	}
}

// CanTransition reports whether from -> to is in the live table for actor.
func CanTransition(from, to TaskState, actor Actor) bool {
	e, ok := taskTransitions[edgeKey{from, to}]
	return ok && e.allows(actor)
}

// ApplyTransition validates and applies a task transition. On error the
// version is left exactly as it was.
func (v *Version) ApplyTransition(tr Transition) error {
	return v.applyTransition(tr, v.clock())
}

func (v *Version) applyTransition(tr Transition, now time.Time) error {
	t, err := v.Task(tr.TaskID)
	if err != nil {
		return err
	}
	if !tr.To.IsValid() {
		return fmt.Errorf("%w: unknown target state %q", ErrInvalidTransition, tr.To)
	}

	e, ok := taskTransitions[edgeKey{t.State, tr.To}]
	if !ok {
		return fmt.Errorf("%w: task %s cannot transition from %s to %s",
			ErrInvalidTransition, t.ID, t.State, tr.To)
	}
	if !e.allows(tr.Actor) {
		return fmt.Errorf("%w: %s may not move task %s from %s to %s",
			ErrInvalidTransition, tr.Actor, t.ID, t.State, tr.To)
	}
	if e.guard != nil {
		if err := e.guard(v, t, tr); err != nil {
			return fmt.Errorf("%w: task %s %s -> %s: %w", ErrInvalidTransition, t.ID, t.State, tr.To, err)
		}
	}

	t.State = tr.To
	if e.apply != nil {
		e.apply(t, tr)
	}
	t.UpdatedAt = now
	v.UpdatedAt = now
	return nil
}

// MarkCommitted records the outcome of a commit request for a DONE task.
func (v *Version) MarkCommitted(taskID, hash string, commitErr error) error {
	t, err := v.Task(taskID)
	if err != nil {
		return err
	}
	if t.State != TaskStateDone {
		return fmt.Errorf("%w: task %s is %s, only done tasks are committed", ErrInvalidTransition, t.ID, t.State)
	}
	t.CommitPending = commitErr != nil
	t.CommitHash = hash
	t.UpdatedAt = v.clock()
	return nil
}

// AttachEscalation records the escalation id on a BLOCKED task.
func (v *Version) AttachEscalation(taskID, escalationID, reason string) error {
	t, err := v.Task(taskID)
	if err != nil {
		return err
	}
	if t.State != TaskStateBlocked {
		return fmt.Errorf("%w: task %s is %s, escalations attach to blocked tasks", ErrInvalidTransition, t.ID, t.State)
	}
	t.EscalationID = escalationID
	if reason != "" {
		t.BlockedReason = reason
	}
	t.UpdatedAt = v.clock()
	return nil
}
