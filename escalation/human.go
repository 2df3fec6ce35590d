package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/nova/workflow"
)

// HumanAction is what an operator decides for a task.
type HumanAction string

const (
	// HumanRetry moves a BLOCKED task back to READY.
	HumanRetry HumanAction = "retry"
	// HumanArchive archives a BLOCKED or DONE task.
	HumanArchive HumanAction = "archive"
)

// HumanResolution is an explicit operator command.
type HumanResolution struct {
	Action   HumanAction
	Guidance string
}

// ResolveByHuman applies an operator decision to a task. An open escalation
// on the task is resolved and recorded as resolved by the human.
func (p *Protocol) ResolveByHuman(ctx context.Context, versionID, taskID string, res HumanResolution) (Decision, error) {
	var to workflow.TaskState
	resolution := workflow.ResolutionRetry
	switch res.Action {
	case HumanRetry:
		to = workflow.TaskStateReady
	case HumanArchive:
		to = workflow.TaskStateArchived
		resolution = workflow.ResolutionHumanNeeded
	default:
		return Decision{}, fmt.Errorf("unknown action %q", res.Action)
	}

	v, err := p.repo.Load(ctx, p.project, versionID)
	if err != nil {
		return Decision{}, err
	}
	task, err := v.Task(taskID)
	if err != nil {
		return Decision{}, err
	}
	escalationID := task.EscalationID

	tr := workflow.Transition{
		TaskID:   taskID,
		To:       to,
		Actor:    workflow.ActorHuman,
		Guidance: res.Guidance,
	}
	if res.Action == HumanArchive {
		tr.Guidance = ""
		tr.Reason = res.Guidance
	}
	// Check against a copy so a rejected decision leaves the escalation open.
	if err := v.Clone().ApplyTransition(tr); err != nil {
		return Decision{}, fmt.Errorf("task %s is %s, cannot %s: %w", taskID, task.State, res.Action, err)
	}

	if escalationID != "" {
		esc, err := p.repo.Escalation(ctx, p.project, versionID, escalationID)
		switch {
		case errors.Is(err, workflow.ErrEscalationNotFound):
			p.logger.Warn("Task references a missing escalation", "task_id", taskID, "escalation_id", escalationID)
		case err != nil:
			return Decision{}, err
		case !esc.IsResolved():
			if err := p.resolve(ctx, esc, resolution, workflow.ActorHuman, res.Guidance); err != nil {
				return Decision{}, err
			}
		}
	}

	if err := p.transition(ctx, versionID, tr); err != nil {
		return Decision{}, err
	}

	p.logger.Info("Operator resolved task", "task_id", taskID, "action", res.Action)
	return Decision{
		EscalationID: escalationID,
		Resolution:   resolution,
		Guidance:     res.Guidance,
		ResolvedBy:   workflow.ActorHuman,
	}, nil
}
