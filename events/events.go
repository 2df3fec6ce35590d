// Package events publishes nova state changes.
package events

import (
	"context"
	"time"

	"github.com/c360studio/nova/workflow"
)

// Kind names an event type. It forms the tail of the subject.
type Kind string

const (
	KindTaskTransition     Kind = "task.transition"
	KindPhaseChanged       Kind = "phase.changed"
	KindEscalationCreated  Kind = "escalation.created"
	KindEscalationResolved Kind = "escalation.resolved"
	KindCommit             Kind = "commit"
	KindRunOutcome         Kind = "run.outcome"
)

// Event is one published state change. Only the fields relevant to the kind are set.
type Event struct {
	Kind      Kind   `json:"kind"`
	Project   string `json:"project"`
	VersionID string `json:"version_id"`
	TaskID    string `json:"task_id,omitempty"`

	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`

	EscalationID string `json:"escalation_id,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	CommitHash   string `json:"commit_hash,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	Error        string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes events. Publishing is best effort: callers log
// failures and carry on, since state is already persisted.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// TaskTransition builds the event for an applied task transition.
func TaskTransition(project, versionID string, from workflow.TaskState, tr workflow.Transition) Event {
	return Event{
		Kind:         KindTaskTransition,
		Project:      project,
		VersionID:    versionID,
		TaskID:       tr.TaskID,
		From:         string(from),
		To:           string(tr.To),
		Actor:        string(tr.Actor),
		Reason:       tr.Reason,
		EscalationID: tr.EscalationID,
		Timestamp:    time.Now().UTC(),
	}
}

// PhaseChanged builds the event for a version phase change.
func PhaseChanged(project, versionID string, from, to workflow.Phase) Event {
	return Event{
		Kind:      KindPhaseChanged,
		Project:   project,
		VersionID: versionID,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UTC(),
	}
}
