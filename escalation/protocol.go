// Package escalation routes blocked tasks to the planner or to a human.
//
// Every transition into BLOCKED is handed to Protocol.Handle. The protocol
// records an Escalation carrying the task's full attempt history and asks the
// planner for a resolution. A retry resolution moves the task back to READY
// with guidance; human_needed leaves it BLOCKED. Once a task has used
// MaxEscalations planner resolutions the planner is no longer consulted and
// the escalation is marked permanent.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/nova/agent"
	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/events"
	"github.com/c360studio/nova/metrics"
	"github.com/c360studio/nova/storage"
	"github.com/c360studio/nova/workflow"
	"github.com/c360studio/nova/workflow/prompts"
)

// Escalation outcomes reported to metrics.
const (
	OutcomeRetry       = "retry"
	OutcomeHumanNeeded = "human_needed"
	OutcomePermanent   = "permanent"
	OutcomeError       = "error"
)

// Errors returned by the protocol.
var (
	ErrNotBlocked       = errors.New("task is not blocked")
	ErrAlreadyEscalated = errors.New("task already has an open escalation")
)

const plannerUserMessage = "Resolve this escalation. Analyze all attempts and provide a resolution."

// Decision is the result of handling a blocked task.
type Decision struct {
	EscalationID string
	Resolution   workflow.Resolution
	Guidance     string
	// Permanent is true when the escalation ceiling was reached and the
	// planner was not consulted.
	Permanent bool
	// ResolvedBy is who decided the resolution.
	ResolvedBy workflow.Actor
}

// Retry reports whether the task was moved back to READY.
func (d Decision) Retry() bool {
	return d.Resolution == workflow.ResolutionRetry
}

// Protocol handles escalations for one project.
type Protocol struct {
	project string
	repo    *storage.Repository
	worker  *agent.Worker

	docs          workflow.DocumentReader
	events        events.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	preferences   []string
	knowledge     []string
	contextTokens int
	now           func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithDocuments sets the reader for the approved spec.
func WithDocuments(docs workflow.DocumentReader) Option {
	return func(p *Protocol) {
		p.docs = docs
	}
}

// WithEvents sets the event publisher.
func WithEvents(pub events.Publisher) Option {
	return func(p *Protocol) {
		if pub != nil {
			p.events = pub
		}
	}
}

// WithMetrics records escalation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPromptContext sets the preference instructions, knowledge snippets and
// context window used for planner prompts.
func WithPromptContext(preferences, knowledge []string, contextTokens int) Option {
	return func(p *Protocol) {
		p.preferences = preferences
		p.knowledge = knowledge
		p.contextTokens = contextTokens
	}
}

// NewProtocol creates the escalation protocol for a project.
func NewProtocol(project string, repo *storage.Repository, worker *agent.Worker, opts ...Option) *Protocol {
	p := &Protocol{
		project: project,
		repo:    repo,
		worker:  worker,
		events:  events.Noop{},
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle escalates a task that just entered BLOCKED.
func (p *Protocol) Handle(ctx context.Context, versionID, taskID string) (Decision, error) {
	v, err := p.repo.Load(ctx, p.project, versionID)
	if err != nil {
		return Decision{}, err
	}
	task, err := v.Task(taskID)
	if err != nil {
		return Decision{}, err
	}
	if task.State != workflow.TaskStateBlocked {
		return Decision{}, fmt.Errorf("%w: %s is %s", ErrNotBlocked, taskID, task.State)
	}
	if task.EscalationID != "" {
		return Decision{}, fmt.Errorf("%w: %s has %s", ErrAlreadyEscalated, taskID, task.EscalationID)
	}

	logs, err := p.repo.RunLogs(ctx, p.project, versionID, taskID)
	if err != nil {
		return Decision{}, fmt.Errorf("load run logs: %w", err)
	}

	esc, err := p.open(ctx, versionID, task, logs)
	if err != nil {
		return Decision{}, err
	}

	if task.EscalationCount+1 > workflow.MaxEscalations {
		return p.markPermanent(ctx, versionID, task, esc)
	}
	return p.consultPlanner(ctx, v, task, esc, logs)
}

// open allocates an escalation id, stores the escalation and attaches it to
// the task.
func (p *Protocol) open(ctx context.Context, versionID string, task *workflow.Task, logs []workflow.RunLog) (*workflow.Escalation, error) {
	var id string
	if _, err := p.repo.Update(ctx, p.project, versionID, func(v *workflow.Version) error {
		id = v.NextEscalationID(task.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("allocate escalation id: %w", err)
	}

	history := make([]workflow.AttemptSummary, 0, len(logs))
	for _, log := range logs {
		history = append(history, log.AttemptSummary())
	}
	esc := &workflow.Escalation{
		ID:        id,
		TaskID:    task.ID,
		VersionID: versionID,
		FromRole:  lastWorkerRole(logs),
		Reason:    task.BlockedReason,
		History:   history,
		CreatedAt: p.now(),
	}
	if err := p.repo.SaveEscalation(ctx, p.project, esc); err != nil {
		return nil, err
	}
	if _, err := p.repo.Update(ctx, p.project, versionID, func(v *workflow.Version) error {
		return v.AttachEscalation(task.ID, id, "")
	}); err != nil {
		return nil, fmt.Errorf("attach escalation: %w", err)
	}

	p.logger.Info("Escalation created",
		"escalation_id", id, "task_id", task.ID, "reason", task.BlockedReason, "history", len(history))
	p.publish(ctx, events.Event{
		Kind:         events.KindEscalationCreated,
		Project:      p.project,
		VersionID:    versionID,
		TaskID:       task.ID,
		EscalationID: id,
		Reason:       task.BlockedReason,
	})
	return esc, nil
}

func (p *Protocol) markPermanent(ctx context.Context, versionID string, task *workflow.Task, esc *workflow.Escalation) (Decision, error) {
	guidance := fmt.Sprintf("escalation limit of %d reached; a human must decide how to proceed", workflow.MaxEscalations)
	esc.Permanent = true
	if err := p.resolve(ctx, esc, workflow.ResolutionHumanNeeded, workflow.ActorEscalation, guidance); err != nil {
		return Decision{}, err
	}

	reason := fmt.Sprintf("permanently blocked after %d escalations: %s", task.EscalationCount, task.BlockedReason)
	if _, err := p.repo.Update(ctx, p.project, versionID, func(v *workflow.Version) error {
		return v.AttachEscalation(task.ID, esc.ID, reason)
	}); err != nil {
		return Decision{}, fmt.Errorf("mark permanent: %w", err)
	}

	p.metrics.RecordEscalation(OutcomePermanent)
	p.logger.Warn("Task permanently blocked", "task_id", task.ID, "escalation_id", esc.ID)
	return Decision{
		EscalationID: esc.ID,
		Resolution:   workflow.ResolutionHumanNeeded,
		Guidance:     guidance,
		Permanent:    true,
		ResolvedBy:   workflow.ActorEscalation,
	}, nil
}

func (p *Protocol) consultPlanner(ctx context.Context, v *workflow.Version, task *workflow.Task, esc *workflow.Escalation, logs []workflow.RunLog) (Decision, error) {
	spec, err := workflow.ReadLocked(p.docs, v.Spec)
	if err != nil {
		p.logger.Warn("Spec unavailable for escalation", "version", v.ID, "error", err)
	}

	system := prompts.Compose(prompts.Params{
		Template:      prompts.PlannerEscalationPrompt(),
		Preferences:   p.preferences,
		Task:          &prompts.TaskContext{Task: task, VersionID: v.ID, Spec: spec},
		Extra:         BuildContext(task, logs),
		Knowledge:     p.knowledge,
		ContextTokens: p.contextTokens,
	})

	out, res, err := agent.Invoke(ctx, p.worker, contract.Planner, system, plannerUserMessage)
	if err != nil {
		p.metrics.RecordEscalation(OutcomeError)
		return Decision{EscalationID: esc.ID}, fmt.Errorf("consult planner for %s: %w", esc.ID, err)
	}

	log := agent.NewRunLog(agent.RunLogEntry{
		VersionID: v.ID,
		TaskID:    task.ID,
		Role:      contract.Planner.Name(),
		Attempt:   task.AttemptCount,
	}, &out.Envelope, res, nil)
	if _, err := p.repo.AppendRunLog(ctx, p.project, log); err != nil {
		p.logger.Error("Failed to append planner run log", "task_id", task.ID, "error", err)
	}

	if !out.Blocked() && out.Resolution == contract.ResolutionRetry {
		return p.retry(ctx, v.ID, task, esc, retryGuidance(out.Guidance, out.Summary, out.Decisions))
	}

	by := workflow.ActorPlanner
	detail := out.Guidance
	if out.Blocked() {
		by = workflow.ActorEscalation
		detail = out.Summary
	}
	if detail == "" {
		detail = out.Summary
	}
	if err := p.resolve(ctx, esc, workflow.ResolutionHumanNeeded, by, detail); err != nil {
		return Decision{}, err
	}
	reason := "planner: human intervention needed - " + detail
	if _, err := p.repo.Update(ctx, p.project, v.ID, func(v *workflow.Version) error {
		return v.AttachEscalation(task.ID, esc.ID, reason)
	}); err != nil {
		return Decision{}, fmt.Errorf("record human_needed: %w", err)
	}

	p.metrics.RecordEscalation(OutcomeHumanNeeded)
	p.logger.Info("Escalation needs a human", "task_id", task.ID, "escalation_id", esc.ID)
	return Decision{
		EscalationID: esc.ID,
		Resolution:   workflow.ResolutionHumanNeeded,
		Guidance:     detail,
		ResolvedBy:   by,
	}, nil
}

func (p *Protocol) retry(ctx context.Context, versionID string, task *workflow.Task, esc *workflow.Escalation, guidance string) (Decision, error) {
	if err := p.resolve(ctx, esc, workflow.ResolutionRetry, workflow.ActorPlanner, guidance); err != nil {
		return Decision{}, err
	}
	tr := workflow.Transition{
		TaskID:   task.ID,
		To:       workflow.TaskStateReady,
		Actor:    workflow.ActorPlanner,
		Guidance: guidance,
	}
	if err := p.transition(ctx, versionID, tr); err != nil {
		return Decision{}, err
	}

	p.metrics.RecordEscalation(OutcomeRetry)
	p.logger.Info("Planner re-armed task", "task_id", task.ID, "escalation_id", esc.ID)
	return Decision{
		EscalationID: esc.ID,
		Resolution:   workflow.ResolutionRetry,
		Guidance:     guidance,
		ResolvedBy:   workflow.ActorPlanner,
	}, nil
}

func (p *Protocol) resolve(ctx context.Context, esc *workflow.Escalation, res workflow.Resolution, by workflow.Actor, guidance string) error {
	if err := esc.Resolve(res, by, guidance, p.now()); err != nil {
		return fmt.Errorf("resolve %s: %w", esc.ID, err)
	}
	if err := p.repo.SaveEscalation(ctx, p.project, esc); err != nil {
		return err
	}
	p.publish(ctx, events.Event{
		Kind:         events.KindEscalationResolved,
		Project:      p.project,
		VersionID:    esc.VersionID,
		TaskID:       esc.TaskID,
		EscalationID: esc.ID,
		Resolution:   string(res),
		Actor:        string(by),
	})
	return nil
}

func (p *Protocol) transition(ctx context.Context, versionID string, tr workflow.Transition) error {
	var from workflow.TaskState
	if _, err := p.repo.Update(ctx, p.project, versionID, func(v *workflow.Version) error {
		t, err := v.Task(tr.TaskID)
		if err != nil {
			return err
		}
		from = t.State
		return v.ApplyTransition(tr)
	}); err != nil {
		return err
	}
	p.metrics.RecordTransition(string(from), string(tr.To))
	p.publish(ctx, events.TaskTransition(p.project, versionID, from, tr))
	return nil
}

func (p *Protocol) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	if err := p.events.Publish(ctx, e); err != nil {
		p.logger.Warn("Failed to publish event", "kind", e.Kind, "error", err)
	}
}

// lastWorkerRole returns the role of the newest implementer or validator log.
func lastWorkerRole(logs []workflow.RunLog) string {
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Role != contract.Planner.Name() {
			return logs[i].Role
		}
	}
	return ""
}
