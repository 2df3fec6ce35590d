// Package pipeline runs a project version's tasks to completion.
//
// The runner repeatedly asks the dependency graph for the next batch of
// READY tasks and dispatches the batch on a bounded worker pool. Each task
// goes implementer -> sandboxed file operations -> IN_QA -> build commands ->
// validator, looping back with QA feedback until it passes or runs out of
// attempts. Completed tasks are committed one at a time through a commit
// barrier. Blocked tasks are handed to the escalation protocol.
//
// Between batches a Gate is consulted unless the runner is unattended, and a
// Stop request is honored. In-flight tasks are never preempted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/nova/agent"
	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/escalation"
	"github.com/c360studio/nova/events"
	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/metrics"
	"github.com/c360studio/nova/storage"
	"github.com/c360studio/nova/vcs"
	"github.com/c360studio/nova/workflow"
	"github.com/c360studio/nova/workflow/prompts"
)

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeComplete means every task is DONE or ARCHIVED and the version is COMPLETE.
	OutcomeComplete Outcome = "complete"
	// OutcomePausedForHuman means nothing is runnable until a BLOCKED task is resolved.
	OutcomePausedForHuman Outcome = "paused_for_human"
	// OutcomePausedAtGate means the gate declined to continue.
	OutcomePausedAtGate Outcome = "paused_at_gate"
	// OutcomeStopped means Stop was called, the context ended or a fatal error occurred.
	OutcomeStopped Outcome = "stopped"
	// OutcomeIdle means no task is runnable and none is BLOCKED.
	OutcomeIdle Outcome = "idle"
)

// DefaultWorkers is the batch worker pool size when none is configured.
const DefaultWorkers = 2

// ErrAlreadyRunning is returned when RunVersion is called on a busy runner.
var ErrAlreadyRunning = errors.New("runner is already running")

const (
	implementerUserMessage = "Complete the current task. Respond with the JSON object only."
	validatorUserMessage   = "Validate the current task against every acceptance criterion. Respond with the JSON object only."
)

// Escalator handles a task that entered BLOCKED.
type Escalator interface {
	Handle(ctx context.Context, versionID, taskID string) (escalation.Decision, error)
}

// Config configures a Runner.
type Config struct {
	// Project is the project whose versions are run.
	Project string
	// Root is the working tree tasks edit.
	Root string
	// Workers bounds concurrent tasks within a batch.
	Workers int
	// Unattended skips the gate between batches.
	Unattended bool
	// ProtectedPaths are doublestar globs file operations may not touch.
	ProtectedPaths []string
	// ContextTokens is the model context window used for prompt budgeting.
	ContextTokens int
	// Preferences are agent instructions added to every prompt.
	Preferences []string
	// Knowledge snippets are added to prompts when the budget allows.
	Knowledge []string
}

// Runner executes project versions.
type Runner struct {
	cfg     Config
	repo    *storage.Repository
	worker  *agent.Worker
	sandbox *Sandbox

	commands  CommandRunner
	committer vcs.Committer
	escalator Escalator
	gate      Gate
	docs      workflow.DocumentReader
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// commitMu is the commit barrier: one commit at a time, in completion order.
	commitMu sync.Mutex
	stop     atomic.Bool
	running  atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandRunner sets how build commands run.
func WithCommandRunner(c CommandRunner) Option {
	return func(r *Runner) {
		r.commands = c
	}
}

// WithCommitter sets the version-control collaborator.
func WithCommitter(c vcs.Committer) Option {
	return func(r *Runner) {
		r.committer = c
	}
}

// WithEscalator sets the escalation protocol. Without one, blocked tasks
// stay blocked for the operator.
func WithEscalator(e Escalator) Option {
	return func(r *Runner) {
		r.escalator = e
	}
}

// WithGate sets the gate consulted between batches.
func WithGate(g Gate) Option {
	return func(r *Runner) {
		r.gate = g
	}
}

// WithDocuments sets the reader for approved spec and plan documents.
func WithDocuments(docs workflow.DocumentReader) Option {
	return func(r *Runner) {
		r.docs = docs
	}
}

// WithEvents sets the event publisher.
func WithEvents(pub events.Publisher) Option {
	return func(r *Runner) {
		r.events = pub
	}
}

// WithMetrics records runner metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for cfg.Project.
func NewRunner(cfg Config, repo *storage.Repository, worker *agent.Worker, opts ...Option) (*Runner, error) {
	if cfg.Project == "" {
		return nil, workflow.ErrProjectRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	sandbox, err := NewSandbox(cfg.Root, cfg.ProtectedPaths)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:       cfg,
		repo:      repo,
		worker:    worker,
		sandbox:   sandbox,
		committer: vcs.NoopCommitter{},
		gate:      AlwaysContinue,
		events:    events.Noop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.commands == nil {
		r.commands = NewShellRunner(0, 0, r.logger)
	}
	return r, nil
}

// Stop asks the current run to end at the next batch boundary.
func (r *Runner) Stop() {
	r.stop.Store(true)
}

// RunVersion runs a version until it completes or pauses. A fatal invocation
// error ends the run after the current batch settles and is returned with
// OutcomeStopped.
func (r *Runner) RunVersion(ctx context.Context, versionID string) (Outcome, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", ErrAlreadyRunning
	}
	defer r.running.Store(false)
	r.stop.Store(false)

	outcome, err := r.run(ctx, versionID)
	if outcome != "" {
		ev := events.Event{
			Kind:      events.KindRunOutcome,
			Project:   r.cfg.Project,
			VersionID: versionID,
			Outcome:   string(outcome),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		r.publish(context.WithoutCancel(ctx), ev)
		r.logger.Info("Run finished", "version", versionID, "outcome", outcome, "error", err)
	}
	return outcome, err
}

func (r *Runner) run(ctx context.Context, versionID string) (Outcome, error) {
	v, err := r.start(ctx, versionID)
	if err != nil {
		return "", err
	}
	if v.Phase == workflow.PhaseComplete {
		return OutcomeComplete, nil
	}

	var last []string
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeStopped, err
		}
		v, err := r.repo.Load(ctx, r.cfg.Project, versionID)
		if err != nil {
			return OutcomeStopped, err
		}
		if v.AllSettled() {
			return r.complete(ctx, versionID)
		}

		batch, err := workflow.NextBatch(v.Tasks, nil)
		if err != nil {
			return OutcomeStopped, err
		}
		if len(batch) == 0 {
			if v.CountByState()[workflow.TaskStateBlocked] > 0 {
				return OutcomePausedForHuman, nil
			}
			return OutcomeIdle, nil
		}

		if r.stop.Load() {
			return OutcomeStopped, nil
		}
		if last != nil && !r.cfg.Unattended {
			ok, err := r.gate.Continue(ctx, newBatchReport(v, last, batch))
			if err != nil {
				return OutcomeStopped, fmt.Errorf("gate: %w", err)
			}
			if !ok {
				return OutcomePausedAtGate, nil
			}
			if r.stop.Load() {
				return OutcomeStopped, nil
			}
		}

		if err := r.runBatch(ctx, versionID, batch); err != nil {
			return OutcomeStopped, err
		}
		last = batch
	}
}

// start moves the version into EXECUTING and blocks tasks a previous run
// left IN_PROGRESS or IN_QA. They wait for the operator rather than the
// planner, so an interrupted run never costs a task an escalation.
func (r *Runner) start(ctx context.Context, versionID string) (*workflow.Version, error) {
	var (
		fromPhase   workflow.Phase
		interrupted []workflow.Transition
		froms       []workflow.TaskState
	)
	v, err := r.repo.Update(ctx, r.cfg.Project, versionID, func(v *workflow.Version) error {
		fromPhase = v.Phase
		if v.Phase == workflow.PhaseComplete {
			return nil
		}
		if err := v.StartExecution(); err != nil {
			return err
		}
		for _, t := range v.Tasks {
			if t.State != workflow.TaskStateInProgress && t.State != workflow.TaskStateInQA {
				continue
			}
			tr := workflow.Transition{
				TaskID: t.ID,
				To:     workflow.TaskStateBlocked,
				Actor:  workflow.ActorPipeline,
				Reason: fmt.Sprintf("interrupted while %s: the previous run ended before the task settled; resolve to retry", t.State),
			}
			froms = append(froms, t.State)
			interrupted = append(interrupted, tr)
		}
		for _, tr := range interrupted {
			if err := v.ApplyTransition(tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fromPhase != v.Phase {
		r.publish(ctx, events.PhaseChanged(r.cfg.Project, versionID, fromPhase, v.Phase))
		r.logger.Info("Version executing", "version", versionID)
	}
	for i, tr := range interrupted {
		r.recordTransition(ctx, versionID, froms[i], tr)
		r.logger.Warn("Blocked interrupted task for the operator", "task_id", tr.TaskID, "was", froms[i])
	}
	return v, nil
}

func (r *Runner) complete(ctx context.Context, versionID string) (Outcome, error) {
	if _, err := r.repo.Update(ctx, r.cfg.Project, versionID, func(v *workflow.Version) error {
		return v.Complete()
	}); err != nil {
		return OutcomeStopped, err
	}
	r.publish(ctx, events.PhaseChanged(r.cfg.Project, versionID, workflow.PhaseExecuting, workflow.PhaseComplete))
	r.logger.Info("All tasks complete", "version", versionID)
	return OutcomeComplete, nil
}

// runBatch dispatches a batch and waits for every task in it to settle.
// Sibling tasks keep running when one fails; the first error is returned.
func (r *Runner) runBatch(ctx context.Context, versionID string, batch []string) error {
	r.metrics.RecordBatch(len(batch))
	r.logger.Info("Dispatching batch", "version", versionID, "tasks", batch, "workers", r.cfg.Workers)

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, id := range batch {
		g.Go(func() error {
			if err := r.runTask(ctx, versionID, id); err != nil {
				r.logger.Error("Task aborted", "task_id", id, "error", err)
				return fmt.Errorf("task %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runTask drives one task until it is DONE or BLOCKED. Errors are fatal to
// the run; ordinary failures end in BLOCKED and return nil.
func (r *Runner) runTask(ctx context.Context, versionID, taskID string) error {
	v, err := r.transition(ctx, versionID, workflow.Transition{
		TaskID: taskID,
		To:     workflow.TaskStateInProgress,
		Actor:  workflow.ActorPipeline,
	})
	if err != nil {
		return err
	}
	spec, plan := r.documents(v)

	var (
		feedback string
		changed  []string
	)
	for {
		current, err := v.Task(taskID)
		if err != nil {
			return err
		}
		task := current.Clone()
		r.logger.Info("Running implementer", "task_id", taskID, "attempt", task.AttemptCount)

		impl, res, err := agent.Invoke(ctx, r.worker, contract.Implementer,
			r.implementerPrompt(versionID, &task, spec, plan, feedback), implementerUserMessage)
		if err != nil {
			return err
		}
		r.appendRunLog(ctx, versionID, &task, contract.Implementer.Name(), &impl.Envelope, res, nil)
		if impl.Blocked() {
			return r.block(ctx, versionID, taskID, "implementer blocked: "+impl.Summary)
		}

		paths, err := r.sandbox.Apply(impl.FileOperations)
		changed = appendUnique(changed, paths...)
		if err != nil {
			return r.block(ctx, versionID, taskID, "file operations rejected: "+err.Error())
		}

		if v, err = r.transition(ctx, versionID, workflow.Transition{
			TaskID: taskID,
			To:     workflow.TaskStateInQA,
			Actor:  workflow.ActorPipeline,
		}); err != nil {
			return err
		}

		results := r.commands.Run(ctx, r.sandbox.Root(), r.commandsFor(&task, impl))
		if err := ctx.Err(); err != nil {
			return err
		}

		val, res, err := agent.Invoke(ctx, r.worker, contract.Validator,
			r.validatorPrompt(versionID, &task, spec, impl.FileOperations, results), validatorUserMessage)
		if err != nil {
			return err
		}
		r.appendRunLog(ctx, versionID, &task, contract.Validator.Name(), &val.Envelope, res, results)

		if val.Blocked() {
			reason := val.Notes
			if reason == "" {
				reason = val.Summary
			}
			return r.block(ctx, versionID, taskID, "validator blocked: "+reason)
		}

		if val.Passed() {
			missing := missingCriteria(task.AcceptanceCriteria, val.Criteria)
			if len(missing) == 0 {
				if _, err := r.transition(ctx, versionID, workflow.Transition{
					TaskID: taskID,
					To:     workflow.TaskStateDone,
					Actor:  workflow.ActorPipeline,
				}); err != nil {
					return err
				}
				r.logger.Info("Task complete", "task_id", taskID, "attempt", task.AttemptCount)
				r.commit(ctx, versionID, task, changed)
				return nil
			}
			for _, c := range missing {
				val.Violations = append(val.Violations, "acceptance criterion not evaluated: "+c)
			}
		}

		if task.AttemptCount >= workflow.MaxAttempts {
			return r.block(ctx, versionID, taskID,
				fmt.Sprintf("failed validation after %d attempts", workflow.MaxAttempts))
		}
		feedback = QAFeedback(val, results)
		r.logger.Info("Validation failed, retrying", "task_id", taskID, "attempt", task.AttemptCount+1)
		if v, err = r.transition(ctx, versionID, workflow.Transition{
			TaskID: taskID,
			To:     workflow.TaskStateInProgress,
			Actor:  workflow.ActorPipeline,
		}); err != nil {
			return err
		}
	}
}

// block moves a task to BLOCKED and hands it to the escalator.
func (r *Runner) block(ctx context.Context, versionID, taskID, reason string) error {
	if _, err := r.transition(ctx, versionID, workflow.Transition{
		TaskID: taskID,
		To:     workflow.TaskStateBlocked,
		Actor:  workflow.ActorPipeline,
		Reason: reason,
	}); err != nil {
		return err
	}
	r.logger.Warn("Task blocked", "task_id", taskID, "reason", reason)
	return r.escalate(ctx, versionID, taskID)
}

// escalate runs the escalator. Only fatal invocation errors and context
// errors are returned; other failures leave the task BLOCKED.
func (r *Runner) escalate(ctx context.Context, versionID, taskID string) error {
	if r.escalator == nil {
		return nil
	}
	d, err := r.escalator.Handle(ctx, versionID, taskID)
	if err != nil {
		if llm.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		r.logger.Error("Escalation failed, task stays blocked", "task_id", taskID, "error", err)
		return nil
	}
	r.logger.Info("Escalation handled",
		"task_id", taskID,
		"escalation_id", d.EscalationID,
		"resolution", d.Resolution,
		"permanent", d.Permanent)
	return nil
}

// commit records a DONE task through the commit barrier. Failures set
// commit_pending and never fail the task.
func (r *Runner) commit(ctx context.Context, versionID string, task workflow.Task, paths []string) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	req := vcs.CommitRequest{TaskID: task.ID, Title: task.Title, Paths: paths}
	entry := workflow.CommitLog{
		VersionID: versionID,
		TaskID:    task.ID,
		Message:   req.Message(),
		Paths:     paths,
		StartedAt: time.Now().UTC(),
	}
	hash, commitErr := r.committer.Commit(ctx, req)
	entry.FinishedAt = time.Now().UTC()
	entry.Hash = hash
	if commitErr != nil {
		entry.Error = commitErr.Error()
		r.logger.Warn("Commit failed, task marked commit pending", "task_id", task.ID, "error", commitErr)
	}
	r.metrics.RecordCommit(entry.FinishedAt.Sub(entry.StartedAt), commitErr)

	// Bookkeeping must land even if the run is being cancelled.
	bg := context.WithoutCancel(ctx)
	if _, err := r.repo.AppendCommitLog(bg, r.cfg.Project, entry); err != nil {
		r.logger.Error("Failed to append commit log", "task_id", task.ID, "error", err)
	}
	if _, err := r.repo.Update(bg, r.cfg.Project, versionID, func(v *workflow.Version) error {
		return v.MarkCommitted(task.ID, hash, commitErr)
	}); err != nil {
		r.logger.Error("Failed to record commit", "task_id", task.ID, "error", err)
	}

	r.publish(bg, events.Event{
		Kind:       events.KindCommit,
		Project:    r.cfg.Project,
		VersionID:  versionID,
		TaskID:     task.ID,
		CommitHash: hash,
		Error:      entry.Error,
	})
}

func (r *Runner) transition(ctx context.Context, versionID string, tr workflow.Transition) (*workflow.Version, error) {
	var from workflow.TaskState
	v, err := r.repo.Update(ctx, r.cfg.Project, versionID, func(v *workflow.Version) error {
		t, err := v.Task(tr.TaskID)
		if err != nil {
			return err
		}
		from = t.State
		return v.ApplyTransition(tr)
	})
	if err != nil {
		return nil, err
	}
	r.recordTransition(ctx, versionID, from, tr)
	return v, nil
}

func (r *Runner) recordTransition(ctx context.Context, versionID string, from workflow.TaskState, tr workflow.Transition) {
	r.metrics.RecordTransition(string(from), string(tr.To))
	r.logger.Debug("Task transition", "task_id", tr.TaskID, "from", from, "to", tr.To, "actor", tr.Actor)
	r.publish(ctx, events.TaskTransition(r.cfg.Project, versionID, from, tr))
}

func (r *Runner) publish(ctx context.Context, e events.Event) {
	if err := r.events.Publish(ctx, e); err != nil {
		r.logger.Warn("Failed to publish event", "kind", e.Kind, "error", err)
	}
}

func (r *Runner) appendRunLog(ctx context.Context, versionID string, task *workflow.Task, role string, env *contract.Envelope, res agent.Result, commands []workflow.CommandResult) {
	log := agent.NewRunLog(agent.RunLogEntry{
		VersionID: versionID,
		TaskID:    task.ID,
		Role:      role,
		Attempt:   task.AttemptCount,
	}, env, res, commands)
	if _, err := r.repo.AppendRunLog(ctx, r.cfg.Project, log); err != nil {
		r.logger.Error("Failed to append run log", "task_id", task.ID, "role", role, "error", err)
	}
}

func (r *Runner) documents(v *workflow.Version) (spec, plan string) {
	spec, err := workflow.ReadLocked(r.docs, v.Spec)
	if err != nil {
		r.logger.Warn("Spec unavailable", "version", v.ID, "error", err)
	}
	plan, err = workflow.ReadLocked(r.docs, v.Plan)
	if err != nil {
		r.logger.Warn("Plan unavailable", "version", v.ID, "error", err)
	}
	return spec, plan
}

// commandsFor returns the task's declared commands followed by the
// implementer's, or auto-detected build commands when neither declares any.
func (r *Runner) commandsFor(task *workflow.Task, impl *contract.ImplementerOutput) []string {
	cmds := appendUnique(slices.Clone(task.Commands), impl.Commands...)
	if len(cmds) == 0 {
		cmds = DetectBuildCommands(r.sandbox.Root())
	}
	return cmds
}

func (r *Runner) implementerPrompt(versionID string, task *workflow.Task, spec, plan, feedback string) string {
	var extra []string
	for _, s := range []string{r.sandbox.FileTree(), r.sandbox.ExistingFiles()} {
		if s != "" {
			extra = append(extra, s)
		}
	}
	return prompts.Compose(prompts.Params{
		Template:    prompts.ImplementerPrompt(),
		Preferences: r.cfg.Preferences,
		Task: &prompts.TaskContext{
			Task:          task,
			VersionID:     versionID,
			Spec:          spec,
			Plan:          plan,
			PriorFeedback: feedback,
		},
		Extra:         strings.Join(extra, "\n\n"),
		Knowledge:     r.cfg.Knowledge,
		ContextTokens: r.cfg.ContextTokens,
	})
}

func (r *Runner) validatorPrompt(versionID string, task *workflow.Task, spec string, ops []contract.FileOperation, results []workflow.CommandResult) string {
	return prompts.Compose(prompts.Params{
		Template:      prompts.ValidatorPrompt(),
		Preferences:   r.cfg.Preferences,
		Task:          &prompts.TaskContext{Task: task, VersionID: versionID, Spec: spec},
		Evidence:      FormatCommandResults(results),
		Extra:         "### File Changes\n\n" + FormatFileChanges(ops),
		Knowledge:     r.cfg.Knowledge,
		ContextTokens: r.cfg.ContextTokens,
	})
}

func newBatchReport(v *workflow.Version, completed, next []string) BatchReport {
	counts := v.CountByState()
	return BatchReport{
		VersionID: v.ID,
		Completed: completed,
		Next:      next,
		Done:      counts[workflow.TaskStateDone] + counts[workflow.TaskStateArchived],
		Blocked:   counts[workflow.TaskStateBlocked],
		Total:     len(v.Tasks),
	}
}
