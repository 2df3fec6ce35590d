package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nova/agent"
	"github.com/c360studio/nova/events"
	"github.com/c360studio/nova/events/eventstest"
	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/llm/testutil"
	"github.com/c360studio/nova/storage"
	"github.com/c360studio/nova/workflow"
)

const (
	project   = "demo"
	versionID = "v1"
	taskID    = "v1-001"
)

type fixture struct {
	repo     *storage.Repository
	client   *testutil.MockClient
	events   *eventstest.Recorder
	protocol *Protocol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := storage.NewFileKV(t.TempDir(), nil)
	require.NoError(t, err)
	repo := storage.NewRepository(kv, nil)

	v, err := workflow.NewVersion(project, versionID)
	require.NoError(t, err)
	require.NoError(t, v.AdvancePhase(workflow.PhaseSpecDraft))
	require.NoError(t, v.ApproveSpec(workflow.NewContentRef("docs/spec/v1.md", []byte("spec"))))
	require.NoError(t, v.AdvancePhase(workflow.PhasePlanDraft))
	require.NoError(t, v.ApprovePlan(workflow.NewContentRef("docs/plan/v1.md", []byte("plan"))))
	require.NoError(t, v.SetTasks([]workflow.Task{{
		ID:                 taskID,
		Title:              "Add login endpoint",
		Description:        "POST /login issues a session token",
		AcceptanceCriteria: []string{"valid credentials return 200", "invalid credentials return 401"},
	}}))
	require.NoError(t, v.ApproveTasks(workflow.NewContentRef("docs/tasks/v1.tasks.yaml", []byte("tasks"))))
	require.NoError(t, v.StartExecution())
	require.NoError(t, repo.CreateVersion(context.Background(), v))

	client := testutil.NewMockClient()
	worker := agent.NewWorker(client, agent.WithRetry(llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        2 * time.Millisecond,
	}))
	rec := &eventstest.Recorder{}
	return &fixture{
		repo:     repo,
		client:   client,
		events:   rec,
		protocol: NewProtocol(project, repo, worker, WithEvents(rec)),
	}
}

func (f *fixture) update(t *testing.T, fn func(v *workflow.Version) error) {
	t.Helper()
	_, err := f.repo.Update(context.Background(), project, versionID, fn)
	require.NoError(t, err)
}

// block runs the task through MaxAttempts failed validations into BLOCKED
// and records the worker run logs the pipeline would have written.
func (f *fixture) block(t *testing.T, reason string) {
	t.Helper()
	f.update(t, func(v *workflow.Version) error {
		steps := []workflow.Transition{
			{TaskID: taskID, To: workflow.TaskStateInProgress, Actor: workflow.ActorPipeline},
			{TaskID: taskID, To: workflow.TaskStateInQA, Actor: workflow.ActorPipeline},
			{TaskID: taskID, To: workflow.TaskStateBlocked, Actor: workflow.ActorPipeline, Reason: reason},
		}
		for _, tr := range steps {
			if err := v.ApplyTransition(tr); err != nil {
				return err
			}
		}
		return nil
	})
	for _, role := range []string{"implementer", "validator"} {
		log := workflow.RunLog{
			VersionID: versionID,
			TaskID:    taskID,
			Role:      role,
			Attempt:   1,
			Status:    "failed",
			Summary:   role + " summary",
			Timestamp: time.Now().UTC(),
		}
		if role == "validator" {
			log.Commands = []workflow.CommandResult{{Command: "go test ./...", ExitCode: 1, Stderr: "FAIL auth_test.go"}}
		}
		_, err := f.repo.AppendRunLog(context.Background(), project, log)
		require.NoError(t, err)
	}
}

// rearm simulates a previous planner retry so the task carries one more
// escalation.
func (f *fixture) rearm(t *testing.T) {
	t.Helper()
	f.update(t, func(v *workflow.Version) error {
		return v.ApplyTransition(workflow.Transition{
			TaskID: taskID, To: workflow.TaskStateReady, Actor: workflow.ActorPlanner, Guidance: "earlier guidance",
		})
	})
}

func (f *fixture) task(t *testing.T) *workflow.Task {
	t.Helper()
	v, err := f.repo.Load(context.Background(), project, versionID)
	require.NoError(t, err)
	task, err := v.Task(taskID)
	require.NoError(t, err)
	return task
}

func plannerReply(t *testing.T, fields map[string]any) testutil.Reply {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return testutil.Reply{Content: string(data)}
}

func TestHandle_PlannerRetryRearmsTask(t *testing.T) {
	f := newFixture(t)
	f.block(t, "failed validation after 3 attempts")
	f.client.Queue("planner", plannerReply(t, map[string]any{
		"status":     "complete",
		"summary":    "the password hash comparison is inverted",
		"resolution": "retry",
		"guidance":   "Use bcrypt.CompareHashAndPassword and return 401 on mismatch.",
		"decisions":  []string{"keep bcrypt"},
	}))

	d, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.NoError(t, err)
	assert.True(t, d.Retry())
	assert.Equal(t, workflow.ActorPlanner, d.ResolvedBy)
	assert.Equal(t, "esc-v1-001-1", d.EscalationID)

	task := f.task(t)
	assert.Equal(t, workflow.TaskStateReady, task.State)
	assert.Equal(t, 0, task.AttemptCount)
	assert.Equal(t, 1, task.EscalationCount)
	assert.Empty(t, task.EscalationID)
	assert.Contains(t, task.Guidance, "bcrypt.CompareHashAndPassword")
	assert.Contains(t, task.Guidance, "Decisions made: keep bcrypt")

	esc, err := f.repo.Escalation(context.Background(), project, versionID, d.EscalationID)
	require.NoError(t, err)
	assert.True(t, esc.IsResolved())
	assert.Equal(t, workflow.ResolutionRetry, esc.Resolution)
	assert.Equal(t, "validator", esc.FromRole)
	assert.Equal(t, "failed validation after 3 attempts", esc.Reason)
	require.Len(t, esc.History, 2)
	assert.Equal(t, "implementer", esc.History[0].Role)

	calls := f.client.Calls("planner")
	require.Len(t, calls, 1)
	system := calls[0].Messages[0].Content
	assert.Contains(t, system, "## Escalation: Task v1-001")
	assert.Contains(t, system, "FAIL auth_test.go")

	logs, err := f.repo.RunLogs(context.Background(), project, versionID, taskID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "planner", logs[2].Role)

	assert.Len(t, f.events.Events(events.KindEscalationCreated), 1)
	resolved := f.events.Events(events.KindEscalationResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "retry", resolved[0].Resolution)
	transitions := f.events.Events(events.KindTaskTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "blocked", transitions[0].From)
	assert.Equal(t, "ready", transitions[0].To)
}

func TestHandle_PermanentAfterMaxEscalations(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < workflow.MaxEscalations; i++ {
		f.block(t, "failed validation after 3 attempts")
		f.rearm(t)
	}
	require.Equal(t, workflow.MaxEscalations, f.task(t).EscalationCount)
	f.block(t, "failed validation after 3 attempts")

	d, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.NoError(t, err)
	assert.True(t, d.Permanent)
	assert.Equal(t, workflow.ResolutionHumanNeeded, d.Resolution)
	assert.Equal(t, workflow.ActorEscalation, d.ResolvedBy)
	assert.Empty(t, f.client.Calls("planner"), "planner must not be consulted")

	task := f.task(t)
	assert.Equal(t, workflow.TaskStateBlocked, task.State)
	assert.Equal(t, d.EscalationID, task.EscalationID)
	assert.Contains(t, task.BlockedReason, "permanently blocked after 2 escalations")

	esc, err := f.repo.Escalation(context.Background(), project, versionID, d.EscalationID)
	require.NoError(t, err)
	assert.True(t, esc.Permanent)
	assert.True(t, esc.IsResolved())
}

func TestHandle_PlannerNeedsHuman(t *testing.T) {
	f := newFixture(t)
	f.block(t, "failed validation after 3 attempts")
	f.client.Queue("planner", plannerReply(t, map[string]any{
		"status":     "complete",
		"summary":    "the spec contradicts itself",
		"resolution": "human_needed",
		"guidance":   "decide whether sessions expire",
	}))

	d, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.NoError(t, err)
	assert.False(t, d.Retry())
	assert.Equal(t, workflow.ActorPlanner, d.ResolvedBy)

	task := f.task(t)
	assert.Equal(t, workflow.TaskStateBlocked, task.State)
	assert.Equal(t, d.EscalationID, task.EscalationID)
	assert.Equal(t, "planner: human intervention needed - decide whether sessions expire", task.BlockedReason)
	assert.Equal(t, 0, task.EscalationCount)
}

func TestHandle_PlannerBlocked(t *testing.T) {
	f := newFixture(t)
	f.block(t, "implementer blocked: missing credentials")
	f.client.Queue("planner",
		testutil.Reply{Content: "no idea"},
		testutil.Reply{Content: "still no json"},
		testutil.Reply{Content: "really"},
	)

	d, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ResolutionHumanNeeded, d.Resolution)
	assert.Equal(t, workflow.ActorEscalation, d.ResolvedBy)
	assert.Equal(t, workflow.TaskStateBlocked, f.task(t).State)
}

func TestHandle_PlannerFatalError(t *testing.T) {
	f := newFixture(t)
	f.block(t, "failed validation after 3 attempts")
	f.client.Queue("planner", testutil.Reply{Err: llm.NewFatalError(errors.New("invalid api key"))})

	d, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.NotEmpty(t, d.EscalationID)

	task := f.task(t)
	assert.Equal(t, workflow.TaskStateBlocked, task.State)
	assert.Equal(t, d.EscalationID, task.EscalationID, "the open escalation stays attached")
}

func TestHandle_Preconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.ErrorIs(t, err, ErrNotBlocked)

	f.block(t, "stuck")
	f.update(t, func(v *workflow.Version) error {
		return v.AttachEscalation(taskID, "esc-v1-001-9", "")
	})
	_, err = f.protocol.Handle(context.Background(), versionID, taskID)
	require.ErrorIs(t, err, ErrAlreadyEscalated)

	_, err = f.protocol.Handle(context.Background(), versionID, "v1-404")
	require.ErrorIs(t, err, workflow.ErrTaskNotFound)
}

func TestResolveByHuman_Retry(t *testing.T) {
	f := newFixture(t)
	f.block(t, "failed validation after 3 attempts")
	f.client.Queue("planner", plannerReply(t, map[string]any{
		"status": "complete", "summary": "unclear", "resolution": "human_needed",
	}))
	first, err := f.protocol.Handle(context.Background(), versionID, taskID)
	require.NoError(t, err)

	d, err := f.protocol.ResolveByHuman(context.Background(), versionID, taskID,
		HumanResolution{Action: HumanRetry, Guidance: "sessions never expire"})
	require.NoError(t, err)
	assert.Equal(t, first.EscalationID, d.EscalationID)
	assert.Equal(t, workflow.ActorHuman, d.ResolvedBy)

	task := f.task(t)
	assert.Equal(t, workflow.TaskStateReady, task.State)
	assert.Equal(t, "sessions never expire", task.Guidance)
	assert.Equal(t, 0, task.EscalationCount, "human retries do not consume escalations")
}

func TestResolveByHuman_ArchiveOpenEscalation(t *testing.T) {
	f := newFixture(t)
	f.block(t, "stuck")
	var id string
	f.update(t, func(v *workflow.Version) error {
		id = v.NextEscalationID(taskID)
		return nil
	})
	require.NoError(t, f.repo.SaveEscalation(context.Background(), project, &workflow.Escalation{
		ID: id, TaskID: taskID, VersionID: versionID, Reason: "stuck", CreatedAt: time.Now().UTC(),
	}))
	f.update(t, func(v *workflow.Version) error {
		return v.AttachEscalation(taskID, id, "")
	})

	// With escalations left the operator cannot archive, and the escalation stays open.
	_, err := f.protocol.ResolveByHuman(context.Background(), versionID, taskID,
		HumanResolution{Action: HumanArchive, Guidance: "feature dropped"})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.ErrorIs(t, err, workflow.ErrEscalationsRemaining)
	assert.Equal(t, workflow.TaskStateBlocked, f.task(t).State)
	open, err := f.repo.Escalation(context.Background(), project, versionID, id)
	require.NoError(t, err)
	assert.False(t, open.IsResolved())

	f.update(t, func(v *workflow.Version) error {
		task, err := v.Task(taskID)
		if err != nil {
			return err
		}
		task.EscalationCount = workflow.MaxEscalations
		return nil
	})

	d, err := f.protocol.ResolveByHuman(context.Background(), versionID, taskID,
		HumanResolution{Action: HumanArchive, Guidance: "feature dropped"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ResolutionHumanNeeded, d.Resolution)
	assert.Equal(t, workflow.TaskStateArchived, f.task(t).State)

	esc, err := f.repo.Escalation(context.Background(), project, versionID, d.EscalationID)
	require.NoError(t, err)
	assert.True(t, esc.IsResolved())
	assert.Equal(t, workflow.ActorHuman, esc.ResolvedBy)
}

func TestResolveByHuman_RejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)

	_, err := f.protocol.ResolveByHuman(context.Background(), versionID, taskID, HumanResolution{Action: HumanArchive})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.Equal(t, workflow.TaskStateReady, f.task(t).State)

	_, err = f.protocol.ResolveByHuman(context.Background(), versionID, taskID, HumanResolution{Action: "ignore"})
	require.Error(t, err)
}
