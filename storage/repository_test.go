package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nova/workflow"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	kv, err := NewFileKV(t.TempDir(), nil)
	require.NoError(t, err)
	return NewRepository(kv, nil)
}

func createVersion(t *testing.T, repo *Repository) {
	t.Helper()
	v, err := workflow.NewVersion("demo", "v1")
	require.NoError(t, err)
	v.Tasks = []workflow.Task{
		{ID: "v1-001", Title: "one", State: workflow.TaskStateReady},
		{ID: "v1-002", Title: "two", State: workflow.TaskStateReady},
	}
	require.NoError(t, repo.CreateVersion(context.Background(), v))
}

func TestRepository_CreateAndLoad(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Load(ctx, "demo", "v1")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	createVersion(t, repo)
	v, err := repo.Load(ctx, "demo", "v1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseBrainstorm, v.Phase)
	assert.Len(t, v.Tasks, 2)

	dup, _ := workflow.NewVersion("demo", "v1")
	assert.ErrorIs(t, repo.CreateVersion(ctx, dup), ErrExists)

	ids, err := repo.ListVersions(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ids)
}

func TestRepository_UpdateFailureWritesNothing(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	createVersion(t, repo)

	boom := errors.New("boom")
	_, err := repo.Update(ctx, "demo", "v1", func(v *workflow.Version) error {
		v.Tasks[0].State = workflow.TaskStateDone
		v.Phase = workflow.PhaseComplete
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := repo.Load(ctx, "demo", "v1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateReady, v.Tasks[0].State)
	assert.Equal(t, workflow.PhaseBrainstorm, v.Phase)
}

func TestRepository_UpdateIsSerialized(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	createVersion(t, repo)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, "demo", "v1", func(v *workflow.Version) error {
				v.EscalationSeq++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := repo.Load(ctx, "demo", "v1")
	require.NoError(t, err)
	assert.Equal(t, 20, v.EscalationSeq)
}

func TestRepository_RunLogsKeepAppendOrder(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entries := []workflow.RunLog{
		{VersionID: "v1", TaskID: "v1-001", Role: "implementer", Attempt: 1, Status: "complete"},
		{VersionID: "v1", TaskID: "v1-002", Role: "implementer", Attempt: 1, Status: "complete"},
		{VersionID: "v1", TaskID: "v1-001", Role: "validator", Attempt: 1, Status: "failed"},
	}
	for _, e := range entries {
		_, err := repo.AppendRunLog(ctx, "demo", e)
		require.NoError(t, err)
	}
	key, err := repo.AppendRunLog(ctx, "demo", entries[0])
	require.NoError(t, err)
	assert.Equal(t, "runlogs/demo/v1/000004_v1-001_implementer_1", key)

	all, err := repo.RunLogs(ctx, "demo", "v1", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	task, err := repo.RunLogs(ctx, "demo", "v1", "v1-001")
	require.NoError(t, err)
	require.Len(t, task, 3)
	assert.Equal(t, "implementer", task[0].Role)
	assert.Equal(t, "validator", task[1].Role)
}

func TestRepository_Escalations(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &workflow.Escalation{ID: "esc-v1-001-1", TaskID: "v1-001", VersionID: "v1", Reason: "r", CreatedAt: now}
	second := &workflow.Escalation{ID: "esc-v1-002-2", TaskID: "v1-002", VersionID: "v1", Reason: "r", CreatedAt: now.Add(time.Second)}
	require.NoError(t, repo.SaveEscalation(ctx, "demo", second))
	require.NoError(t, repo.SaveEscalation(ctx, "demo", first))

	all, err := repo.ListEscalations(ctx, "demo", "v1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "esc-v1-001-1", all[0].ID)

	forTask, err := repo.ListEscalations(ctx, "demo", "v1", "v1-002")
	require.NoError(t, err)
	require.Len(t, forTask, 1)

	_, err = repo.Escalation(ctx, "demo", "v1", "esc-v1-009-9")
	assert.ErrorIs(t, err, workflow.ErrEscalationNotFound)
}

func TestRepository_CommitLogs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	start := time.Now().UTC()

	_, err := repo.AppendCommitLog(ctx, "demo", workflow.CommitLog{VersionID: "v1", TaskID: "v1-002", Hash: "b", StartedAt: start, FinishedAt: start.Add(time.Millisecond)})
	require.NoError(t, err)
	_, err = repo.AppendCommitLog(ctx, "demo", workflow.CommitLog{VersionID: "v1", TaskID: "v1-001", Hash: "a", StartedAt: start.Add(2 * time.Millisecond), FinishedAt: start.Add(3 * time.Millisecond)})
	require.NoError(t, err)

	logs, err := repo.CommitLogs(ctx, "demo", "v1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "v1-002", logs[0].TaskID)
	assert.Equal(t, "v1-001", logs[1].TaskID)
}

func TestRepository_BadgerBackend(t *testing.T) {
	kv, err := OpenBadgerKV(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	repo := NewRepository(kv, nil)
	createVersion(t, repo)

	updated, err := repo.Update(context.Background(), "demo", "v1", func(v *workflow.Version) error {
		return v.AdvancePhase(workflow.PhaseSpecDraft)
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSpecDraft, updated.Phase)
}
