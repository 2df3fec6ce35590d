package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nova/config"
	"github.com/c360studio/nova/llm/llmtest"
	"github.com/c360studio/nova/pipeline"
	"github.com/c360studio/nova/vcs"
	"github.com/c360studio/nova/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Project.Name = "shop"
	cfg.Project.Root = t.TempDir()
	return cfg
}

func TestPromptGate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"enter continues", "\n", true},
		{"yes continues", "y\n", true},
		{"no pauses", "n\n", false},
		{"quit pauses", "Quit\n", false},
		{"eof pauses", "", false},
		{"answer without newline", "yes", true},
	}

	report := pipeline.BatchReport{
		VersionID: "v1",
		Completed: []string{"v1-001", "v1-002"},
		Next:      []string{"v1-003"},
		Done:      2,
		Blocked:   1,
		Total:     4,
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			g := newPromptGate(strings.NewReader(tt.input), &out)

			ok, err := g.Continue(context.Background(), report)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Contains(t, out.String(), "Batch finished: v1-001, v1-002")
			assert.Contains(t, out.String(), "Progress: 2/4 done, 1 blocked")
			assert.Contains(t, out.String(), "Next batch: v1-003")
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestPromptGate_Errors(t *testing.T) {
	_, err := newPromptGate(failingReader{}, io.Discard).Continue(context.Background(), pipeline.BatchReport{})
	assert.EqualError(t, err, "tty gone")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newPromptGate(strings.NewReader("y\n"), io.Discard).Continue(ctx, pipeline.BatchReport{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderStatus(t *testing.T) {
	v, err := workflow.NewVersion("shop", "v1")
	require.NoError(t, err)
	v.UpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	renderStatus(&out, v)
	assert.Contains(t, out.String(), "shop/v1  phase: brainstorm  updated: 2026-03-01T12:00:00Z")
	assert.Contains(t, out.String(), "no tasks")

	v.Phase = workflow.PhaseExecuting
	v.Tasks = []workflow.Task{
		{ID: "v1-001", Title: "Scaffold", State: workflow.TaskStateDone, AttemptCount: 1, CommitHash: "0123456789abcdef"},
		{ID: "v1-002", Title: "Orders API", State: workflow.TaskStateBlocked, AttemptCount: 3, EscalationCount: 2,
			BlockedReason: "permanently blocked after 2 escalations", EscalationID: "esc-v1-002-3"},
		{ID: "v1-003", Title: "Docs", State: workflow.TaskStateDone, AttemptCount: 2, CommitPending: true},
	}
	out.Reset()
	renderStatus(&out, v)

	got := out.String()
	assert.Contains(t, got, "tasks: 3  done: 2  blocked: 1  archived: 0")
	assert.Contains(t, got, "attempts 1/3  escalations 0/2  Scaffold  [01234567]")
	assert.Contains(t, got, "blocked: permanently blocked after 2 escalations (esc-v1-002-3)")
	assert.Contains(t, got, "commit pending")
	assert.NotContains(t, got, "no tasks")
}

func TestRenderStatus_DependencyOrder(t *testing.T) {
	v, err := workflow.NewVersion("shop", "v1")
	require.NoError(t, err)
	v.Phase = workflow.PhaseExecuting
	v.Tasks = []workflow.Task{
		{ID: "v1-001", Title: "Orders API", State: workflow.TaskStateReady, Dependencies: []string{"v1-002"}},
		{ID: "v1-002", Title: "Scaffold", State: workflow.TaskStateBlocked, BlockedReason: "build fails"},
	}

	var out bytes.Buffer
	renderStatus(&out, v)
	got := out.String()

	assert.Less(t, strings.Index(got, "v1-002"), strings.Index(got, "v1-001"), "dependencies are listed first")
	assert.Contains(t, got, "holding: v1-001")
}

func TestNewApp_Backends(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			cfg.Storage.Path = ".nova/state-" + backend

			ctx := context.Background()
			app, err := NewApp(ctx, cfg, slog.Default())
			require.NoError(t, err)
			defer app.Close()

			v, err := workflow.NewVersion("shop", "v1")
			require.NoError(t, err)
			require.NoError(t, app.repo.CreateVersion(ctx, v))

			ids, err := app.repo.ListVersions(ctx, "shop")
			require.NoError(t, err)
			assert.Equal(t, []string{"v1"}, ids)
			assert.DirExists(t, filepath.Join(cfg.Project.Root, ".nova", "state-"+backend))
		})
	}
}

func TestNewApp_EmbeddedNATS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Embedded = true
	cfg.Storage.Backend = config.BackendNATS
	cfg.Storage.Bucket = "NOVA_TEST"

	ctx := context.Background()
	app, err := NewApp(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.conn)
	v, err := workflow.NewVersion("shop", "v1")
	require.NoError(t, err)
	require.NoError(t, app.repo.CreateVersion(ctx, v))

	loaded, err := app.repo.Load(ctx, "shop", "v1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseBrainstorm, loaded.Phase)
}

func TestApp_Committer(t *testing.T) {
	cfg := testConfig(t)
	app := &App{cfg: cfg, logger: slog.Default()}

	c, err := app.committer()
	require.NoError(t, err)
	assert.IsType(t, vcs.NoopCommitter{}, c, "a root without a repository falls back to no commits")

	require.NoError(t, vcs.Init(cfg.Project.Root))
	c, err = app.committer()
	require.NoError(t, err)
	assert.IsType(t, &vcs.GitCommitter{}, c)

	cfg.VCS.Enabled = false
	c, err = app.committer()
	require.NoError(t, err)
	assert.IsType(t, vcs.NoopCommitter{}, c)
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_PlanningFlow(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := filepath.Join(t.TempDir(), "shop")
	require.NoError(t, os.MkdirAll(root, 0o755))
	write := func(name, content string) string {
		p := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	repo := "--repo=" + root

	out, err := execute(t, "init", repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "Created shop/v1 in phase brainstorm")
	assert.FileExists(t, filepath.Join(root, config.ProjectConfigFile))
	assert.DirExists(t, filepath.Join(root, ".git"))

	_, err = execute(t, "init", repo, "--log-level=error")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "approve", "spec", "v1", write("thin.md", "# Shop\n"), "--strict", repo, "--log-level=error")
	assert.ErrorContains(t, err, "incomplete")
	assert.Contains(t, out, "Warning: spec: missing Overview")

	out, err = execute(t, "approve", "spec", "v1", write("spec.md", "# Shop\n"), repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "phase spec_approved")

	out, err = execute(t, "approve", "plan", "v1", write("plan.md", "# Plan\n"), repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "phase plan_approved")

	tasks := write("tasks.yaml", `tasks:
  - title: Scaffold
    acceptance_criteria: [go build succeeds]
  - title: Orders API
    dependencies: [v1-001]
`)
	out, err = execute(t, "tasks", "import", "v1", tasks, repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 tasks into v1")

	out, err = execute(t, "approve", "tasks", "v1", repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "Locked 2 tasks, 2 ready")

	out, err = execute(t, "status", "v1", repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "phase: tasks_generated")
	assert.Contains(t, out, "v1-002")

	out, err = execute(t, "status", repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "v1")

	out, err = execute(t, "escalations", "v1", repo, "--log-level=error")
	require.NoError(t, err)
	assert.Contains(t, out, "No escalations")

	_, err = execute(t, "resolve", "v1", "v1-001", "--guidance=try again", repo, "--log-level=error")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestCLI_RunAgainstFixtureServer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := httptest.NewServer(llmtest.NewServer(map[string][]string{
		"impl": {`{"status":"complete","summary":"wrote the greeting","files_touched":["hello.txt"],` +
			`"file_operations":[{"action":"create","path":"hello.txt","content":"hello\n"}]}`},
		"qa": {`{"status":"passed","summary":"file present","verdict":"pass",` +
			`"criteria":[{"criterion":"hello.txt exists","met":true,"evidence":"test -f passed"}]}`},
		"planner": {`{"status":"complete","summary":"unused","resolution":"human_needed"}`},
	}, nil))
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "greeter")
	require.NoError(t, os.MkdirAll(root, 0o755))
	cfg := fmt.Sprintf(`models:
  implementer: {provider: ollama, url: %[1]s/v1, model: impl}
  validator: {provider: ollama, url: %[1]s/v1, model: qa}
  planner: {provider: ollama, url: %[1]s/v1, model: planner}
`, srv.URL)
	require.NoError(t, os.WriteFile(filepath.Join(root, config.ProjectConfigFile), []byte(cfg), 0o644))

	file := func(name, content string) string {
		p := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	flags := []string{"--repo=" + root, "--log-level=error"}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(args, flags...)...)
		require.NoError(t, err, out)
		return out
	}

	run("init")
	run("approve", "spec", "v1", file("spec.md", "# Greeter\n"))
	run("approve", "plan", "v1", file("plan.md", "# Plan\n"))
	run("tasks", "import", "v1", file("tasks.json",
		`[{"title":"Write greeting","acceptance_criteria":["hello.txt exists"],"commands":["test -f hello.txt"]}]`))
	run("approve", "tasks", "v1")

	out := run("run", "v1", "--unattended")
	assert.Contains(t, out, "Run outcome: complete")
	assert.Contains(t, out, "phase: complete")
	assert.Contains(t, out, "attempts 1/3")

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	repo, err := git.PlainOpen(root)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "feat(v1-001): Write greeting", strings.TrimSpace(commit.Message))
	assert.Contains(t, out, head.Hash().String()[:8])
}
