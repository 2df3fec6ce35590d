package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/nova/agent"
	"github.com/c360studio/nova/config"
	"github.com/c360studio/nova/escalation"
	"github.com/c360studio/nova/events"
	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/metrics"
	"github.com/c360studio/nova/model"
	"github.com/c360studio/nova/pipeline"
	"github.com/c360studio/nova/storage"
	"github.com/c360studio/nova/vcs"
	"github.com/c360studio/nova/workflow"
)

// App wires the engine's components for one project.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	layout *workflow.Manager
	kv     storage.KV
	repo   *storage.Repository

	// NATS, when events or the nats backend are enabled
	conn   *events.Conn
	events events.Publisher

	metrics *metrics.Metrics
}

// NewApp opens storage and, when configured, the NATS connection.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		layout: workflow.NewManager(cfg.Project.Root),
		events: events.Noop{},
	}

	if cfg.Events.Enabled() || cfg.Storage.Backend == config.BackendNATS {
		storeDir := ""
		if cfg.Events.NATSURL == "" {
			storeDir = filepath.Join(a.layout.RootPath(), "nats")
		}
		conn, err := events.Connect(cfg.Events.NATSURL, storeDir)
		if err != nil {
			return nil, err
		}
		a.conn = conn
		a.events = events.NewNATSPublisher(conn.NC, cfg.Events.SubjectPrefix, logger)
	}

	kv, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.kv = kv
	a.repo = storage.NewRepository(kv, logger)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage.KV, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendFile:
		return storage.NewFileKV(a.cfg.ResolvePath(a.cfg.Storage.Path), a.logger)
	case config.BackendBadger:
		return storage.OpenBadgerKV(storage.BadgerConfig{
			Path:       a.cfg.ResolvePath(a.cfg.Storage.Path),
			SyncWrites: true,
			Logger:     a.logger.With("component", "badger"),
		})
	case config.BackendNATS:
		return storage.NewNATSKV(ctx, a.conn.JS, a.cfg.Storage.Bucket, a.logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
}

// Close releases storage and NATS.
func (a *App) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("Failed to close storage", "error", err)
		}
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// EnableMetrics registers the run metrics on a fresh registry and returns the
// scrape handler.
func (a *App) EnableMetrics() http.Handler {
	a.metrics = metrics.New(prometheus.NewRegistry())
	return a.metrics.Handler()
}

func (a *App) worker() *agent.Worker {
	client := llm.NewClient(a.cfg.Registry(), llm.WithLogger(a.logger))
	opts := []agent.Option{
		agent.WithRetry(a.cfg.Retry),
		agent.WithContractCeiling(a.cfg.Pipeline.ContractRetries),
		agent.WithMetrics(a.metrics),
		agent.WithLogger(a.logger),
	}
	for _, role := range []string{model.RoleImplementer, model.RoleValidator, model.RolePlanner} {
		if ep := a.cfg.Models[role]; ep != nil {
			opts = append(opts, agent.WithPacing(role, ep.RequestsPerMinute))
		}
	}
	return agent.NewWorker(client, opts...)
}

// promptContext loads merged preferences and knowledge snippets.
func (a *App) promptContext() ([]string, []string, error) {
	prefs, err := config.MergePreferenceFiles(
		a.cfg.ResolvePath(a.cfg.Preferences.Framework),
		a.cfg.ResolvePath(a.cfg.Preferences.Project))
	if err != nil {
		return nil, nil, err
	}
	knowledge, err := config.LoadKnowledge(a.cfg.ResolvePath(a.cfg.Preferences.KnowledgeDir))
	if err != nil {
		return nil, nil, err
	}
	return prefs.AgentInstructions(), knowledge, nil
}

// Protocol builds the escalation protocol.
func (a *App) Protocol() (*escalation.Protocol, error) {
	instructions, knowledge, err := a.promptContext()
	if err != nil {
		return nil, err
	}
	return a.protocol(a.worker(), instructions, knowledge), nil
}

func (a *App) protocol(w *agent.Worker, instructions, knowledge []string) *escalation.Protocol {
	return escalation.NewProtocol(a.cfg.Project.Name, a.repo, w,
		escalation.WithDocuments(a.layout),
		escalation.WithEvents(a.events),
		escalation.WithMetrics(a.metrics),
		escalation.WithLogger(a.logger),
		escalation.WithPromptContext(instructions, knowledge, a.cfg.Pipeline.ContextTokens),
	)
}

// Runner builds the pipeline runner with its escalation protocol.
func (a *App) Runner(gate pipeline.Gate) (*pipeline.Runner, error) {
	instructions, knowledge, err := a.promptContext()
	if err != nil {
		return nil, err
	}
	committer, err := a.committer()
	if err != nil {
		return nil, err
	}
	w := a.worker()

	return pipeline.NewRunner(pipeline.Config{
		Project:        a.cfg.Project.Name,
		Root:           a.cfg.Project.Root,
		Workers:        a.cfg.Pipeline.Workers,
		Unattended:     a.cfg.Pipeline.Unattended,
		ProtectedPaths: a.cfg.Pipeline.ProtectedPaths,
		ContextTokens:  a.cfg.Pipeline.ContextTokens,
		Preferences:    instructions,
		Knowledge:      knowledge,
	}, a.repo, w,
		pipeline.WithCommandRunner(pipeline.NewShellRunner(a.cfg.Pipeline.CommandTimeout, a.cfg.Pipeline.OutputTail, a.logger)),
		pipeline.WithCommitter(committer),
		pipeline.WithEscalator(a.protocol(w, instructions, knowledge)),
		pipeline.WithGate(gate),
		pipeline.WithDocuments(a.layout),
		pipeline.WithEvents(a.events),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.logger),
	)
}

func (a *App) committer() (vcs.Committer, error) {
	if !a.cfg.VCS.Enabled {
		return vcs.NoopCommitter{}, nil
	}
	c, err := vcs.NewGitCommitter(a.cfg.Project.Root, vcs.WithAuthor(a.cfg.VCS.AuthorName, a.cfg.VCS.AuthorEmail))
	if errors.Is(err, vcs.ErrNotRepository) {
		a.logger.Warn("Project root is not a git repository, commits disabled", "root", a.cfg.Project.Root)
		return vcs.NoopCommitter{}, nil
	}
	return c, err
}

// promptGate asks the operator on in before each batch after the first.
type promptGate struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptGate(in io.Reader, out io.Writer) *promptGate {
	return &promptGate{in: bufio.NewReader(in), out: out}
}

// Continue implements pipeline.Gate. Anything but an explicit no continues;
// end of input pauses.
func (g *promptGate) Continue(ctx context.Context, r pipeline.BatchReport) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(g.out, "\nBatch finished: %s\n", strings.Join(r.Completed, ", "))
	fmt.Fprintf(g.out, "Progress: %d/%d done, %d blocked\n", r.Done, r.Total, r.Blocked)
	fmt.Fprintf(g.out, "Next batch: %s\n", strings.Join(r.Next, ", "))
	fmt.Fprint(g.out, "Continue? [Y/n] ")

	line, err := g.in.ReadString('\n')
	switch {
	case errors.Is(err, io.EOF) && strings.TrimSpace(line) == "":
		fmt.Fprintln(g.out)
		return false, nil
	case err != nil && !errors.Is(err, io.EOF):
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no", "q", "quit":
		return false, nil
	}
	return true, nil
}

// renderStatus writes a version summary and one line per task.
func renderStatus(w io.Writer, v *workflow.Version) {
	counts := v.CountByState()
	fmt.Fprintf(w, "%s/%s  phase: %s  updated: %s\n", v.Project, v.ID, v.Phase, v.UpdatedAt.Format(time.RFC3339))
	if v.SupersededBy != "" {
		fmt.Fprintf(w, "superseded by %s\n", v.SupersededBy)
	}
	if len(v.Tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	fmt.Fprintf(w, "tasks: %d  done: %d  blocked: %d  archived: %d\n\n",
		len(v.Tasks), counts[workflow.TaskStateDone], counts[workflow.TaskStateBlocked], counts[workflow.TaskStateArchived])

	// Tasks are listed dependencies first; a list that no longer forms a
	// valid graph falls back to stored order.
	graph, err := workflow.NewDependencyGraph(v.Tasks)
	var tasks []*workflow.Task
	if err == nil {
		tasks = graph.TopologicalOrder()
	} else {
		for i := range v.Tasks {
			tasks = append(tasks, &v.Tasks[i])
		}
	}

	for _, t := range tasks {
		line := fmt.Sprintf("  %-10s %-12s attempts %d/%d  escalations %d/%d  %s",
			t.ID, t.State, t.AttemptCount, workflow.MaxAttempts, t.EscalationCount, workflow.MaxEscalations, t.Title)
		switch {
		case t.State == workflow.TaskStateBlocked:
			line += "\n             blocked: " + t.BlockedReason
			if t.EscalationID != "" {
				line += " (" + t.EscalationID + ")"
			}
			if graph != nil {
				if waiting := graph.Dependents(t.ID); len(waiting) > 0 {
					line += "\n             holding: " + strings.Join(waiting, ", ")
				}
			}
		case t.CommitPending:
			line += "\n             commit pending"
		case t.CommitHash != "":
			line += "  [" + shortHash(t.CommitHash) + "]"
		}
		fmt.Fprintln(w, line)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
