// Package main provides the nova binary entry point.
// Nova drives a project version's tasks through implementer, validator and
// planner roles until every task is done, archived or waiting on a human.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/nova/llm/providers"

	"github.com/c360studio/nova/config"
	"github.com/c360studio/nova/escalation"
	"github.com/c360studio/nova/events"
	"github.com/c360studio/nova/llm"
	"github.com/c360studio/nova/storage"
	"github.com/c360studio/nova/vcs"
	"github.com/c360studio/nova/workflow"
	"github.com/c360studio/nova/workflow/validation"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nova"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	repoPath   string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task orchestration engine for agent-driven delivery",
		Long: `Nova runs a project version through its task list.

Approve a spec and a plan, import and approve the task list, then run the
version. Each task is implemented, built and validated, retried with QA
feedback, and committed when it passes. Tasks that cannot pass are escalated
to the planner, and to you when the planner cannot resolve them.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML, default: nova.yaml found from --repo upwards)")
	cmd.PersistentFlags().StringVar(&g.repoPath, "repo", ".", "Project repository path")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		initCmd(g),
		approveCmd(g),
		tasksCmd(g),
		runCmd(g),
		statusCmd(g),
		resolveCmd(g),
		archiveCmd(g),
		escalationsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
				fmt.Fprintf(cmd.OutOrStdout(), "providers: %s\n", strings.Join(llm.ListProviders(), ", "))
			},
		},
	)
	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// open loads configuration and opens the app.
func (g *globals) open(ctx context.Context) (*App, error) {
	logger := newLogger(g.logLevel)
	repo, err := filepath.Abs(g.repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	info, err := os.Stat(repo)
	if err != nil {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", repo)
	}

	cfg, err := config.NewLoader(logger).Load(repo, g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApp(ctx, cfg, logger)
}

func initCmd(g *globals) *cobra.Command {
	var supersedes string
	cmd := &cobra.Command{
		Use:   "init [version]",
		Short: "Create the project layout and a new version (default v1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			versionID := "v1"
			if len(args) == 1 {
				versionID = args[0]
			}

			root, err := filepath.Abs(g.repoPath)
			if err != nil {
				return err
			}
			if err := workflow.NewManager(root).EnsureDirectories(); err != nil {
				return err
			}
			cfgPath := filepath.Join(root, config.ProjectConfigFile)
			if g.configPath == "" {
				if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
					if err := config.DefaultConfig().SaveToFile(cfgPath); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfgPath)
				}
			}

			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			project := app.cfg.Project.Name
			if app.cfg.VCS.Enabled {
				if err := vcs.Init(app.cfg.Project.Root); err != nil {
					return err
				}
			}

			v, err := workflow.NewVersion(project, versionID)
			if err != nil {
				return err
			}
			if err := app.repo.CreateVersion(ctx, v); err != nil {
				if errors.Is(err, storage.ErrExists) {
					return fmt.Errorf("version %s/%s already exists", project, versionID)
				}
				return err
			}
			if supersedes != "" {
				if _, err := app.repo.Update(ctx, project, supersedes, func(old *workflow.Version) error {
					return old.Supersede(versionID)
				}); err != nil {
					return fmt.Errorf("supersede %s: %w", supersedes, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s/%s in phase %s\n", project, versionID, v.Phase)
			return nil
		},
	}
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "Version this one replaces; its done tasks are archived")
	return cmd
}

func approveCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Lock an approved document",
	}

	document := func(kind workflow.DocumentKind) *cobra.Command {
		var strict bool
		c := &cobra.Command{
			Use:   fmt.Sprintf("%s <version> <file>", kind),
			Short: fmt.Sprintf("Approve and lock the %s document", kind),
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				versionID, file := args[0], args[1]
				content, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				review := validation.NewValidator().Validate(string(content), kind)
				for _, f := range review.Findings() {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s: %s\n", kind, f)
				}
				if strict && !review.Valid {
					return fmt.Errorf("%s is incomplete; fix it or approve without --strict", file)
				}

				app, err := g.open(ctx)
				if err != nil {
					return err
				}
				defer app.Close()

				ref, err := app.layout.WriteDocument(ctx, app.cfg.Project.Name, versionID, kind, content)
				if err != nil {
					return err
				}
				v, err := app.updatePhase(ctx, versionID, func(v *workflow.Version) error {
					if kind == workflow.DocumentSpec {
						if v.Phase == workflow.PhaseBrainstorm {
							if err := v.AdvancePhase(workflow.PhaseSpecDraft); err != nil {
								return err
							}
						}
						return v.ApproveSpec(ref)
					}
					if v.Phase == workflow.PhaseSpecApproved {
						if err := v.AdvancePhase(workflow.PhasePlanDraft); err != nil {
							return err
						}
					}
					return v.ApprovePlan(ref)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Locked %s %s (sha256 %s), phase %s\n", kind, ref.Key, shortHash(ref.SHA256), v.Phase)
				return nil
			},
		}
		c.Flags().BoolVar(&strict, "strict", false, "Refuse documents with missing sections")
		return c
	}

	tasks := &cobra.Command{
		Use:   "tasks <version>",
		Short: "Approve and lock the imported task list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			v, err := app.repo.Load(ctx, app.cfg.Project.Name, args[0])
			if err != nil {
				return err
			}
			rendered, err := workflow.RenderTaskList(v.Tasks)
			if err != nil {
				return err
			}
			ref, err := app.layout.WriteDocument(ctx, app.cfg.Project.Name, args[0], workflow.DocumentTaskList, rendered)
			if err != nil {
				return err
			}
			v, err = app.updatePhase(ctx, args[0], func(v *workflow.Version) error {
				return v.ApproveTasks(ref)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %d tasks, %d ready\n", len(v.Tasks), v.CountByState()[workflow.TaskStateReady])
			return nil
		},
	}

	cmd.AddCommand(document(workflow.DocumentSpec), document(workflow.DocumentPlan), tasks)
	return cmd
}

// updatePhase applies fn and publishes a phase change when the phase moved.
func (a *App) updatePhase(ctx context.Context, versionID string, fn func(v *workflow.Version) error) (*workflow.Version, error) {
	var from workflow.Phase
	v, err := a.repo.Update(ctx, a.cfg.Project.Name, versionID, func(v *workflow.Version) error {
		from = v.Phase
		return fn(v)
	})
	if err != nil {
		return nil, err
	}
	if from != v.Phase {
		if err := a.events.Publish(ctx, events.PhaseChanged(a.cfg.Project.Name, versionID, from, v.Phase)); err != nil {
			a.logger.Warn("Failed to publish event", "error", err)
		}
	}
	return v, nil
}

func tasksCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage a version's task list",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <version> <file>",
		Short: "Import a planner task list (JSON or YAML)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			versionID, file := args[0], args[1]
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			tasks, err := workflow.ParseTaskList(versionID, data)
			if err != nil {
				return err
			}

			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.updatePhase(ctx, versionID, func(v *workflow.Version) error {
				return v.SetTasks(tasks)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tasks into %s; review them and run 'nova approve tasks %s'\n",
				len(tasks), versionID, versionID)
			return nil
		},
	})
	return cmd
}

func runCmd(g *globals) *cobra.Command {
	var (
		unattended  bool
		workers     int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run <version>",
		Short: "Run a version's tasks until complete or paused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if cmd.Flags().Changed("unattended") {
				app.cfg.Pipeline.Unattended = unattended
			}
			if workers > 0 {
				app.cfg.Pipeline.Workers = workers
			}
			if metricsAddr == "" {
				metricsAddr = app.cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", app.EnableMetrics())
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
				app.logger.Info("Serving metrics", "addr", metricsAddr)
			}

			runner, err := app.Runner(newPromptGate(cmd.InOrStdin(), cmd.OutOrStdout()))
			if err != nil {
				return err
			}

			// First signal stops after the current batch, the second cancels.
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				select {
				case <-sigs:
				case <-ctx.Done():
					return
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "\nStopping after the current batch (interrupt again to cancel)")
				runner.Stop()
				select {
				case <-sigs:
					cancel()
				case <-ctx.Done():
				}
			}()

			outcome, runErr := runner.RunVersion(ctx, args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "\nRun outcome: %s\n\n", outcome)
			if v, err := app.repo.Load(context.WithoutCancel(ctx), app.cfg.Project.Name, args[0]); err == nil {
				renderStatus(cmd.OutOrStdout(), v)
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&unattended, "unattended", false, "Do not ask before each batch")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent tasks per batch (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func statusCmd(g *globals) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status [version]",
		Short: "Show a version's tasks, or list versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			out := cmd.OutOrStdout()
			project := app.cfg.Project.Name

			if len(args) == 0 {
				ids, err := app.repo.ListVersions(ctx, project)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintf(out, "No versions for %s; run 'nova init'\n", project)
				}
				for _, id := range ids {
					if v, err := app.repo.Load(ctx, project, id); err == nil {
						fmt.Fprintf(out, "%-8s %-16s %d tasks\n", id, v.Phase, len(v.Tasks))
					}
				}
				return nil
			}

			versionID := args[0]
			show := func() error {
				v, err := app.repo.Load(ctx, project, versionID)
				if err != nil {
					return err
				}
				renderStatus(out, v)
				return nil
			}
			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			watcher, ok := app.kv.(storage.Watcher)
			if !ok {
				return fmt.Errorf("storage backend %s does not support --watch", app.cfg.Storage.Backend)
			}
			key := storage.VersionKey(project, versionID)
			changes, err := watcher.Watch(ctx, key)
			if err != nil {
				return err
			}
			for changed := range changes {
				if changed != key {
					continue
				}
				fmt.Fprintln(out)
				if err := show(); err != nil {
					app.logger.Warn("Failed to reload version", "error", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-print on every change until interrupted")
	return cmd
}

func resolveCmd(g *globals) *cobra.Command {
	var guidance string
	cmd := &cobra.Command{
		Use:   "resolve <version> <task>",
		Short: "Send a blocked task back to ready with guidance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return humanResolution(cmd, g, args[0], args[1], escalation.HumanResolution{
				Action:   escalation.HumanRetry,
				Guidance: guidance,
			})
		},
	}
	cmd.Flags().StringVarP(&guidance, "guidance", "g", "", "Guidance for the next implementer attempt")
	return cmd
}

func archiveCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive <version> <task>",
		Short: "Archive a permanently blocked or done task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return humanResolution(cmd, g, args[0], args[1], escalation.HumanResolution{
				Action:   escalation.HumanArchive,
				Guidance: reason,
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the task is archived")
	return cmd
}

func humanResolution(cmd *cobra.Command, g *globals, versionID, taskID string, res escalation.HumanResolution) error {
	ctx := cmd.Context()
	app, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	p, err := app.Protocol()
	if err != nil {
		return err
	}
	d, err := p.ResolveByHuman(ctx, versionID, taskID, res)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Task %s: %s", taskID, res.Action)
	if d.EscalationID != "" {
		msg += fmt.Sprintf(" (resolved %s)", d.EscalationID)
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func escalationsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "escalations <version> [task]",
		Short: "List a version's escalations",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			taskID := ""
			if len(args) == 2 {
				taskID = args[1]
			}
			escs, err := app.repo.ListEscalations(ctx, app.cfg.Project.Name, args[0], taskID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(escs) == 0 {
				fmt.Fprintln(out, "No escalations")
			}
			for _, e := range escs {
				state := "open"
				if e.IsResolved() {
					state = fmt.Sprintf("%s by %s", e.Resolution, e.ResolvedBy)
				}
				if e.Permanent {
					state += ", permanent"
				}
				fmt.Fprintf(out, "%s  %s  [%s]\n  reason: %s\n", e.ID, e.CreatedAt.Format(time.RFC3339), state, e.Reason)
				if e.Guidance != "" {
					fmt.Fprintf(out, "  guidance: %s\n", e.Guidance)
				}
			}
			return nil
		},
	}
}
