package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/engine"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
)

func newRunCmd(g *rootOpts) *cobra.Command {
	var (
		configPath string
		taskPath   string
		repoDir    string
		owns       []string
		allowDeps  bool
	)
	cmd := &cobra.Command{
		Use:   "run --task <task.md>",
		Short: "Provision a new run and supervise it to a stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd.Context(), cmd.OutOrStdout(), g, configPath, taskPath, repoDir, owns, allowDeps)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (yaml or json; defaults apply when omitted)")
	cmd.Flags().StringVar(&taskPath, "task", "", "file holding the task text (required)")
	cmd.Flags().StringVar(&repoDir, "repo", ".", "directory inside the target repository")
	cmd.Flags().StringArrayVar(&owns, "owns", nil, "ownership claim pattern (repeatable)")
	cmd.Flags().BoolVar(&allowDeps, "allow-deps", false, "let the run modify dependency lockfiles")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func runRun(ctx context.Context, w io.Writer, g *rootOpts, configPath, taskPath, repoDir string, owns []string, allowDeps bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	task, err := os.ReadFile(taskPath)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}

	setup, err := engine.PrepareRun(engine.PrepareOptions{
		RepoDir:    repoDir,
		RunsRoot:   g.runsRoot,
		Task:       string(task),
		Config:     cfg,
		OwnedPaths: owns,
		AllowDeps:  allowDeps,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run_id=%s\n", setup.State.RunID)
	fmt.Fprintf(w, "run_dir=%s\n", setup.Store.Dir())
	fmt.Fprintf(w, "worktree=%s\n", setup.RepoDir)
	fmt.Fprintf(w, "branch=%s\n", setup.State.Branch)

	return supervise(ctx, w, setup, cfg)
}

func newResumeCmd(g *rootOpts) *cobra.Command {
	var (
		configPath string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Reattach to a stopped run and continue where it stopped",
		Long:  "Resume re-fingerprints the environment, refuses drifted or policy-stopped\nruns unless forced, rebuilds a pruned worktree, and rewinds to the phase\nthe run stopped in. A live supervisor is never preempted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), cmd.OutOrStdout(), g, args[0], configPath, force)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (defaults to the run's config snapshot)")
	cmd.Flags().BoolVar(&force, "force", false, "override the stop-reason and environment-drift gates")
	return cmd
}

func runResume(ctx context.Context, w io.Writer, g *rootOpts, runID, configPath string, force bool) error {
	cfg, err := runConfig(g, configPath, runID)
	if err != nil {
		return err
	}

	setup, err := engine.PrepareResume(engine.ResumeOptions{
		RunsRoot: g.runsRoot,
		RunID:    runID,
		Config:   cfg,
		Force:    force,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run_id=%s\n", setup.State.RunID)
	fmt.Fprintf(w, "phase=%s\n", setup.State.Phase)

	return supervise(ctx, w, setup, cfg)
}

// supervise drives a prepared run to a terminal state and maps the stop
// reason to the process exit status.
func supervise(ctx context.Context, w io.Writer, setup *engine.Setup, cfg *config.Config) error {
	eng, err := engine.New(engine.Options{
		Store:   setup.Store,
		Config:  cfg,
		RepoDir: setup.RepoDir,
	})
	if err != nil {
		return err
	}
	st, err := eng.RunWithAutoResume(ctx)
	if err != nil {
		return err
	}
	printOutcome(w, st)
	return stopExit(st)
}

func printOutcome(w io.Writer, st *state.RunState) {
	if st.Phase != phase.Stopped {
		fmt.Fprintf(w, "interrupted in %s; resume with: pitboss resume %s\n", st.Phase, st.RunID)
		return
	}
	fmt.Fprintf(w, "stopped=%s\n", st.StopReason)
	fmt.Fprintf(w, "stopped_in=%s\n", st.StoppedInPhase)
	if st.CheckpointCount > 0 {
		fmt.Fprintf(w, "checkpoints=%d\n", st.CheckpointCount)
		fmt.Fprintf(w, "checkpoint_sha=%s\n", st.CheckpointSHA)
	}
	if hint := st.StopReason.Hint(); hint != "" && st.StopReason != phase.StopComplete {
		fmt.Fprintf(w, "hint=%s\n", hint)
	}
}

// stopExit turns the terminal state into the documented exit status: 0 for a
// completed run, the stop family's code otherwise, 1 when preempted before
// any stop reason was recorded.
func stopExit(st *state.RunState) error {
	if st.Phase != phase.Stopped {
		return &exitError{code: 1}
	}
	if code := st.StopReason.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
