package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/orchestrate"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
)

func newOrchestrateCmd(g *rootOpts) *cobra.Command {
	var (
		configPath string
		repoDir    string
		policy     string
		worktrees  bool
	)
	cmd := &cobra.Command{
		Use:   "orchestrate <tracks.yaml>",
		Short: "Run tracks of steps concurrently under ownership claims",
		Long:  "Each track is an ordered step sequence; steps declare the paths they own.\nOverlapping claims are serialized, rejected, or forced per --policy.\nWith --worktrees, claims are recorded but never block.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(cmd, cmd.OutOrStdout(), g, args[0], configPath, repoDir, policy, worktrees)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file applied to every launched run")
	cmd.Flags().StringVar(&repoDir, "repo", ".", "directory inside the target repository")
	cmd.Flags().StringVar(&policy, "policy", "serialize", "claim conflict policy: serialize, force, or fail")
	cmd.Flags().BoolVar(&worktrees, "worktrees", false, "rely on worktree isolation; record claims without blocking")
	return cmd
}

func runOrchestrate(cmd *cobra.Command, w io.Writer, g *rootOpts, tracksPath, configPath, repoDir, policy string, worktrees bool) error {
	pol, err := orchestrate.ParsePolicy(policy)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	tf, err := orchestrate.LoadTracks(tracksPath)
	if err != nil {
		return err
	}

	orch := &orchestrate.Orchestrator{
		RunsRoot:  rootDir(g),
		Policy:    pol,
		Worktrees: worktrees,
		Runner: &orchestrate.EngineRunner{
			RepoDir:  repoDir,
			RunsRoot: rootDir(g),
			Config:   cfg,
		},
		Progress: func(ev state.Event) {
			if line := formatOrchestrationEvent(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		},
	}

	st, err := orch.Run(cmd.Context(), tf)
	if st != nil {
		printOrchestration(w, st)
	}
	if err != nil {
		var conflict *orchestrate.ClaimConflictError
		if errors.As(err, &conflict) {
			return &exitError{code: phase.FamilyPolicy.ExitCode(), msg: conflict.Error()}
		}
		return err
	}
	return nil
}

func formatOrchestrationEvent(ev state.Event) string {
	ts := ev.TS.UTC().Format("15:04:05")
	switch ev.Type {
	case "track_launch":
		return fmt.Sprintf("%s | launch   | %s step %v run=%s", ts,
			payloadStr(ev, "track"), payloadNum(ev, "step"), payloadStr(ev, "run_id"))
	case "step_finished":
		line := fmt.Sprintf("%s | finished | %s step %v %s", ts,
			payloadStr(ev, "track"), payloadNum(ev, "step"), payloadStr(ev, "status"))
		if reason := payloadStr(ev, "stop_reason"); reason != "" && reason != "complete" {
			line += " (" + reason + ")"
		}
		return line
	case "claim_conflict":
		return fmt.Sprintf("%s | conflict | %s step %v: %s overlaps %s held by %s", ts,
			payloadStr(ev, "track"), payloadNum(ev, "step"),
			payloadStr(ev, "pattern"), payloadStr(ev, "held"), payloadStr(ev, "held_by"))
	default:
		return ""
	}
}

func printOrchestration(w io.Writer, st *orchestrate.State) {
	fmt.Fprintf(w, "orchestration=%s\n", st.OrchID)
	fmt.Fprintf(w, "status=%s\n", st.Status)
	fmt.Fprintf(w, "dir=%s\n", st.Dir)
	for _, name := range trackNames(st) {
		for i, step := range st.Tracks[name] {
			line := fmt.Sprintf("  %s step %d: %s", name, i+1, step.Status)
			if step.RunID != "" {
				line += " run=" + step.RunID
			}
			if step.StopReason != "" && step.StopReason != "complete" {
				line += " (" + step.StopReason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func trackNames(st *orchestrate.State) []string {
	names := make([]string, 0, len(st.Tracks))
	for name := range st.Tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
