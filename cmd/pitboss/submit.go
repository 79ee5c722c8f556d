package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/submit"
)

func newSubmitCmd(g *rootOpts) *cobra.Command {
	var (
		configPath string
		repoDir    string
		target     string
		remote     string
		dryRun     bool
		push       bool
	)
	cmd := &cobra.Command{
		Use:   "submit <run_id>",
		Short: "Cherry-pick a stopped run's checkpoint onto a target branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.OutOrStdout(), g, args[0], configPath, repoDir, target, remote, dryRun, push)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (defaults to the run's config snapshot)")
	cmd.Flags().StringVar(&repoDir, "repo", "", "source repository (derived from the run's worktree when omitted)")
	cmd.Flags().StringVar(&target, "target", "", "target branch (defaults to workflow.integration_branch)")
	cmd.Flags().StringVar(&remote, "remote", "origin", "remote used with --push")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the plan without touching the repository")
	cmd.Flags().BoolVar(&push, "push", false, "push the target branch after a successful apply")
	return cmd
}

func runSubmit(w io.Writer, g *rootOpts, runID, configPath, repoDir, target, remote string, dryRun, push bool) error {
	cfg, err := runConfig(g, configPath, runID)
	if err != nil {
		return err
	}

	res, err := submit.Submit(submit.Options{
		RunsRoot: rootDir(g),
		RunID:    runID,
		Config:   cfg,
		RepoDir:  repoDir,
		Target:   target,
		DryRun:   dryRun,
		Push:     push,
		Remote:   remote,
	})
	if res != nil && res.Plan != nil {
		fmt.Fprint(w, res.Plan.Render())
	}
	if err != nil {
		var conflict *submit.ConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintln(w, "conflict: the cherry-pick was aborted and the branch restored")
			for _, f := range conflict.Files {
				fmt.Fprintf(w, "  %s\n", f)
			}
		}
		return err
	}
	if res.DryRun {
		return nil
	}
	fmt.Fprintf(w, "applied=%s\n", res.NewSHA)
	if res.Pushed {
		fmt.Fprintf(w, "pushed=%s/%s\n", remote, res.Plan.Target)
	}
	return nil
}
