package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/gitutil"
	"github.com/averraz/pitboss/internal/worktree"
)

func newWorktreeCmd(_ *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage the isolated checkouts runs work in",
	}
	cmd.AddCommand(newWorktreeGCCmd())
	return cmd
}

func newWorktreeGCCmd() *cobra.Command {
	var (
		repoDir   string
		olderThan int
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove run worktrees idle past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorktreeGC(cmd.OutOrStdout(), repoDir, olderThan, dryRun)
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", ".", "directory inside the target repository")
	cmd.Flags().IntVar(&olderThan, "older-than", 7, "retention window in days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without removing anything")
	return cmd
}

func runWorktreeGC(w io.Writer, repoDir string, olderThan int, dryRun bool) error {
	top, err := gitutil.TopLevel(repoDir)
	if err != nil {
		return fmt.Errorf("%s is not inside a git repository", repoDir)
	}
	rep, err := worktree.GC(top, olderThan, dryRun)
	if err != nil {
		return err
	}
	verb := "removed"
	if rep.DryRun {
		verb = "would remove"
	}
	fmt.Fprintf(w, "scanned=%d\n", rep.Scanned)
	for _, p := range rep.Removed {
		fmt.Fprintf(w, "%s %s\n", verb, p)
	}
	for _, p := range rep.Skipped {
		fmt.Fprintf(w, "kept %s\n", p)
	}
	fmt.Fprintf(w, "freed=%d bytes\n", rep.FreedBytes)
	return nil
}
