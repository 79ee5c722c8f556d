package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	cancel()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, ee.msg)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// exitError carries a specific process exit status through cobra. A stopped
// run exits with its stop family's code; plain errors exit 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type rootOpts struct {
	runsRoot string
}

func newRootCmd() *cobra.Command {
	g := &rootOpts{}
	cmd := &cobra.Command{
		Use:           "pitboss",
		Short:         "Supervised runs for unattended coding tasks",
		Long:          "pitboss drives worker processes through a plan/implement/verify/review\npipeline, enforces scope and budgets, and records every run for resume,\ndiagnosis, and submission.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&g.runsRoot, "runs-root", "",
		"runs directory (default $XDG_STATE_HOME/pitboss/runs)")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newResumeCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newStopCmd(g))
	cmd.AddCommand(newSubmitCmd(g))
	cmd.AddCommand(newOrchestrateCmd(g))
	cmd.AddCommand(newDiagnoseCmd(g))
	cmd.AddCommand(newWorktreeCmd(g))
	return cmd
}
