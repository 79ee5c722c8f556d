package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/procutil"
)

func newStopCmd(g *rootOpts) *cobra.Command {
	var (
		grace time.Duration
		force bool
	)
	cmd := &cobra.Command{
		Use:   "stop <run_id>",
		Short: "Signal a live supervisor to stop at the next tick",
		Long:  "Stop sends SIGTERM to the run's supervisor and waits up to the grace\nperiod. The supervisor persists at the tick boundary and the run stays\nresumable. With --force, a survivor is killed after the grace period.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.OutOrStdout(), g, args[0], grace, force)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "how long to wait for a graceful exit")
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL the supervisor if it outlives the grace period")
	return cmd
}

// verifiedProcess pins a PID to its start time so a recycled PID is never
// signaled. Start time is best-effort; without procfs only liveness is
// checked.
type verifiedProcess struct {
	pid            int
	startTime      uint64
	startTimeKnown bool
}

func runStop(w io.Writer, g *rootOpts, runID string, grace time.Duration, force bool) error {
	st, err := openRun(g, runID)
	if err != nil {
		return err
	}
	run, err := st.ReadState()
	if err != nil {
		return err
	}
	if run.Phase == phase.Stopped {
		return fmt.Errorf("run %s already stopped (%s); nothing to signal", runID, run.StopReason)
	}
	pid, err := st.ReadPID()
	if err != nil || pid <= 0 {
		return fmt.Errorf("run %s has no recorded supervisor pid", runID)
	}
	if !procutil.PIDAlive(pid) {
		return fmt.Errorf("supervisor pid %d is not running; run %s can be resumed directly", pid, runID)
	}

	verified := verifiedProcess{pid: pid}
	if start, serr := procutil.ReadPIDStartTime(pid); serr == nil {
		verified.startTime = start
		verified.startTimeKnown = true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	if !identityMatches(verified) {
		return fmt.Errorf("pid %d was recycled by another process; refusing to signal", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	if waitForPIDExit(verified, grace) {
		fmt.Fprintf(w, "pid=%d\nstopped=graceful\n", pid)
		reportAfterStop(w, g, runID)
		return nil
	}
	if !force {
		return fmt.Errorf("pid %d did not exit within %s (use --force to escalate)", pid, grace)
	}

	if !identityMatches(verified) {
		fmt.Fprintf(w, "pid=%d\nstopped=graceful\n", pid)
		reportAfterStop(w, g, runID)
		return nil
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}
	// SIGKILL lands fast; never honor a long operator grace here, but give
	// the exit at least a second to be observable.
	forceWait := grace
	if forceWait < time.Second {
		forceWait = time.Second
	}
	if forceWait > 10*time.Second {
		forceWait = 10 * time.Second
	}
	if !waitForPIDExit(verified, forceWait) {
		return fmt.Errorf("pid %d did not exit after SIGKILL", pid)
	}
	fmt.Fprintf(w, "pid=%d\nstopped=forced\n", pid)
	reportAfterStop(w, g, runID)
	return nil
}

// reportAfterStop reprints where the run landed; after SIGKILL the snapshot
// can lag one tick.
func reportAfterStop(w io.Writer, g *rootOpts, runID string) {
	st, err := openRun(g, runID)
	if err != nil {
		return
	}
	run, err := st.ReadState()
	if err != nil {
		return
	}
	if run.Phase == phase.Stopped {
		fmt.Fprintf(w, "stop_reason=%s\n", run.StopReason)
		return
	}
	fmt.Fprintf(w, "phase=%s\nresume=pitboss resume %s\n", run.Phase, runID)
}

func identityMatches(v verifiedProcess) bool {
	if !procutil.PIDAlive(v.pid) {
		return false
	}
	if !v.startTimeKnown {
		return true
	}
	start, err := procutil.ReadPIDStartTime(v.pid)
	if err != nil {
		return true
	}
	return start == v.startTime
}

// waitForPIDExit polls until the process exits, its identity changes, or the
// grace window closes.
func waitForPIDExit(v verifiedProcess, grace time.Duration) bool {
	if !procutil.PIDAlive(v.pid) || !identityMatches(v) {
		return true
	}
	deadline := time.Now().Add(grace)
	poll := adaptiveGracePoll(grace)
	for time.Now().Before(deadline) {
		time.Sleep(poll)
		if !procutil.PIDAlive(v.pid) || !identityMatches(v) {
			return true
		}
	}
	return !procutil.PIDAlive(v.pid) || !identityMatches(v)
}

func adaptiveGracePoll(grace time.Duration) time.Duration {
	poll := grace / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	return poll
}
