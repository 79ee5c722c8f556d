package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/procutil"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
	"github.com/averraz/pitboss/internal/worktree"
)

type ResumeOptions struct {
	RunsRoot string
	RunID    string
	Config   *config.Config
	Force    bool
	Now      func() time.Time
}

// PrepareResume reattaches to a persisted run: refuses live supervisors,
// gates on the stop reason and on environment drift, recreates the worktree
// if it was pruned, and rewinds the phase to where the run stopped. The
// force flag overrides the stop-reason and drift gates, never the liveness
// gate.
func PrepareResume(opts ResumeOptions) (*Setup, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runsRoot := opts.RunsRoot
	if runsRoot == "" {
		runsRoot = DefaultRunsRoot()
	}
	st, err := store.Open(runsRoot, opts.RunID)
	if err != nil {
		return nil, err
	}
	run, err := st.ReadState()
	if err != nil {
		return nil, err
	}

	if pid, perr := st.ReadPID(); perr == nil && pid > 0 && pid != os.Getpid() && procutil.PIDAlive(pid) {
		return nil, fmt.Errorf("run %s already has a live supervisor (pid %d); stop it first", opts.RunID, pid)
	}
	if run.Phase == phase.Stopped {
		if run.StopReason == phase.StopComplete {
			return nil, fmt.Errorf("run %s completed; nothing to resume", opts.RunID)
		}
		if !run.StopReason.AutoResumable() && !opts.Force {
			return nil, fmt.Errorf("run %s stopped with %s; %s (use --force to resume anyway)",
				opts.RunID, run.StopReason, run.StopReason.Hint())
		}
	}

	repo, ok := worktree.SourceRepoFor(run.WorktreePath)
	if !ok {
		return nil, fmt.Errorf("cannot derive the source repository from worktree path %s", run.WorktreePath)
	}

	var drift []string
	if recorded, ferr := st.ReadFingerprint(); ferr == nil {
		drift = recorded.Diff(CaptureFingerprint(repo, opts.Config))
	}
	if len(drift) > 0 && !opts.Force {
		return nil, fmt.Errorf("environment drifted since the run started:\n  %s\nuse --force to resume anyway",
			strings.Join(drift, "\n  "))
	}

	path, branchMismatch, err := worktree.Recreate(repo, run.RunID, run.BaseSHA, run.Branch, opts.Force)
	if err != nil {
		return nil, fmt.Errorf("recreate worktree: %w", err)
	}
	run.WorktreePath = path
	if branchMismatch {
		if _, aerr := st.AppendEvent(state.EventWorktree, "engine", map[string]any{
			"path":            path,
			"branch_mismatch": true,
			"expected_branch": run.Branch,
		}); aerr != nil {
			return nil, aerr
		}
	}

	from := run.Phase
	forced := false
	if run.Phase == phase.Stopped {
		from = run.StoppedInPhase
		if from == "" || from == phase.Stopped {
			from = phase.Plan
		}
		forced = !run.StopReason.AutoResumable()
		run.Phase = from
		run.StopReason = ""
		run.StoppedInPhase = ""
	}

	payload := map[string]any{
		"from_phase": string(from),
		"auto":       false,
	}
	if forced || opts.Force {
		payload["forced"] = true
	}
	if len(drift) > 0 {
		payload["drift"] = drift
	}
	if _, err := st.AppendEvent(state.EventResume, "engine", payload); err != nil {
		return nil, err
	}

	run.LastProgressAt = now().UTC()
	if err := st.WriteState(run); err != nil {
		return nil, err
	}
	return &Setup{Store: st, State: run, RepoDir: path}, nil
}

// RunWithAutoResume drives Run, re-entering after transient infrastructure
// stops until the resume budget is spent. Deterministic worker failures
// (auth, unknown) never auto-resume even though their stop reason is in the
// resumable family.
func (e *Engine) RunWithAutoResume(ctx context.Context) (*state.RunState, error) {
	st, err := e.Run(ctx)
	for err == nil && e.shouldAutoResume(ctx, st) {
		delay := autoResumeDelay(e.cfg.Resilience.AutoResumeDelaysMS, st.AutoResumes)
		select {
		case <-ctx.Done():
			return st, nil
		case <-time.After(delay):
		}

		st.AutoResumes++
		from := st.StoppedInPhase
		if from == "" || from == phase.Stopped {
			from = phase.Plan
		}
		stopped := st.StopReason
		st.Phase = from
		st.StopReason = ""
		st.StoppedInPhase = ""
		if _, aerr := e.st.AppendEvent(state.EventResume, "engine", map[string]any{
			"auto":       true,
			"attempt":    st.AutoResumes,
			"from_phase": string(from),
			"after_stop": string(stopped),
		}); aerr != nil {
			return st, aerr
		}
		if perr := e.st.WriteState(st); perr != nil {
			return st, perr
		}
		st, err = e.Run(ctx)
	}
	return st, err
}

func (e *Engine) shouldAutoResume(ctx context.Context, st *state.RunState) bool {
	if ctx.Err() != nil || st == nil || st.Phase != phase.Stopped {
		return false
	}
	if !e.cfg.Resilience.AutoResume {
		return false
	}
	if !st.StopReason.AutoResumable() {
		return false
	}
	if st.AutoResumes >= e.cfg.Resilience.MaxAutoResumes {
		return false
	}
	if e.lastStopClass != "" && !e.lastStopClass.Transient() {
		return false
	}
	return true
}

func autoResumeDelay(delaysMS []int, attempt int) time.Duration {
	if len(delaysMS) == 0 {
		return 2 * time.Second
	}
	idx := attempt
	if idx >= len(delaysMS) {
		idx = len(delaysMS) - 1
	}
	if delaysMS[idx] <= 0 {
		return 0
	}
	return time.Duration(delaysMS[idx]) * time.Millisecond
}
