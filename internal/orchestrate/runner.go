package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/engine"
	"github.com/averraz/pitboss/internal/phase"
)

// LaunchRequest carries everything needed to start one step's run.
type LaunchRequest struct {
	Track     string
	Index     int
	Task      string
	Allowlist []string
	Owns      []string
}

// Result is the terminal outcome of a launched run.
type Result struct {
	RunID      string
	StopReason phase.StopReason
	Err        error
}

// Launch is a run in flight. The run id is known immediately; Done delivers
// exactly one Result when the run reaches a terminal state.
type Launch struct {
	RunID string
	Done  <-chan Result
}

// Runner starts runs on behalf of the scheduler. The production runner
// provisions a real worktree and supervisor; tests substitute fakes.
type Runner interface {
	Start(ctx context.Context, req LaunchRequest) (*Launch, error)
}

// EngineRunner launches real supervised runs. Provisioning is serialized:
// worktree creation and run-id allocation race when concurrent, and the
// scheduler needs the run id before it can record the claim.
type EngineRunner struct {
	RepoDir  string
	RunsRoot string
	Config   *config.Config
	Now      func() time.Time

	provisionMu sync.Mutex
}

func (r *EngineRunner) Start(ctx context.Context, req LaunchRequest) (*Launch, error) {
	cfg := r.stepConfig(req)

	r.provisionMu.Lock()
	setup, err := engine.PrepareRun(engine.PrepareOptions{
		RepoDir:    r.RepoDir,
		RunsRoot:   r.RunsRoot,
		Task:       req.Task,
		Config:     cfg,
		OwnedPaths: req.Owns,
		Now:        r.Now,
	})
	r.provisionMu.Unlock()
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Store:   setup.Store,
		Config:  cfg,
		RepoDir: setup.RepoDir,
		Now:     r.Now,
	})
	if err != nil {
		return nil, err
	}

	done := make(chan Result, 1)
	go func() {
		run, runErr := eng.RunWithAutoResume(ctx)
		res := Result{RunID: setup.State.RunID, Err: runErr}
		if run != nil {
			res.StopReason = run.StopReason
		}
		done <- res
	}()
	return &Launch{RunID: setup.State.RunID, Done: done}, nil
}

// stepConfig narrows the base config to the step: a step allowlist replaces
// the configured one so each track freezes its own scope lock.
func (r *EngineRunner) stepConfig(req LaunchRequest) *config.Config {
	cfg := *r.Config
	if len(req.Allowlist) > 0 {
		cfg.Scope.Allowlist = req.Allowlist
	}
	return &cfg
}

// terminalStatus maps a run outcome to a step status.
func terminalStatus(res Result) string {
	if res.Err == nil && res.StopReason == phase.StopComplete {
		return StepDone
	}
	return StepStopped
}
