package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/gitutil"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/scope"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
	"github.com/averraz/pitboss/internal/worker"
	"github.com/averraz/pitboss/internal/worktree"
)

// Setup is a provisioned run, ready to hand to New.
type Setup struct {
	Store   *store.Store
	State   *state.RunState
	RepoDir string // the isolated worktree the supervisor operates in
}

type PrepareOptions struct {
	RepoDir    string // any directory inside the source checkout
	RunsRoot   string
	Task       string
	Config     *config.Config
	OwnedPaths []string // ownership claims granted by an orchestrator
	AllowDeps  bool     // lockfile edits pass the guard
	SkipPing   bool
	Now        func() time.Time
}

// PrepareRun provisions everything a run needs before the supervisor starts:
// run id, store, branch, worktree, scope lock, environment fingerprint,
// initial state. Any failure here is a precondition failure surfaced as a
// plain error; no partial run is left registered with a stop reason.
func PrepareRun(opts PrepareOptions) (*Setup, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if strings.TrimSpace(opts.Task) == "" {
		return nil, fmt.Errorf("task text is empty")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if !gitutil.IsRepo(opts.RepoDir) {
		return nil, fmt.Errorf("%s is not inside a git repository", opts.RepoDir)
	}
	top, err := gitutil.TopLevel(opts.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	baseSHA, err := gitutil.HeadSHA(top)
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD (is there at least one commit?): %w", err)
	}

	lock, err := lockFromConfig(opts.Config.Scope)
	if err != nil {
		return nil, err
	}
	owned, err := normalizeOwned(opts.OwnedPaths)
	if err != nil {
		return nil, err
	}
	if err := pingWorkers(opts.Config, opts.SkipPing); err != nil {
		return nil, err
	}

	runsRoot := opts.RunsRoot
	if runsRoot == "" {
		runsRoot = DefaultRunsRoot()
	}
	st, runID, err := initRunStore(runsRoot, now)
	if err != nil {
		return nil, err
	}
	branch := "pitboss/" + runID

	wt, err := worktree.Create(top, runID, baseSHA, branch)
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	ts := now().UTC()
	run := &state.RunState{
		SchemaVersion:  state.SchemaVersion,
		RunID:          runID,
		Task:           opts.Task,
		Phase:          phase.Init,
		ScopeLock:      lock,
		AllowDeps:      opts.AllowDeps,
		Branch:         branch,
		BaseSHA:        baseSHA,
		WorktreePath:   wt,
		OwnedPaths:     owned,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastProgressAt: ts,
	}
	if err := st.WriteState(run); err != nil {
		return nil, err
	}
	if err := st.WriteConfigSnapshot(opts.Config); err != nil {
		return nil, err
	}
	if err := st.WriteFingerprint(CaptureFingerprint(top, opts.Config)); err != nil {
		return nil, err
	}
	if _, err := st.AppendEvent(state.EventWorktree, "engine", map[string]any{
		"path":   wt,
		"branch": branch,
		"base":   baseSHA,
	}); err != nil {
		return nil, err
	}
	return &Setup{Store: st, State: run, RepoDir: wt}, nil
}

// initRunStore allocates a run id. Ids are second-resolution timestamps, so
// concurrent launches can collide; on collision the timestamp is advanced
// until a free slot is found.
func initRunStore(runsRoot string, now func() time.Time) (*store.Store, string, error) {
	t := now().UTC()
	for i := 0; i < 60; i++ {
		runID := NewRunID(t)
		st, err := store.Init(runsRoot, runID)
		if err == nil {
			return st, runID, nil
		}
		var ioErr *store.IOError
		if errors.As(err, &ioErr) {
			return nil, "", err
		}
		t = t.Add(time.Second)
	}
	return nil, "", fmt.Errorf("could not allocate a run id under %s", runsRoot)
}

// NewRunID formats a run id from a timestamp: UTC, second resolution.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// DefaultRunsRoot follows XDG: $XDG_STATE_HOME/pitboss/runs, falling back to
// ~/.local/state/pitboss/runs, then to a relative path as a last resort.
func DefaultRunsRoot() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "pitboss", "runs")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "pitboss", "runs")
	}
	return filepath.Join(".", "pitboss", "runs")
}

func lockFromConfig(sc config.ScopeConfig) (state.ScopeLock, error) {
	lock := state.ScopeLock{
		Allowlist:    normalizePatterns(sc.Allowlist),
		Denylist:     normalizePatterns(sc.Denylist),
		Lockfiles:    normalizePatterns(sc.Lockfiles),
		EnvAllowlist: normalizePatterns(sc.EnvAllowlist),
	}
	for _, group := range [][]string{lock.Allowlist, lock.Denylist, lock.Lockfiles, lock.EnvAllowlist} {
		for _, p := range group {
			if !scope.ValidPattern(p) {
				return state.ScopeLock{}, fmt.Errorf("invalid scope pattern %q", p)
			}
		}
	}
	return lock, nil
}

func normalizeOwned(patterns []string) ([]string, error) {
	out := normalizePatterns(patterns)
	for _, p := range out {
		if !scope.ValidPattern(p) {
			return nil, fmt.Errorf("invalid ownership pattern %q", p)
		}
	}
	return out, nil
}

func normalizePatterns(in []string) []string {
	var out []string
	for _, p := range in {
		if n := scope.Normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// pingWorkers verifies that each required phase has a worker whose binary
// resolves. A run must never start if it cannot possibly call its workers.
func pingWorkers(cfg *config.Config, skip bool) error {
	for _, ph := range []string{"plan", "implement", "review"} {
		name, wc, ok := cfg.WorkerFor(ph)
		if !ok {
			return fmt.Errorf("no worker configured for phase %s", ph)
		}
		if skip {
			continue
		}
		inv := worker.NewProcess(name, wc, cfg.MaxWorkerCallTime())
		if err := inv.Ping(context.Background()); err != nil {
			return fmt.Errorf("worker %s (phase %s): %w", name, ph, err)
		}
	}
	return nil
}
