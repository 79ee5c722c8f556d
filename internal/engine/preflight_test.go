package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
	"github.com/averraz/pitboss/internal/worktree"
)

func TestPrepareRunProvisions(t *testing.T) {
	repo := initRepo(t)
	runsRoot := t.TempDir()
	cfg := testConfig()
	cfg.Scope.Allowlist = []string{"src/", "docs/**"}

	setup, err := PrepareRun(PrepareOptions{
		RepoDir:  repo,
		RunsRoot: runsRoot,
		Task:     "tidy the docs",
		Config:   cfg,
		SkipPing: true,
	})
	if err != nil {
		t.Fatalf("PrepareRun: %v", err)
	}
	st := setup.State

	if st.Phase != phase.Init {
		t.Errorf("phase = %s, want INIT", st.Phase)
	}
	if !regexp.MustCompile(`^\d{14}$`).MatchString(st.RunID) {
		t.Errorf("run id %q is not a 14-digit timestamp", st.RunID)
	}
	if st.Branch != "pitboss/"+st.RunID {
		t.Errorf("branch = %q", st.Branch)
	}
	if st.WorktreePath != worktree.PathFor(repo, st.RunID) {
		t.Errorf("worktree path = %q, want %q", st.WorktreePath, worktree.PathFor(repo, st.RunID))
	}
	if setup.RepoDir != st.WorktreePath {
		t.Errorf("setup repo dir = %q, want the worktree", setup.RepoDir)
	}
	if head := strings.TrimSpace(gitIn(t, repo, "rev-parse", "HEAD")); st.BaseSHA != head {
		t.Errorf("base sha = %q, want %q", st.BaseSHA, head)
	}
	// Trailing-slash patterns are normalized before locking.
	if len(st.ScopeLock.Allowlist) != 2 || st.ScopeLock.Allowlist[0] != "src/**" {
		t.Errorf("scope lock allowlist = %v", st.ScopeLock.Allowlist)
	}

	if _, err := os.Stat(filepath.Join(setup.RepoDir, "README.md")); err != nil {
		t.Errorf("worktree missing checked-out file: %v", err)
	}
	for _, name := range []string{"state.json", "timeline.jsonl", "config.snapshot.json", "env.fingerprint.json"} {
		if _, err := os.Stat(filepath.Join(setup.Store.Dir(), name)); err != nil {
			t.Errorf("run dir missing %s: %v", name, err)
		}
	}

	evs, err := setup.Store.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	wts := eventsOfType(evs, state.EventWorktree)
	if len(wts) != 1 {
		t.Fatalf("worktree events = %d, want 1", len(wts))
	}
	if br, _ := wts[0].Payload["branch"].(string); br != st.Branch {
		t.Errorf("worktree event branch = %q, want %q", br, st.Branch)
	}
}

func TestPrepareRunRejectsBadInput(t *testing.T) {
	repo := initRepo(t)

	if _, err := PrepareRun(PrepareOptions{RepoDir: repo, Task: "x", Config: nil}); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := PrepareRun(PrepareOptions{RepoDir: repo, Task: "  \n", Config: testConfig()}); err == nil {
		t.Error("blank task accepted")
	}
	if _, err := PrepareRun(PrepareOptions{
		RepoDir: t.TempDir(), Task: "x", Config: testConfig(), RunsRoot: t.TempDir(), SkipPing: true,
	}); err == nil || !strings.Contains(err.Error(), "git repository") {
		t.Errorf("non-repo dir: err = %v", err)
	}

	cfg := testConfig()
	cfg.Scope.Allowlist = []string{"src/["}
	if _, err := PrepareRun(PrepareOptions{
		RepoDir: repo, Task: "x", Config: cfg, RunsRoot: t.TempDir(), SkipPing: true,
	}); err == nil || !strings.Contains(err.Error(), "invalid scope pattern") {
		t.Errorf("malformed pattern: err = %v", err)
	}
}

func TestNewRunID(t *testing.T) {
	ts := time.Date(2026, 8, 25, 15, 4, 5, 0, time.UTC)
	if got := NewRunID(ts); got != "20260825150405" {
		t.Errorf("NewRunID = %q", got)
	}
	est := time.FixedZone("EST", -5*3600)
	if got := NewRunID(ts.In(est)); got != "20260825150405" {
		t.Errorf("NewRunID did not normalize to UTC: %q", got)
	}
}

func TestDefaultRunsRootHonorsXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_STATE_HOME", base)
	if got := DefaultRunsRoot(); got != filepath.Join(base, "pitboss", "runs") {
		t.Errorf("DefaultRunsRoot = %q", got)
	}
}

func TestPrepareRunAdvancesCollidingRunID(t *testing.T) {
	repo := initRepo(t)
	runsRoot := t.TempDir()
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	opts := PrepareOptions{
		RepoDir:  repo,
		RunsRoot: runsRoot,
		Task:     "first",
		Config:   testConfig(),
		SkipPing: true,
		Now:      func() time.Time { return fixed },
	}

	a, err := PrepareRun(opts)
	if err != nil {
		t.Fatalf("first PrepareRun: %v", err)
	}
	b, err := PrepareRun(opts)
	if err != nil {
		t.Fatalf("second PrepareRun with a frozen clock: %v", err)
	}
	if a.State.RunID == b.State.RunID {
		t.Fatalf("both runs got id %s", a.State.RunID)
	}
	if a.State.RunID != "20260825120000" || b.State.RunID != "20260825120001" {
		t.Errorf("run ids = %s, %s; want second advanced by one second", a.State.RunID, b.State.RunID)
	}
}

func stopRun(t *testing.T, setup *Setup, reason phase.StopReason, in phase.Phase) {
	t.Helper()
	st := setup.State
	st.Phase = phase.Stopped
	st.StopReason = reason
	st.StoppedInPhase = in
	if err := setup.Store.WriteState(st); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareResumeGates(t *testing.T) {
	repo := initRepo(t)
	runsRoot := t.TempDir()
	cfg := testConfig()
	setup, err := PrepareRun(PrepareOptions{
		RepoDir: repo, RunsRoot: runsRoot, Task: "resumable", Config: cfg, SkipPing: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	runID := setup.State.RunID
	resumeOpts := ResumeOptions{RunsRoot: runsRoot, RunID: runID, Config: cfg}

	t.Run("completed run refuses", func(t *testing.T) {
		stopRun(t, setup, phase.StopComplete, phase.Finalize)
		if _, err := PrepareResume(resumeOpts); err == nil || !strings.Contains(err.Error(), "nothing to resume") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("policy stop needs force", func(t *testing.T) {
		stopRun(t, setup, phase.StopGuardViolation, phase.Plan)
		if _, err := PrepareResume(resumeOpts); err == nil || !strings.Contains(err.Error(), "--force") {
			t.Errorf("err = %v", err)
		}

		forced := resumeOpts
		forced.Force = true
		got, err := PrepareResume(forced)
		if err != nil {
			t.Fatalf("forced resume: %v", err)
		}
		if got.State.Phase != phase.Plan || got.State.StopReason != "" {
			t.Errorf("state after forced resume: phase=%s stop=%q", got.State.Phase, got.State.StopReason)
		}
		evs, err := got.Store.ReadEvents()
		if err != nil {
			t.Fatal(err)
		}
		resumes := eventsOfType(evs, state.EventResume)
		if len(resumes) == 0 {
			t.Fatal("no resume event recorded")
		}
		last := resumes[len(resumes)-1].Payload
		if f, _ := last["forced"].(bool); !f {
			t.Errorf("resume event not marked forced: %+v", last)
		}
		if auto, _ := last["auto"].(bool); auto {
			t.Errorf("manual resume marked auto: %+v", last)
		}
	})

	t.Run("live supervisor refuses even with force", func(t *testing.T) {
		stopRun(t, setup, phase.StopStalledTimeout, phase.Plan)
		// PID 1 is always alive and never this process.
		if err := setup.Store.WritePID(1); err != nil {
			t.Fatal(err)
		}
		forced := resumeOpts
		forced.Force = true
		if _, err := PrepareResume(forced); err == nil || !strings.Contains(err.Error(), "live supervisor") {
			t.Errorf("err = %v", err)
		}
		if err := setup.Store.WritePID(os.Getpid()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		bad := resumeOpts
		bad.RunID = "19990101000000"
		if _, err := PrepareResume(bad); err == nil {
			t.Error("resume of a nonexistent run succeeded")
		}
	})
}

func TestPrepareResumeDriftGate(t *testing.T) {
	repo := initRepo(t)
	runsRoot := t.TempDir()
	cfg := testConfig()
	setup, err := PrepareRun(PrepareOptions{
		RepoDir: repo, RunsRoot: runsRoot, Task: "drifting", Config: cfg, SkipPing: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	stopRun(t, setup, phase.StopStalledTimeout, phase.Plan)

	recorded, err := setup.Store.ReadFingerprint()
	if err != nil {
		t.Fatal(err)
	}
	recorded.RuntimeVersion = "go0.0"
	if err := setup.Store.WriteFingerprint(recorded); err != nil {
		t.Fatal(err)
	}

	opts := ResumeOptions{RunsRoot: runsRoot, RunID: setup.State.RunID, Config: cfg}
	if _, err := PrepareResume(opts); err == nil || !strings.Contains(err.Error(), "drifted") {
		t.Fatalf("err = %v, want drift refusal", err)
	}

	opts.Force = true
	got, err := PrepareResume(opts)
	if err != nil {
		t.Fatalf("forced resume past drift: %v", err)
	}
	evs, err := got.Store.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	resumes := eventsOfType(evs, state.EventResume)
	if len(resumes) == 0 {
		t.Fatal("no resume event")
	}
	if _, ok := resumes[len(resumes)-1].Payload["drift"]; !ok {
		t.Errorf("resume event does not carry the drift lines: %+v", resumes[len(resumes)-1].Payload)
	}
}

func TestPrepareResumeRebuildsPrunedWorktree(t *testing.T) {
	repo := initRepo(t)
	runsRoot := t.TempDir()
	cfg := testConfig()
	setup, err := PrepareRun(PrepareOptions{
		RepoDir: repo, RunsRoot: runsRoot, Task: "pruned", Config: cfg, SkipPing: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	stopRun(t, setup, phase.StopStalledTimeout, phase.Plan)
	if err := os.RemoveAll(setup.State.WorktreePath); err != nil {
		t.Fatal(err)
	}

	got, err := PrepareResume(ResumeOptions{RunsRoot: runsRoot, RunID: setup.State.RunID, Config: cfg})
	if err != nil {
		t.Fatalf("resume after prune: %v", err)
	}
	if _, err := os.Stat(filepath.Join(got.RepoDir, "README.md")); err != nil {
		t.Errorf("rebuilt worktree missing checkout: %v", err)
	}
}

func TestCaptureFingerprintHashesLockfiles(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "go.sum"), []byte("module v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Scope.Lockfiles = []string{"go.sum", "**/package-lock.json", "missing.lock"}

	fp := CaptureFingerprint(repo, cfg)
	if fp.RuntimeVersion == "" {
		t.Error("runtime version not captured")
	}
	if len(fp.Lockfiles) != 1 {
		t.Fatalf("lockfiles = %v, want go.sum only (globs and missing files skipped)", fp.Lockfiles)
	}
	if fp.Lockfiles["go.sum"] == "" || fp.LockfileHash == "" {
		t.Fatalf("hashes missing: %+v", fp)
	}

	if err := os.WriteFile(filepath.Join(repo, "go.sum"), []byte("module v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed := CaptureFingerprint(repo, cfg)
	if changed.LockfileHash == fp.LockfileHash {
		t.Error("lockfile hash unchanged after content edit")
	}
	if drift := fp.Diff(changed); len(drift) == 0 {
		t.Error("Diff reported no drift for changed lockfile")
	}

	empty := CaptureFingerprint(t.TempDir(), cfg)
	if empty.LockfileHash != "" || len(empty.Lockfiles) != 0 {
		t.Errorf("fingerprint of empty dir carries lockfile hashes: %+v", empty)
	}
}

func TestStoreInitRefusesExistingRun(t *testing.T) {
	root := t.TempDir()
	if _, err := store.Init(root, "20260825120000"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Init(root, "20260825120000"); err == nil {
		t.Error("second Init of the same run id succeeded")
	}
}
