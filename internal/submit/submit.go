// Package submit replays a run's checkpoint commit onto an integration
// branch. It validates before touching anything, and whether the replay
// succeeds, conflicts, or fails outright the repository is left on the
// branch it started on.
package submit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/gitutil"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/store"
	"github.com/averraz/pitboss/internal/worktree"
)

type Options struct {
	RunsRoot string
	RunID    string
	Config   *config.Config

	// RepoDir is any directory inside the source checkout. Empty derives the
	// repository from the run's recorded worktree path.
	RepoDir string

	// Target branch. Empty falls back to workflow.integration_branch.
	Target string

	DryRun bool
	Push   bool
	Remote string // defaults to origin
}

// Plan is the validated submit, rendered before execution. Every field is
// recorded state; rendering the same run twice yields identical bytes.
type Plan struct {
	RunID         string    `json:"run_id"`
	StopReason    string    `json:"stop_reason"`
	CheckpointSHA string    `json:"checkpoint_sha"`
	Checkpoints   int       `json:"checkpoints"`
	Target        string    `json:"target"`
	TargetSHA     string    `json:"target_sha"`
	StartBranch   string    `json:"start_branch"`
	Strategy      string    `json:"strategy"`
	Push          string    `json:"push,omitempty"`
	EvidenceTiers []string  `json:"evidence_tiers,omitempty"`
	RecordedAt    time.Time `json:"recorded_at,omitempty"`
}

func (p *Plan) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "submit plan for run %s (stopped: %s)\n", p.RunID, p.StopReason)
	fmt.Fprintf(&b, "  checkpoint: %s (%d checkpoint(s) on %s)\n", shortSHA(p.CheckpointSHA), p.Checkpoints, "pitboss/"+p.RunID)
	fmt.Fprintf(&b, "  target:     %s at %s\n", p.Target, shortSHA(p.TargetSHA))
	fmt.Fprintf(&b, "  strategy:   %s\n", p.Strategy)
	fmt.Fprintf(&b, "  restore:    %s\n", p.StartBranch)
	if len(p.EvidenceTiers) > 0 {
		fmt.Fprintf(&b, "  evidence:   %s\n", strings.Join(p.EvidenceTiers, ", "))
	}
	if !p.RecordedAt.IsZero() {
		fmt.Fprintf(&b, "  recorded:   %s\n", p.RecordedAt.UTC().Format(time.RFC3339))
	}
	if p.Push != "" {
		fmt.Fprintf(&b, "  push:       %s\n", p.Push)
	}
	return b.String()
}

// Result reports what Submit did. In dry-run mode only the plan is set.
type Result struct {
	Plan   *Plan  `json:"plan"`
	NewSHA string `json:"new_sha,omitempty"`
	Pushed bool   `json:"pushed,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// ConflictError reports a cherry-pick that could not apply cleanly. The
// repository has already been restored when this is returned.
type ConflictError struct {
	RunID  string
	Target string
	SHA    string
	Files  []string // sorted
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cherry-pick of %s onto %s conflicts in %d file(s): %s",
		shortSHA(e.SHA), e.Target, len(e.Files), strings.Join(e.Files, ", "))
}

// Submit validates and executes the checkpoint replay. The validation chain
// fails fast with one actionable error: checkpoint present, run terminal,
// clean tree (when the workflow requires it), target existing and not
// protected, verification evidence recorded (when required).
func Submit(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	st, err := store.Open(opts.RunsRoot, opts.RunID)
	if err != nil {
		return nil, err
	}
	run, err := st.ReadState()
	if err != nil {
		return nil, err
	}

	repo, err := resolveRepo(opts, run)
	if err != nil {
		return nil, err
	}
	target := opts.Target
	if target == "" {
		target = opts.Config.Workflow.IntegrationBranch
	}
	if target == "" {
		return nil, fmt.Errorf("no target branch: pass --target or set workflow.integration_branch")
	}

	plan, err := validate(opts.Config, st, run, repo, target)
	if err != nil {
		return nil, err
	}
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	if opts.Push {
		plan.Push = remote + "/" + target
	}
	if opts.DryRun {
		return &Result{Plan: plan, DryRun: true}, nil
	}
	return execute(st, run, repo, plan, opts.Push, remote)
}

func resolveRepo(opts Options, run *state.RunState) (string, error) {
	if opts.RepoDir != "" {
		top, err := gitutil.TopLevel(opts.RepoDir)
		if err != nil {
			return "", fmt.Errorf("%s is not inside a git repository", opts.RepoDir)
		}
		return top, nil
	}
	repo, ok := worktree.SourceRepoFor(run.WorktreePath)
	if !ok {
		return "", fmt.Errorf("cannot derive the source repository from worktree path %s; pass --repo", run.WorktreePath)
	}
	return repo, nil
}

func validate(cfg *config.Config, st *store.Store, run *state.RunState, repo, target string) (*Plan, error) {
	if run.CheckpointSHA == "" {
		return nil, fmt.Errorf("run %s has no checkpoint to submit", run.RunID)
	}
	if run.Phase != phase.Stopped {
		return nil, fmt.Errorf("run %s is still active (phase %s); stop or finish it before submitting", run.RunID, run.Phase)
	}
	if cfg.RequireCleanTree() {
		clean, err := gitutil.IsClean(repo)
		if err != nil {
			return nil, fmt.Errorf("check working tree: %w", err)
		}
		if !clean {
			return nil, fmt.Errorf("working tree in %s is not clean; commit or stash before submitting", repo)
		}
	}
	if !gitutil.BranchExists(repo, target) {
		return nil, fmt.Errorf("target branch %q does not exist in %s", target, repo)
	}
	for _, protected := range cfg.Workflow.ProtectedBranches {
		if target == protected {
			return nil, fmt.Errorf("target branch %q is protected (workflow.protected_branches)", target)
		}
	}

	plan := &Plan{
		RunID:         run.RunID,
		StopReason:    string(run.StopReason),
		CheckpointSHA: run.CheckpointSHA,
		Checkpoints:   run.CheckpointCount,
		Target:        target,
		Strategy:      cfg.Workflow.SubmitStrategy,
	}
	if sha, err := gitutil.RevParse(repo, target); err == nil {
		plan.TargetSHA = sha
	}
	if start, err := gitutil.CurrentBranch(repo); err == nil {
		plan.StartBranch = start
	}

	sidecar, scErr := st.ReadSidecar(run.CheckpointSHA)
	if scErr == nil {
		plan.RecordedAt = sidecar.CreatedAt
		for _, ev := range sidecar.Evidence {
			plan.EvidenceTiers = append(plan.EvidenceTiers, ev.Tier)
		}
		sort.Strings(plan.EvidenceTiers)
	}
	if cfg.RequireVerification() && (scErr != nil || len(sidecar.Evidence) == 0) {
		return nil, fmt.Errorf("checkpoint %s has no recorded verification evidence (workflow.require_verification)", shortSHA(run.CheckpointSHA))
	}
	return plan, nil
}

func execute(st *store.Store, run *state.RunState, repo string, plan *Plan, push bool, remote string) (*Result, error) {
	start, err := gitutil.CurrentBranch(repo)
	if err != nil {
		return nil, fmt.Errorf("resolve current branch: %w", err)
	}
	if err := gitutil.CheckoutBranch(repo, plan.Target); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", plan.Target, err)
	}
	// Best-effort restore on every path, conflicts included.
	defer func() { _ = gitutil.CheckoutBranch(repo, start) }()

	if err := gitutil.CherryPick(repo, run.CheckpointSHA); err != nil {
		files, _ := gitutil.ConflictedFiles(repo)
		sort.Strings(files)
		_ = gitutil.CherryPickAbort(repo)
		if _, aerr := st.AppendEvent(state.EventSubmitConflict, "submit", map[string]any{
			"target": plan.Target,
			"sha":    run.CheckpointSHA,
			"files":  files,
		}); aerr != nil {
			return nil, aerr
		}
		return nil, &ConflictError{RunID: run.RunID, Target: plan.Target, SHA: run.CheckpointSHA, Files: files}
	}

	newSHA, err := gitutil.HeadSHA(repo)
	if err != nil {
		return nil, fmt.Errorf("resolve submitted commit: %w", err)
	}
	if _, err := st.AppendEvent(state.EventRunSubmitted, "submit", map[string]any{
		"target":  plan.Target,
		"sha":     run.CheckpointSHA,
		"new_sha": newSHA,
	}); err != nil {
		return nil, err
	}

	res := &Result{Plan: plan, NewSHA: newSHA}
	if push {
		if err := gitutil.PushBranch(repo, remote, plan.Target); err != nil {
			return res, fmt.Errorf("push %s to %s: %w", plan.Target, remote, err)
		}
		res.Pushed = true
	}
	return res, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
