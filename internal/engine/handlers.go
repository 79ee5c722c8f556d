package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/averraz/pitboss/internal/gitutil"
	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/redact"
	"github.com/averraz/pitboss/internal/scope"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/verify"
	"github.com/averraz/pitboss/internal/worker"
)

const maxStopBodyExcerpt = 2048

func (e *Engine) handleInit(st *state.RunState) (*stopRequest, error) {
	e.markProgress(st)
	return nil, e.transition(st, phase.Plan)
}

func (e *Engine) handlePlan(ctx context.Context, st *state.RunState) (*stopRequest, error) {
	inv, err := e.invoker("plan")
	if err != nil {
		return nil, err
	}
	doc, call, callErr := worker.Plan(ctx, inv, worker.Request{Prompt: planPrompt(st), RepoDir: e.repoDir})
	if rerr := e.recordWorkerCall(st, "plan", inv, call, callErr); rerr != nil {
		return nil, rerr
	}
	if callErr != nil {
		if req, ok := e.stopForWorkerError(phase.Plan, callErr); ok {
			return req, nil
		}
		return nil, callErr
	}
	if err := e.st.WritePlan(call.Body); err != nil {
		return nil, err
	}
	if len(doc.Milestones) == 0 {
		return &stopRequest{reason: phase.StopMilestoneMissing, detail: "planner produced zero milestones"}, nil
	}

	milestones := make([]state.Milestone, 0, len(doc.Milestones))
	var outOfScope []string
	for i, pm := range doc.Milestones {
		for _, f := range pm.FilesExpected {
			if !plannedPathInScope(f, st.ScopeLock) {
				outOfScope = append(outOfScope, fmt.Sprintf("milestone %d: %s", i+1, f))
			}
		}
		risk, rerr := state.ParseRiskLevel(pm.RiskLevel)
		if rerr != nil {
			risk = state.RiskLow
		}
		milestones = append(milestones, state.Milestone{
			Goal:          pm.Goal,
			FilesExpected: pm.FilesExpected,
			DoneChecks:    pm.DoneChecks,
			RiskLevel:     risk,
		})
	}
	if len(outOfScope) > 0 {
		sort.Strings(outOfScope)
		return &stopRequest{
			reason:  phase.StopPlanScopeViolation,
			detail:  "plan names files outside the scope lock: " + strings.Join(outOfScope, "; "),
			payload: map[string]any{"files": outOfScope},
		}, nil
	}

	st.Milestones = milestones
	st.MilestoneIndex = 0
	st.FixInstructions = ""
	e.markProgress(st)
	if _, err := e.st.AppendEvent(state.EventMilestoneStart, "engine", map[string]any{
		"index": 0,
		"goal":  milestones[0].Goal,
	}); err != nil {
		return nil, err
	}
	return nil, e.transition(st, phase.Implement)
}

// plannedPathInScope checks a planned path or pattern against the lock using
// conservative glob intersection, so "src/**" in a plan is judged against
// "src/api/**" in the allowlist the same way two claims would be.
func plannedPathInScope(entry string, lock state.ScopeLock) bool {
	entry = scope.Normalize(entry)
	if entry == "" {
		return true
	}
	for _, d := range lock.Denylist {
		if scope.PatternsOverlap(d, entry) {
			return false
		}
	}
	if len(lock.Allowlist) == 0 {
		return true
	}
	for _, a := range lock.Allowlist {
		if scope.PatternsOverlap(a, entry) {
			return true
		}
	}
	return false
}

func (e *Engine) handleMilestoneStart(st *state.RunState) (*stopRequest, error) {
	if _, ok := st.CurrentMilestone(); !ok {
		return &stopRequest{
			reason: phase.StopMilestoneMissing,
			detail: fmt.Sprintf("milestone index %d with %d milestones", st.MilestoneIndex, len(st.Milestones)),
		}, nil
	}
	e.markProgress(st)
	return nil, e.transition(st, phase.Implement)
}

func (e *Engine) handleImplement(ctx context.Context, st *state.RunState) (*stopRequest, error) {
	m, ok := st.CurrentMilestone()
	if !ok {
		return &stopRequest{
			reason: phase.StopMilestoneMissing,
			detail: fmt.Sprintf("milestone index %d with %d milestones", st.MilestoneIndex, len(st.Milestones)),
		}, nil
	}
	inv, err := e.invoker("implement")
	if err != nil {
		return nil, err
	}

	pack := contextPack(m, e.cfg.Verification)
	if pack != "" {
		name := fmt.Sprintf("context_m%d.md", st.MilestoneIndex+1)
		if werr := e.st.WriteArtifact(name, []byte(pack)); werr != nil {
			return nil, werr
		}
	}

	doc, call, callErr := worker.Implement(ctx, inv, worker.Request{Prompt: implementPrompt(st, m, pack), RepoDir: e.repoDir})
	if rerr := e.recordWorkerCall(st, "implement", inv, call, callErr); rerr != nil {
		return nil, rerr
	}
	if callErr != nil {
		if req, ok := e.stopForWorkerError(phase.Implement, callErr); ok {
			return req, nil
		}
		return nil, callErr
	}
	st.FixInstructions = ""

	if doc.Status == "blocked" {
		if why, accepted := evidenceAccepted(doc.NoChangesEvidence, st.ScopeLock); !accepted {
			return &stopRequest{
				reason:  phase.StopImplementBlocked,
				detail:  fmt.Sprintf("worker reported blocked: %s (%s)", strings.TrimSpace(doc.Summary), why),
				payload: map[string]any{"summary": doc.Summary},
			}, nil
		}
		// Evidence holds up: the milestone is a verified no-op and the run
		// proceeds with an empty change set.
	}

	changed, gerr := gitutil.ChangedFiles(e.repoDir)
	if gerr != nil {
		return nil, fmt.Errorf("worktree status after implement: %w", gerr)
	}
	semantic, environmental := scope.Partition(changed, st.ScopeLock.EnvAllowlist, func(paths []string) (map[string]bool, error) {
		return gitutil.CheckIgnore(e.repoDir, paths)
	})

	guardPayload := map[string]any{
		"ok":            true,
		"semantic":      len(semantic),
		"environmental": len(environmental),
	}
	if v := scope.Check(semantic, st.ScopeLock, st.AllowDeps); v != nil {
		guardPayload["ok"] = false
		guardPayload["violation"] = v.Summary()
		if _, aerr := e.st.AppendEvent(state.EventGuard, "engine", guardPayload); aerr != nil {
			return nil, aerr
		}
		return &stopRequest{reason: phase.StopGuardViolation, detail: v.Summary()}, nil
	}
	if ov := scope.CheckOwnership(semantic, st.OwnedPaths); ov != nil {
		guardPayload["ok"] = false
		guardPayload["violation"] = ov.Summary()
		if _, aerr := e.st.AppendEvent(state.EventGuard, "engine", guardPayload); aerr != nil {
			return nil, aerr
		}
		return &stopRequest{reason: phase.StopOwnershipViolation, detail: ov.Summary()}, nil
	}
	if _, aerr := e.st.AppendEvent(state.EventGuard, "engine", guardPayload); aerr != nil {
		return nil, aerr
	}
	e.markProgress(st)
	return nil, e.transition(st, phase.Verify)
}

// evidenceAccepted applies the no-changes evidence contract: at least one
// form must hold for a blocked status to pass as a verified no-op.
func evidenceAccepted(ev *worker.NoChangesEvidence, lock state.ScopeLock) (string, bool) {
	if ev == nil {
		return "no evidence provided", false
	}
	if len(ev.FilesChecked) > 0 {
		allIn := true
		for _, f := range ev.FilesChecked {
			if len(lock.Allowlist) > 0 && !matchAnyPattern(lock.Allowlist, f) {
				allIn = false
				break
			}
		}
		if allIn {
			return "", true
		}
	}
	if out := ev.GrepOutput; strings.TrimSpace(out) != "" && len(out) <= 8*1024 {
		return "", true
	}
	for _, c := range ev.CommandsRun {
		if strings.TrimSpace(c.Command) != "" && c.ExitCode == 0 {
			return "", true
		}
	}
	return "no acceptable evidence form: files_checked outside allowlist, grep_output empty or oversized, and no zero-exit command", false
}

func matchAnyPattern(patterns []string, path string) bool {
	for _, p := range patterns {
		if scope.Match(p, path) {
			return true
		}
	}
	return false
}

func (e *Engine) handleVerify(ctx context.Context, st *state.RunState) (*stopRequest, error) {
	m, ok := st.CurrentMilestone()
	if !ok {
		return &stopRequest{
			reason: phase.StopMilestoneMissing,
			detail: fmt.Sprintf("milestone index %d with %d milestones", st.MilestoneIndex, len(st.Milestones)),
		}, nil
	}
	changed, gerr := gitutil.ChangedFiles(e.repoDir)
	if gerr != nil {
		return nil, fmt.Errorf("worktree status before verification: %w", gerr)
	}

	tiers, reasons := verify.SelectTiers(m, changed, st.LastMilestone(), e.cfg.Verification)
	st.TierReasons = reasons

	policy := verify.PolicyFrom(e.cfg.Receipts)
	cwd := e.verifyCwd()
	deadline := e.now().Add(e.cfg.VerifyBudget())
	evidence := make([]state.VerificationEvidence, 0, len(tiers))
	var failed *verify.Result
	for _, tier := range tiers {
		commands := verify.CommandsFor(tier, e.cfg.Verification)
		res := verify.Run(ctx, tier, commands, cwd, deadline.Sub(e.now()), policy)
		evidence = append(evidence, evidenceFrom(res, commands))

		payload := map[string]any{
			"tier":            tier,
			"ok":              res.OK,
			"duration_ms":     res.Duration.Milliseconds(),
			"milestone_index": st.MilestoneIndex,
			"attempt":         st.MilestoneRetries + 1,
		}
		if !res.OK {
			payload["failed_command"] = res.FailedCommand
			payload["exit_code"] = res.ExitCode
			if res.Reason != "" {
				payload["reason"] = res.Reason
			}
		}
		if len(res.Skipped) > 0 {
			payload["skipped"] = res.Skipped
		}
		if _, aerr := e.st.AppendEvent(state.EventVerification, "engine", payload); aerr != nil {
			return nil, aerr
		}
		if res.Output != "" {
			name := fmt.Sprintf("verify_%s_m%d_a%d.log", tier, st.MilestoneIndex+1, st.MilestoneRetries+1)
			if werr := e.st.WriteArtifact(name, []byte(res.Output)); werr != nil {
				return nil, werr
			}
		}
		if !res.OK {
			failed = &res
			break
		}
	}

	if failed == nil {
		st.Evidence = evidence
		e.markProgress(st)
		return nil, e.transition(st, phase.Review)
	}

	st.MilestoneRetries++
	fix := verifyFixInstructions(*failed, changed, st.MilestoneRetries)
	memo := fmt.Sprintf("fix_instructions_m%d_attempt%d.md", st.MilestoneIndex+1, st.MilestoneRetries)
	if werr := e.st.WriteMemo(memo, fix); werr != nil {
		return nil, werr
	}
	if st.MilestoneRetries >= state.MaxMilestoneRetries {
		return &stopRequest{
			reason: phase.StopVerificationMaxRetries,
			detail: fmt.Sprintf("tier %s still failing after %d attempts; last failure: %s (exit %d)",
				failed.Tier, st.MilestoneRetries, failed.FailedCommand, failed.ExitCode),
		}, nil
	}
	st.FixInstructions = fix
	e.markProgress(st)
	return nil, e.transition(st, phase.Implement)
}

func (e *Engine) verifyCwd() string {
	cwd := strings.TrimSpace(e.cfg.Verification.Cwd)
	if cwd == "" {
		return e.repoDir
	}
	if filepath.IsAbs(cwd) {
		return cwd
	}
	return filepath.Join(e.repoDir, cwd)
}

// evidenceFrom reconstructs the per-command record for a tier. Commands after
// the failure point never ran and are excluded.
func evidenceFrom(res verify.Result, commands []string) state.VerificationEvidence {
	ev := state.VerificationEvidence{Tier: res.Tier, OK: res.OK}
	skipped := make(map[string]bool, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped[s] = true
	}
	for _, cmd := range commands {
		if skipped[cmd] {
			break
		}
		if !res.OK && cmd == res.FailedCommand {
			ev.Commands = append(ev.Commands, state.CommandResult{Command: cmd, ExitCode: res.ExitCode})
			break
		}
		ev.Commands = append(ev.Commands, state.CommandResult{Command: cmd, ExitCode: 0})
	}
	return ev
}

func (e *Engine) handleReview(ctx context.Context, st *state.RunState) (*stopRequest, error) {
	m, ok := st.CurrentMilestone()
	if !ok {
		return &stopRequest{
			reason: phase.StopMilestoneMissing,
			detail: fmt.Sprintf("milestone index %d with %d milestones", st.MilestoneIndex, len(st.Milestones)),
		}, nil
	}
	inv, err := e.invoker("review")
	if err != nil {
		return nil, err
	}

	diffStat, derr := gitutil.DiffStat(e.repoDir, "HEAD")
	if derr != nil {
		diffStat = ""
	}
	doc, call, callErr := worker.Review(ctx, inv, worker.Request{Prompt: reviewPrompt(st, m, diffStat), RepoDir: e.repoDir})
	if rerr := e.recordWorkerCall(st, "review", inv, call, callErr); rerr != nil {
		return nil, rerr
	}
	if callErr != nil {
		if req, ok := e.stopForWorkerError(phase.Review, callErr); ok {
			return req, nil
		}
		return nil, callErr
	}

	fp := ReviewFingerprint(doc)
	switch doc.Decision {
	case "approve":
		e.markProgress(st)
		return nil, e.transition(st, phase.Checkpoint)

	case "request_changes":
		if st.LastReviewFingerprint != "" && fp == st.LastReviewFingerprint {
			return &stopRequest{
				reason:  phase.StopReviewLoopDetected,
				detail:  "reviewer repeated the same findings after a fix attempt",
				payload: map[string]any{"fingerprint": fp},
			}, nil
		}
		st.LastReviewFingerprint = fp
		st.ReviewRounds++
		if max := e.cfg.Resilience.MaxReviewRounds; max > 0 && st.ReviewRounds > max {
			return &stopRequest{
				reason: phase.StopReviewLoopDetected,
				detail: fmt.Sprintf("review went %d rounds without approval (limit %d)", st.ReviewRounds, max),
			}, nil
		}
		fix := reviewFixInstructions(doc)
		st.FixInstructions = fix
		memo := fmt.Sprintf("review_m%d_round%d.md", st.MilestoneIndex+1, st.ReviewRounds)
		if werr := e.st.WriteMemo(memo, fix); werr != nil {
			return nil, werr
		}
		e.markProgress(st)
		return nil, e.transition(st, phase.Implement)

	case "reject":
		st.LastReviewFingerprint = fp
		st.ReviewRounds++
		if max := e.cfg.Resilience.MaxReviewRounds; max > 0 && st.ReviewRounds > max {
			return &stopRequest{
				reason: phase.StopReviewLoopDetected,
				detail: fmt.Sprintf("review went %d rounds without approval (limit %d)", st.ReviewRounds, max),
			}, nil
		}
		fix := "The reviewer rejected this milestone outright. Rework it from the goal statement.\n\n" + reviewFixInstructions(doc)
		st.FixInstructions = fix
		memo := fmt.Sprintf("review_m%d_round%d.md", st.MilestoneIndex+1, st.ReviewRounds)
		if werr := e.st.WriteMemo(memo, fix); werr != nil {
			return nil, werr
		}
		e.markProgress(st)
		return nil, e.transition(st, phase.Implement)

	default:
		// The schema restricts decisions to the three above.
		return nil, fmt.Errorf("reviewer returned unknown decision %q", doc.Decision)
	}
}

func (e *Engine) handleCheckpoint(st *state.RunState) (*stopRequest, error) {
	m, ok := st.CurrentMilestone()
	if !ok {
		return &stopRequest{
			reason: phase.StopMilestoneMissing,
			detail: fmt.Sprintf("milestone index %d with %d milestones", st.MilestoneIndex, len(st.Milestones)),
		}, nil
	}

	msg := checkpointMessage(st.RunID, st.MilestoneIndex+1, m.Goal)
	sha, err := gitutil.CommitAllowEmpty(e.repoDir, msg)
	if err != nil {
		return nil, fmt.Errorf("checkpoint commit: %w", err)
	}
	st.CheckpointSHA = sha
	st.CheckpointCount++

	if err := e.st.WriteSidecar(&state.CheckpointSidecar{
		SchemaVersion:  state.SchemaVersion,
		RunID:          st.RunID,
		MilestoneIndex: st.MilestoneIndex,
		MilestoneGoal:  m.Goal,
		Evidence:       st.Evidence,
		BaseSHA:        st.BaseSHA,
		CommitSHA:      sha,
		CreatedAt:      e.now().UTC(),
	}); err != nil {
		return nil, err
	}
	if _, err := e.st.AppendEvent(state.EventCheckpoint, "engine", map[string]any{
		"sha":             sha,
		"milestone_index": st.MilestoneIndex,
		"message":         msg,
	}); err != nil {
		return nil, err
	}

	st.MilestoneRetries = 0
	st.ReviewRounds = 0
	st.LastReviewFingerprint = ""
	st.FixInstructions = ""
	st.Evidence = nil
	st.TierReasons = nil
	st.MilestoneIndex++
	e.markProgress(st)

	if st.MilestoneIndex >= len(st.Milestones) {
		return nil, e.transition(st, phase.Finalize)
	}
	next := st.Milestones[st.MilestoneIndex]
	if _, err := e.st.AppendEvent(state.EventMilestoneStart, "engine", map[string]any{
		"index": st.MilestoneIndex,
		"goal":  next.Goal,
	}); err != nil {
		return nil, err
	}
	return nil, e.transition(st, phase.Implement)
}

func checkpointMessage(runID string, n int, goal string) string {
	goal = strings.Join(strings.Fields(goal), " ")
	if r := []rune(goal); len(r) > 60 {
		goal = string(r[:60])
	}
	return fmt.Sprintf("pitboss(%s): m%d %s", runID, n, goal)
}

func (e *Engine) handleFinalize(st *state.RunState) (*stopRequest, error) {
	if err := e.st.WriteSummary(runSummary(st)); err != nil {
		return nil, err
	}
	e.markProgress(st)
	detail := fmt.Sprintf("%d milestone(s) checkpointed", st.CheckpointCount)
	if st.CheckpointSHA != "" {
		detail += " at " + shortSHA(st.CheckpointSHA)
	}
	return &stopRequest{reason: phase.StopComplete, detail: detail}, nil
}

func runSummary(st *state.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", st.RunID)
	fmt.Fprintf(&b, "Task: %s\n\n", firstLine(st.Task))
	fmt.Fprintf(&b, "Branch: %s\n", st.Branch)
	fmt.Fprintf(&b, "Base: %s\n", shortSHA(st.BaseSHA))
	if st.CheckpointSHA != "" {
		fmt.Fprintf(&b, "Final checkpoint: %s\n", shortSHA(st.CheckpointSHA))
	}
	fmt.Fprintf(&b, "\n## Milestones\n\n")
	for i, m := range st.Milestones {
		status := "pending"
		if i < st.MilestoneIndex {
			status = "checkpointed"
		} else if i == st.MilestoneIndex && st.Phase != phase.Stopped {
			status = "in progress"
		}
		fmt.Fprintf(&b, "%d. %s (%s, risk %s)\n", i+1, m.Goal, status, m.RiskLevel)
	}
	if len(st.WorkerStats) > 0 {
		fmt.Fprintf(&b, "\n## Workers\n\n")
		names := make([]string, 0, len(st.WorkerStats))
		for name := range st.WorkerStats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ws := st.WorkerStats[name]
			fmt.Fprintf(&b, "- %s: %d calls, %.0fs wall, %d failures, %d parse retries\n",
				name, ws.Calls, ws.WallSeconds, ws.Failures, ws.ParseRetries)
		}
	}
	fmt.Fprintf(&b, "\nTicks: %d, auto-resumes: %d, budget used: %.0fs\n",
		st.TickCount, st.AutoResumes, st.BudgetUsedSeconds)
	return b.String()
}

// stopForWorkerError maps terminal worker failures onto stop reasons. Errors
// it does not recognize (context cancellation, programming errors) propagate.
func (e *Engine) stopForWorkerError(ph phase.Phase, err error) (*stopRequest, bool) {
	var parseErr *worker.ParseError
	if errors.As(err, &parseErr) {
		var reason phase.StopReason
		switch ph {
		case phase.Plan:
			reason = phase.StopPlanParseFailed
		case phase.Implement:
			reason = phase.StopImplementParseFailed
		case phase.Review:
			reason = phase.StopReviewParseFailed
		default:
			return nil, false
		}
		payload := map[string]any{}
		if body := strings.TrimSpace(parseErr.Body); body != "" {
			excerpt := redact.String(body)
			if len(excerpt) > maxStopBodyExcerpt {
				excerpt = excerpt[:maxStopBodyExcerpt] + "\n[truncated]"
			}
			payload["body_excerpt"] = excerpt
		}
		return &stopRequest{reason: reason, detail: parseErr.Reason, payload: payload}, true
	}
	var procErr *worker.ProcessError
	if errors.As(err, &procErr) {
		return &stopRequest{
			reason:  phase.StopWorkerCallTimeout,
			detail:  procErr.Error(),
			payload: map[string]any{"error_class": string(procErr.Class)},
		}, true
	}
	return nil, false
}

func (e *Engine) recordWorkerCall(st *state.RunState, ph string, inv worker.Invoker, res worker.CallResult, callErr error) error {
	stat := st.Stat(inv.Name())
	stat.Calls++
	stat.WallSeconds += res.Duration.Seconds()
	if res.Attempts > 1 {
		stat.ParseRetries += res.Attempts - 1
	}

	payload := map[string]any{
		"phase":       ph,
		"worker":      inv.Name(),
		"call_id":     res.CallID,
		"attempts":    res.Attempts,
		"duration_ms": res.Duration.Milliseconds(),
		"ok":          callErr == nil,
	}
	if callErr != nil {
		stat.Failures++
		payload["error"] = redact.String(callErr.Error())
		var procErr *worker.ProcessError
		if errors.As(callErr, &procErr) {
			payload["error_class"] = string(procErr.Class)
			e.lastStopClass = procErr.Class
		}
	}
	if _, err := e.st.AppendEvent(state.EventWorkerCall, "engine", payload); err != nil {
		return err
	}

	if res.Body == "" && len(res.Framed) == 0 {
		return nil
	}
	art := map[string]any{
		"call_id":  res.CallID,
		"phase":    ph,
		"worker":   inv.Name(),
		"attempts": res.Attempts,
		"body":     res.Body,
	}
	if len(res.Framed) > 0 {
		art["framed"] = json.RawMessage(res.Framed)
	}
	b, merr := json.MarshalIndent(art, "", "  ")
	if merr != nil {
		return nil
	}
	if e.cfg.RedactReceipts() {
		b = redact.Bytes(b)
	}
	return e.st.WriteArtifact(fmt.Sprintf("worker_%s_%s.json", ph, res.CallID), append(b, '\n'))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
