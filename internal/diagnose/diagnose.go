// Package diagnose classifies terminal runs. It never touches the store:
// the caller hands it the final state, the timeline, and any intervention
// receipts, and gets back a structured report with matched rules and
// runnable next actions.
package diagnose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
)

type Match struct {
	Rule       string   `json:"rule"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
}

type Report struct {
	RunID            string   `json:"run_id"`
	StopReason       string   `json:"stop_reason"`
	StopReasonFamily string   `json:"stop_reason_family"`
	StoppedInPhase   string   `json:"stopped_in_phase,omitempty"`
	Hint             string   `json:"hint,omitempty"`
	Matches          []Match  `json:"matches"`
	NextActions      []string `json:"next_actions"`
}

// facts is what the rules consult: the final state plus a single scan over
// the timeline.
type facts struct {
	st       *state.RunState
	receipts []state.InterventionReceipt

	stopDetail    string
	errorClass    string
	lastWorkerErr string
	bodyExcerpt   string

	verifyFailCmd   string
	verifyFailExit  int
	verifyFailTier  string
	verifyFailCount int

	guardViolation string
	resumeCount    int
}

func gatherFacts(st *state.RunState, events []state.Event, receipts []state.InterventionReceipt) *facts {
	f := &facts{st: st, receipts: receipts}
	for _, ev := range events {
		switch ev.Type {
		case state.EventStop:
			if d, ok := ev.Payload["detail"].(string); ok {
				f.stopDetail = d
			}
			if c, ok := ev.Payload["error_class"].(string); ok {
				f.errorClass = c
			}
			if b, ok := ev.Payload["body_excerpt"].(string); ok {
				f.bodyExcerpt = b
			}
		case state.EventWorkerCall:
			if okv, ok := ev.Payload["ok"].(bool); ok && !okv {
				if e, ok := ev.Payload["error"].(string); ok {
					f.lastWorkerErr = e
				}
				if c, ok := ev.Payload["error_class"].(string); ok && f.errorClass == "" {
					f.errorClass = c
				}
			}
		case state.EventVerification:
			if okv, ok := ev.Payload["ok"].(bool); ok && !okv {
				f.verifyFailCount++
				if c, ok := ev.Payload["failed_command"].(string); ok {
					f.verifyFailCmd = c
				}
				if n, ok := asInt(ev.Payload["exit_code"]); ok {
					f.verifyFailExit = n
				}
				if t, ok := ev.Payload["tier"].(string); ok {
					f.verifyFailTier = t
				}
			}
		case state.EventGuard:
			if okv, ok := ev.Payload["ok"].(bool); ok && !okv {
				if v, ok := ev.Payload["violation"].(string); ok {
					f.guardViolation = v
				}
			}
		case state.EventResume:
			f.resumeCount++
		}
	}
	return f
}

// asInt tolerates the numeric types a JSON round trip can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

type rule func(f *facts) (*Match, []string)

// Diagnose classifies a terminal run. Non-terminal states produce a report
// saying so rather than an error, so callers can always render something.
func Diagnose(st *state.RunState, events []state.Event, receipts []state.InterventionReceipt) Report {
	rep := Report{
		RunID:            st.RunID,
		StopReason:       string(st.StopReason),
		StopReasonFamily: string(st.StopReason.Family()),
		StoppedInPhase:   string(st.StoppedInPhase),
		Hint:             st.StopReason.Hint(),
	}
	if st.Phase != phase.Stopped {
		rep.StopReasonFamily = ""
		rep.Matches = []Match{{
			Rule:       "run_not_terminal",
			Evidence:   []string{fmt.Sprintf("phase is %s, not stopped", st.Phase)},
			Confidence: 1,
		}}
		rep.NextActions = []string{fmt.Sprintf("pitboss status %s", st.RunID)}
		return rep
	}

	f := gatherFacts(st, events, receipts)
	seen := map[string]bool{}
	for _, r := range rules {
		m, actions := r(f)
		if m == nil {
			continue
		}
		rep.Matches = append(rep.Matches, *m)
		for _, a := range actions {
			if a != "" && !seen[a] {
				seen[a] = true
				rep.NextActions = append(rep.NextActions, a)
			}
		}
	}
	if len(rep.Matches) == 0 {
		rep.Matches = append(rep.Matches, Match{
			Rule:       "unclassified_stop",
			Evidence:   []string{fmt.Sprintf("stop reason %s in phase %s", st.StopReason, st.StoppedInPhase)},
			Confidence: 0.2,
		})
		rep.NextActions = append(rep.NextActions, fmt.Sprintf("pitboss status %s", st.RunID))
	}
	sort.SliceStable(rep.Matches, func(i, j int) bool {
		return rep.Matches[i].Confidence > rep.Matches[j].Confidence
	})
	return rep
}

var rules = []rule{
	ruleComplete,
	ruleAuthExpired,
	ruleVerifyCwdMismatch,
	ruleVerificationFailure,
	ruleScopeViolation,
	ruleLockfileRestricted,
	ruleDirtyTreeGuard,
	ruleOwnershipCollision,
	ruleWorkerParseFailure,
	ruleStall,
	ruleTickExhaustion,
	ruleTimeExhaustion,
	ruleReviewLoop,
	ruleExternalIntervention,
}

func ruleComplete(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopComplete {
		return nil, nil
	}
	m := &Match{
		Rule:       "complete",
		Confidence: 1,
		Evidence:   []string{fmt.Sprintf("%d milestone(s) checkpointed; final commit %s", f.st.CheckpointCount, short(f.st.CheckpointSHA))},
	}
	return m, []string{fmt.Sprintf("pitboss submit %s --dry-run", f.st.RunID)}
}

func ruleAuthExpired(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopWorkerCallTimeout || f.errorClass != "auth" {
		return nil, nil
	}
	m := &Match{
		Rule:       "auth_expired",
		Evidence:   []string{"worker call failed with error class auth"},
		Confidence: 0.9,
	}
	if f.lastWorkerErr != "" {
		m.Evidence = append(m.Evidence, "worker error: "+f.lastWorkerErr)
	}
	return m, []string{
		"re-authenticate the worker CLI (it reported an auth failure), then:",
		fmt.Sprintf("pitboss resume %s", f.st.RunID),
	}
}

var cwdMismatchMarkers = []string{
	"no such file or directory",
	"could not read",
	"not found",
	"no configuration file",
	"does not contain",
	"enoent",
}

func ruleVerifyCwdMismatch(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopVerificationMaxRetries {
		return nil, nil
	}
	lower := strings.ToLower(f.stopDetail)
	marker := ""
	for _, mk := range cwdMismatchMarkers {
		if strings.Contains(lower, mk) {
			marker = mk
			break
		}
	}
	if marker == "" && f.verifyFailExit != 127 {
		return nil, nil
	}
	m := &Match{
		Rule:       "verification_cwd_mismatch",
		Confidence: 0.6,
	}
	if marker != "" {
		m.Evidence = append(m.Evidence, fmt.Sprintf("failure output mentions %q", marker))
	}
	if f.verifyFailExit == 127 {
		m.Evidence = append(m.Evidence, fmt.Sprintf("command %q exited 127 (not found)", f.verifyFailCmd))
	}
	actions := []string{
		"check that verification commands run from the right directory; set verification.cwd in the config if the project lives in a subdirectory",
	}
	if f.verifyFailCmd != "" && f.st.WorktreePath != "" {
		actions = append(actions, fmt.Sprintf("cd %s && %s", f.st.WorktreePath, f.verifyFailCmd))
	}
	return m, actions
}

func ruleVerificationFailure(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopVerificationMaxRetries {
		return nil, nil
	}
	m := &Match{
		Rule:       "verification_failure",
		Confidence: 0.95,
		Evidence: []string{
			fmt.Sprintf("verification failed %d time(s); milestone retries exhausted at %d", f.verifyFailCount, f.st.MilestoneRetries),
		},
	}
	if f.verifyFailCmd != "" {
		m.Evidence = append(m.Evidence, fmt.Sprintf("last failure: %s (tier %s, exit %d)", f.verifyFailCmd, f.verifyFailTier, f.verifyFailExit))
	}
	var actions []string
	if f.verifyFailCmd != "" && f.st.WorktreePath != "" {
		actions = append(actions, fmt.Sprintf("cd %s && %s", f.st.WorktreePath, f.verifyFailCmd))
	}
	actions = append(actions, fmt.Sprintf("pitboss resume %s --force", f.st.RunID))
	return m, actions
}

func ruleScopeViolation(f *facts) (*Match, []string) {
	scopeHit := strings.Contains(f.guardViolation, "scope_violation")
	if f.st.StopReason == phase.StopPlanScopeViolation {
		return &Match{
			Rule:       "scope_violation",
			Confidence: 0.95,
			Evidence:   []string{"the plan itself named files outside the allowlist: " + f.stopDetail},
		}, []string{"widen scope.allowlist in the config or narrow the task, then start a fresh run"}
	}
	if f.st.StopReason != phase.StopGuardViolation || !scopeHit {
		return nil, nil
	}
	m := &Match{
		Rule:       "scope_violation",
		Confidence: 0.9,
		Evidence:   []string{"guard: " + f.guardViolation},
	}
	var actions []string
	if f.st.WorktreePath != "" {
		actions = append(actions, fmt.Sprintf("git -C %s status --short", f.st.WorktreePath))
	}
	actions = append(actions,
		"revert the paths named in the violation, or widen scope.allowlist and start a fresh run",
		fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
	)
	return m, actions
}

func ruleLockfileRestricted(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopGuardViolation || !strings.Contains(f.guardViolation, "lockfile_restricted") {
		return nil, nil
	}
	m := &Match{
		Rule:       "lockfile_restricted",
		Confidence: 0.9,
		Evidence:   []string{"guard: " + f.guardViolation},
	}
	var actions []string
	if f.st.WorktreePath != "" {
		actions = append(actions, fmt.Sprintf("git -C %s diff -- %s", f.st.WorktreePath, strings.Join(f.st.ScopeLock.Lockfiles, " ")))
	}
	actions = append(actions,
		"if the dependency change is intended, rerun with --allow-deps; otherwise revert the lockfile edit",
		fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
	)
	return m, actions
}

func ruleDirtyTreeGuard(f *facts) (*Match, []string) {
	dirty := strings.Contains(f.guardViolation, "dirty_worktree") || strings.Contains(f.stopDetail, "dirty_worktree")
	if !dirty {
		return nil, nil
	}
	m := &Match{
		Rule:       "dirty_tree_guard",
		Confidence: 0.85,
		Evidence:   []string{"the working tree held changes the run does not account for"},
	}
	var actions []string
	if f.st.WorktreePath != "" {
		actions = append(actions, fmt.Sprintf("git -C %s status --short", f.st.WorktreePath))
	}
	return m, actions
}

func ruleOwnershipCollision(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopOwnershipViolation {
		return nil, nil
	}
	m := &Match{
		Rule:       "ownership_collision",
		Confidence: 0.9,
		Evidence:   []string{f.stopDetail},
	}
	if len(f.st.OwnedPaths) > 0 {
		m.Evidence = append(m.Evidence, "this run owns: "+strings.Join(f.st.OwnedPaths, ", "))
	}
	return m, []string{
		"the change strayed outside this run's ownership claim; widen the owns patterns in the track file or split the task",
		fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
	}
}

func ruleWorkerParseFailure(f *facts) (*Match, []string) {
	switch f.st.StopReason {
	case phase.StopPlanParseFailed, phase.StopImplementParseFailed, phase.StopReviewParseFailed:
	default:
		return nil, nil
	}
	m := &Match{
		Rule:       "worker_parse_failure",
		Confidence: 0.95,
		Evidence:   []string{fmt.Sprintf("%s after one strict retry: %s", f.st.StopReason, f.stopDetail)},
	}
	if f.bodyExcerpt != "" {
		excerpt := f.bodyExcerpt
		if len(excerpt) > 400 {
			excerpt = excerpt[:400] + "…"
		}
		m.Evidence = append(m.Evidence, "reply excerpt: "+excerpt)
	}
	return m, []string{
		"the worker kept replying without a usable BEGIN_JSON/END_JSON block; check the worker command and its output mode in the config",
		fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
	}
}

func ruleStall(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopStalledTimeout {
		return nil, nil
	}
	m := &Match{
		Rule:       "stall",
		Confidence: 0.8,
		Evidence:   []string{f.stopDetail},
	}
	if strings.Contains(f.stopDetail, "panic") {
		m.Evidence = append(m.Evidence, "the supervisor recovered from a panic; treat as an internal fault")
	}
	return m, []string{fmt.Sprintf("pitboss resume %s", f.st.RunID)}
}

func ruleTickExhaustion(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopMaxTicksReached {
		return nil, nil
	}
	return &Match{
			Rule:       "tick_exhaustion",
			Confidence: 0.95,
			Evidence:   []string{fmt.Sprintf("run consumed %d ticks", f.st.TickCount)},
		}, []string{
			"raise limits.max_ticks in the config if the task legitimately needs more iterations",
			fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
		}
}

func ruleTimeExhaustion(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopTimeBudgetExceeded {
		return nil, nil
	}
	return &Match{
			Rule:       "time_exhaustion",
			Confidence: 0.95,
			Evidence:   []string{fmt.Sprintf("run used %.0fs of wall budget", f.st.BudgetUsedSeconds)},
		}, []string{
			"raise limits.max_run_minutes in the config if the task legitimately needs more time",
			fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
		}
}

func ruleReviewLoop(f *facts) (*Match, []string) {
	if f.st.StopReason != phase.StopReviewLoopDetected {
		return nil, nil
	}
	m := &Match{
		Rule:       "review_loop",
		Confidence: 0.9,
		Evidence:   []string{fmt.Sprintf("review went %d round(s); %s", f.st.ReviewRounds, f.stopDetail)},
	}
	if f.st.LastReviewFingerprint != "" {
		m.Evidence = append(m.Evidence, "repeated fingerprint "+f.st.LastReviewFingerprint)
	}
	return m, []string{
		"read the latest review memo under handoffs/ and address the findings by hand, or narrow the milestone",
		fmt.Sprintf("pitboss resume %s --force", f.st.RunID),
	}
}

func ruleExternalIntervention(f *facts) (*Match, []string) {
	if len(f.receipts) == 0 {
		return nil, nil
	}
	m := &Match{
		Rule:       "external_intervention",
		Confidence: 0.5,
		Evidence: []string{
			fmt.Sprintf("%d intervention receipt(s) recorded; external edits touched this run", len(f.receipts)),
		},
	}
	for i, r := range f.receipts {
		if i == 3 {
			m.Evidence = append(m.Evidence, fmt.Sprintf("… and %d more", len(f.receipts)-3))
			break
		}
		m.Evidence = append(m.Evidence, fmt.Sprintf("receipt %s -> %s: %s", short(r.BaseSHA), short(r.HeadSHA), r.Reason))
	}
	return m, nil
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
