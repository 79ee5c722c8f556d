package phase

import (
	"fmt"
	"strings"
)

type StopReason string

const (
	StopComplete StopReason = "complete"

	StopPlanParseFailed      StopReason = "plan_parse_failed"
	StopImplementParseFailed StopReason = "implement_parse_failed"
	StopReviewParseFailed    StopReason = "review_parse_failed"

	StopPlanScopeViolation StopReason = "plan_scope_violation"
	StopGuardViolation     StopReason = "guard_violation"
	StopOwnershipViolation StopReason = "ownership_violation"
	StopMilestoneMissing   StopReason = "milestone_missing"

	StopImplementBlocked       StopReason = "implement_blocked"
	StopVerificationMaxRetries StopReason = "verification_failed_max_retries"
	StopReviewLoopDetected     StopReason = "review_loop_detected"

	StopStalledTimeout    StopReason = "stalled_timeout"
	StopWorkerCallTimeout StopReason = "worker_call_timeout"
	StopStoreIOError      StopReason = "store_io_error"

	StopTimeBudgetExceeded StopReason = "time_budget_exceeded"
	StopMaxTicksReached    StopReason = "max_ticks_reached"
)

type Family string

const (
	FamilySuccess        Family = "success"
	FamilyParse          Family = "parse"
	FamilyPolicy         Family = "policy"
	FamilyLogic          Family = "logic"
	FamilyInfrastructure Family = "infrastructure"
	FamilyBudget         Family = "budget"
)

type stopMeta struct {
	family     Family
	autoResume bool
	hint       string
}

var stopTable = map[StopReason]stopMeta{
	StopComplete: {FamilySuccess, false, "run finished; submit the checkpoint when ready"},

	StopPlanParseFailed:      {FamilyParse, false, "planner output did not contain a valid framed JSON block"},
	StopImplementParseFailed: {FamilyParse, false, "implementer output did not contain a valid framed JSON block"},
	StopReviewParseFailed:    {FamilyParse, false, "reviewer output did not contain a valid framed JSON block"},

	StopPlanScopeViolation: {FamilyPolicy, false, "planned files fall outside the scope allowlist"},
	StopGuardViolation:     {FamilyPolicy, false, "changed files violate the frozen scope lock"},
	StopOwnershipViolation: {FamilyPolicy, false, "changed files fall outside this run's ownership claim"},
	StopMilestoneMissing:   {FamilyPolicy, false, "no milestone available at the current index"},

	StopImplementBlocked:       {FamilyLogic, false, "implementer reported blocked without acceptable no-change evidence"},
	StopVerificationMaxRetries: {FamilyLogic, false, "verification kept failing after the milestone retry budget"},
	StopReviewLoopDetected:     {FamilyLogic, false, "reviewer repeated the same request-changes response"},

	StopStalledTimeout:    {FamilyInfrastructure, true, "no progress within the stall window"},
	StopWorkerCallTimeout: {FamilyInfrastructure, true, "a worker call exceeded its hard time cap"},
	StopStoreIOError:      {FamilyInfrastructure, true, "the run store could not persist required records"},

	StopTimeBudgetExceeded: {FamilyBudget, false, "the run wall-time budget is spent"},
	StopMaxTicksReached:    {FamilyBudget, false, "the supervisor tick budget is spent"},
}

// familyExitCodes is the table-driven terminal status contract.
var familyExitCodes = map[Family]int{
	FamilySuccess:        0,
	FamilyBudget:         2,
	FamilyPolicy:         3,
	FamilyLogic:          4,
	FamilyInfrastructure: 5,
	FamilyParse:          6,
}

func ParseStopReason(s string) (StopReason, error) {
	r := StopReason(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := stopTable[r]; !ok {
		return "", fmt.Errorf("unknown stop reason %q", s)
	}
	return r, nil
}

func (r StopReason) Valid() bool {
	_, ok := stopTable[r]
	return ok
}

func (r StopReason) Family() Family {
	if m, ok := stopTable[r]; ok {
		return m.family
	}
	return FamilyInfrastructure
}

// AutoResumable reports whether an unattended retry of the run is suggested
// for this stop reason. Only transient infrastructure stops qualify.
func (r StopReason) AutoResumable() bool {
	if m, ok := stopTable[r]; ok {
		return m.autoResume
	}
	return false
}

func (r StopReason) Hint() string {
	if m, ok := stopTable[r]; ok {
		return m.hint
	}
	return "unrecognized stop reason"
}

func (f Family) ExitCode() int {
	if code, ok := familyExitCodes[f]; ok {
		return code
	}
	return 5
}

// ExitCode maps a stop reason to the process exit status for the run.
func (r StopReason) ExitCode() int { return r.Family().ExitCode() }

func Reasons() []StopReason {
	out := make([]StopReason, 0, len(stopTable))
	for r := range stopTable {
		out = append(out, r)
	}
	return out
}
