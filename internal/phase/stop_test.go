package phase

import "testing"

func TestStopReasonFamilies(t *testing.T) {
	cases := []struct {
		reason StopReason
		family Family
		code   int
	}{
		{StopComplete, FamilySuccess, 0},
		{StopTimeBudgetExceeded, FamilyBudget, 2},
		{StopMaxTicksReached, FamilyBudget, 2},
		{StopPlanScopeViolation, FamilyPolicy, 3},
		{StopGuardViolation, FamilyPolicy, 3},
		{StopOwnershipViolation, FamilyPolicy, 3},
		{StopMilestoneMissing, FamilyPolicy, 3},
		{StopImplementBlocked, FamilyLogic, 4},
		{StopVerificationMaxRetries, FamilyLogic, 4},
		{StopReviewLoopDetected, FamilyLogic, 4},
		{StopStalledTimeout, FamilyInfrastructure, 5},
		{StopWorkerCallTimeout, FamilyInfrastructure, 5},
		{StopStoreIOError, FamilyInfrastructure, 5},
		{StopPlanParseFailed, FamilyParse, 6},
		{StopImplementParseFailed, FamilyParse, 6},
		{StopReviewParseFailed, FamilyParse, 6},
	}
	for _, tc := range cases {
		if got := tc.reason.Family(); got != tc.family {
			t.Errorf("%s family: got %q want %q", tc.reason, got, tc.family)
		}
		if got := tc.reason.ExitCode(); got != tc.code {
			t.Errorf("%s exit code: got %d want %d", tc.reason, got, tc.code)
		}
	}
}

func TestAutoResumeOnlyInfrastructure(t *testing.T) {
	for _, r := range Reasons() {
		if r.AutoResumable() && r.Family() != FamilyInfrastructure {
			t.Errorf("%s auto-resumable but family %s", r, r.Family())
		}
	}
	if !StopStalledTimeout.AutoResumable() {
		t.Errorf("stalled_timeout should suggest auto-resume")
	}
	if !StopWorkerCallTimeout.AutoResumable() {
		t.Errorf("worker_call_timeout should suggest auto-resume")
	}
}

func TestParseStopReason(t *testing.T) {
	r, err := ParseStopReason("REVIEW_LOOP_DETECTED")
	if err != nil {
		t.Fatalf("ParseStopReason: %v", err)
	}
	if r != StopReviewLoopDetected {
		t.Fatalf("ParseStopReason: got %q want %q", r, StopReviewLoopDetected)
	}
	if _, err := ParseStopReason("out_of_coffee"); err == nil {
		t.Fatalf("ParseStopReason accepted unknown reason")
	}
}
