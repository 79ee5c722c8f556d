package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/averraz/pitboss/internal/phase"
	"github.com/averraz/pitboss/internal/state"
)

func TestStopExit_MapsReasonFamiliesToCodes(t *testing.T) {
	tests := []struct {
		name string
		st   *state.RunState
		code int // 0 means nil error expected
	}{
		{
			name: "complete",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopComplete},
			code: 0,
		},
		{
			name: "budget",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopTimeBudgetExceeded},
			code: 2,
		},
		{
			name: "policy",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopGuardViolation},
			code: 3,
		},
		{
			name: "logic",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopReviewLoopDetected},
			code: 4,
		},
		{
			name: "infrastructure",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopStalledTimeout},
			code: 5,
		},
		{
			name: "parse",
			st:   &state.RunState{Phase: phase.Stopped, StopReason: phase.StopPlanParseFailed},
			code: 6,
		},
		{
			name: "preempted_before_stop",
			st:   &state.RunState{Phase: phase.Implement},
			code: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := stopExit(tc.st)
			if tc.code == 0 {
				if err != nil {
					t.Fatalf("expected nil for completed run, got %v", err)
				}
				return
			}
			var xe *exitError
			if !errors.As(err, &xe) {
				t.Fatalf("expected exitError, got %T: %v", err, err)
			}
			if xe.code != tc.code {
				t.Fatalf("exit code = %d, want %d", xe.code, tc.code)
			}
		})
	}
}

func TestPrintOutcome_StoppedRun(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &state.RunState{
		RunID:           "20260825120000",
		Phase:           phase.Stopped,
		StopReason:      phase.StopGuardViolation,
		StoppedInPhase:  phase.Verify,
		CheckpointSHA:   "abc123",
		CheckpointCount: 1,
	})
	out := buf.String()
	for _, want := range []string{
		"stopped=guard_violation",
		"stopped_in=VERIFY",
		"checkpoints=1",
		"checkpoint_sha=abc123",
		"hint=",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("outcome missing %q in:\n%s", want, out)
		}
	}
}

func TestPrintOutcome_CompletedRunHasNoHint(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &state.RunState{
		RunID:      "20260825120000",
		Phase:      phase.Stopped,
		StopReason: phase.StopComplete,
	})
	if strings.Contains(buf.String(), "hint=") {
		t.Fatalf("completed run should not print a hint:\n%s", buf.String())
	}
}

func TestPrintOutcome_PreemptedRunSuggestsResume(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &state.RunState{RunID: "20260825120000", Phase: phase.Implement})
	out := buf.String()
	if !strings.Contains(out, "interrupted in IMPLEMENT") {
		t.Fatalf("expected interruption notice:\n%s", out)
	}
	if !strings.Contains(out, "pitboss resume 20260825120000") {
		t.Fatalf("expected resume command:\n%s", out)
	}
}

func TestAdaptiveGracePoll_Clamps(t *testing.T) {
	tests := []struct {
		grace time.Duration
		want  time.Duration
	}{
		{10 * time.Millisecond, 10 * time.Millisecond},
		{100 * time.Millisecond, 20 * time.Millisecond},
		{5 * time.Second, 100 * time.Millisecond},
		{time.Hour, 100 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := adaptiveGracePoll(tc.grace); got != tc.want {
			t.Errorf("adaptiveGracePoll(%v) = %v, want %v", tc.grace, got, tc.want)
		}
	}
}

func TestFormatOrchestrationEvent(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		payload  map[string]any
		contains []string
	}{
		{
			name: "track_launch",
			typ:  "track_launch",
			payload: map[string]any{
				"track": "parser", "step": float64(2), "run_id": "20260825120000",
			},
			contains: []string{"launch", "parser step 2", "run=20260825120000"},
		},
		{
			name: "step_finished_clean",
			typ:  "step_finished",
			payload: map[string]any{
				"track": "parser", "step": float64(2), "status": "done", "stop_reason": "complete",
			},
			contains: []string{"finished", "parser step 2 done"},
		},
		{
			name: "step_finished_stopped",
			typ:  "step_finished",
			payload: map[string]any{
				"track": "docs", "step": float64(1), "status": "stopped", "stop_reason": "guard_violation",
			},
			contains: []string{"finished", "docs step 1 stopped", "(guard_violation)"},
		},
		{
			name: "claim_conflict",
			typ:  "claim_conflict",
			payload: map[string]any{
				"track": "beta", "step": float64(1),
				"pattern": "src/a/x/**", "held": "src/a/**", "held_by": "20260825110000",
			},
			contains: []string{"conflict", "src/a/x/** overlaps src/a/**", "held by 20260825110000"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := formatOrchestrationEvent(testEvent(tc.typ, tc.payload))
			for _, want := range tc.contains {
				if !strings.Contains(got, want) {
					t.Errorf("formatOrchestrationEvent missing %q in: %s", want, got)
				}
			}
		})
	}
}

func TestFormatOrchestrationEvent_IgnoresLifecycleRecords(t *testing.T) {
	for _, typ := range []string{"orchestration_started", "orchestration_done", "orchestration_blocked"} {
		if got := formatOrchestrationEvent(testEvent(typ, nil)); got != "" {
			t.Fatalf("%s should not reach the progress stream, got %q", typ, got)
		}
	}
}
