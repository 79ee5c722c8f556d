package verify

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/state"
)

func fullCapture() CapturePolicy {
	return CapturePolicy{Mode: config.CaptureFull, Redact: false}
}

func TestRunAllCommandsPass(t *testing.T) {
	res := Run(context.Background(), Tier0, []string{"echo tier0 ok", "true"}, t.TempDir(), 10*time.Second, fullCapture())
	if !res.OK {
		t.Fatalf("Run failed: %+v", res)
	}
	if res.Reason != "" || res.FailedCommand != "" {
		t.Errorf("clean run carries failure fields: %+v", res)
	}
	if !strings.Contains(res.Output, "$ echo tier0 ok") || !strings.Contains(res.Output, "tier0 ok") {
		t.Errorf("output missing command echo:\n%s", res.Output)
	}
}

func TestRunEmptyTierPasses(t *testing.T) {
	res := Run(context.Background(), Tier2, nil, t.TempDir(), time.Second, fullCapture())
	if !res.OK || res.Output != "" {
		t.Errorf("empty tier = %+v, want ok with no output", res)
	}
}

func TestRunFirstFailureStopsTier(t *testing.T) {
	res := Run(context.Background(), Tier0, []string{"false", "echo never"}, t.TempDir(), 10*time.Second, fullCapture())
	if res.OK {
		t.Fatal("Run with failing command reported ok")
	}
	if res.FailedCommand != "false" || res.ExitCode != 1 {
		t.Errorf("failure = %q exit %d, want false exit 1", res.FailedCommand, res.ExitCode)
	}
	if res.Reason != ReasonCommandFailed {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonCommandFailed)
	}
	if strings.Contains(res.Output, "never") {
		t.Errorf("command after failure still ran:\n%s", res.Output)
	}
}

func TestRunBudgetExhaustedMidTier(t *testing.T) {
	res := Run(context.Background(), Tier1, []string{"sleep 5", "echo after"}, t.TempDir(), 150*time.Millisecond, fullCapture())
	if res.OK {
		t.Fatal("Run past budget reported ok")
	}
	if res.Reason != ReasonBudgetExhausted {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonBudgetExhausted)
	}
	if res.FailedCommand != "sleep 5" {
		t.Errorf("failed command = %q, want sleep 5", res.FailedCommand)
	}
	if !reflect.DeepEqual(res.Skipped, []string{"echo after"}) {
		t.Errorf("skipped = %v, want [echo after]", res.Skipped)
	}
	if !strings.Contains(res.Output, "$ sleep 5") {
		t.Errorf("partial log missing attempted command:\n%s", res.Output)
	}
}

func TestRunMissingBinary(t *testing.T) {
	res := Run(context.Background(), Tier0, []string{"definitely-not-a-binary-xyz"}, t.TempDir(), time.Second, fullCapture())
	if res.OK {
		t.Fatal("missing binary reported ok")
	}
	if res.Reason != ReasonCommandFailed || res.ExitCode != -1 {
		t.Errorf("missing binary result = %+v", res)
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"go test ./...", []string{"go", "test", "./..."}},
		{`git commit -m "two words"`, []string{"git", "commit", "-m", "two words"}},
		{`printf '%s\n' done`, []string{"printf", `%s\n`, "done"}},
		{`x ""`, []string{"x", ""}},
		{"  spaced   out  ", []string{"spaced", "out"}},
	}
	for _, tc := range cases {
		got, err := SplitCommand(tc.in)
		if err != nil {
			t.Errorf("SplitCommand(%q): %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitCommand(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}

	if _, err := SplitCommand(`echo "unterminated`); err == nil {
		t.Error("unbalanced quote accepted")
	}
}

func TestCapturePolicyTruncates(t *testing.T) {
	p := CapturePolicy{Mode: config.CaptureTruncated, MaxBytes: 16}
	out := p.Apply(strings.Repeat("x", 64))
	if !strings.Contains(out, "[truncated 48 bytes]") {
		t.Errorf("truncation marker missing: %q", out)
	}
	if len(out) >= 64 {
		t.Errorf("output not shortened: %d bytes", len(out))
	}
}

func TestCapturePolicyMetadataOnly(t *testing.T) {
	p := CapturePolicy{Mode: config.CaptureMetadataOnly}
	out := p.Apply("line one\nline two\n")
	if strings.Contains(out, "line one") {
		t.Errorf("metadata_only leaked content: %q", out)
	}
	if !strings.Contains(out, "18 bytes") {
		t.Errorf("metadata summary wrong: %q", out)
	}
}

func TestCapturePolicyRedacts(t *testing.T) {
	token := "xK9mZ2vL8nQ5rT1wY4bC7dF0gH3jE6pAqW8sU5iO2e"
	p := CapturePolicy{Mode: config.CaptureFull, Redact: true}
	out := p.Apply("token=" + token + "\n")
	if strings.Contains(out, token) {
		t.Errorf("secret survived capture: %q", out)
	}
}

func TestSelectTiersBaseline(t *testing.T) {
	m := state.Milestone{Goal: "noop", RiskLevel: state.RiskLow}
	tiers, reasons := SelectTiers(m, []string{"src/a.go"}, false, config.VerificationConfig{})
	if !reflect.DeepEqual(tiers, []string{Tier0}) {
		t.Errorf("tiers = %v, want [tier0]", tiers)
	}
	if !reflect.DeepEqual(reasons[Tier0], []string{"always"}) {
		t.Errorf("tier0 reasons = %v", reasons[Tier0])
	}
}

func TestSelectTiersRiskTrigger(t *testing.T) {
	vc := config.VerificationConfig{
		RiskTriggers: []config.RiskTrigger{{Pattern: "internal/store/**", Tier: "tier1"}},
	}
	m := state.Milestone{RiskLevel: state.RiskLow}

	tiers, reasons := SelectTiers(m, []string{"internal/store/store.go"}, false, vc)
	if !reflect.DeepEqual(tiers, []string{Tier0, Tier1}) {
		t.Errorf("tiers = %v, want [tier0 tier1]", tiers)
	}
	if !reflect.DeepEqual(reasons[Tier1], []string{"risk_trigger:internal/store/**"}) {
		t.Errorf("tier1 reasons = %v", reasons[Tier1])
	}

	tiers, _ = SelectTiers(m, []string{"docs/readme.md"}, false, vc)
	if !reflect.DeepEqual(tiers, []string{Tier0}) {
		t.Errorf("unmatched trigger selected %v", tiers)
	}
}

func TestSelectTiersTier2TriggerNormalizedToTier1(t *testing.T) {
	vc := config.VerificationConfig{
		RiskTriggers: []config.RiskTrigger{{Pattern: "migrations/**", Tier: "tier2"}},
	}
	tiers, reasons := SelectTiers(state.Milestone{}, []string{"migrations/0001.sql"}, false, vc)
	if !reflect.DeepEqual(tiers, []string{Tier0, Tier1}) {
		t.Errorf("tiers = %v, want [tier0 tier1]", tiers)
	}
	if len(reasons[Tier2]) != 0 {
		t.Errorf("tier2 selected outside last milestone: %v", reasons[Tier2])
	}
}

func TestSelectTiersHighRiskAndLastMilestone(t *testing.T) {
	tiers, reasons := SelectTiers(state.Milestone{RiskLevel: state.RiskHigh}, nil, false, config.VerificationConfig{})
	if !reflect.DeepEqual(tiers, []string{Tier0, Tier1}) {
		t.Errorf("high-risk tiers = %v", tiers)
	}
	if !reflect.DeepEqual(reasons[Tier1], []string{"risk_level=high"}) {
		t.Errorf("tier1 reasons = %v", reasons[Tier1])
	}

	tiers, reasons = SelectTiers(state.Milestone{}, nil, true, config.VerificationConfig{})
	if !reflect.DeepEqual(tiers, []string{Tier0, Tier1, Tier2}) {
		t.Errorf("last-milestone tiers = %v", tiers)
	}
	if !reflect.DeepEqual(reasons[Tier2], []string{"last_milestone"}) {
		t.Errorf("tier2 reasons = %v", reasons[Tier2])
	}
}

func TestCommandsFor(t *testing.T) {
	vc := config.VerificationConfig{
		Tier0: []string{"go vet ./..."},
		Tier1: []string{"go test ./..."},
		Tier2: []string{"go test -race ./..."},
	}
	if got := CommandsFor(Tier1, vc); !reflect.DeepEqual(got, []string{"go test ./..."}) {
		t.Errorf("CommandsFor(tier1) = %v", got)
	}
	if got := CommandsFor("tier9", vc); got != nil {
		t.Errorf("CommandsFor(tier9) = %v, want nil", got)
	}
}
