package engine

import (
	"fmt"
	"strings"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/verify"
	"github.com/averraz/pitboss/internal/worker"
)

// Prompts carry the whole per-phase contract: workers are stateless processes
// and see nothing but what is assembled here.

const planContract = `## Output contract

Break the task into small, independently verifiable milestones in execution
order. When you are done, reply with exactly one JSON document between a line
containing only BEGIN_JSON and a line containing only END_JSON:

BEGIN_JSON
{
  "milestones": [
    {
      "goal": "one-sentence milestone goal",
      "files_expected": ["paths you expect to touch"],
      "done_checks": ["commands or observations proving the goal"],
      "risk_level": "low|medium|high"
    }
  ]
}
END_JSON

Every files_expected entry must stay inside the allowed paths. Do not plan
edits to locked files. No prose inside the JSON block.`

const implementContract = `## Output contract

Make the edits directly in the working tree, then reply with exactly one JSON
document between a line containing only BEGIN_JSON and a line containing only
END_JSON:

BEGIN_JSON
{
  "status": "complete|blocked",
  "summary": "what you changed and why",
  "changed_files": ["paths you touched"],
  "no_changes_evidence": {
    "files_checked": ["paths you inspected"],
    "grep_output": "search output proving the work already exists",
    "commands_run": [{"command": "cmd", "exit_code": 0}]
  }
}
END_JSON

Use status "blocked" only when no edit is needed or possible, and then
no_changes_evidence is mandatory: show which files you checked, or search
output, or a command run that proves it. Never edit files outside the allowed
paths and never touch locked files.`

const reviewContract = `## Output contract

Judge the change against the milestone goal. Reply with exactly one JSON
document between a line containing only BEGIN_JSON and a line containing only
END_JSON:

BEGIN_JSON
{
  "decision": "approve|request_changes|reject",
  "feedback": "what is wrong and what to do about it",
  "checks": [
    {
      "type": "finding category",
      "command": "how to reproduce",
      "requirement": "what must hold",
      "current": "what holds instead"
    }
  ]
}
END_JSON

Fill checks with one entry per concrete finding when you request changes;
identical findings on a later round mean the fix attempt failed. Approve only
when the goal is met.`

func planPrompt(st *state.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are planning unattended run %s.\n\n## Task\n\n%s\n", st.RunID, strings.TrimSpace(st.Task))
	b.WriteString("\n## Scope\n\n")
	writePatternList(&b, "Allowed paths", st.ScopeLock.Allowlist, "any path in the repository")
	writePatternList(&b, "Forbidden paths", st.ScopeLock.Denylist, "none")
	writePatternList(&b, "Locked files", st.ScopeLock.Lockfiles, "none")
	if fix := strings.TrimSpace(st.FixInstructions); fix != "" {
		fmt.Fprintf(&b, "\n## Notes from the previous attempt\n\n%s\n", fix)
	}
	b.WriteString("\n" + planContract + "\n")
	return b.String()
}

func implementPrompt(st *state.RunState, m state.Milestone, pack string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing milestone %d of %d for unattended run %s.\n\n",
		st.MilestoneIndex+1, len(st.Milestones), st.RunID)
	fmt.Fprintf(&b, "## Goal\n\n%s\n", strings.TrimSpace(m.Goal))
	if len(m.FilesExpected) > 0 {
		b.WriteString("\nFiles the plan expects you to touch:\n")
		for _, f := range m.FilesExpected {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(m.DoneChecks) > 0 {
		b.WriteString("\nDone when:\n")
		for _, c := range m.DoneChecks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\n## Scope\n\n")
	writePatternList(&b, "Allowed paths", st.ScopeLock.Allowlist, "any path in the repository")
	writePatternList(&b, "Forbidden paths", st.ScopeLock.Denylist, "none")
	writePatternList(&b, "Locked files", st.ScopeLock.Lockfiles, "none")
	if fix := strings.TrimSpace(st.FixInstructions); fix != "" {
		fmt.Fprintf(&b, "\n## Fix instructions (attempt %d)\n\n%s\n", st.MilestoneRetries+1, fix)
	}
	if pack != "" {
		fmt.Fprintf(&b, "\n## Context\n\n%s\n", strings.TrimSpace(pack))
	}
	b.WriteString("\n" + implementContract + "\n")
	return b.String()
}

func reviewPrompt(st *state.RunState, m state.Milestone, diffStat string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing milestone %d of %d for unattended run %s.\n\n",
		st.MilestoneIndex+1, len(st.Milestones), st.RunID)
	fmt.Fprintf(&b, "## Goal\n\n%s\n", strings.TrimSpace(m.Goal))
	if len(m.DoneChecks) > 0 {
		b.WriteString("\nDone when:\n")
		for _, c := range m.DoneChecks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if diffStat = strings.TrimSpace(diffStat); diffStat != "" {
		fmt.Fprintf(&b, "\n## Change summary\n\n%s\n", diffStat)
	}
	b.WriteString("\n## Verification\n\n")
	b.WriteString(renderEvidence(st.Evidence))
	if st.ReviewRounds > 0 {
		fmt.Fprintf(&b, "\nThis is review round %d for this milestone.\n", st.ReviewRounds+1)
	}
	b.WriteString("\n" + reviewContract + "\n")
	return b.String()
}

// contextPack tells the implementer what verification will run afterwards, so
// done means done under those commands, not in the abstract.
func contextPack(m state.Milestone, vc config.VerificationConfig) string {
	tier0 := verify.CommandsFor("tier0", vc)
	tier1 := verify.CommandsFor("tier1", vc)
	tier2 := verify.CommandsFor("tier2", vc)
	if len(tier0) == 0 && len(tier1) == 0 && len(tier2) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Verification commands that will run against your change:\n")
	writeCommandList(&b, "tier0 (always)", tier0)
	writeCommandList(&b, "tier1 (broad or risky changes)", tier1)
	writeCommandList(&b, "tier2 (final milestone or high risk)", tier2)
	if m.RiskLevel != "" {
		fmt.Fprintf(&b, "\nThis milestone is rated risk %s.\n", m.RiskLevel)
	}
	return b.String()
}

func writeCommandList(b *strings.Builder, label string, commands []string) {
	if len(commands) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", label)
	for _, c := range commands {
		fmt.Fprintf(b, "- `%s`\n", c)
	}
}

func writePatternList(b *strings.Builder, label string, patterns []string, empty string) {
	if len(patterns) == 0 {
		fmt.Fprintf(b, "%s: %s\n", label, empty)
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, p := range patterns {
		fmt.Fprintf(b, "- %s\n", p)
	}
}

func renderEvidence(evidence []state.VerificationEvidence) string {
	if len(evidence) == 0 {
		return "No verification tiers were selected for this change.\n"
	}
	var b strings.Builder
	for _, ev := range evidence {
		status := "passed"
		if !ev.OK {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s %s\n", ev.Tier, status)
		for _, c := range ev.Commands {
			fmt.Fprintf(&b, "  - `%s` (exit %d)\n", c.Command, c.ExitCode)
		}
	}
	return b.String()
}

// verifyFixInstructions is both the memo body and the next attempt's fix
// block, so the worker and the operator read the same account of the failure.
func verifyFixInstructions(res verify.Result, changed []string, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verification failed on attempt %d of %d.\n\n", attempt, state.MaxMilestoneRetries)
	fmt.Fprintf(&b, "Tier: %s\n", res.Tier)
	if res.FailedCommand != "" {
		fmt.Fprintf(&b, "Command: `%s`\nExit code: %d\n", res.FailedCommand, res.ExitCode)
	}
	if res.Reason != "" && res.Reason != verify.ReasonCommandFailed {
		fmt.Fprintf(&b, "Reason: %s\n", res.Reason)
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		fmt.Fprintf(&b, "\nOutput:\n\n```\n%s\n```\n", out)
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, "\nSkipped (budget spent): %s\n", strings.Join(res.Skipped, ", "))
	}
	if len(changed) > 0 {
		b.WriteString("\nFiles changed so far:\n")
		for _, f := range changed {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nFix the failure without widening the change beyond the milestone goal.\n")
	return b.String()
}

func reviewFixInstructions(doc *worker.ReviewResult) string {
	var b strings.Builder
	if fb := strings.TrimSpace(doc.Feedback); fb != "" {
		b.WriteString(fb)
		b.WriteString("\n")
	}
	if len(doc.Checks) > 0 {
		b.WriteString("\nFindings:\n")
		for _, c := range doc.Checks {
			fmt.Fprintf(&b, "- [%s] requires %q", c.Type, c.Requirement)
			if c.Current != "" {
				fmt.Fprintf(&b, ", currently %q", c.Current)
			}
			if c.Command != "" {
				fmt.Fprintf(&b, " (reproduce: `%s`)", c.Command)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
