package diagnose

import (
	"fmt"
	"strings"
)

// RenderMarkdown produces the operator-facing stop memo. The companion
// machine-readable form is the Report itself marshaled as JSON.
func RenderMarkdown(rep Report) string {
	var b strings.Builder
	if rep.StopReason == "" {
		fmt.Fprintf(&b, "# Run %s\n\n", rep.RunID)
	} else {
		fmt.Fprintf(&b, "# Run %s stopped: %s\n\n", rep.RunID, rep.StopReason)
	}
	if rep.StopReasonFamily != "" {
		fmt.Fprintf(&b, "Family: %s\n", rep.StopReasonFamily)
	}
	if rep.StoppedInPhase != "" {
		fmt.Fprintf(&b, "Stopped in phase: %s\n", rep.StoppedInPhase)
	}
	if rep.Hint != "" {
		fmt.Fprintf(&b, "\n%s\n", rep.Hint)
	}

	if len(rep.Matches) > 0 {
		b.WriteString("\n## Diagnosis\n\n")
		for _, m := range rep.Matches {
			fmt.Fprintf(&b, "### %s (confidence %.2f)\n\n", m.Rule, m.Confidence)
			for _, ev := range m.Evidence {
				fmt.Fprintf(&b, "- %s\n", ev)
			}
			b.WriteString("\n")
		}
	}
	if len(rep.NextActions) > 0 {
		b.WriteString("## Next actions\n\n")
		for i, a := range rep.NextActions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
	}
	return b.String()
}
