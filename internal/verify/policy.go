package verify

import (
	"fmt"
	"sort"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/scope"
	"github.com/averraz/pitboss/internal/state"
)

const (
	Tier0 = "tier0"
	Tier1 = "tier1"
	Tier2 = "tier2"
)

// SelectTiers decides which verification tiers run for a milestone. Purely a
// function of the milestone, the change set, and config; the reasons map is
// recorded in run state so a stop can be explained later.
func SelectTiers(m state.Milestone, changed []string, last bool, vc config.VerificationConfig) ([]string, map[string][]string) {
	reasons := map[string][]string{
		Tier0: {"always"},
	}

	addReason := func(tier, reason string) {
		for _, r := range reasons[tier] {
			if r == reason {
				return
			}
		}
		reasons[tier] = append(reasons[tier], reason)
	}

	for _, rt := range vc.RiskTriggers {
		// tier2 triggers promote to tier1 at selection; tier2 itself is
		// reserved for the final milestone.
		tier := rt.Tier
		if tier == Tier2 {
			tier = Tier1
		}
		for _, path := range changed {
			if scope.Match(rt.Pattern, path) {
				addReason(tier, fmt.Sprintf("risk_trigger:%s", rt.Pattern))
				break
			}
		}
	}
	if m.RiskLevel == state.RiskHigh {
		addReason(Tier1, "risk_level=high")
	}
	if last {
		addReason(Tier1, "last_milestone")
		addReason(Tier2, "last_milestone")
	}

	tiers := make([]string, 0, len(reasons))
	for tier := range reasons {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	for tier := range reasons {
		sort.Strings(reasons[tier])
	}
	return tiers, reasons
}

// CommandsFor maps a tier name to its configured command list.
func CommandsFor(tier string, vc config.VerificationConfig) []string {
	switch tier {
	case Tier0:
		return vc.Tier0
	case Tier1:
		return vc.Tier1
	case Tier2:
		return vc.Tier2
	}
	return nil
}
