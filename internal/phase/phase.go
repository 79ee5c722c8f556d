package phase

import (
	"fmt"
	"strings"
)

type Phase string

const (
	Init           Phase = "INIT"
	Plan           Phase = "PLAN"
	MilestoneStart Phase = "MILESTONE_START"
	Implement      Phase = "IMPLEMENT"
	Verify         Phase = "VERIFY"
	Review         Phase = "REVIEW"
	Checkpoint     Phase = "CHECKPOINT"
	Finalize       Phase = "FINALIZE"
	Stopped        Phase = "STOPPED"
)

var all = []Phase{Init, Plan, MilestoneStart, Implement, Verify, Review, Checkpoint, Finalize, Stopped}

func Parse(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range all {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

func (p Phase) Valid() bool {
	_, err := Parse(string(p))
	return err == nil
}

func (p Phase) Terminal() bool { return p == Stopped }

// RequiresMilestone reports whether a state in this phase must carry a
// milestone index within [0, len(milestones)).
func (p Phase) RequiresMilestone() bool {
	switch p {
	case Init, Plan, Stopped, Finalize:
		return false
	default:
		return true
	}
}

// transitions is the fixed pipeline graph. MILESTONE_START is accepted as an
// optional preparation hop between planning/checkpointing and IMPLEMENT; the
// engine records milestone boundaries as events and normally goes straight to
// IMPLEMENT. Every phase may stop.
var transitions = map[Phase][]Phase{
	Init:           {Plan, Stopped},
	Plan:           {MilestoneStart, Implement, Stopped},
	MilestoneStart: {Implement, Stopped},
	Implement:      {Verify, Stopped},
	Verify:         {Review, Implement, Stopped},
	Review:         {Checkpoint, Implement, Stopped},
	Checkpoint:     {MilestoneStart, Implement, Finalize, Stopped},
	Finalize:       {Stopped},
	Stopped:        {},
}

func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
