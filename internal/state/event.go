package state

import "time"

// Event is one appended timeline record. Events are never edited or deleted;
// Seq is assigned by the store at append time and is strictly increasing.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload,omitempty"`
}

const (
	EventPhaseTransition = "phase_transition"
	EventWorkerCall      = "worker_call"
	EventVerification    = "verification"
	EventGuard           = "guard"
	EventCheckpoint      = "checkpoint"
	EventWorktree        = "worktree"
	EventResume          = "resume"
	EventStop            = "stop"
	EventMilestoneStart  = "milestone_start"
	EventSubmitConflict  = "submit_conflict"
	EventRunSubmitted    = "run_submitted"
	EventHeartbeat       = "heartbeat"
)
