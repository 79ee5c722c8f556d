package state

import "time"

type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// VerificationEvidence records what a tier actually ran for one milestone.
type VerificationEvidence struct {
	Tier     string          `json:"tier"`
	Commands []CommandResult `json:"commands"`
	OK       bool            `json:"ok"`
}

// CheckpointSidecar is the authoritative per-commit metadata, keyed by the
// commit SHA. Commit messages are advisory only.
type CheckpointSidecar struct {
	SchemaVersion  string                 `json:"schema_version"`
	RunID          string                 `json:"run_id"`
	MilestoneIndex int                    `json:"milestone_index"`
	MilestoneGoal  string                 `json:"milestone_goal"`
	Evidence       []VerificationEvidence `json:"verification_evidence"`
	BaseSHA        string                 `json:"base_sha"`
	CommitSHA      string                 `json:"commit_sha"`
	CreatedAt      time.Time              `json:"created_at"`
}

// InterventionReceipt is contributed by external tooling; the core only ever
// reads these.
type InterventionReceipt struct {
	BaseSHA string `json:"base_sha"`
	HeadSHA string `json:"head_sha"`
	RunID   string `json:"run_id"`
	Reason  string `json:"reason"`
	Note    string `json:"note,omitempty"`
}
