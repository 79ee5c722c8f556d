package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/phase"
)

// SchemaVersion is written into every persisted record. Readers accept
// unknown fields and any minor revision, and reject other major versions.
const SchemaVersion = "1"

func CheckSchemaVersion(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("record has no schema_version")
	}
	major := v
	if i := strings.IndexByte(v, '.'); i >= 0 {
		major = v[:i]
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("schema_version %q is not numeric", v)
	}
	if strconv.Itoa(n) != SchemaVersion {
		return fmt.Errorf("schema_version %q unsupported (this build reads major %s)", v, SchemaVersion)
	}
	return nil
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r, nil
	case "":
		return RiskLow, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

type Milestone struct {
	Goal          string    `json:"goal"`
	FilesExpected []string  `json:"files_expected"`
	DoneChecks    []string  `json:"done_checks"`
	RiskLevel     RiskLevel `json:"risk_level"`
}

// ScopeLock is captured at INIT and never mutated afterwards.
type ScopeLock struct {
	Allowlist    []string `json:"allowlist"`
	Denylist     []string `json:"denylist"`
	Lockfiles    []string `json:"lockfiles"`
	EnvAllowlist []string `json:"env_allowlist"`
}

// WorkerStat counters only ever increase.
type WorkerStat struct {
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	ParseRetries int     `json:"parse_retries"`
	WallSeconds  float64 `json:"wall_seconds"`
}

type RunState struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Task          string      `json:"task"`
	Phase         phase.Phase `json:"phase"`

	Milestones       []Milestone `json:"milestones"`
	MilestoneIndex   int         `json:"milestone_index"`
	MilestoneRetries int         `json:"milestone_retries"`

	ReviewRounds          int    `json:"review_rounds"`
	LastReviewFingerprint string `json:"last_review_fingerprint,omitempty"`
	FixInstructions       string `json:"fix_instructions,omitempty"`

	ScopeLock   ScopeLock              `json:"scope_lock"`
	AllowDeps   bool                   `json:"allow_deps,omitempty"`
	TierReasons map[string][]string    `json:"tier_reasons,omitempty"`
	Evidence    []VerificationEvidence `json:"verification_evidence,omitempty"`
	WorkerStats map[string]*WorkerStat `json:"worker_stats,omitempty"`

	StopReason     phase.StopReason `json:"stop_reason,omitempty"`
	StoppedInPhase phase.Phase      `json:"stopped_in_phase,omitempty"`

	CheckpointSHA   string `json:"checkpoint_commit_sha,omitempty"`
	CheckpointCount int    `json:"checkpoint_count"`

	Branch       string   `json:"branch"`
	BaseSHA      string   `json:"base_sha"`
	WorktreePath string   `json:"worktree_path,omitempty"`
	OwnedPaths   []string `json:"owned_paths,omitempty"`

	TickCount         int     `json:"tick_count"`
	AutoResumes       int     `json:"auto_resumes"`
	BudgetUsedSeconds float64 `json:"budget_used_seconds"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastProgressAt time.Time `json:"last_progress_at"`
}

// Canonicalize normalizes optional collections so that a state round-trips to
// identical bytes through the store.
func (s *RunState) Canonicalize() {
	if s.SchemaVersion == "" {
		s.SchemaVersion = SchemaVersion
	}
	if s.Milestones == nil {
		s.Milestones = []Milestone{}
	}
	for i := range s.Milestones {
		m := &s.Milestones[i]
		if m.FilesExpected == nil {
			m.FilesExpected = []string{}
		}
		if m.DoneChecks == nil {
			m.DoneChecks = []string{}
		}
		if m.RiskLevel == "" {
			m.RiskLevel = RiskLow
		}
	}
	if s.ScopeLock.Allowlist == nil {
		s.ScopeLock.Allowlist = []string{}
	}
	if s.ScopeLock.Denylist == nil {
		s.ScopeLock.Denylist = []string{}
	}
	if s.ScopeLock.Lockfiles == nil {
		s.ScopeLock.Lockfiles = []string{}
	}
	if s.ScopeLock.EnvAllowlist == nil {
		s.ScopeLock.EnvAllowlist = []string{}
	}
}

// Validate enforces the tick-boundary invariants.
func (s *RunState) Validate() error {
	if err := CheckSchemaVersion(s.SchemaVersion); err != nil {
		return err
	}
	if strings.TrimSpace(s.RunID) == "" {
		return fmt.Errorf("run_id is empty")
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("phase %q is not a pipeline phase", s.Phase)
	}
	if s.Phase.RequiresMilestone() {
		if s.MilestoneIndex < 0 || s.MilestoneIndex >= len(s.Milestones) {
			return fmt.Errorf("milestone_index %d out of range [0,%d) in phase %s", s.MilestoneIndex, len(s.Milestones), s.Phase)
		}
	}
	if s.MilestoneRetries < 0 || s.MilestoneRetries > MaxMilestoneRetries {
		return fmt.Errorf("milestone_retries %d outside [0,%d]", s.MilestoneRetries, MaxMilestoneRetries)
	}
	if s.StopReason != "" {
		if !s.StopReason.Valid() {
			return fmt.Errorf("stop_reason %q is not in the taxonomy", s.StopReason)
		}
		if s.Phase != phase.Stopped {
			return fmt.Errorf("stop_reason %q set while phase is %s", s.StopReason, s.Phase)
		}
	}
	if s.Phase == phase.Stopped && s.StopReason == "" {
		return fmt.Errorf("phase STOPPED without stop_reason")
	}
	if (s.CheckpointSHA != "") != (s.CheckpointCount > 0) {
		return fmt.Errorf("checkpoint_commit_sha and checkpoint_count disagree")
	}
	return nil
}

// MaxMilestoneRetries bounds VERIFY-failure retries per milestone.
const MaxMilestoneRetries = 3

func (s *RunState) CurrentMilestone() (Milestone, bool) {
	if s.MilestoneIndex < 0 || s.MilestoneIndex >= len(s.Milestones) {
		return Milestone{}, false
	}
	return s.Milestones[s.MilestoneIndex], true
}

func (s *RunState) LastMilestone() bool {
	return len(s.Milestones) > 0 && s.MilestoneIndex == len(s.Milestones)-1
}

// Stat returns the mutable counter record for a worker, creating it on first
// use.
func (s *RunState) Stat(workerName string) *WorkerStat {
	if s.WorkerStats == nil {
		s.WorkerStats = map[string]*WorkerStat{}
	}
	st, ok := s.WorkerStats[workerName]
	if !ok {
		st = &WorkerStat{}
		s.WorkerStats[workerName] = st
	}
	return st
}
