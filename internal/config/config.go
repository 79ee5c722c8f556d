package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type OutputMode string

const (
	OutputText  OutputMode = "text"
	OutputJSON  OutputMode = "json"
	OutputJSONL OutputMode = "jsonl"
)

type CaptureMode string

const (
	CaptureFull         CaptureMode = "full"
	CaptureTruncated    CaptureMode = "truncated"
	CaptureMetadataOnly CaptureMode = "metadata_only"
)

type ScopeConfig struct {
	Allowlist    []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Denylist     []string `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	Lockfiles    []string `json:"lockfiles,omitempty" yaml:"lockfiles,omitempty"`
	EnvAllowlist []string `json:"env_allowlist,omitempty" yaml:"env_allowlist,omitempty"`
}

type RiskTrigger struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Tier    string `json:"tier" yaml:"tier"`
}

type VerificationConfig struct {
	Tier0                     []string      `json:"tier0,omitempty" yaml:"tier0,omitempty"`
	Tier1                     []string      `json:"tier1,omitempty" yaml:"tier1,omitempty"`
	Tier2                     []string      `json:"tier2,omitempty" yaml:"tier2,omitempty"`
	RiskTriggers              []RiskTrigger `json:"risk_triggers,omitempty" yaml:"risk_triggers,omitempty"`
	MaxVerifyTimePerMilestone int           `json:"max_verify_time_per_milestone,omitempty" yaml:"max_verify_time_per_milestone,omitempty"`
	Cwd                       string        `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

type WorkerConfig struct {
	Bin    string     `json:"bin" yaml:"bin"`
	Args   []string   `json:"args,omitempty" yaml:"args,omitempty"`
	Output OutputMode `json:"output,omitempty" yaml:"output,omitempty"`
}

type PhasesConfig struct {
	Plan      string `json:"plan,omitempty" yaml:"plan,omitempty"`
	Implement string `json:"implement,omitempty" yaml:"implement,omitempty"`
	Review    string `json:"review,omitempty" yaml:"review,omitempty"`
}

type ResilienceConfig struct {
	AutoResume           bool  `json:"auto_resume,omitempty" yaml:"auto_resume,omitempty"`
	MaxAutoResumes       int   `json:"max_auto_resumes,omitempty" yaml:"max_auto_resumes,omitempty"`
	MaxWorkerCallMinutes int   `json:"max_worker_call_minutes,omitempty" yaml:"max_worker_call_minutes,omitempty"`
	MaxReviewRounds      int   `json:"max_review_rounds,omitempty" yaml:"max_review_rounds,omitempty"`
	AutoResumeDelaysMS   []int `json:"auto_resume_delays_ms,omitempty" yaml:"auto_resume_delays_ms,omitempty"`
}

type ReceiptsConfig struct {
	Redact           *bool       `json:"redact,omitempty" yaml:"redact,omitempty"`
	CaptureCmdOutput CaptureMode `json:"capture_cmd_output,omitempty" yaml:"capture_cmd_output,omitempty"`
	MaxOutputBytes   int         `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

type WorkflowConfig struct {
	Mode                string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	IntegrationBranch   string   `json:"integration_branch,omitempty" yaml:"integration_branch,omitempty"`
	ReleaseBranch       string   `json:"release_branch,omitempty" yaml:"release_branch,omitempty"`
	SubmitStrategy      string   `json:"submit_strategy,omitempty" yaml:"submit_strategy,omitempty"`
	ProtectedBranches   []string `json:"protected_branches,omitempty" yaml:"protected_branches,omitempty"`
	RequireCleanTree    *bool    `json:"require_clean_tree,omitempty" yaml:"require_clean_tree,omitempty"`
	RequireVerification *bool    `json:"require_verification,omitempty" yaml:"require_verification,omitempty"`
}

type LimitsConfig struct {
	MaxRunMinutes int `json:"max_run_minutes,omitempty" yaml:"max_run_minutes,omitempty"`
	MaxTicks      int `json:"max_ticks,omitempty" yaml:"max_ticks,omitempty"`
	StallMinutes  int `json:"stall_minutes,omitempty" yaml:"stall_minutes,omitempty"`
}

type Config struct {
	Task         string                  `json:"task,omitempty" yaml:"task,omitempty"`
	Scope        ScopeConfig             `json:"scope,omitempty" yaml:"scope,omitempty"`
	Verification VerificationConfig      `json:"verification,omitempty" yaml:"verification,omitempty"`
	Workers      map[string]WorkerConfig `json:"workers,omitempty" yaml:"workers,omitempty"`
	Phases       PhasesConfig            `json:"phases,omitempty" yaml:"phases,omitempty"`
	Resilience   ResilienceConfig        `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Receipts     ReceiptsConfig          `json:"receipts,omitempty" yaml:"receipts,omitempty"`
	Workflow     WorkflowConfig          `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Limits       LimitsConfig            `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Load reads, strictly decodes, defaults, and validates a config file.
// Extension selects the decoder; anything that is not .json decodes as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, strings.ToLower(filepath.Ext(path)))
}

func Parse(b []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in config used when no file is given: empty scope
// (nothing restricted), no workers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Scope.Allowlist = trimNonEmpty(cfg.Scope.Allowlist)
	cfg.Scope.Denylist = trimNonEmpty(cfg.Scope.Denylist)
	cfg.Scope.Lockfiles = trimNonEmpty(cfg.Scope.Lockfiles)
	cfg.Scope.EnvAllowlist = trimNonEmpty(cfg.Scope.EnvAllowlist)

	if cfg.Verification.MaxVerifyTimePerMilestone == 0 {
		cfg.Verification.MaxVerifyTimePerMilestone = 600
	}
	cfg.Verification.Tier0 = trimNonEmpty(cfg.Verification.Tier0)
	cfg.Verification.Tier1 = trimNonEmpty(cfg.Verification.Tier1)
	cfg.Verification.Tier2 = trimNonEmpty(cfg.Verification.Tier2)

	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerConfig{}
	}
	for name, wc := range cfg.Workers {
		if wc.Output == "" {
			wc.Output = OutputText
		}
		wc.Args = trimNonEmpty(wc.Args)
		cfg.Workers[name] = wc
	}

	if cfg.Phases.Plan == "" {
		cfg.Phases.Plan = "planner"
	}
	if cfg.Phases.Implement == "" {
		cfg.Phases.Implement = "coder"
	}
	if cfg.Phases.Review == "" {
		cfg.Phases.Review = "reviewer"
	}

	if cfg.Resilience.MaxAutoResumes == 0 {
		cfg.Resilience.MaxAutoResumes = 2
	}
	if cfg.Resilience.MaxWorkerCallMinutes == 0 {
		cfg.Resilience.MaxWorkerCallMinutes = 45
	}
	if cfg.Resilience.MaxReviewRounds == 0 {
		cfg.Resilience.MaxReviewRounds = 2
	}
	if len(cfg.Resilience.AutoResumeDelaysMS) == 0 {
		cfg.Resilience.AutoResumeDelaysMS = []int{2000, 10000}
	}

	if cfg.Receipts.Redact == nil {
		t := true
		cfg.Receipts.Redact = &t
	}
	if cfg.Receipts.CaptureCmdOutput == "" {
		cfg.Receipts.CaptureCmdOutput = CaptureTruncated
	}
	if cfg.Receipts.MaxOutputBytes == 0 {
		cfg.Receipts.MaxOutputBytes = 65536
	}

	if cfg.Workflow.Mode == "" {
		cfg.Workflow.Mode = "solo"
	}
	if cfg.Workflow.SubmitStrategy == "" {
		cfg.Workflow.SubmitStrategy = "cherry-pick"
	}
	if cfg.Workflow.RequireCleanTree == nil {
		t := true
		cfg.Workflow.RequireCleanTree = &t
	}
	if cfg.Workflow.RequireVerification == nil {
		t := true
		cfg.Workflow.RequireVerification = &t
	}
	cfg.Workflow.ProtectedBranches = trimNonEmpty(cfg.Workflow.ProtectedBranches)

	if cfg.Limits.MaxRunMinutes == 0 {
		cfg.Limits.MaxRunMinutes = 120
	}
	if cfg.Limits.MaxTicks == 0 {
		cfg.Limits.MaxTicks = 50
	}
	if cfg.Limits.StallMinutes == 0 {
		cfg.Limits.StallMinutes = 15
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	for i, rt := range cfg.Verification.RiskTriggers {
		if strings.TrimSpace(rt.Pattern) == "" {
			return fmt.Errorf("verification.risk_triggers[%d].pattern is required", i)
		}
		switch rt.Tier {
		case "tier1", "tier2":
		default:
			return fmt.Errorf("invalid verification.risk_triggers[%d].tier: %q (want tier1|tier2)", i, rt.Tier)
		}
	}
	if cfg.Verification.MaxVerifyTimePerMilestone < 0 {
		return fmt.Errorf("verification.max_verify_time_per_milestone must be >= 0")
	}
	for name, wc := range cfg.Workers {
		if strings.TrimSpace(wc.Bin) == "" {
			return fmt.Errorf("workers.%s.bin is required", name)
		}
		switch wc.Output {
		case OutputText, OutputJSON, OutputJSONL:
		default:
			return fmt.Errorf("invalid workers.%s.output: %q (want text|json|jsonl)", name, wc.Output)
		}
	}
	// Phase bindings must resolve to configured workers when any worker is
	// configured at all; an empty workers map is allowed for commands that
	// never invoke one (status, submit, gc).
	if len(cfg.Workers) > 0 {
		for _, bind := range []struct{ phase, worker string }{
			{"plan", cfg.Phases.Plan},
			{"implement", cfg.Phases.Implement},
			{"review", cfg.Phases.Review},
		} {
			if _, ok := cfg.Workers[bind.worker]; !ok {
				return fmt.Errorf("phases.%s refers to unknown worker %q", bind.phase, bind.worker)
			}
		}
	}
	if cfg.Resilience.MaxAutoResumes < 0 {
		return fmt.Errorf("resilience.max_auto_resumes must be >= 0")
	}
	if cfg.Resilience.MaxWorkerCallMinutes <= 0 {
		return fmt.Errorf("resilience.max_worker_call_minutes must be > 0")
	}
	if cfg.Resilience.MaxReviewRounds <= 0 {
		return fmt.Errorf("resilience.max_review_rounds must be > 0")
	}
	for i, d := range cfg.Resilience.AutoResumeDelaysMS {
		if d < 0 {
			return fmt.Errorf("resilience.auto_resume_delays_ms[%d] must be >= 0", i)
		}
	}
	switch cfg.Receipts.CaptureCmdOutput {
	case CaptureFull, CaptureTruncated, CaptureMetadataOnly:
	default:
		return fmt.Errorf("invalid receipts.capture_cmd_output: %q (want full|truncated|metadata_only)", cfg.Receipts.CaptureCmdOutput)
	}
	if cfg.Receipts.MaxOutputBytes < 0 {
		return fmt.Errorf("receipts.max_output_bytes must be >= 0")
	}
	switch cfg.Workflow.Mode {
	case "solo", "team":
	default:
		return fmt.Errorf("invalid workflow.mode: %q (want solo|team)", cfg.Workflow.Mode)
	}
	if cfg.Workflow.SubmitStrategy != "cherry-pick" {
		return fmt.Errorf("invalid workflow.submit_strategy: %q (want cherry-pick)", cfg.Workflow.SubmitStrategy)
	}
	if cfg.Limits.MaxRunMinutes <= 0 {
		return fmt.Errorf("limits.max_run_minutes must be > 0")
	}
	if cfg.Limits.MaxTicks <= 0 {
		return fmt.Errorf("limits.max_ticks must be > 0")
	}
	if cfg.Limits.StallMinutes <= 0 {
		return fmt.Errorf("limits.stall_minutes must be > 0")
	}
	return nil
}

// WorkerFor resolves the worker bound to a phase; empty name means the phase
// has no binding (callers treat that as a preflight error).
func (c *Config) WorkerFor(phase string) (string, WorkerConfig, bool) {
	var name string
	switch phase {
	case "plan":
		name = c.Phases.Plan
	case "implement":
		name = c.Phases.Implement
	case "review":
		name = c.Phases.Review
	default:
		return "", WorkerConfig{}, false
	}
	wc, ok := c.Workers[name]
	return name, wc, ok
}

func (c *Config) MaxRunTime() time.Duration {
	return time.Duration(c.Limits.MaxRunMinutes) * time.Minute
}

func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Limits.StallMinutes) * time.Minute
}

func (c *Config) MaxWorkerCallTime() time.Duration {
	return time.Duration(c.Resilience.MaxWorkerCallMinutes) * time.Minute
}

func (c *Config) VerifyBudget() time.Duration {
	return time.Duration(c.Verification.MaxVerifyTimePerMilestone) * time.Second
}

func (c *Config) RedactReceipts() bool {
	return c.Receipts.Redact == nil || *c.Receipts.Redact
}

func (c *Config) RequireCleanTree() bool {
	return c.Workflow.RequireCleanTree == nil || *c.Workflow.RequireCleanTree
}

func (c *Config) RequireVerification() bool {
	return c.Workflow.RequireVerification == nil || *c.Workflow.RequireVerification
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
