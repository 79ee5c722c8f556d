package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const planSchemaJSON = `{
	"type": "object",
	"required": ["milestones"],
	"properties": {
		"milestones": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["goal"],
				"properties": {
					"goal": {"type": "string", "minLength": 1},
					"files_expected": {"type": "array", "items": {"type": "string"}},
					"done_checks": {"type": "array", "items": {"type": "string"}},
					"risk_level": {"type": "string", "enum": ["low", "medium", "high"]}
				}
			}
		}
	}
}`

const implementSchemaJSON = `{
	"type": "object",
	"required": ["status", "summary"],
	"properties": {
		"status": {"type": "string", "enum": ["complete", "blocked"]},
		"summary": {"type": "string", "minLength": 1},
		"changed_files": {"type": "array", "items": {"type": "string"}},
		"no_changes_evidence": {
			"type": "object",
			"properties": {
				"files_checked": {"type": "array", "items": {"type": "string"}},
				"grep_output": {"type": "string"},
				"commands_run": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["command", "exit_code"],
						"properties": {
							"command": {"type": "string", "minLength": 1},
							"exit_code": {"type": "integer"}
						}
					}
				}
			}
		}
	}
}`

const reviewSchemaJSON = `{
	"type": "object",
	"required": ["decision", "feedback"],
	"properties": {
		"decision": {"type": "string", "enum": ["approve", "request_changes", "reject"]},
		"feedback": {"type": "string"},
		"checks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "command", "requirement", "current"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"command": {"type": "string"},
					"requirement": {"type": "string"},
					"current": {"type": "string"}
				}
			}
		},
		"fingerprint": {"type": "string"}
	}
}`

var (
	planSchema      = mustCompileSchema("plan.json", planSchemaJSON)
	implementSchema = mustCompileSchema("implement.json", implementSchemaJSON)
	reviewSchema    = mustCompileSchema("review.json", reviewSchemaJSON)
)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("framed block is not valid json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("framed block rejected: %v", err)
	}
	return nil
}

// PlanDoc is the planner's framed output: an ordered milestone list.
type PlanDoc struct {
	Milestones []PlanMilestone `json:"milestones"`
}

type PlanMilestone struct {
	Goal          string   `json:"goal"`
	FilesExpected []string `json:"files_expected,omitempty"`
	DoneChecks    []string `json:"done_checks,omitempty"`
	RiskLevel     string   `json:"risk_level,omitempty"`
}

// ImplementResult is the coder's framed output for one milestone attempt.
type ImplementResult struct {
	Status            string             `json:"status"`
	Summary           string             `json:"summary"`
	ChangedFiles      []string           `json:"changed_files,omitempty"`
	NoChangesEvidence *NoChangesEvidence `json:"no_changes_evidence,omitempty"`
}

// NoChangesEvidence backs a blocked status claiming the milestone needs no
// work. At least one of the three forms must hold up under supervisor checks
// for the milestone to pass as a verified no-op.
type NoChangesEvidence struct {
	FilesChecked []string          `json:"files_checked,omitempty"`
	GrepOutput   string            `json:"grep_output,omitempty"`
	CommandsRun  []EvidenceCommand `json:"commands_run,omitempty"`
}

type EvidenceCommand struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// ReviewResult is the reviewer's framed output. The worker-supplied
// fingerprint is recorded but never trusted for loop detection.
type ReviewResult struct {
	Decision    string        `json:"decision"`
	Feedback    string        `json:"feedback"`
	Checks      []ReviewCheck `json:"checks,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
}

type ReviewCheck struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	Requirement string `json:"requirement"`
	Current     string `json:"current"`
}

func (r *ReviewResult) Approved() bool { return r.Decision == "approve" }
