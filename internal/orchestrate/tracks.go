// Package orchestrate schedules runs across parallel tracks. Each track is an
// ordered step sequence; admission control reserves ownership claims so two
// runs never work the same paths unless the caller opts into that risk.
package orchestrate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/averraz/pitboss/internal/scope"
	"github.com/averraz/pitboss/internal/state"
)

// Step is one unit of work on a track. Task text comes either inline or from
// a file resolved relative to the track file.
type Step struct {
	Task      string   `yaml:"task,omitempty" json:"task,omitempty"`
	TaskFile  string   `yaml:"task_file,omitempty" json:"task_file,omitempty"`
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Owns      []string `yaml:"owns,omitempty" json:"owns,omitempty"`
}

// TrackFile is the YAML document handed to `pitboss orchestrate`.
type TrackFile struct {
	SchemaVersion string            `yaml:"schema_version,omitempty" json:"schema_version,omitempty"`
	Tracks        map[string][]Step `yaml:"tracks" json:"tracks"`
}

// TrackNames returns the track names in stable (sorted) order; the scheduler
// visits tracks in this order so runs launch deterministically.
func (tf *TrackFile) TrackNames() []string {
	names := make([]string, 0, len(tf.Tracks))
	for name := range tf.Tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadTracks strictly decodes and validates a track file. Task files are
// resolved and read here so a scheduling loop never hits a missing file
// mid-flight.
func LoadTracks(path string) (*TrackFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tf, err := parseTracks(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := resolveTaskFiles(tf, filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tf, nil
}

func parseTracks(b []byte) (*TrackFile, error) {
	var tf TrackFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, err
	}
	if tf.SchemaVersion != "" {
		if err := state.CheckSchemaVersion(tf.SchemaVersion); err != nil {
			return nil, err
		}
	}
	if len(tf.Tracks) == 0 {
		return nil, fmt.Errorf("no tracks defined")
	}
	for _, name := range tf.TrackNames() {
		steps := tf.Tracks[name]
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("track with an empty name")
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("track %s has no steps", name)
		}
		for i := range steps {
			step := &steps[i]
			if err := validateStep(step); err != nil {
				return nil, fmt.Errorf("track %s step %d: %w", name, i+1, err)
			}
		}
	}
	return &tf, nil
}

func validateStep(step *Step) error {
	hasTask := strings.TrimSpace(step.Task) != ""
	hasFile := strings.TrimSpace(step.TaskFile) != ""
	if hasTask == hasFile {
		return fmt.Errorf("exactly one of task or task_file is required")
	}
	var err error
	if step.Allowlist, err = normalizePatterns(step.Allowlist, "allowlist"); err != nil {
		return err
	}
	if step.Owns, err = normalizePatterns(step.Owns, "owns"); err != nil {
		return err
	}
	return nil
}

func normalizePatterns(in []string, field string) ([]string, error) {
	var out []string
	for _, p := range in {
		n := scope.Normalize(p)
		if n == "" {
			continue
		}
		if !scope.ValidPattern(n) {
			return nil, fmt.Errorf("invalid %s pattern %q", field, p)
		}
		out = append(out, n)
	}
	return out, nil
}

func resolveTaskFiles(tf *TrackFile, baseDir string) error {
	for name, steps := range tf.Tracks {
		for i := range steps {
			step := &steps[i]
			if step.TaskFile == "" {
				continue
			}
			path := step.TaskFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("track %s step %d: task file: %w", name, i+1, err)
			}
			if strings.TrimSpace(string(b)) == "" {
				return fmt.Errorf("track %s step %d: task file %s is empty", name, i+1, step.TaskFile)
			}
			step.Task = string(b)
		}
	}
	return nil
}
