package state

import (
	"fmt"
	"sort"
	"time"
)

// EnvFingerprint snapshots the toolchain a run was started under. It is
// re-captured on resume; any drift blocks the resume unless forced.
type EnvFingerprint struct {
	SchemaVersion  string            `json:"schema_version"`
	RuntimeVersion string            `json:"runtime_version"`
	LockfileHash   string            `json:"lockfile_hash"`
	Lockfiles      map[string]string `json:"lockfiles,omitempty"`
	WorkerVersions map[string]string `json:"worker_versions,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Diff reports human-readable drift lines between this fingerprint and a
// freshly captured one. Empty means no drift.
func (fp *EnvFingerprint) Diff(current *EnvFingerprint) []string {
	if fp == nil || current == nil {
		return nil
	}
	var drift []string
	if fp.RuntimeVersion != current.RuntimeVersion {
		drift = append(drift, fmt.Sprintf("runtime_version: %q -> %q", fp.RuntimeVersion, current.RuntimeVersion))
	}
	if fp.LockfileHash != current.LockfileHash {
		drift = append(drift, fmt.Sprintf("lockfile_hash: %q -> %q", fp.LockfileHash, current.LockfileHash))
	}
	for _, name := range sortedKeys(fp.WorkerVersions, current.WorkerVersions) {
		was, had := fp.WorkerVersions[name]
		now, has := current.WorkerVersions[name]
		switch {
		case had && !has:
			drift = append(drift, fmt.Sprintf("worker %s: %q -> missing", name, was))
		case !had && has:
			drift = append(drift, fmt.Sprintf("worker %s: new (%q)", name, now))
		case was != now:
			drift = append(drift, fmt.Sprintf("worker %s: %q -> %q", name, was, now))
		}
	}
	return drift
}

func sortedKeys(maps ...map[string]string) []string {
	seen := map[string]bool{}
	for _, m := range maps {
		for k := range m {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
