package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/averraz/pitboss/internal/config"
	"github.com/averraz/pitboss/internal/state"
	"github.com/averraz/pitboss/internal/worker"
)

// ReviewFingerprint reduces a reviewer response to a stable hex digest. Only
// the machine-readable checks participate, sorted, so reworded prose around
// the same findings hashes identically. Responses without checks fall back to
// whitespace-and-case-normalized feedback text.
func ReviewFingerprint(doc *worker.ReviewResult) string {
	h := blake3.New()
	if len(doc.Checks) > 0 {
		checks := append([]worker.ReviewCheck(nil), doc.Checks...)
		sort.Slice(checks, func(i, j int) bool {
			a, b := checks[i], checks[j]
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			if a.Command != b.Command {
				return a.Command < b.Command
			}
			if a.Requirement != b.Requirement {
				return a.Requirement < b.Requirement
			}
			return a.Current < b.Current
		})
		enc, err := json.Marshal(checks)
		if err == nil {
			h.Write(enc)
		}
	} else {
		h.Write([]byte(normalizeFeedback(doc.Feedback)))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func normalizeFeedback(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CaptureFingerprint snapshots the runtime, lockfile contents, and worker
// binary versions. Worker probes are best-effort with a short timeout; an
// unreadable lockfile is simply absent from the map, which Diff reports.
func CaptureFingerprint(repoDir string, cfg *config.Config) *state.EnvFingerprint {
	fp := &state.EnvFingerprint{
		SchemaVersion:  state.SchemaVersion,
		RuntimeVersion: runtime.Version(),
		CreatedAt:      time.Now().UTC(),
	}

	var names []string
	for _, p := range cfg.Scope.Lockfiles {
		p = strings.TrimSpace(p)
		// Glob entries guard edits; only literal paths have hashable content.
		if p == "" || strings.ContainsAny(p, "*?[{") {
			continue
		}
		names = append(names, p)
	}
	sort.Strings(names)
	all := blake3.New()
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(repoDir, name))
		if err != nil {
			continue
		}
		h := blake3.New()
		h.Write(b)
		if fp.Lockfiles == nil {
			fp.Lockfiles = map[string]string{}
		}
		fp.Lockfiles[name] = hex.EncodeToString(h.Sum(nil)[:8])
		all.Write([]byte(name))
		all.Write([]byte{0})
		all.Write(b)
	}
	if len(fp.Lockfiles) > 0 {
		fp.LockfileHash = hex.EncodeToString(all.Sum(nil)[:16])
	}

	var workerNames []string
	for name := range cfg.Workers {
		workerNames = append(workerNames, name)
	}
	sort.Strings(workerNames)
	for _, name := range workerNames {
		if v := probeVersion(cfg.Workers[name].Bin); v != "" {
			if fp.WorkerVersions == nil {
				fp.WorkerVersions = map[string]string{}
			}
			fp.WorkerVersions[name] = v
		}
	}
	return fp
}

func probeVersion(bin string) string {
	if strings.TrimSpace(bin) == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
