package scope

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/averraz/pitboss/internal/state"
)

// Violation reasons, in the order they are reported.
const (
	ReasonDirtyWorktree      = "dirty_worktree"
	ReasonScopeViolation     = "scope_violation"
	ReasonLockfileRestricted = "lockfile_restricted"
)

type Violation struct {
	Reasons       []string
	FilesByReason map[string][]string
}

func (v *Violation) add(reason, file string) {
	if v.FilesByReason == nil {
		v.FilesByReason = map[string][]string{}
	}
	if _, seen := v.FilesByReason[reason]; !seen {
		v.Reasons = append(v.Reasons, reason)
	}
	v.FilesByReason[reason] = append(v.FilesByReason[reason], file)
}

func (v *Violation) empty() bool { return v == nil || len(v.Reasons) == 0 }

// Summary renders one line per reason with its files sorted, suitable for a
// stop memo.
func (v *Violation) Summary() string {
	if v.empty() {
		return ""
	}
	var b strings.Builder
	for i, reason := range v.Reasons {
		if i > 0 {
			b.WriteString("; ")
		}
		files := append([]string(nil), v.FilesByReason[reason]...)
		sort.Strings(files)
		b.WriteString(reason)
		b.WriteString(": ")
		b.WriteString(strings.Join(files, ", "))
	}
	return b.String()
}

type OwnershipViolation struct {
	Files []string
}

func (o *OwnershipViolation) Summary() string {
	if o == nil || len(o.Files) == 0 {
		return ""
	}
	return "outside ownership claim: " + strings.Join(o.Files, ", ")
}

// Normalize canonicalizes a scope pattern: separators trimmed, leading "./"
// stripped, directory patterns (trailing "/") expanded to "dir/**".
// Normalization is idempotent.
func Normalize(pattern string) string {
	p := strings.TrimSpace(pattern)
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return ""
	}
	if strings.HasSuffix(p, "/") {
		p = p + "**"
	}
	return p
}

// Match reports whether path matches the (normalized) glob pattern. `**`
// spans any number of path segments. Malformed patterns never match; config
// validation rejects them upfront.
func Match(pattern, path string) bool {
	p := Normalize(pattern)
	if p == "" {
		return false
	}
	ok, err := doublestar.Match(p, path)
	if err != nil {
		return false
	}
	return ok
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if Match(p, path) {
			return true
		}
	}
	return false
}

// ValidPattern reports whether a pattern is well-formed after normalization.
func ValidPattern(pattern string) bool {
	p := Normalize(pattern)
	if p == "" {
		return false
	}
	return doublestar.ValidatePattern(p)
}

// IgnoreFunc answers which of the given paths the repository's ignore
// mechanism excludes.
type IgnoreFunc func(paths []string) (map[string]bool, error)

// Partition splits changed paths into semantic and environmental.
// Environmental paths match an env-allowlist pattern or are repo-ignored.
// If the ignore query fails (or none is available) partitioning is fail-safe
// strict: every path is semantic.
func Partition(changed, envPatterns []string, ignored IgnoreFunc) (semantic, environmental []string) {
	ignoredSet := map[string]bool{}
	if ignored != nil {
		set, err := ignored(changed)
		if err != nil {
			return append([]string(nil), changed...), nil
		}
		ignoredSet = set
	}
	for _, path := range changed {
		if matchAny(envPatterns, path) || ignoredSet[path] {
			environmental = append(environmental, path)
			continue
		}
		semantic = append(semantic, path)
	}
	return semantic, environmental
}

// Check decides whether semantic paths conform to the frozen scope lock.
// A non-empty allowlist requires every path to match it; no path may match
// the denylist; lockfile paths are immutable unless allowDeps.
func Check(semantic []string, lock state.ScopeLock, allowDeps bool) *Violation {
	v := &Violation{}
	for _, path := range semantic {
		if !allowDeps && matchAny(lock.Lockfiles, path) {
			v.add(ReasonLockfileRestricted, path)
			continue
		}
		if matchAny(lock.Denylist, path) {
			v.add(ReasonScopeViolation, path)
			continue
		}
		if len(lock.Allowlist) > 0 && !matchAny(lock.Allowlist, path) {
			v.add(ReasonScopeViolation, path)
		}
	}
	if v.empty() {
		return nil
	}
	return v
}

// DirtyWorktree builds the violation reported when the tree carries
// unexpected changes before a milestone begins.
func DirtyWorktree(files []string) *Violation {
	v := &Violation{}
	for _, f := range files {
		v.add(ReasonDirtyWorktree, f)
	}
	if v.empty() {
		return nil
	}
	return v
}

// CheckOwnership enforces a track's ownership claim. Only meaningful when
// owned is non-empty.
func CheckOwnership(semantic, owned []string) *OwnershipViolation {
	if len(owned) == 0 {
		return nil
	}
	var out []string
	for _, path := range semantic {
		if !matchAny(owned, path) {
			out = append(out, path)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return &OwnershipViolation{Files: out}
}

// PatternsOverlap is the conservative glob-intersection test used for
// ownership claims: two patterns overlap when the literal segment prefix of
// one is a prefix of the other's. False positives are acceptable; false
// negatives are not.
func PatternsOverlap(a, b string) bool {
	pa := literalPrefix(Normalize(a))
	pb := literalPrefix(Normalize(b))
	return segmentPrefix(pa, pb) || segmentPrefix(pb, pa)
}

func literalPrefix(pattern string) []string {
	if pattern == "" {
		return nil
	}
	var out []string
	for _, seg := range strings.Split(pattern, "/") {
		if strings.ContainsAny(seg, "*?[{") {
			break
		}
		out = append(out, seg)
	}
	return out
}

func segmentPrefix(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i := range prefix {
		if prefix[i] != full[i] {
			return false
		}
	}
	return true
}
