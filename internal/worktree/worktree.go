package worktree

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/averraz/pitboss/internal/gitutil"
)

// DependencyDirs are heavyweight build artifacts shared from the source
// checkout into each worktree by symlink instead of being rebuilt per run.
var DependencyDirs = []string{"node_modules", "vendor", ".venv"}

type SetupError struct {
	Path  string
	Dirty []string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("worktree %s not clean after setup: %s", e.Path, strings.Join(e.Dirty, ", "))
}

// Root returns the sibling directory holding all worktrees for a repository.
// It sits outside the repository so checkouts never collide with scope
// patterns anchored at the repo root.
func Root(repo string) string {
	abs, err := filepath.Abs(repo)
	if err != nil {
		abs = repo
	}
	return filepath.Join(filepath.Dir(abs), filepath.Base(abs)+"-worktrees")
}

func PathFor(repo, runID string) string {
	return filepath.Join(Root(repo), runID)
}

// SourceRepoFor inverts PathFor: given a worktree path it recovers the source
// repository, so resume needs nothing beyond the persisted state.
func SourceRepoFor(wtPath string) (string, bool) {
	parent := filepath.Dir(wtPath)
	base := filepath.Base(parent)
	if !strings.HasSuffix(base, "-worktrees") || base == "-worktrees" {
		return "", false
	}
	return filepath.Join(filepath.Dir(parent), strings.TrimSuffix(base, "-worktrees")), true
}

// Create materializes a checkout for the run: branch at baseSHA, worktree
// attached, dependency dirs symlinked in, exclude patterns injected. A branch
// that already exists keeps its tip, so a rebuild carries the run's
// checkpoint commits. The working tree must be clean afterwards or setup has
// failed.
func Create(repo, runID, baseSHA, branch string) (string, error) {
	path := PathFor(repo, runID)
	if _, err := os.Lstat(path); err == nil {
		return "", fmt.Errorf("worktree already exists: %s", path)
	}
	if err := os.MkdirAll(Root(repo), 0o755); err != nil {
		return "", err
	}
	if !gitutil.BranchExists(repo, branch) {
		if err := gitutil.CreateBranchAt(repo, branch, baseSHA); err != nil {
			return "", err
		}
	}
	if err := gitutil.AddWorktree(repo, path, branch); err != nil {
		return "", err
	}
	linked, err := linkDependencies(repo, path)
	if err != nil {
		return "", err
	}
	if len(linked) > 0 {
		if err := injectExcludes(path, linked); err != nil {
			return "", err
		}
	}
	clean, err := gitutil.IsClean(path)
	if err != nil {
		return "", err
	}
	if !clean {
		dirty, _ := gitutil.ChangedFiles(path)
		return "", &SetupError{Path: path, Dirty: dirty}
	}
	return path, nil
}

// Recreate is the idempotent form used on resume and re-run. An existing
// checkout is kept (dependency links refreshed) unless force is set, in which
// case it is rebuilt on the run branch at its current tip. branchMismatch
// reports that the existing checkout was on a different branch than
// requested; the caller records it.
func Recreate(repo, runID, baseSHA, branch string, force bool) (path string, branchMismatch bool, err error) {
	path = PathFor(repo, runID)
	if _, statErr := os.Stat(path); statErr != nil {
		if !os.IsNotExist(statErr) {
			return "", false, statErr
		}
		// Directory gone but git may still hold an administrative record.
		_ = gitutil.PruneWorktrees(repo)
		p, cErr := Create(repo, runID, baseSHA, branch)
		return p, false, cErr
	}

	current, curErr := gitutil.CurrentBranch(path)
	if curErr != nil {
		// Unusable checkout (half-removed, detached admin state): rebuild.
		if rmErr := Remove(repo, path); rmErr != nil {
			_ = os.RemoveAll(path)
			_ = gitutil.PruneWorktrees(repo)
		}
		p, cErr := Create(repo, runID, baseSHA, branch)
		return p, false, cErr
	}
	branchMismatch = current != branch

	if force {
		if rmErr := Remove(repo, path); rmErr != nil {
			return "", branchMismatch, rmErr
		}
		p, cErr := Create(repo, runID, baseSHA, branch)
		return p, branchMismatch, cErr
	}

	linked, linkErr := linkDependencies(repo, path)
	if linkErr != nil {
		return "", branchMismatch, linkErr
	}
	if len(linked) > 0 {
		if excErr := injectExcludes(path, linked); excErr != nil {
			return "", branchMismatch, excErr
		}
	}
	return path, branchMismatch, nil
}

// Remove detaches and deletes a checkout. A directory deleted out-of-band
// falls back to pruning git's worktree records.
func Remove(repo, path string) error {
	if err := gitutil.RemoveWorktree(repo, path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return err
		}
		return gitutil.PruneWorktrees(repo)
	}
	return nil
}

type Report struct {
	Scanned    int      `json:"scanned"`
	Removed    []string `json:"removed"`
	Skipped    []string `json:"skipped"`
	FreedBytes int64    `json:"freed_bytes"`
	DryRun     bool     `json:"dry_run"`
}

// GC removes worktrees whose directories have not been touched within the
// retention window. Run directories are never visited; only checkouts under
// Root(repo) are candidates.
func GC(repo string, olderThanDays int, dryRun bool) (Report, error) {
	rep := Report{DryRun: dryRun}
	root := Root(repo)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, nil
		}
		return rep, err
	}
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		rep.Scanned++
		path := filepath.Join(root, ent.Name())
		info, err := ent.Info()
		if err != nil {
			rep.Skipped = append(rep.Skipped, path)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		size := dirSize(path)
		if dryRun {
			rep.Removed = append(rep.Removed, path)
			rep.FreedBytes += size
			continue
		}
		if err := Remove(repo, path); err != nil {
			rep.Skipped = append(rep.Skipped, path)
			continue
		}
		rep.Removed = append(rep.Removed, path)
		rep.FreedBytes += size
	}
	if !dryRun {
		_ = gitutil.PruneWorktrees(repo)
	}
	return rep, nil
}

func linkDependencies(repo, wt string) ([]string, error) {
	absRepo, err := filepath.Abs(repo)
	if err != nil {
		return nil, err
	}
	var linked []string
	for _, name := range DependencyDirs {
		src := filepath.Join(absRepo, name)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			continue
		}
		dst := filepath.Join(wt, name)
		if _, err := os.Lstat(dst); err == nil {
			linked = append(linked, name)
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			return linked, fmt.Errorf("link %s: %w", name, err)
		}
		linked = append(linked, name)
	}
	return linked, nil
}

// injectExcludes adds ignore patterns for symlinked dependency dirs to the
// repository's shared exclude file. Additive and idempotent: existing lines
// are never rewritten.
func injectExcludes(wt string, names []string) error {
	common, err := gitutil.CommonDir(wt)
	if err != nil {
		return err
	}
	excludePath := filepath.Join(common, "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	have := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}
	var add []string
	for _, name := range names {
		pat := "/" + name + "/"
		if !have[pat] {
			add = append(add, pat)
		}
	}
	if len(add) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	buf := string(existing)
	if buf != "" && !strings.HasSuffix(buf, "\n") {
		buf += "\n"
	}
	buf += strings.Join(add, "\n") + "\n"
	return os.WriteFile(excludePath, []byte(buf), 0o644)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
