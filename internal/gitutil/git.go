package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	return runGitStdin(dir, "", args...)
}

func runGitStdin(dir, stdin string, args ...string) (string, string, error) {
	// Disable background auto-maintenance so frequent checkpoint commits stay
	// deterministic and never spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// TopLevel returns the repository root for a directory inside a checkout.
func TopLevel(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommonDir returns the repository's shared .git directory, which for linked
// worktrees lives under the source checkout.
func CommonDir(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func RevParse(dir, ref string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedFiles parses porcelain status into repo-relative paths. A rename
// entry conservatively touches both the old and the new path.
func ChangedFiles(dir string) ([]string, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(out), nil
}

func ParsePorcelain(out string) []string {
	var files []string
	seen := map[string]bool{}
	add := func(path string) {
		path = strings.TrimSpace(unquotePath(path))
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		rest := line[3:]
		if from, to, ok := strings.Cut(rest, " -> "); ok {
			add(from)
			add(to)
			continue
		}
		add(rest)
	}
	return files
}

// unquotePath strips the C-style quoting git applies to paths with special
// characters. Escaped bytes beyond \" and \\ are left as-is; such paths are
// rare and still compare consistently.
func unquotePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) >= 2 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
		p = p[1 : len(p)-1]
		p = strings.ReplaceAll(p, `\"`, `"`)
		p = strings.ReplaceAll(p, `\\`, `\`)
	}
	return p
}

// CheckIgnore reports which of the given paths the repository ignores.
// Exit status 1 means no path matched and is not an error.
func CheckIgnore(dir string, paths []string) (map[string]bool, error) {
	if len(paths) == 0 {
		return map[string]bool{}, nil
	}
	stdin := strings.Join(paths, "\n") + "\n"
	out, _, err := runGitStdin(dir, stdin, "check-ignore", "--stdin")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			var exitErr *exec.ExitError
			if errors.As(cmdErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
				return map[string]bool{}, nil
			}
		}
		return nil, err
	}
	ignored := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(unquotePath(line)); line != "" {
			ignored[line] = true
		}
	}
	return ignored, nil
}

func CreateBranchAt(dir, branch, baseSHA string) error {
	_, _, err := runGit(dir, "branch", "--force", branch, baseSHA)
	return err
}

func AddWorktree(repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// PruneWorktrees drops administrative records for worktree directories that
// no longer exist on disk.
func PruneWorktrees(repoDir string) error {
	_, _, err := runGit(repoDir, "worktree", "prune")
	return err
}

func CheckoutBranch(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

func ResetHard(dir, sha string) error {
	_, _, err := runGit(dir, "reset", "--hard", sha)
	return err
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

func CommitAllowEmpty(dir, message string) (string, error) {
	if err := AddAll(dir); err != nil {
		return "", err
	}
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		// Missing identity: retry once with an explicit fallback committer
		// without mutating repo config.
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				dir,
				"-c", "user.name=pitboss",
				"-c", "user.email=pitboss@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// CherryPick applies the commit onto HEAD. On conflict the caller must abort
// via CherryPickAbort; the returned error carries git's stderr.
func CherryPick(dir, sha string) error {
	_, _, err := runGit(dir,
		"-c", "user.name=pitboss",
		"-c", "user.email=pitboss@local",
		"cherry-pick", "--allow-empty", sha,
	)
	return err
}

func CherryPickAbort(dir string) error {
	_, _, err := runGit(dir, "cherry-pick", "--abort")
	return err
}

// ConflictedFiles lists unmerged paths.
func ConflictedFiles(dir string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// PushBranch pushes a branch to the given remote. Failures are returned but
// should not abort a run.
func PushBranch(repoDir, remote, branch string) error {
	_, _, err := runGit(repoDir, "push", remote, branch)
	return err
}

func MergeFastForwardOnly(dir, otherRef string) error {
	_, _, err := runGit(dir, "merge", "--ff-only", otherRef)
	return err
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// DiffStat renders a short stat summary between baseRef and the working tree,
// used in reviewer prompts.
func DiffStat(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", "--stat", baseRef)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
