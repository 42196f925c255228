package gitutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

// DefaultTimeout bounds a single git invocation when the caller's context has
// no deadline of its own.
const DefaultTimeout = 2 * time.Minute

// ErrMergeConflict is returned by Merge when the branch does not merge cleanly.
var ErrMergeConflict = errors.New("merge conflict")

// run executes a git command in the given directory and returns stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, errBuf.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// runAllowFail executes a git command and returns (stdout, exitCode, error).
// A non-zero exit is not an error; failing to run git at all is.
func runAllowFail(ctx context.Context, dir string, args ...string) (string, int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return "", -1, err
		}
	}
	return strings.TrimSpace(out.String()), code, nil
}

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // short name, empty when detached
}

// WorktreeAdd creates a new git worktree at worktreePath on branchName,
// branching off baseBranch. If branchName already exists, it is used directly.
// Stale registrations are pruned first so a retry after an os.RemoveAll-only
// cleanup doesn't fail with "missing but already registered worktree".
func WorktreeAdd(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string) error {
	WorktreePrune(ctx, repoPath) //nolint:errcheck

	if BranchExists(ctx, repoPath, branchName) {
		_, err := run(ctx, repoPath, "worktree", "add", worktreePath, branchName)
		return err
	}
	_, err := run(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch)
	return err
}

// WorktreeRemove removes a git worktree.
func WorktreeRemove(ctx context.Context, repoPath, worktreePath string) error {
	_, err := run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	return err
}

// WorktreePrune runs git worktree prune to clean up stale references.
func WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := run(ctx, repoPath, "worktree", "prune")
	return err
}

// WorktreeList returns every worktree registered in repoPath, the main
// working tree included.
func WorktreeList(ctx context.Context, repoPath string) ([]Worktree, error) {
	out, err := run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			list = append(list, Worktree{Path: filepath.Clean(strings.TrimPrefix(line, "worktree "))})
			cur = &list[len(list)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return list
}

// CreateBranch creates a new branch off baseBranch in repoPath.
func CreateBranch(ctx context.Context, repoPath, branchName, baseBranch string) error {
	_, err := run(ctx, repoPath, "branch", branchName, baseBranch)
	return err
}

// BranchExists returns true if the branch exists in the repo.
func BranchExists(ctx context.Context, repoPath, branchName string) bool {
	_, err := run(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branchName)
	return err == nil
}

// DeleteBranch deletes a local branch. force uses -D so unmerged branches go too.
func DeleteBranch(ctx context.Context, repoPath, branchName string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := run(ctx, repoPath, "branch", flag, branchName)
	return err
}

// CommitsSince lists commit hashes reachable from ref but not from base,
// oldest first.
func CommitsSince(ctx context.Context, dir, base, ref string) ([]string, error) {
	out, err := run(ctx, dir, "rev-list", "--reverse", base+".."+ref)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Status returns the porcelain status lines of the working tree in dir.
// An empty result means the tree is clean.
func Status(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Merge merges branch into the branch currently checked out in repoPath with a
// merge commit. On conflict the merge is aborted and ErrMergeConflict returned.
func Merge(ctx context.Context, repoPath, branch, message string) error {
	out, code, err := runAllowFail(ctx, repoPath, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	runAllowFail(ctx, repoPath, "merge", "--abort") //nolint:errcheck
	return fmt.Errorf("merging %s: %w\n%s", branch, ErrMergeConflict, out)
}

// Diff returns the diff of branch against baseBranch.
func Diff(ctx context.Context, repoPath, branch, baseBranch string) (string, error) {
	return run(ctx, repoPath, "diff", baseBranch+"..."+branch)
}

// FileChange summarizes one file in a diff.
type FileChange struct {
	Path    string
	Added   int32
	Deleted int32
}

// ChangedFiles parses the diff of branch against baseBranch into per-file
// line counts.
func ChangedFiles(ctx context.Context, repoPath, branch, baseBranch string) ([]FileChange, error) {
	raw, err := Diff(ctx, repoPath, branch, baseBranch)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	fds, err := diff.ParseMultiFileDiff([]byte(raw + "\n"))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	changes := make([]FileChange, 0, len(fds))
	for _, fd := range fds {
		name := strings.TrimPrefix(fd.NewName, "b/")
		if fd.NewName == "/dev/null" {
			name = strings.TrimPrefix(fd.OrigName, "a/")
		}
		st := fd.Stat()
		changes = append(changes, FileChange{Path: name, Added: st.Added, Deleted: st.Deleted})
	}
	return changes, nil
}

// MergeConflicts merges branch into baseBranch in memory (git merge-tree)
// and returns the paths that would conflict, or nil for a clean merge.
// Neither branch nor the working tree is touched.
func MergeConflicts(ctx context.Context, repoPath, baseBranch, branch string) ([]string, error) {
	out, code, err := runAllowFail(ctx, repoPath, "merge-tree", "--write-tree", "--name-only", "--no-messages", baseBranch, branch)
	if err != nil {
		return nil, err
	}
	switch code {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("git merge-tree %s %s: exit %d", baseBranch, branch, code)
	}
	// First line is the resulting tree; conflicted paths follow, one per
	// stage.
	lines := strings.Split(out, "\n")
	var paths []string
	seen := make(map[string]bool)
	for _, l := range lines[1:] {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		paths = append(paths, l)
	}
	return paths, nil
}

// CurrentBranch returns the current branch name in the repo/worktree.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// CommonDir returns the absolute path of the git directory shared by all
// worktrees of the repository containing dir.
func CommonDir(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}
	return filepath.Clean(out), nil
}

// DefaultBranch detects the default branch of a repo by checking the remote
// HEAD, then falling back to looking for "main" or "master" locally.
func DefaultBranch(ctx context.Context, repoPath string) string {
	out, _, err := runAllowFail(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil && out != "" {
		// "origin/main" → "main"
		parts := strings.SplitN(out, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	for _, branch := range []string{"main", "master"} {
		if BranchExists(ctx, repoPath, branch) {
			return branch
		}
	}
	return "main"
}

// InitWithBranch initializes a git repo with a specific initial branch name.
func InitWithBranch(dir, branch string) error {
	_, err := run(context.Background(), dir, "init", "-b", branch)
	return err
}

// CommitEmpty configures a local identity and creates an empty commit.
func CommitEmpty(dir, message string) error {
	ctx := context.Background()
	if _, err := run(ctx, dir, "config", "user.email", "sw@local"); err != nil {
		return err
	}
	if _, err := run(ctx, dir, "config", "user.name", "specwork"); err != nil {
		return err
	}
	_, err := run(ctx, dir, "commit", "--allow-empty", "-m", message)
	return err
}

// CommitAll stages every change in dir and commits it.
func CommitAll(ctx context.Context, dir, message string) error {
	if _, err := run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := run(ctx, dir, "commit", "-m", message)
	return err
}
