package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidateBranchName validates a git branch name according to git-check-ref-format rules.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("branch name must be at most 256 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("branch name must not contain control characters")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', ']', '\\':
			return fmt.Errorf("branch name must not contain '%c'", r)
		}
	}
	if name[0] == '/' || name[0] == '.' || name[0] == '-' || name[0] == '@' {
		return fmt.Errorf("branch name must not start with '%c'", name[0])
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with /, ., or .lock")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name must not contain '..'")
	}
	if strings.Contains(name, "//") {
		return fmt.Errorf("branch name must not contain '//'")
	}
	if strings.Contains(name, "/.") {
		return fmt.Errorf("branch name must not contain '/.'")
	}
	return nil
}

// CreateWorktree creates a new git worktree at the specified path.
// startPoint specifies the base commit/branch for the new worktree.
// If the branch already exists, it checks it out into the new worktree.
func CreateWorktree(repoRoot, worktreePath, branchName, startPoint string) error {
	if err := ValidateBranchName(branchName); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}

	// Fail fast: verify this is a git repo, bare or not (a bare clone has
	// no .git subdirectory of its own, just HEAD/objects/refs at its root).
	dotGit, errDotGit := os.Stat(filepath.Join(repoRoot, ".git"))
	head, errHead := os.Stat(filepath.Join(repoRoot, "HEAD"))
	isRegular := errDotGit == nil && dotGit.IsDir()
	isBare := errHead == nil && !head.IsDir()
	if !isRegular && !isBare {
		return fmt.Errorf("%q is not a git repository", repoRoot)
	}

	// Create parent directory if needed.
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Try creating with new branch first.
	args := []string{"-C", repoRoot, "worktree", "add", worktreePath, "-b", branchName}
	args = append(args, startPoint)
	cmd := exec.Command("git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		outStr := string(output)
		// If branch already exists, try without -b (checkout existing branch).
		if strings.Contains(outStr, "already exists") {
			cmd2 := exec.Command("git", "-C", repoRoot, "worktree", "add", worktreePath, branchName)
			if output2, err2 := cmd2.CombinedOutput(); err2 != nil {
				return fmt.Errorf("git worktree add: %s", strings.TrimSpace(string(output2)))
			}
			return nil
		}
		return fmt.Errorf("git worktree add: %s", strings.TrimSpace(outStr))
	}

	return nil
}

// IsWorktreeClean checks if a worktree has uncommitted changes or unpushed commits.
// Returns true only if both the working tree is clean and there are no unpushed commits.
func IsWorktreeClean(worktreePath string) (bool, error) {
	// Fail fast: verify this path is inside a git repo.
	dotGit := filepath.Join(worktreePath, ".git")
	if _, err := os.Lstat(dotGit); err != nil {
		return false, fmt.Errorf("%q is not a git working tree", worktreePath)
	}

	// Check for uncommitted changes.
	cmd := exec.Command("git", "-C", worktreePath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if len(strings.TrimSpace(string(output))) > 0 {
		return false, nil
	}

	// Check for unpushed commits.
	// First, try comparing against the upstream tracking branch.
	cmd2 := exec.Command("git", "-C", worktreePath, "log", "@{upstream}..HEAD", "--oneline")
	output2, err := cmd2.Output()
	if err == nil {
		// Upstream exists — check if there are commits ahead of it.
		if len(strings.TrimSpace(string(output2))) > 0 {
			return false, nil
		}
		return true, nil
	}

	// No upstream configured. Fall back to checking if the current branch has
	// commits that don't exist on any other local branch. This catches the case
	// where a worktree branch was created with `git worktree add -b <name>` and
	// has local commits that would be lost if the worktree were deleted.
	currentBranch := ""
	branchCmd := exec.Command("git", "-C", worktreePath, "branch", "--show-current")
	if branchOutput, branchErr := branchCmd.Output(); branchErr == nil {
		currentBranch = strings.TrimSpace(string(branchOutput))
	}
	if currentBranch != "" {
		// Show commits on HEAD that aren't reachable from any other branch.
		cmd3 := exec.Command("git", "-C", worktreePath, "log", "HEAD",
			"--not", "--exclude="+currentBranch, "--branches", "--oneline")
		output3, err3 := cmd3.Output()
		if err3 == nil && len(strings.TrimSpace(string(output3))) > 0 {
			return false, nil
		}
	}

	return true, nil
}

// RemoveWorktree removes a git worktree.
func RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	// Fail fast: verify this is a git repo, bare or not (same check as
	// CreateWorktree, since repoRoot is commonly the bare mirror clone).
	dotGit, errDotGit := os.Stat(filepath.Join(repoRoot, ".git"))
	head, errHead := os.Stat(filepath.Join(repoRoot, "HEAD"))
	isRegular := errDotGit == nil && dotGit.IsDir()
	isBare := errHead == nil && !head.IsDir()
	if !isRegular && !isBare {
		return fmt.Errorf("%q is not a git repository", repoRoot)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "worktree", "remove", worktreePath, "--force")
	if output, err := cmd.CombinedOutput(); err != nil {
		// If git worktree remove fails, try to remove the directory manually.
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("git worktree remove: %s; manual removal also failed: %w", strings.TrimSpace(string(output)), rmErr)
		}
		// Directory removed manually, but we should also prune the worktree list.
		_ = exec.CommandContext(ctx, "git", "-C", repoRoot, "worktree", "prune").Run()
	}

	// Clean up the parent *-worktrees directory if it's now empty.
	// os.Remove only removes empty directories, so this is a no-op if
	// other worktrees still exist under the same parent.
	_ = os.Remove(filepath.Dir(worktreePath))

	return nil
}
