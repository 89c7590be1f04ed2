package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/sessionforge/sessionforge/internal/errs"
)

// CloneOptions configures EnsureBareClone and Fetch.
type CloneOptions struct {
	RemoteURL string
	SSHKey    string // private key material; empty means system default identity
}

func runGit(ctx context.Context, env []string, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// withRetry runs op up to three times with exponential backoff, for
// network operations (clone, fetch, push) against a remote that may be
// transiently unreachable.
func withRetry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// EnsureBareClone clones opts.RemoteURL as a bare repository at bareDir if
// it does not already exist. If bareDir already contains a git directory,
// it is left untouched.
func EnsureBareClone(ctx context.Context, bareDir string, opts CloneOptions) error {
	if _, err := runGit(ctx, nil, "", "-C", bareDir, "rev-parse", "--is-bare-repository"); err == nil {
		return nil
	}

	return withSSHKey(opts.SSHKey, func(env []string) error {
		return withRetry(ctx, func() error {
			out, err := runGit(ctx, env, "", "clone", "--bare", opts.RemoteURL, bareDir)
			if err != nil {
				return errs.Wrap(errs.KindGitClone, strings.TrimSpace(string(out)), err)
			}
			return nil
		})
	})
}

// Fetch updates bareDir's refs from its origin remote.
func Fetch(ctx context.Context, bareDir string, opts CloneOptions) error {
	return withSSHKey(opts.SSHKey, func(env []string) error {
		return withRetry(ctx, func() error {
			out, err := runGit(ctx, env, bareDir, "fetch", "--prune", "origin")
			if err != nil {
				return errs.Wrap(errs.KindGitClone, strings.TrimSpace(string(out)), err)
			}
			return nil
		})
	})
}

// Push pushes branchName from worktreePath to its upstream remote.
func Push(ctx context.Context, worktreePath, branchName string, opts CloneOptions) error {
	return withSSHKey(opts.SSHKey, func(env []string) error {
		return withRetry(ctx, func() error {
			out, err := runGit(ctx, env, worktreePath, "push", "-u", "origin", branchName)
			if err != nil {
				return errs.Wrap(errs.KindGitPush, strings.TrimSpace(string(out)), err)
			}
			return nil
		})
	})
}

// Commit stages every change in worktreePath and commits with message.
// Returns the new commit SHA. If there is nothing to commit, returns the
// current HEAD SHA unchanged.
func Commit(ctx context.Context, worktreePath, message, authorName, authorEmail string) (string, error) {
	if _, err := runGit(ctx, nil, worktreePath, "add", "-A"); err != nil {
		return "", errs.Wrap(errs.KindGitCommit, "git add", err)
	}

	status, err := runGit(ctx, nil, worktreePath, "status", "--porcelain")
	if err != nil {
		return "", errs.Wrap(errs.KindGitCommit, "git status", err)
	}
	if len(strings.TrimSpace(string(status))) == 0 {
		return GetHead(ctx, worktreePath)
	}

	args := []string{"commit", "-m", message}
	if authorName != "" && authorEmail != "" {
		args = append(args, fmt.Sprintf("--author=%s <%s>", authorName, authorEmail))
	}
	if out, err := runGit(ctx, nil, worktreePath, args...); err != nil {
		return "", errs.Wrap(errs.KindGitCommit, strings.TrimSpace(string(out)), err)
	}

	return GetHead(ctx, worktreePath)
}

// GetHead returns the current HEAD commit SHA.
func GetHead(ctx context.Context, worktreePath string) (string, error) {
	out, err := runGit(ctx, nil, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", errs.Wrap(errs.KindGitDiff, "rev-parse HEAD", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResetHard discards all uncommitted changes and resets worktreePath to ref.
func ResetHard(ctx context.Context, worktreePath, ref string) error {
	if out, err := runGit(ctx, nil, worktreePath, "reset", "--hard", ref); err != nil {
		return errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	if out, err := runGit(ctx, nil, worktreePath, "clean", "-fd"); err != nil {
		return errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// GetChangedFiles returns the paths changed between ref and the worktree's
// current state (working tree + index), relative to worktreePath.
func GetChangedFiles(ctx context.Context, worktreePath, ref string) ([]string, error) {
	out, err := runGit(ctx, nil, worktreePath, "diff", "--name-only", ref)
	if err != nil {
		return nil, errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// GetDiff returns the unified diff of path between ref and the worktree's
// current state.
func GetDiff(ctx context.Context, worktreePath, ref, path string) (string, error) {
	out, err := runGit(ctx, nil, worktreePath, "diff", ref, "--", path)
	if err != nil {
		return "", errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// GetFileContent returns path's contents as of ref.
func GetFileContent(ctx context.Context, worktreePath, ref, path string) ([]byte, error) {
	out, err := runGit(ctx, nil, worktreePath, "show", ref+":"+path)
	if err != nil {
		return nil, errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

// GetFileHash returns the blob SHA of path as of ref.
func GetFileHash(ctx context.Context, worktreePath, ref, path string) (string, error) {
	out, err := runGit(ctx, nil, worktreePath, "rev-parse", ref+":"+path)
	if err != nil {
		return "", errs.Wrap(errs.KindGitDiff, strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ListBranches lists local branch names in repoRoot.
func ListBranches(ctx context.Context, repoRoot string) ([]string, error) {
	out, err := runGit(ctx, nil, repoRoot, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, errs.Wrap(errs.KindGitWorktree, strings.TrimSpace(string(out)), err)
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}
