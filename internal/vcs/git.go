package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git runs git (and gh, when present) in a working directory.
type Git struct {
	// Dir is the repository working directory. Empty means the current
	// directory of the process.
	Dir string
}

// NewGit creates a Git VCS rooted at dir.
func NewGit(dir string) *Git {
	return &Git{Dir: dir}
}

// run executes git with the given arguments and returns trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(output)), nil
}

// EnsureBranch switches to the named branch, creating it from base when it
// does not exist yet.
func (g *Git) EnsureBranch(ctx context.Context, name, base string) error {
	if _, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
		if _, err := g.run(ctx, "checkout", name); err != nil {
			return fmt.Errorf("failed to switch to branch %s: %w", name, err)
		}
		return nil
	}

	if _, err := g.run(ctx, "checkout", "-b", name, base); err != nil {
		return fmt.Errorf("failed to create branch %s from %s: %w", name, base, err)
	}
	return nil
}

// CurrentBranch returns the branch currently checked out.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return branch, nil
}

// PRURLForCurrentBranch asks gh for the PR url of the current branch.
// Any failure (gh missing, no PR, no auth) yields "", not an error: a
// missing url only means the merge plan marks the feature for manual merge.
func (g *Git) PRURLForCurrentBranch(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", "--json", "url", "--jq", ".url")
	cmd.Dir = g.Dir
	output, err := cmd.Output()
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(output)), nil
}

// Merge merges the named branch into the current one.
func (g *Git) Merge(ctx context.Context, branch, strategy string) error {
	switch strategy {
	case "", StrategyMerge:
		if _, err := g.run(ctx, "merge", "--no-ff", branch); err != nil {
			return fmt.Errorf("failed to merge %s: %w", branch, err)
		}
	case StrategySquash:
		if _, err := g.run(ctx, "merge", "--squash", branch); err != nil {
			return fmt.Errorf("failed to squash-merge %s: %w", branch, err)
		}
	default:
		return fmt.Errorf("unknown merge strategy: %s", strategy)
	}
	return nil
}

// IsRepository checks whether the working directory is within a Git repository.
func (g *Git) IsRepository(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = g.Dir
	err := cmd.Run()
	if err != nil {
		// Check if error is because git command not found
		if _, ok := err.(*exec.Error); ok {
			return false, fmt.Errorf("git not found in PATH\nDrey requires Git to be installed.\nInstall Git: https://git-scm.com/downloads")
		}
		return false, nil
	}
	return true, nil
}

// RepoRoot returns the absolute path to the Git repository root.
func (g *Git) RepoRoot(ctx context.Context) (string, error) {
	root, err := g.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to get Git root: %w", err)
	}
	return root, nil
}

// IsClean returns true if the working directory has no uncommitted changes,
// including staged, unstaged, and untracked files.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	output, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check Git status: %w", err)
	}
	return output == "", nil
}

// DirtySummary returns a formatted list of uncommitted changes for error
// messages. Returns empty string if the workspace is clean.
func (g *Git) DirtySummary(ctx context.Context) (string, error) {
	porcelain, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to check Git status: %w", err)
	}
	if porcelain == "" {
		return "", nil
	}

	var modified, untracked []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 3 {
			continue
		}
		status := line[:2]
		file := strings.TrimSpace(line[2:])

		if strings.HasPrefix(status, "??") {
			untracked = append(untracked, file)
		} else {
			modified = append(modified, file)
		}
	}

	var parts []string
	if len(modified) > 0 {
		parts = append(parts, "Uncommitted changes:")
		for _, file := range modified {
			parts = append(parts, fmt.Sprintf(" M %s", file))
		}
	}
	if len(untracked) > 0 {
		if len(parts) > 0 {
			parts = append(parts, "")
		}
		parts = append(parts, "Untracked files:")
		for _, file := range untracked {
			parts = append(parts, fmt.Sprintf("?? %s", file))
		}
	}

	return strings.Join(parts, "\n"), nil
}

// ValidateRepoContext validates that the working directory is the root of a
// Git repository. Returns a user-friendly error if validation fails.
func (g *Git) ValidateRepoContext(ctx context.Context) error {
	isRepo, err := g.IsRepository(ctx)
	if err != nil {
		return err
	}
	if !isRepo {
		return fmt.Errorf("not a Git repository\n\nDrey coordinates feature branches and must run inside a Git repository.\n\nRun 'git init' first, then 'drey init'")
	}

	root, err := g.RepoRoot(ctx)
	if err != nil {
		return err
	}

	dir := g.Dir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	dirClean := filepath.Clean(dir)
	rootClean := filepath.Clean(root)
	if resolved, err := filepath.EvalSymlinks(dirClean); err == nil {
		dirClean = resolved
	}
	if resolved, err := filepath.EvalSymlinks(rootClean); err == nil {
		rootClean = resolved
	}

	if dirClean != rootClean {
		return fmt.Errorf("must run from Git repository root\n\nGit root: %s\nCurrent directory: %s\n\nPlease cd to the Git root and run 'drey' there", root, dir)
	}

	return nil
}
