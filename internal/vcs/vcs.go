// Package vcs wraps the version control operations drey performs: preparing
// feature branches for workers, resolving PR urls for the merge plan, and
// validating the repository before a run starts.
package vcs

import (
	"context"
	"sync"
)

// Merge strategies accepted by Merge.
const (
	StrategyMerge  = "merge"  // git merge --no-ff
	StrategySquash = "squash" // git merge --squash
)

// VCS is the version control surface used by workers and the merge planner.
type VCS interface {
	// EnsureBranch switches to the named branch, creating it from base if it
	// does not exist yet.
	EnsureBranch(ctx context.Context, name, base string) error

	// CurrentBranch returns the branch currently checked out.
	CurrentBranch(ctx context.Context) (string, error)

	// PRURLForCurrentBranch returns the PR url for the current branch, or ""
	// when no PR exists or no PR host integration is available.
	PRURLForCurrentBranch(ctx context.Context) (string, error)

	// Merge merges the named branch into the current one using the given
	// strategy.
	Merge(ctx context.Context, branch, strategy string) error
}

// Nop is a VCS that performs no repository operations. It serves runs on
// plain directories and tests. Calls are recorded so tests can assert on
// the branch and merge sequence.
type Nop struct {
	Branch string // returned by CurrentBranch (default "main")
	PRURL  string // returned by PRURLForCurrentBranch

	mu       sync.Mutex
	Ensured  []string // branch names passed to EnsureBranch
	MergedIn []string // branch names passed to Merge
}

// EnsureBranch records the branch name and switches CurrentBranch to it.
func (n *Nop) EnsureBranch(_ context.Context, name, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Ensured = append(n.Ensured, name)
	n.Branch = name
	return nil
}

// CurrentBranch returns the last ensured branch, or "main" when none.
func (n *Nop) CurrentBranch(_ context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Branch == "" {
		return "main", nil
	}
	return n.Branch, nil
}

// PRURLForCurrentBranch returns the configured url, if any.
func (n *Nop) PRURLForCurrentBranch(_ context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.PRURL, nil
}

// Merge records the branch name.
func (n *Nop) Merge(_ context.Context, branch, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.MergedIn = append(n.MergedIn, branch)
	return nil
}
