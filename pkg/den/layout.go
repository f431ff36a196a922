package den

import (
	"fmt"
	"os"
	"path/filepath"
)

// Den path helpers
//
// All shared documents live under a single den root directory so that every
// process coordinating on a run resolves the same paths from configuration.
// Individual documents can be relocated through LayoutPaths; anything left
// unset resolves to its well-known place under the root.
//
// File pattern: {root}/{document}
// Lock pattern: {root}/locks/{name}.lock

// LayoutPaths overrides the location of individual den documents. Empty
// fields keep their default under the den root.
type LayoutPaths struct {
	State      string // feature state document (default {root}/state.json)
	Locks      string // lock directory (default {root}/locks)
	Heartbeats string // heartbeat directory (default {root}/heartbeats)
	Decisions  string // decision records directory (default {root}/decisions)
	Answers    string // answer file-drop inbox (default {root}/answers)
	Ledger     string // cost ledger (default {root}/ledger.csv)
	MergePlan  string // merge plan document (default {root}/merge-plan.md)
}

// Layout resolves the well-known paths inside a den directory.
// The zero value is not usable; construct with NewLayout or CustomLayout.
type Layout struct {
	root       string
	state      string
	locks      string
	heartbeats string
	decisions  string
	answers    string
	ledger     string
	mergePlan  string
}

// NewLayout returns a Layout rooted at the given den directory with every
// document in its default place.
func NewLayout(root string) Layout {
	return CustomLayout(root, LayoutPaths{})
}

// CustomLayout returns a Layout rooted at the given den directory with any
// non-empty override applied.
func CustomLayout(root string, paths LayoutPaths) Layout {
	l := Layout{
		root:       root,
		state:      paths.State,
		locks:      paths.Locks,
		heartbeats: paths.Heartbeats,
		decisions:  paths.Decisions,
		answers:    paths.Answers,
		ledger:     paths.Ledger,
		mergePlan:  paths.MergePlan,
	}
	if l.state == "" {
		l.state = filepath.Join(root, "state.json")
	}
	if l.locks == "" {
		l.locks = filepath.Join(root, "locks")
	}
	if l.heartbeats == "" {
		l.heartbeats = filepath.Join(root, "heartbeats")
	}
	if l.decisions == "" {
		l.decisions = filepath.Join(root, "decisions")
	}
	if l.answers == "" {
		l.answers = filepath.Join(root, "answers")
	}
	if l.ledger == "" {
		l.ledger = filepath.Join(root, "ledger.csv")
	}
	if l.mergePlan == "" {
		l.mergePlan = filepath.Join(root, "merge-plan.md")
	}
	return l
}

// Root returns the den root directory.
func (l Layout) Root() string {
	return l.root
}

// StatePath returns the path of the feature state document.
func (l Layout) StatePath() string {
	return l.state
}

// LocksDir returns the directory holding named lock directories.
func (l Layout) LocksDir() string {
	return l.locks
}

// LockPath returns the lock directory for a named lock.
// Pattern: {locks}/{name}.lock
func (l Layout) LockPath(name string) string {
	return filepath.Join(l.locks, name+".lock")
}

// HeartbeatsDir returns the directory holding per-worker heartbeat files.
func (l Layout) HeartbeatsDir() string {
	return l.heartbeats
}

// HeartbeatPath returns the heartbeat file for a worker.
// Pattern: {heartbeats}/{worker_id}
func (l Layout) HeartbeatPath(workerID string) string {
	return filepath.Join(l.heartbeats, workerID)
}

// DecisionsDir returns the directory holding decision records.
func (l Layout) DecisionsDir() string {
	return l.decisions
}

// DecisionPath returns the record file for a decision.
// Pattern: {decisions}/{decision_id}.json
func (l Layout) DecisionPath(decisionID string) string {
	return filepath.Join(l.decisions, decisionID+".json")
}

// AnswersDir returns the file-drop inbox directory for decision answers.
func (l Layout) AnswersDir() string {
	return l.answers
}

// LedgerPath returns the path of the append-only cost ledger.
func (l Layout) LedgerPath() string {
	return l.ledger
}

// MergePlanPath returns the path of the generated merge plan document.
func (l Layout) MergePlanPath() string {
	return l.mergePlan
}

// Ensure creates the den directory tree if it does not exist.
// It also drops a .gitignore so the den is never committed: the state
// document must stay a single shared view across concurrent branches.
func (l Layout) Ensure() error {
	if l.root == "" {
		return fmt.Errorf("den root cannot be empty")
	}

	dirs := []string{
		l.root,
		l.locks,
		l.heartbeats,
		l.decisions,
		l.answers,
		filepath.Dir(l.state),
		filepath.Dir(l.ledger),
		filepath.Dir(l.mergePlan),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create den directory %s: %w", dir, err)
		}
	}

	ignorePath := filepath.Join(l.root, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write den .gitignore: %w", err)
		}
	}

	return nil
}
