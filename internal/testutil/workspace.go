// Package testutil builds isolated workspaces for command-level tests: a
// git repository carrying a drey.yml, a feature catalog, and a stub builder
// script standing in for the coding agent CLI.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Workspace is one isolated test project: a git repository with an initial
// commit, ready to receive a drey.yml and a catalog.
type Workspace struct {
	T   *testing.T
	Dir string
}

// NewWorkspace creates a workspace in a temp directory with one commit.
func NewWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w := &Workspace{T: t, Dir: t.TempDir()}
	w.Git("init")
	// Pin the initial branch; git's default varies by version and feature
	// branches fork from "main".
	w.Git("symbolic-ref", "HEAD", "refs/heads/main")
	w.Git("config", "user.email", "test@drey.local")
	w.Git("config", "user.name", "Drey Test")
	w.WriteFile("README.md", "# Test Project\n")
	w.Git("add", ".")
	w.Git("commit", "-m", "initial commit")
	return w
}

// Git runs a git command in the workspace and fails the test on error.
func (w *Workspace) Git(args ...string) string {
	w.T.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = w.Dir
	out, err := cmd.CombinedOutput()
	require.NoError(w.T, err, "git %v: %s", args, out)
	return string(out)
}

// Path resolves a name relative to the workspace root.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes a file under the workspace root and returns its path.
func (w *Workspace) WriteFile(name, content string) string {
	w.T.Helper()
	path := w.Path(name)
	require.NoError(w.T, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(w.T, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Commit stages and commits everything in the workspace.
func (w *Workspace) Commit(message string) {
	w.T.Helper()
	w.Git("add", "-A")
	w.Git("commit", "-m", message)
}

// Chdir makes the workspace the current directory until the test ends.
// Commands resolve drey.yml and the git root against the working directory,
// the way an operator runs them.
func (w *Workspace) Chdir() {
	w.T.Helper()
	orig, err := os.Getwd()
	require.NoError(w.T, err)
	require.NoError(w.T, os.Chdir(w.Dir))
	w.T.Cleanup(func() { os.Chdir(orig) })
}

// WriteConfig writes drey.yml and returns its path.
func (w *Workspace) WriteConfig(yml string) string {
	w.T.Helper()
	return w.WriteFile("drey.yml", yml)
}

// WriteCatalog writes catalog.yaml and returns its path.
func (w *Workspace) WriteCatalog(yml string) string {
	w.T.Helper()
	return w.WriteFile("catalog.yaml", yml)
}

// StubBuilder writes an executable builder script and returns its path.
func (w *Workspace) StubBuilder(script string) string {
	w.T.Helper()
	path := w.Path("builder.sh")
	require.NoError(w.T, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// CompletingBuilder is a builder script that reads the task prompt on stdin
// and reports whatever feature it names as complete.
func CompletingBuilder() string {
	return `#!/bin/sh
id=$(sed -n 's/^Feature: .*(id: \(.*\))$/\1/p' | head -n 1)
echo "<promise>FEATURE_COMPLETE:${id}</promise>"
`
}

// BlockingBuilder is a builder script that blocks every feature it is given
// with the provided reason.
func BlockingBuilder(reason string) string {
	return fmt.Sprintf(`#!/bin/sh
id=$(sed -n 's/^Feature: .*(id: \(.*\))$/\1/p' | head -n 1)
echo "<promise>BLOCKED:${id}:%s</promise>"
`, reason)
}

// SilentBuilder is a builder script that never prints a marker, driving the
// feature toward its iteration limit.
func SilentBuilder() string {
	return `#!/bin/sh
cat > /dev/null
echo "thinking..."
`
}

// RunConfig renders a drey.yml tuned for fast tests: one-second cadences and
// the given builder argv.
func RunConfig(builderPath string, workers int) string {
	return fmt.Sprintf(`version: "1"
workers: %d
builder:
  command: [%q]
  timeout_minutes: 1
iterations:
  max_per_feature: 3
heartbeat:
  interval_seconds: 1
  stale_after_seconds: 2
decisions:
  timeout_seconds: 1
supervise_interval_seconds: 1
claim_poll_seconds: 1
paths:
  catalog: catalog.yaml
  den: .drey
`, workers, builderPath)
}

// TwoFeatureCatalog is a minimal catalog: auth first, todos depending on it.
func TwoFeatureCatalog() string {
	return `features:
  - id: auth
    name: Authentication layer
    priority: 1
    workflow_type: direct
  - id: todos
    name: Todo endpoints
    priority: 2
    workflow_type: direct
    depends_on: [auth]
`
}
