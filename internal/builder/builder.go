// Package builder runs the external builder command that implements features.
//
// A builder is any program that accepts a task prompt on stdin, works in the
// feature's checkout, and prints a progress transcript to stdout. Workers
// scan the transcript for completion markers; the builder itself needs no
// knowledge of drey.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"time"
)

// maxOutputSize is the maximum number of bytes captured from builder
// stdout/stderr (10MB). Output beyond the limit is discarded.
const maxOutputSize = 10 * 1024 * 1024

// Request describes one builder invocation for a feature.
type Request struct {
	FeatureID string // feature being worked on
	Prompt    string // task prompt, written to the builder's stdin
	WorkDir   string // working directory for the subprocess
}

// Result carries the builder's transcript and usage accounting.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int  // -1 when the process was killed or could not report one
	TimedOut  bool // true when the invocation hit its wall-clock limit
	TokensIn  int  // estimated prompt tokens
	TokensOut int  // estimated transcript tokens
	Duration  time.Duration
}

// Builder runs one iteration of feature work and returns its transcript.
type Builder interface {
	Build(ctx context.Context, req Request) (*Result, error)
}

// Exec runs a configured command as a subprocess. It is the production
// Builder.
type Exec struct {
	Command []string      // argv; the prompt goes to stdin, never the command line
	Timeout time.Duration // wall-clock limit per invocation
}

// NewExec creates an Exec builder for the given argv and timeout.
func NewExec(command []string, timeout time.Duration) *Exec {
	return &Exec{Command: command, Timeout: timeout}
}

// Build runs one builder invocation.
//
// The returned error is non-nil only when the invocation could not run at
// all (empty command, process failed to start, output over the capture
// limit). A non-zero exit or a timeout still returns the captured
// transcript with err == nil, because a marker printed before the failure
// still counts.
func (e *Exec) Build(ctx context.Context, req Request) (*Result, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("builder command is empty")
	}

	execCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = req.WorkDir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	log.Printf("[Builder] Starting %s for feature %s", e.Command[0], req.FeatureID)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start builder: %w", err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := io.WriteString(stdinPipe, req.Prompt); err != nil {
			log.Printf("[Builder] Warning: failed to write prompt to stdin: %v", err)
		}
	}()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		TokensIn:  EstimateTokens(req.Prompt),
		TokensOut: EstimateTokens(stdoutBuf.String()) + EstimateTokens(stderrBuf.String()),
		Duration:  duration,
	}

	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		result.ExitCode = -1
		return result, fmt.Errorf("builder output exceeded 10MB limit")
	}

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.TimedOut = true
		log.Printf("[Builder] Timed out after %s for feature %s", duration.Round(time.Second), req.FeatureID)
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("builder failed: %w", waitErr)
		}
	}

	log.Printf("[Builder] Finished feature %s: exit=%d duration=%s tokens_out=%d",
		req.FeatureID, result.ExitCode, duration.Round(time.Millisecond), result.TokensOut)
	return result, nil
}

// EstimateTokens approximates the token count of a text as len/4, rounded up.
// Builder CLIs do not report usage, so cost accounting works from this
// character heuristic.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}
