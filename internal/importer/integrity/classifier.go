// Package integrity runs the external archive test and classifies its outcome.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/tool"
)

// Outcome is the closed set of archive test results
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeEncrypted Outcome = "encrypted"
	OutcomeCorrupted Outcome = "corrupted"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// encryptionMarkers are matched case-insensitively against tool output.
var encryptionMarkers = []string{"password", "encrypted"}

// Classify maps one tool invocation onto an Outcome. runErr is the error
// returned by the runner itself (failure to start).
func Classify(out tool.Output, runErr error) Outcome {
	switch {
	case runErr != nil:
		return OutcomeError
	case out.TimedOut:
		return OutcomeTimeout
	case out.ExitCode == 0:
		return OutcomeOK
	}

	text := strings.ToLower(out.Combined())
	for _, m := range encryptionMarkers {
		if strings.Contains(text, m) {
			return OutcomeEncrypted
		}
	}
	if out.ExitCode > 0 {
		return OutcomeCorrupted
	}
	return OutcomeError
}

// Err converts an outcome into a typed processing error, nil for ok.
func (o Outcome) Err(path string, cause error) error {
	switch o {
	case OutcomeOK:
		return nil
	case OutcomeEncrypted:
		return perrors.New(perrors.KindEncrypted, "archive test", path, cause)
	case OutcomeCorrupted:
		return perrors.New(perrors.KindCorrupted, "archive test", path, cause)
	case OutcomeTimeout:
		return perrors.New(perrors.KindExternalToolTimeout, "archive test", path, cause)
	default:
		return perrors.New(perrors.KindExternalToolError, "archive test", path, cause)
	}
}

// Classifier tests archives with an external tool
type Classifier struct {
	runner  tool.Runner
	command []string
	log     *slog.Logger
}

// NewClassifier creates a classifier invoking command (with {archive}
// substituted) through runner.
func NewClassifier(runner tool.Runner, command []string) *Classifier {
	return &Classifier{
		runner:  runner,
		command: command,
		log:     slog.Default().With("component", "integrity"),
	}
}

// Test runs the archive test against path. The returned error is nil only
// for OutcomeOK and otherwise carries the matching error kind.
func (c *Classifier) Test(ctx context.Context, path string) (Outcome, error) {
	argv := tool.Expand(c.command, path, "")
	out, runErr := c.runner.Run(ctx, argv)
	outcome := Classify(out, runErr)

	log := c.log.With("archive", path, "outcome", string(outcome), "exit_code", out.ExitCode, "duration", out.Duration)
	switch outcome {
	case OutcomeOK:
		log.InfoContext(ctx, "Archive test passed")
		return outcome, nil
	case OutcomeEncrypted, OutcomeCorrupted:
		log.WarnContext(ctx, "Archive test failed", "stderr", tail(out.Stderr, 512))
	default:
		log.ErrorContext(ctx, "Archive test could not complete", "error", runErr)
	}

	cause := runErr
	if cause == nil {
		cause = fmt.Errorf("exit code %d: %s", out.ExitCode, tail(out.Stderr, 200))
	}
	return outcome, outcome.Err(path, cause)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
