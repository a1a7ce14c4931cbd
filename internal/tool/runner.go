// Package tool invokes external archive tools (test, extract, mount) under a
// deadline.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Output is the captured result of one invocation.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Combined returns stdout and stderr joined, for marker matching.
func (o Output) Combined() string {
	return o.Stdout + "\n" + o.Stderr
}

// Runner executes external commands.
type Runner interface {
	// Run executes argv to completion. A non-zero exit is reported in Output,
	// not as an error; err is reserved for failures to start or wait.
	Run(ctx context.Context, argv []string) (Output, error)
	// Start launches a long-running command, such as a foreground mount.
	Start(ctx context.Context, argv []string) (Process, error)
}

// Process is a running external command.
type Process interface {
	// Stop interrupts the process and waits up to grace before killing it.
	Stop(grace time.Duration) error
	// Done is closed when the process exits.
	Done() <-chan struct{}
}

// ExecRunner runs commands through os/exec with a per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner enforcing timeout on Run calls.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{}, errors.New("empty command")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		out.ExitCode = -1
		return out, fmt.Errorf("%s interrupted: %w", argv[0], ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out, nil
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	default:
		return out, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stop(grace time.Duration) error {
	p.once.Do(func() {
		_ = p.cmd.Process.Signal(os.Interrupt)
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("process %d did not exit within %s", p.cmd.Process.Pid, grace)
	}
}

// Expand substitutes the {archive} and {dest} placeholders in a command
// template.
func Expand(template []string, archive, dest string) []string {
	r := strings.NewReplacer("{archive}", archive, "{dest}", dest)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}
