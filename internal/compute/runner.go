package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"mpcrelay/internal/fault"
)

// Command is one child process execution
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
}

// Output holds the captured streams and exit status of a finished child
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes commands. A non-zero exit is reported through
// Output.ExitCode with a nil error; errors mean the child could not be run
// to completion (fault.ErrInvocation) or was killed on deadline
// (fault.ErrTimeout).
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for I/O after the child is killed
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) (*Output, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	err := cmd.Run()

	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	// The context is checked first: a killed child also reports an ExitError
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("%w: %s killed after deadline", fault.ErrTimeout, c.Path)
		}
		return out, fmt.Errorf("%w: %s canceled: %v", fault.ErrInvocation, c.Path, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, nil
		}
		return out, fmt.Errorf("%w: run %s: %v", fault.ErrInvocation, c.Path, err)
	}

	return out, nil
}
