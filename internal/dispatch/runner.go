// Package dispatch runs generation tasks for a ProcessingUnit through an
// external tool and normalizes their results.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Invocation is a single request to the generation tool.
type Invocation struct {
	// Prompt is the rendered task instruction.
	Prompt string

	// Dir is the working directory, the unit's output directory.
	Dir string

	// AllowedTools is the capability set granted to the tool.
	AllowedTools []string

	// Timeout bounds the run. Zero means no bound beyond ctx.
	Timeout time.Duration

	// SourcePath is the scratch file holding the document text.
	SourcePath string

	// OutputPath is where the artifact is expected.
	OutputPath string

	// OutputIsDir is set when the artifact is a directory.
	OutputIsDir bool

	// Text is the document text, for runners that cannot read files.
	Text string
}

// Result is what a Runner observed. Err is set only when the tool could not
// be run at all; a tool that ran and exited non-zero reports ExitCode.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
	TimedOut bool
}

// Runner executes an Invocation. Implementations must return once ctx is
// done.
type Runner interface {
	Run(ctx context.Context, inv Invocation) Result
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inv Invocation) Result

// Run calls f(ctx, inv).
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) Result {
	return f(ctx, inv)
}

// DefaultCommand is the generation CLI invoked when none is configured.
const DefaultCommand = "claude"

// CommandRunner runs the generation tool as a subprocess:
//
//	<command> <extra args...> -p <prompt> --allowedTools <a,b,c>
//
// The process runs in its own process group so a timeout kills everything
// it spawned.
type CommandRunner struct {
	Command   string
	ExtraArgs []string

	// WaitDelay bounds how long output pipes are drained after a kill.
	WaitDelay time.Duration
}

// NewCommandRunner creates a CommandRunner. An empty command uses
// DefaultCommand.
func NewCommandRunner(command string, extraArgs ...string) *CommandRunner {
	if command == "" {
		command = DefaultCommand
	}
	return &CommandRunner{
		Command:   command,
		ExtraArgs: extraArgs,
		WaitDelay: 5 * time.Second,
	}
}

// Args returns the argument list for inv.
func (r *CommandRunner) Args(inv Invocation) []string {
	args := make([]string, 0, len(r.ExtraArgs)+4)
	args = append(args, r.ExtraArgs...)
	args = append(args, "-p", inv.Prompt)
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return args
}

// Run starts the command in inv.Dir and waits for it to exit or for the
// deadline to pass.
func (r *CommandRunner) Run(ctx context.Context, inv Invocation) Result {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args(inv)...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(),
		"BOOKPIPE_SOURCE="+inv.SourcePath,
		"BOOKPIPE_OUTPUT="+inv.OutputPath,
	)
	cmd.WaitDelay = r.WaitDelay
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			res.TimedOut = true
		} else {
			res.Err = ctxErr
		}
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}

	return res
}
