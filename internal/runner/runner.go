package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultShell interprets commands passed to Run.
	DefaultShell = "sh"
	// DefaultOutputLimitBytes caps the captured size of each output stream.
	DefaultOutputLimitBytes = 1 << 20
)

// Runner executes one shell command in a working directory.
type Runner interface {
	Run(ctx context.Context, command string, dir string) (Result, error)
}

// Result is the captured outcome of a command that was able to start.
type Result struct {
	Command  string
	Dir      string
	Stdout   string
	Stderr   string
	ExitCode int
	OK       bool
	Duration time.Duration
}

// Err returns a *CommandFailure when the command exited non-zero, nil otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &CommandFailure{
		Command:  r.Command,
		ExitCode: r.ExitCode,
		Stderr:   r.Stderr,
	}
}

// CommandFailure reports a command that ran and exited non-zero.
type CommandFailure struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailure) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, stderr)
}

// TransportError reports a command that could not be started at all,
// for example because its working directory does not exist.
type TransportError struct {
	Command string
	Dir     string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("start command %q in %q: %v", e.Command, e.Dir, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures a ShellRunner.
type Options struct {
	Shell            string
	OutputLimitBytes int
	// Stdout and Stderr, when set, receive a live copy of the command output
	// so operator logs interleave with the daemon's own.
	Stdout io.Writer
	Stderr io.Writer
}

// ShellRunner runs commands through `sh -c`.
type ShellRunner struct {
	shell       string
	outputLimit int
	stdout      io.Writer
	stderr      io.Writer
	now         func() time.Time
}

// New builds a ShellRunner with defaults applied where omitted.
func New(opts Options) *ShellRunner {
	shell := strings.TrimSpace(opts.Shell)
	if shell == "" {
		shell = DefaultShell
	}
	limit := opts.OutputLimitBytes
	if limit <= 0 {
		limit = DefaultOutputLimitBytes
	}
	return &ShellRunner{
		shell:       shell,
		outputLimit: limit,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		now:         time.Now,
	}
}

// Run executes command in dir. A non-zero exit is reported through
// Result.OK; only failures to start the command return an error.
func (r *ShellRunner) Run(ctx context.Context, command string, dir string) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner is nil")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, errors.New("command must not be empty")
	}
	if strings.TrimSpace(dir) == "" {
		return Result{}, errors.New("working directory must not be empty")
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = dir

	stdout := newLimitedBuffer(r.outputLimit)
	stderr := newLimitedBuffer(r.outputLimit)
	cmd.Stdout = teeWriter(stdout, r.stdout)
	cmd.Stderr = teeWriter(stderr, r.stderr)

	start := r.now()
	err := cmd.Run()
	duration := r.now().Sub(start)

	result := Result{
		Command:  command,
		Dir:      dir,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		OK:       err == nil,
		Duration: duration,
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return Result{}, &TransportError{Command: command, Dir: dir, Err: err}
}

func teeWriter(buffer *limitedBuffer, echo io.Writer) io.Writer {
	if echo == nil {
		return buffer
	}
	return io.MultiWriter(buffer, echo)
}

type limitedBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	written := len(p)
	remaining := b.max - len(b.data)
	switch {
	case remaining <= 0:
		if written > 0 {
			b.truncated = true
		}
	case written <= remaining:
		b.data = append(b.data, p...)
	default:
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
	}
	return written, nil
}

func (b *limitedBuffer) String() string {
	if !b.truncated {
		return string(b.data)
	}
	const marker = "\n...[output truncated]"
	if len(b.data) >= len(marker) {
		return string(b.data[:len(b.data)-len(marker)]) + marker
	}
	return string(b.data)
}

var _ Runner = (*ShellRunner)(nil)
