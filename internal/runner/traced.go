package runner

import (
	"context"

	"github.com/spacehook/spacehook/internal/telemetry"
)

// Traced wraps next so every command runs inside a command.run span.
func Traced(next Runner) Runner {
	if next == nil {
		return nil
	}
	return tracedRunner{next: next}
}

type tracedRunner struct {
	next Runner
}

func (r tracedRunner) Run(ctx context.Context, command string, dir string) (Result, error) {
	ctx, span := telemetry.StartCommand(ctx, telemetry.CommandRequest{Command: command, Dir: dir})
	result, err := r.next.Run(ctx, command, dir)
	span.End(result.ExitCode, result.Stderr, err)
	return result, err
}
