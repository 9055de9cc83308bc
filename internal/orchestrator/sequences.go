package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spacehook/spacehook/internal/repoconfig"
	"github.com/spacehook/spacehook/internal/state"
	"github.com/spacehook/spacehook/internal/supervisor"
	"github.com/spacehook/spacehook/internal/telemetry/invariants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// sequence carries per-run context through one lifecycle sequence.
type sequence struct {
	id     string
	op     Operation
	logger *log.Logger
}

func (o *Orchestrator) execute(ctx context.Context, req request) Outcome {
	seq := sequence{
		id: uuid.NewString(),
		op: req.op,
	}
	seq.logger = o.logger.With("sequence_id", seq.id, "operation", string(req.op))

	ctx, span := o.tracer.Start(ctx, "orchestrator.sequence", trace.WithAttributes(
		attribute.String("sequence_id", seq.id),
		attribute.String("operation", string(req.op)),
		attribute.String("reason", req.reason),
	))
	defer span.End()

	active := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	invariants.CheckSequenceExclusive(ctx, "orchestrator.execute", string(req.op), int(active))

	seq.logger.Info("sequence started", "reason", req.reason, "state", o.machine.Current())
	started := time.Now()

	var err error
	switch req.op {
	case OpBootstrap:
		err = o.bootstrap(ctx, seq)
		o.markBootstrapped()
	case OpRebuild:
		err = o.rebuildAndRun(ctx, seq)
	case OpRestart:
		err = o.restartOnly(ctx, seq)
	case OpPull:
		err = o.pullOnly(ctx, seq)
	case OpSetup:
		err = o.setupOnly(ctx, seq)
	default:
		err = fmt.Errorf("unknown operation %q", req.op)
	}

	elapsed := time.Since(started)
	o.metrics.ObserveSequence(string(req.op), err, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		seq.logger.Error("sequence failed", "err", err, "elapsed", elapsed)
		if transitionErr := o.machine.Transition(ctx, state.Failed, err.Error()); transitionErr != nil {
			seq.logger.Error("record failure state", "err", transitionErr)
		}
	} else {
		span.SetStatus(codes.Ok, "sequence completed")
		seq.logger.Info("sequence finished", "elapsed", elapsed, "state", o.machine.Current())
	}
	return Outcome{Operation: req.op, SequenceID: seq.id, Err: err}
}

func (o *Orchestrator) bootstrap(ctx context.Context, seq sequence) error {
	if o.currentProcess() == nil {
		if err := o.machine.Transition(ctx, state.Cloning, "bootstrap"); err != nil {
			return err
		}
		if o.repo.Cloned() {
			seq.logger.Info("repository already cloned; skipping clone", "dir", o.repo.Dir())
		} else {
			seq.logger.Info("cloning repository", "dir", o.repo.Dir())
			if err := o.repo.Clone(ctx); err != nil {
				return fmt.Errorf("clone repository: %w", err)
			}
		}
	}
	return o.rebuildAndRun(ctx, seq)
}

func (o *Orchestrator) rebuildAndRun(ctx context.Context, seq sequence) error {
	if err := o.machine.Transition(ctx, state.Configuring, "pull and reload configuration"); err != nil {
		return err
	}
	seq.logger.Info("pulling repository", "dir", o.repo.Dir())
	if err := o.repo.Pull(ctx); err != nil {
		return fmt.Errorf("pull repository: %w", err)
	}

	cfg, err := o.configs.Load()
	if err != nil {
		return fmt.Errorf("load repository configuration: %w", err)
	}
	seq.logger.Info("configuration loaded", "command", cfg.RunCommand, "scripts", len(cfg.SetupScripts), "env_keys", cfg.EnvKeys())

	if err := o.machine.Transition(ctx, state.Building, "run setup scripts"); err != nil {
		return err
	}
	if err := o.runSetup(ctx, seq, cfg); err != nil {
		return err
	}
	return o.restart(ctx, seq, cfg)
}

func (o *Orchestrator) restartOnly(ctx context.Context, seq sequence) error {
	cfg, ok := o.configs.Current()
	if !ok {
		return ErrNoConfig
	}
	return o.restart(ctx, seq, cfg)
}

func (o *Orchestrator) pullOnly(ctx context.Context, seq sequence) error {
	seq.logger.Info("pulling repository", "dir", o.repo.Dir())
	if err := o.repo.Pull(ctx); err != nil {
		return fmt.Errorf("pull repository: %w", err)
	}
	return nil
}

func (o *Orchestrator) setupOnly(ctx context.Context, seq sequence) error {
	cfg, ok := o.configs.Current()
	if !ok {
		return ErrNoConfig
	}
	if err := o.machine.Transition(ctx, state.Building, "rerun setup scripts"); err != nil {
		return err
	}
	if err := o.runSetup(ctx, seq, cfg); err != nil {
		return err
	}
	if p := o.currentProcess(); p != nil && !p.Exited() {
		return o.machine.Transition(ctx, state.Running, "setup complete")
	}
	return o.machine.Transition(ctx, state.Idle, "setup complete")
}

// runSetup runs every script in order and stops at the first failure.
func (o *Orchestrator) runSetup(ctx context.Context, seq sequence, cfg repoconfig.RepositoryConfig) error {
	total := len(cfg.SetupScripts)
	for i, script := range cfg.SetupScripts {
		seq.logger.Info("running setup script", "step", i+1, "of", total, "script", script)
		result, err := o.runner.Run(ctx, script, o.repo.Dir())
		if err != nil {
			return fmt.Errorf("setup script %d/%d: %w", i+1, total, err)
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("setup script %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

// restart replaces the managed process. The argv is validated before the
// previous process is touched. A failed stop aborts before any start; once
// stopped, a failed start leaves no process running.
func (o *Orchestrator) restart(ctx context.Context, seq sequence, cfg repoconfig.RepositoryConfig) error {
	program, args, err := cfg.Argv()
	if err != nil {
		return err
	}

	prev := o.takeProcess()
	if prev != nil {
		seq.logger.Info("stopping managed process", "pid", prev.PID())
	}
	if err := o.supervisor.Stop(ctx, prev); err != nil {
		// The old process may still be alive; keep the handle so a later
		// stop or shutdown can reach it, and never start a second one.
		o.setProcess(prev)
		invariants.CheckSingleManagedProcess(ctx, "orchestrator.restart", prev.PID())
		return fmt.Errorf("stop managed process %d: %w", prev.PID(), err)
	}

	ready := make(chan struct{})
	defer close(ready)
	p, err := o.supervisor.Start(ctx, supervisor.Spec{
		Command: program,
		Args:    args,
		Dir:     o.repo.Dir(),
		Env:     supervisor.MergeEnv(o.baseEnv, cfg.Env),
		OnExit: func(p *supervisor.Process, exitErr error) {
			<-ready
			o.processExited(p, exitErr)
		},
	})
	if err != nil {
		return fmt.Errorf("start managed process: %w", err)
	}
	if p == nil {
		return errors.New("start managed process: supervisor returned no process")
	}

	o.setProcess(p)
	o.supervisor.OnControlMessage(p, o.handleControl)
	o.metrics.ProcessStarted(p.PID())
	seq.logger.Info("managed process started", "pid", p.PID(), "command", program, "args", args)
	return o.machine.Transition(ctx, state.Running, "managed process started")
}
