package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/spacehook/spacehook/internal/events"
	"github.com/spacehook/spacehook/internal/metrics"
	"github.com/spacehook/spacehook/internal/repoconfig"
	"github.com/spacehook/spacehook/internal/runner"
	"github.com/spacehook/spacehook/internal/state"
	"github.com/spacehook/spacehook/internal/supervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueueSize bounds how many sequences may wait behind the one in flight.
const DefaultQueueSize = 16

// Operation names one lifecycle sequence.
type Operation string

const (
	// OpBootstrap clones when needed, then rebuilds and runs.
	OpBootstrap Operation = "bootstrap"
	// OpRebuild pulls, reloads configuration, runs setup, and restarts.
	OpRebuild Operation = "build"
	// OpRestart bounces the managed process with the loaded configuration.
	OpRestart Operation = "reset"
	// OpPull pulls without touching the process or configuration.
	OpPull Operation = "pull"
	// OpSetup reruns the setup scripts with the loaded configuration.
	OpSetup Operation = "setup"
)

var (
	// ErrQueueFull is returned by Submit when the sequence queue is at capacity.
	ErrQueueFull = errors.New("sequence queue is full")
	// ErrClosed is returned once the orchestrator has stopped accepting work.
	ErrClosed = errors.New("orchestrator is closed")
	// ErrNoConfig is returned by sequences that need an already-loaded configuration.
	ErrNoConfig = errors.New("no repository configuration loaded")
)

// ParseAction maps a control-channel token onto its operation. Only the
// four child-initiated actions are recognized.
func ParseAction(token string) (Operation, bool) {
	switch Operation(strings.TrimSpace(token)) {
	case OpRestart:
		return OpRestart, true
	case OpRebuild:
		return OpRebuild, true
	case OpPull:
		return OpPull, true
	case OpSetup:
		return OpSetup, true
	default:
		return "", false
	}
}

// Repository is the checked-out source tree.
type Repository interface {
	Clone(ctx context.Context) error
	Pull(ctx context.Context) error
	Cloned() bool
	Dir() string
}

// ConfigStore loads and holds the repository configuration.
type ConfigStore interface {
	Load() (repoconfig.RepositoryConfig, error)
	Current() (repoconfig.RepositoryConfig, bool)
}

// Supervisor owns the managed process.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Process, error)
	Stop(ctx context.Context, p *supervisor.Process) error
	Send(p *supervisor.Process, payload any) error
	OnControlMessage(p *supervisor.Process, handler supervisor.MessageHandler)
}

// Options wires an Orchestrator. Repository, Configs, Runner, and
// Supervisor are required.
type Options struct {
	Repository Repository
	Configs    ConfigStore
	Runner     runner.Runner
	Supervisor Supervisor

	Machine *state.Machine
	Logger  *log.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer

	QueueSize int
	// BaseEnv is the environment the run command's overlay is applied to;
	// nil means the daemon's own environment.
	BaseEnv []string
}

// Outcome reports how one submitted sequence ended.
type Outcome struct {
	Operation  Operation
	SequenceID string
	Err        error
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Active bool        `json:"active"`
	State  state.State `json:"state"`
	PID    int         `json:"pid"`
}

type request struct {
	op     Operation
	reason string
	done   chan Outcome
}

// Orchestrator runs lifecycle sequences one at a time from a FIFO queue.
// It exclusively owns the managed process handle.
type Orchestrator struct {
	repo       Repository
	configs    ConfigStore
	runner     runner.Runner
	supervisor Supervisor
	machine    *state.Machine
	logger     *log.Logger
	metrics    *metrics.Collector
	tracer     trace.Tracer
	baseEnv    []string

	queue chan request

	mu           sync.Mutex
	closed       bool
	bootstrapped bool
	process      *supervisor.Process

	inFlight atomic.Int32
}

// New creates an Orchestrator with required dependencies.
func New(opts Options) (*Orchestrator, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Configs == nil {
		return nil, errors.New("config store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("command runner is required")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("process supervisor is required")
	}

	machine := opts.Machine
	if machine == nil {
		machine = state.NewMachine()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("spacehook/orchestrator")
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	baseEnv := opts.BaseEnv
	if baseEnv == nil {
		baseEnv = os.Environ()
	}

	return &Orchestrator{
		repo:       opts.Repository,
		configs:    opts.Configs,
		runner:     opts.Runner,
		supervisor: opts.Supervisor,
		machine:    machine,
		logger:     logger.With("component", "orchestrator"),
		metrics:    opts.Metrics,
		tracer:     tracer,
		baseEnv:    baseEnv,
		queue:      make(chan request, queueSize),
	}, nil
}

// Submit enqueues op behind any sequence already waiting. The returned
// channel yields one Outcome and is then closed.
func (o *Orchestrator) Submit(op Operation, reason string) (<-chan Outcome, error) {
	req := request{op: op, reason: reason, done: make(chan Outcome, 1)}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	select {
	case o.queue <- req:
		o.metrics.SetQueueDepth(len(o.queue))
		return req.done, nil
	default:
		o.logger.Warn("sequence queue full; rejecting request", "operation", op, "reason", reason)
		return nil, ErrQueueFull
	}
}

// Run executes queued sequences until ctx is cancelled. A sequence that has
// started always runs to completion; requests still queued on return are
// answered with ErrClosed.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-o.queue:
			o.metrics.SetQueueDepth(len(o.queue))
			outcome := o.execute(context.WithoutCancel(ctx), req)
			req.done <- outcome
			close(req.done)
		}
	}
}

// Bootstrap runs the startup sequence and waits for it.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	return o.await(ctx, OpBootstrap, "daemon start")
}

// RebuildAndRun runs the full pull, configure, setup, restart cycle and waits for it.
func (o *Orchestrator) RebuildAndRun(ctx context.Context) error {
	return o.await(ctx, OpRebuild, "requested")
}

// RestartOnly bounces the managed process and waits for it.
func (o *Orchestrator) RestartOnly(ctx context.Context) error {
	return o.await(ctx, OpRestart, "requested")
}

// PullOnly pulls the repository and waits for it.
func (o *Orchestrator) PullOnly(ctx context.Context) error {
	return o.await(ctx, OpPull, "requested")
}

// SetupOnly reruns the setup scripts and waits for them.
func (o *Orchestrator) SetupOnly(ctx context.Context) error {
	return o.await(ctx, OpSetup, "requested")
}

// HandleEvent reacts to an inbound event. Only push events act: the payload
// is forwarded to the managed process when one is live, then a rebuild is
// queued. Pushes that arrive before the bootstrap sequence has run are
// dropped. A push after a failed clone queues a fresh bootstrap instead.
func (o *Orchestrator) HandleEvent(event events.Event) {
	logger := o.logger.With("event", event.Name, "delivery_id", event.ID)
	if event.Name != events.NamePush {
		logger.Info("ignoring event")
		return
	}
	if !o.isBootstrapped() {
		logger.Info("push received while bootstrapping; dropping")
		return
	}

	if p := o.currentProcess(); p != nil {
		if err := o.supervisor.Send(p, "push="+compactPayload(event.Payload)); err != nil {
			logger.Warn("forward push payload to managed process", "pid", p.PID(), "err", err)
		}
	} else {
		logger.Info("no managed process running; redeploying")
	}

	op := OpRebuild
	if !o.repo.Cloned() {
		op = OpBootstrap
	}
	if _, err := o.Submit(op, "push "+event.ID); err != nil {
		logger.Error("queue sequence for push", "operation", op, "err", err)
	}
}

// Status reports whether a managed process is live, the lifecycle state, and its PID.
func (o *Orchestrator) Status() Status {
	p := o.currentProcess()
	return Status{
		Active: p != nil && !p.Exited(),
		State:  o.machine.Current(),
		PID:    p.PID(),
	}
}

// Shutdown stops accepting work and stops the managed process. Call it
// after Run has returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	p := o.process
	o.process = nil
	o.mu.Unlock()

	if p == nil {
		return nil
	}
	o.logger.Info("stopping managed process for shutdown", "pid", p.PID())
	return o.supervisor.Stop(ctx, p)
}

func (o *Orchestrator) await(ctx context.Context, op Operation, reason string) error {
	done, err := o.Submit(op, reason)
	if err != nil {
		return err
	}
	select {
	case outcome := <-done:
		return outcome.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) drain() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for {
		select {
		case req := <-o.queue:
			req.done <- Outcome{Operation: req.op, Err: ErrClosed}
			close(req.done)
		default:
			o.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (o *Orchestrator) handleControl(action string) {
	op, ok := ParseAction(action)
	if !ok {
		o.logger.Warn("ignoring unknown control action", "action", action)
		return
	}
	if _, err := o.Submit(op, "control channel"); err != nil {
		o.logger.Error("queue control action", "action", action, "err", err)
	}
}

func (o *Orchestrator) processExited(p *supervisor.Process, err error) {
	o.mu.Lock()
	current := o.process == p
	if current {
		o.process = nil
	}
	o.mu.Unlock()

	o.metrics.ProcessExited(p.Stopped())
	if !current || p.Stopped() {
		return
	}

	o.logger.Warn("managed process exited unexpectedly", "pid", p.PID(), "exit_code", p.ExitCode(), "err", err)
	if _, err := o.machine.CompareAndTransition(context.Background(), state.Running, state.Idle, "managed process exited"); err != nil {
		o.logger.Error("record process exit", "err", err)
	}
}

func (o *Orchestrator) isBootstrapped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bootstrapped
}

func (o *Orchestrator) markBootstrapped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bootstrapped = true
}

func (o *Orchestrator) currentProcess() *supervisor.Process {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.process
}

func (o *Orchestrator) takeProcess() *supervisor.Process {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.process
	o.process = nil
	return p
}

func (o *Orchestrator) setProcess(p *supervisor.Process) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.process = p
}

func compactPayload(payload json.RawMessage) string {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}
