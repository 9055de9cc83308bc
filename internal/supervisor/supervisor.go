package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const (
	// DefaultGracePeriod is the SIGTERM window before SIGKILL.
	DefaultGracePeriod = 5 * time.Second
	// ControlChannelFD is the descriptor number of the control channel in the child.
	ControlChannelFD = 3

	defaultForcedExitWait = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start while a managed process is live.
	ErrAlreadyRunning = errors.New("managed process already running")
	// ErrNotRunning is returned when sending to a process that has exited.
	ErrNotRunning = errors.New("managed process is not running")
)

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitHandler observes a managed process exiting, whether stopped or not.
type ExitHandler func(p *Process, err error)

// Spec describes the process to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env is the full child environment; nil inherits the daemon's.
	Env    []string
	OnExit ExitHandler
}

// Options configures a Supervisor.
type Options struct {
	// Standard streams handed to the child; nil Stdin means /dev/null.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	GracePeriod time.Duration
	Logger      *log.Logger
}

// Supervisor owns at most one managed child process.
type Supervisor struct {
	mu      sync.Mutex
	current *Process

	stdin          io.Reader
	stdout         io.Writer
	stderr         io.Writer
	gracePeriod    time.Duration
	forcedExitWait time.Duration
	logger         *log.Logger
	signal         func(pid int, sig unix.Signal) error
}

// New builds a Supervisor.
func New(opts Options) *Supervisor {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		stdin:          opts.Stdin,
		stdout:         opts.Stdout,
		stderr:         opts.Stderr,
		gracePeriod:    grace,
		forcedExitWait: defaultForcedExitWait,
		logger:         logger,
		signal:         unix.Kill,
	}
}

// Current returns the live process, or nil.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start spawns spec with its standard streams wired to the supervisor's and
// a control channel on fd 3. It fails with ErrAlreadyRunning if a process
// is still live; callers must Stop it first.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, errors.New("command is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrAlreadyRunning
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("create control socketpair: %w", err)}
	}
	childEnd := os.NewFile(uintptr(fds[0]), "control-child")
	parentEnd := os.NewFile(uintptr(fds[1]), "control-parent")

	// FileConn dups the descriptor, so the original is closed either way.
	conn, err := net.FileConn(parentEnd)
	_ = parentEnd.Close()
	if err != nil {
		_ = childEnd.Close()
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("open control channel: %w", err)}
	}

	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	cmd := exec.Command(command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = MergeEnv(env, map[string]string{
		"NODE_CHANNEL_FD":                 fmt.Sprint(ControlChannelFD),
		"NODE_CHANNEL_SERIALIZATION_MODE": "json",
	})
	cmd.Stdin = s.stdin
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		_ = childEnd.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}
	// The child holds its own copy.
	_ = childEnd.Close()

	p := newProcess(cmd, conn, s.logger)
	s.current = p
	s.logger.Info("managed process started", "pid", p.pid, "command", command, "args", spec.Args, "dir", spec.Dir)

	go p.readLoop()
	go s.wait(p, spec.OnExit)
	return p, nil
}

// Stop terminates p: SIGTERM to its process group, then SIGKILL once the
// grace period elapses. The supervisor forgets p before signalling, so a
// later Start is never blocked by it. Stopping nil is a no-op.
func (s *Supervisor) Stop(ctx context.Context, p *Process) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()

	if p.done == nil {
		return nil
	}
	p.stopped.Store(true)
	if p.Exited() {
		return nil
	}

	s.logger.Info("stopping managed process", "pid", p.pid)
	if err := s.signalGroup(p.pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to pid %d: %w", p.pid, err)
	}
	if s.waitExit(ctx, p, s.gracePeriod) {
		return nil
	}

	s.logger.Warn("managed process ignored SIGTERM; killing", "pid", p.pid, "grace_period", s.gracePeriod)
	if err := s.signalGroup(p.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("send SIGKILL to pid %d: %w", p.pid, err)
	}
	if s.waitExit(ctx, p, s.forcedExitWait) {
		return nil
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", p.pid)
}

// Send pushes one JSON message to the child. It does not wait for any
// acknowledgement.
func (s *Supervisor) Send(p *Process, payload any) error {
	if p == nil {
		return ErrNotRunning
	}
	return p.send(payload)
}

// OnControlMessage registers handler for action requests sent by p,
// replacing any earlier handler. Messages received before the first
// registration are held and delivered in order.
func (s *Supervisor) OnControlMessage(p *Process, handler MessageHandler) {
	if p == nil {
		return
	}
	p.setHandler(handler)
}

func (s *Supervisor) wait(p *Process, onExit ExitHandler) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	_ = p.conn.Close()

	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()

	if p.Stopped() {
		s.logger.Info("managed process stopped", "pid", p.pid, "exit_code", p.ExitCode())
	} else {
		s.logger.Warn("managed process exited", "pid", p.pid, "exit_code", p.ExitCode(), "err", err)
	}
	if onExit != nil {
		onExit(p, err)
	}
}

func (s *Supervisor) waitExit(ctx context.Context, p *Process, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) signalGroup(pid int, sig unix.Signal) error {
	err := s.signal(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = s.signal(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// MergeEnv overlays key/value pairs onto a KEY=VALUE environment, overlay
// values winning. Overlay entries are appended in sorted key order.
func MergeEnv(base []string, overlay map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overlay))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, overridden := overlay[key]; overridden {
			continue
		}
		merged = append(merged, entry)
	}
	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overlay[key])
	}
	return merged
}
