package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	mailboxSize     = 64
	maxMessageBytes = 1 << 20
	sendTimeout     = 5 * time.Second
)

// MessageHandler receives one action token sent by the child.
type MessageHandler func(action string)

// Process is the handle to one managed child. Messages on the control
// channel are newline-delimited JSON values, the framing Node.js uses for
// its IPC channel.
type Process struct {
	pid  int
	dir  string
	env  []string
	cmd  *exec.Cmd
	conn net.Conn

	done    chan struct{}
	exitErr error
	stopped atomic.Bool

	sendMu sync.Mutex

	mailbox      chan string
	handlerMu    sync.Mutex
	handler      MessageHandler
	dispatchOnce sync.Once

	logger *log.Logger
}

func newProcess(cmd *exec.Cmd, conn net.Conn, logger *log.Logger) *Process {
	return &Process{
		pid:     cmd.Process.Pid,
		dir:     cmd.Dir,
		env:     append([]string(nil), cmd.Env...),
		cmd:     cmd,
		conn:    conn,
		done:    make(chan struct{}),
		mailbox: make(chan string, mailboxSize),
		logger:  logger.With("pid", cmd.Process.Pid),
	}
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p == nil {
		return 0
	}
	return p.pid
}

// Dir returns the working directory the process was started in.
func (p *Process) Dir() string {
	return p.dir
}

// Env returns a copy of the environment the process was started with.
func (p *Process) Env() []string {
	return append([]string(nil), p.env...)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stopped reports whether termination was requested through Stop.
func (p *Process) Stopped() bool {
	return p.stopped.Load()
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) send(payload any) error {
	if p.conn == nil || p.Exited() {
		return ErrNotRunning
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	encoded = append(encoded, '\n')

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return fmt.Errorf("set control channel deadline: %w", err)
	}
	if _, err := p.conn.Write(encoded); err != nil {
		return fmt.Errorf("write control message to pid %d: %w", p.pid, err)
	}
	return nil
}

func (p *Process) setHandler(handler MessageHandler) {
	p.handlerMu.Lock()
	p.handler = handler
	p.handlerMu.Unlock()
	if p.mailbox == nil {
		return
	}
	p.dispatchOnce.Do(func() {
		go p.dispatch()
	})
}

func (p *Process) currentHandler() MessageHandler {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	return p.handler
}

// readLoop only decodes; dispatch runs handlers so a slow handler never
// stalls receipt.
func (p *Process) readLoop() {
	defer close(p.mailbox)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var message any
		if err := json.Unmarshal([]byte(line), &message); err != nil {
			p.logger.Warn("ignoring malformed control message", "err", err)
			continue
		}
		action, ok := message.(string)
		if !ok {
			p.logger.Debug("ignoring non-string control message", "message", line)
			continue
		}
		p.mailbox <- strings.TrimSpace(action)
	}
	if err := scanner.Err(); err != nil && !p.Exited() && !isClosedConn(err) {
		p.logger.Warn("control channel read failed", "err", err)
	}
}

func (p *Process) dispatch() {
	for action := range p.mailbox {
		handler := p.currentHandler()
		if handler == nil {
			continue
		}
		handler(action)
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
