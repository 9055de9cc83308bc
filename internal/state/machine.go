package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spacehook/spacehook/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one phase of the deployment lifecycle.
type State string

const (
	Idle        State = "idle"
	Cloning     State = "cloning"
	Configuring State = "configuring"
	Building    State = "building"
	Running     State = "running"
	Failed      State = "failed"
)

const historyLimit = 64

// Any state may move to Failed; that edge is handled in isAllowed.
var allowedTransitions = map[State]map[State]struct{}{
	Idle: {
		Cloning:     {},
		Configuring: {},
		Building:    {},
		Running:     {},
	},
	Cloning: {
		Configuring: {},
	},
	Configuring: {
		Building: {},
	},
	Building: {
		Running: {},
		Idle:    {},
	},
	Running: {
		Configuring: {},
		Building:    {},
		Running:     {},
		Idle:        {},
	},
	Failed: {
		Cloning:     {},
		Configuring: {},
		Building:    {},
		Running:     {},
	},
}

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{Idle, Cloning, Configuring, Building, Running, Failed}
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the timestamp source for history records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	From   State
	To     State
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for deployment lifecycle"
	}
	return fmt.Sprintf("cannot transition from %q to %q: %s", e.From, e.To, reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine holds the current deployment state and validates every move.
type Machine struct {
	mu      sync.RWMutex
	current State
	tracer  trace.Tracer
	now     func() time.Time
	history []TransitionRecord
}

// NewMachine builds a machine starting in Idle.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		current: Idle,
		tracer:  otel.Tracer("spacehook/state"),
		now:     time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to the given state if the lifecycle allows it.
func (m *Machine) Transition(ctx context.Context, to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(ctx, m.current, to, reason)
}

// CompareAndTransition moves from -> to only while the machine is in from.
// It reports false without error when the current state differs.
func (m *Machine) CompareAndTransition(ctx context.Context, from, to State, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false, nil
	}
	if err := m.transitionLocked(ctx, from, to, reason); err != nil {
		return false, err
	}
	return true, nil
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) transitionLocked(ctx context.Context, from, to State, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(from, to) {
		invariants.CheckStateTransitionLegal(ctx, "state.machine.transition", string(from), string(to), false)
		err := &IllegalTransitionError{From: from, To: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.current = to
	m.history = append(m.history, TransitionRecord{
		From:      from,
		To:        to,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	})
	if len(m.history) > historyLimit {
		m.history = append([]TransitionRecord(nil), m.history[len(m.history)-historyLimit:]...)
	}
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

func isAllowed(from, to State) bool {
	if !known(from) || !known(to) {
		return false
	}
	if to == Failed {
		return true
	}
	nextStates, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = nextStates[to]
	return ok
}

func known(s State) bool {
	for _, candidate := range States() {
		if candidate == s {
			return true
		}
	}
	return false
}
