package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventInitialize Event = "initialize"
	EventStart      Event = "start"
	EventRunningAck Event = "running-ack"
	EventPause      Event = "pause"
	EventResume     Event = "resume"
	EventStop       Event = "stop"
	EventError      Event = "error-event"
	EventCleanup    Event = "cleanup"
	EventReset      Event = "reset"
)

// ErrInvalidTransition is returned when an event is not defined for the
// session's current state. The state is left untouched.
var ErrInvalidTransition = errors.New("process: invalid transition")

// ErrUnknownSession is returned for session ids that were never created.
var ErrUnknownSession = errors.New("process: unknown session")

// ErrSessionExists is returned when creating a session id twice.
var ErrSessionExists = errors.New("process: session already exists")

// transitions is the total transition table. Event/state pairs absent from it
// fail with ErrInvalidTransition and no side effects.
var transitions = map[domain.ProcessState]map[Event]domain.ProcessState{
	domain.StateIdle: {
		EventInitialize: domain.StateInitializing,
		EventError:      domain.StateError,
	},
	domain.StateInitializing: {
		EventStart: domain.StateStarting,
		EventError: domain.StateError,
	},
	domain.StateStarting: {
		EventRunningAck: domain.StateRunning,
		EventStop:       domain.StateStopped,
		EventError:      domain.StateError,
	},
	domain.StateRunning: {
		EventPause: domain.StatePaused,
		EventStop:  domain.StateStopped,
		EventError: domain.StateError,
	},
	domain.StatePaused: {
		EventResume: domain.StateRunning,
		EventStop:   domain.StateStopped,
		EventError:  domain.StateError,
	},
	// cleanup from error lands in stopped so a recovery can still reset the
	// session; a second cleanup from stopped terminates it for good. A further
	// error event while already in error is absorbed in place.
	domain.StateError: {
		EventCleanup: domain.StateStopped,
		EventError:   domain.StateError,
	},
	domain.StateStopped: {
		EventReset:   domain.StateIdle,
		EventCleanup: domain.StateTerminated,
		EventError:   domain.StateError,
	},
	domain.StateTerminated: {},
}

// Transition describes one applied state change.
type Transition struct {
	SessionID string
	Event     Event
	From      domain.ProcessState
	To        domain.ProcessState
	Dwell     time.Duration
	Forced    bool
	Reason    string
	At        time.Time
}

// Observer receives every applied transition. Calls are made synchronously
// while the session record is held, so observers must not call back into the
// machine for the same session.
type Observer func(Transition)

type record struct {
	mu        sync.Mutex
	ctx       domain.ProcessContext
	state     domain.ProcessState
	enteredAt time.Time
}

// Machine tracks the lifecycle state of every registered session. Transitions
// for one session are serialized by a per-record mutex; different sessions
// never contend.
type Machine struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *slog.Logger
	now     func() time.Time

	// obsMu guards observer separately from mu: apply runs while holding a
	// record mutex, and taking mu there would invert the lock order with
	// Remove.
	obsMu    sync.RWMutex
	observer Observer
}

// NewMachine constructs a state machine. The observer may be nil.
func NewMachine(logger *slog.Logger, observer Observer) *Machine {
	if logger != nil {
		logger = logger.With("component", "process")
	}
	return &Machine{
		records:  make(map[string]*record),
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Observe registers the transition observer, replacing any existing one.
// Intended for wiring during startup, before sessions exist.
func (m *Machine) Observe(observer Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observer = observer
}

// Create registers a new session in state idle.
func (m *Machine) Create(ctx domain.ProcessContext) error {
	if ctx.SessionID == "" {
		return fmt.Errorf("process: session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[ctx.SessionID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, ctx.SessionID)
	}
	m.records[ctx.SessionID] = &record{
		ctx:       ctx,
		state:     domain.StateIdle,
		enteredAt: m.now(),
	}
	if m.logger != nil {
		m.logger.Debug("session registered", "session_id", ctx.SessionID, "state", domain.StateIdle)
	}
	return nil
}

// Trigger attempts a transition and reports the applied change. An event not
// present in the table for the current state returns ErrInvalidTransition and
// leaves the state unchanged.
func (m *Machine) Trigger(sessionID string, event Event) (Transition, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return Transition{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	next, ok := transitions[rec.state][event]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s cannot %s", ErrInvalidTransition, rec.state, event)
	}
	return m.apply(sessionID, rec, event, next, false, ""), nil
}

// ForceTerminate unconditionally moves the session to terminated, bypassing
// the transition table.
func (m *Machine) ForceTerminate(sessionID, reason string) (Transition, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return Transition{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return m.apply(sessionID, rec, EventCleanup, domain.StateTerminated, true, reason), nil
}

// State returns the current state for a session.
func (m *Machine) State(sessionID string) (domain.ProcessState, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Context returns the process context for a session.
func (m *Machine) Context(sessionID string) (domain.ProcessContext, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return domain.ProcessContext{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.ctx, nil
}

// SetDangerousMode flips the dangerous-mode flag on a live session.
func (m *Machine) SetDangerousMode(sessionID string, enabled bool) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.ctx.DangerousMode = enabled
	return nil
}

// SessionsInState returns the ids of sessions currently in any of the states.
func (m *Machine) SessionsInState(states ...domain.ProcessState) []string {
	wanted := make(map[domain.ProcessState]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, rec := range m.records {
		rec.mu.Lock()
		state := rec.state
		rec.mu.Unlock()
		if _, ok := wanted[state]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove drops a session from tracking. Only terminated sessions may be
// removed.
func (m *Machine) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	rec.mu.Lock()
	state := rec.state
	rec.mu.Unlock()
	if state != domain.StateTerminated {
		return fmt.Errorf("process: cannot remove session %s in state %s", sessionID, state)
	}
	delete(m.records, sessionID)
	return nil
}

func (m *Machine) record(sessionID string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return rec, nil
}

// apply mutates the record; callers hold rec.mu.
func (m *Machine) apply(sessionID string, rec *record, event Event, next domain.ProcessState, forced bool, reason string) Transition {
	now := m.now()
	tr := Transition{
		SessionID: sessionID,
		Event:     event,
		From:      rec.state,
		To:        next,
		Dwell:     now.Sub(rec.enteredAt),
		Forced:    forced,
		Reason:    reason,
		At:        now,
	}
	rec.state = next
	rec.enteredAt = now
	if m.logger != nil {
		m.logger.Debug("state transition", "session_id", sessionID, "event", event, "from", tr.From, "to", tr.To, "forced", forced)
	}
	m.obsMu.RLock()
	observer := m.observer
	m.obsMu.RUnlock()
	if observer != nil {
		observer(tr)
	}
	return tr
}
