package rpc

import (
	"fmt"
	"sync"
	"time"
)

// State is a connection lifecycle state. No state is terminal.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTimeoutRetrying
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTimeoutRetrying:
		return "timeout_retrying"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON diagnostics.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// allowedTransitions lists the legal targets for every state.
// Self-transitions are always allowed and are not listed.
var allowedTransitions = map[State][]State{
	StateDisconnected:    {StateConnecting, StateError},
	StateConnecting:      {StateConnected, StateError, StateDisconnected},
	StateConnected:       {StateTimeoutRetrying, StateDisconnected, StateError},
	StateTimeoutRetrying: {StateConnected, StateError, StateDisconnected},
	StateError:           {StateConnecting, StateDisconnected},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// defaultMessage is the status message used when a transition supplies none.
func defaultMessage(s State) string {
	switch s {
	case StateDisconnected:
		return "Disconnected from server"
	case StateConnecting:
		return "Connecting to server..."
	case StateConnected:
		return "Connected to server"
	case StateTimeoutRetrying:
		return "Connection timed out, retrying..."
	case StateError:
		return "Connection error"
	default:
		return ""
	}
}

// MaxHistory bounds the number of retained status entries.
const MaxHistory = 50

// ConnectionStatus is an immutable snapshot of the connection.
// RetryCount is zero and LastError nil unless the transition that produced
// the snapshot supplied them.
type ConnectionStatus struct {
	State                State     `json:"state"`
	Message              string    `json:"message"`
	RetryCount           int       `json:"retryCount,omitempty"`
	LastError            error     `json:"-"`
	ServerProcessRunning bool      `json:"serverProcessRunning"`
	Timestamp            time.Time `json:"timestamp"`
}

// StatusDetails overrides the computed fields of a transition.
// Zero values mean "use the default".
type StatusDetails struct {
	Message    string
	RetryCount int
	LastError  error
}

// StateListener receives a copy of every status produced by a transition.
type StateListener func(status ConnectionStatus)

type listenerEntry struct {
	id int
	fn StateListener
}

// ConnectionState is the validated connection state machine.
//
// Thread Safety: ConnectionState is safe for concurrent use. Listeners are
// invoked without the lock held, so they may query the state machine.
type ConnectionState struct {
	mu             sync.Mutex
	current        ConnectionStatus
	processRunning bool
	history        []ConnectionStatus

	listeners []listenerEntry
	nextID    int

	log Logger
	now func() time.Time
}

// NewConnectionState creates a state machine in the Disconnected state with
// a single seeded history entry.
func NewConnectionState(log Logger) *ConnectionState {
	cs := &ConnectionState{
		log: newSafeLogger(log),
		now: time.Now,
	}
	cs.current = ConnectionStatus{
		State:     StateDisconnected,
		Message:   defaultMessage(StateDisconnected),
		Timestamp: cs.now(),
	}
	cs.history = []ConnectionStatus{cs.current}
	return cs
}

// State returns the current state.
func (cs *ConnectionState) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.current.State
}

// SetState moves the machine to state. Illegal transitions return an
// *InvalidTransitionError and change nothing.
func (cs *ConnectionState) SetState(state State, details StatusDetails) error {
	cs.mu.Lock()
	from := cs.current.State
	if !CanTransition(from, state) {
		cs.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	status := ConnectionStatus{
		State:                state,
		Message:              defaultMessage(state),
		RetryCount:           details.RetryCount,
		LastError:            details.LastError,
		ServerProcessRunning: cs.processRunning,
		Timestamp:            cs.now(),
	}
	if details.Message != "" {
		status.Message = details.Message
	}

	cs.current = status
	cs.history = append(cs.history, status)
	if over := len(cs.history) - MaxHistory; over > 0 {
		cs.history = append(cs.history[:0:0], cs.history[over:]...)
	}

	listeners := make([]listenerEntry, len(cs.listeners))
	copy(listeners, cs.listeners)
	cs.mu.Unlock()

	cs.log.Debug("connection state changed", "from", from.String(), "to", state.String(), "message", status.Message)

	for _, l := range listeners {
		cs.notify(l, status)
	}
	return nil
}

// notify delivers one status to one listener, isolating panics.
func (cs *ConnectionState) notify(l listenerEntry, status ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Error("state listener failed", "listener", l.id, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(status)
}

// OnStateChange registers a listener and returns a function that removes it.
func (cs *ConnectionState) OnStateChange(fn StateListener) (unsubscribe func()) {
	cs.mu.Lock()
	cs.nextID++
	id := cs.nextID
	cs.listeners = append(cs.listeners, listenerEntry{id: id, fn: fn})
	cs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cs.mu.Lock()
			defer cs.mu.Unlock()
			for i, l := range cs.listeners {
				if l.id == id {
					cs.listeners = append(cs.listeners[:i:i], cs.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Status returns a fresh snapshot of the connection.
func (cs *ConnectionState) Status() ConnectionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return ConnectionStatus{
		State:                cs.current.State,
		Message:              cs.current.Message,
		RetryCount:           cs.current.RetryCount,
		LastError:            cs.current.LastError,
		ServerProcessRunning: cs.processRunning,
		Timestamp:            cs.now(),
	}
}

// SetServerProcessRunning records whether the server process is up. It is
// not a transition and does not notify listeners.
func (cs *ConnectionState) SetServerProcessRunning(running bool) {
	cs.mu.Lock()
	cs.processRunning = running
	cs.mu.Unlock()
}

// History returns the retained statuses, oldest first.
func (cs *ConnectionState) History() []ConnectionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]ConnectionStatus, len(cs.history))
	copy(out, cs.history)
	return out
}

// RecentHistory returns at most n of the newest statuses, oldest first.
func (cs *ConnectionState) RecentHistory(n int) []ConnectionStatus {
	h := cs.History()
	if n >= 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return h
}
