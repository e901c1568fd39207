package transport

import (
	"sync"
	"time"

	"evssh/pkg/metrics"
)

// ConnState is a stage of the connection lifecycle
type ConnState int

const (
	StateConnecting ConnState = iota
	StateVersionNegotiating
	StateAlgoNegotiating
	StateAuthenticating
	StateConnected
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateVersionNegotiating:
		return "VERSION_NEGOTIATING"
	case StateAlgoNegotiating:
		return "ALGO_NEGOTIATING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition can leave s
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// StateTransition is one entry of a connection's history
type StateTransition struct {
	From   ConnState
	To     ConnState
	At     time.Time
	Reason string
}

const maxStateHistory = 16

// stateTracker enforces forward-only transitions and keeps the most
// recent ones for diagnostics
type stateTracker struct {
	mu      sync.RWMutex
	state   ConnState
	history []StateTransition
}

func newStateTracker() *stateTracker {
	metrics.StateTransitionsTotal.WithLabelValues(StateConnecting.String()).Inc()
	return &stateTracker{state: StateConnecting}
}

// advance moves to next when it is ahead of the current state. Terminal
// states absorb every later request.
func (t *stateTracker) advance(next ConnState, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || next <= t.state {
		return false
	}
	t.history = append(t.history, StateTransition{
		From:   t.state,
		To:     next,
		At:     time.Now(),
		Reason: reason,
	})
	if len(t.history) > maxStateHistory {
		t.history = t.history[len(t.history)-maxStateHistory:]
	}
	t.state = next
	metrics.StateTransitionsTotal.WithLabelValues(next.String()).Inc()
	return true
}

func (t *stateTracker) current() ConnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *stateTracker) transitions() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]StateTransition(nil), t.history...)
}
