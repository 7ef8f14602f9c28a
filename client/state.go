package client

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// ConnectionState is the lifecycle position of a Client.
type ConnectionState int

const (
	DISCONNECTED ConnectionState = iota
	// CONNECTING covers dial, handshake and the identity check.
	CONNECTING
	CONNECTED
	DISCONNECTING
)

func (cs ConnectionState) String() string {
	switch cs {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	case DISCONNECTING:
		return "DISCONNECTING"
	}
	return "UNKNOWN"
}

// legalMoves lists the states reachable from each state. A failed connect goes
// straight from CONNECTING back to DISCONNECTED.
var legalMoves = map[ConnectionState][]ConnectionState{
	DISCONNECTED:  {CONNECTING},
	CONNECTING:    {CONNECTED, DISCONNECTED},
	CONNECTED:     {DISCONNECTING},
	DISCONNECTING: {DISCONNECTED},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to ConnectionState) bool {
	return slices.Contains(legalMoves[from], to)
}

// StateTransition records one lifecycle move. The client sets these
// Metadata keys: reason ("user_initiated" or "error"), attempt (1-based),
// address and tenant.
type StateTransition struct {
	From      ConnectionState
	To        ConnectionState
	Timestamp time.Time
	Error     error
	// Duration is the time spent in From.
	Duration time.Duration
	Metadata map[string]interface{}
}

type StateChangeHandler func(transition StateTransition)

// StateManager guards the lifecycle. Handlers run after the lock is
// released, so they may query the manager.
type StateManager struct {
	mu        sync.RWMutex
	last      StateTransition
	observers []StateChangeHandler
}

func NewStateManager() *StateManager {
	return &StateManager{
		last: StateTransition{From: DISCONNECTED, To: DISCONNECTED, Timestamp: time.Now()},
	}
}

// TransitionTo moves to newState or returns an error naming the illegal
// move, leaving the state unchanged.
func (sm *StateManager) TransitionTo(newState ConnectionState, err error, metadata map[string]interface{}) error {
	sm.mu.Lock()
	cur := sm.last.To
	if !CanTransition(cur, newState) {
		sm.mu.Unlock()
		return fmt.Errorf("illegal state transition: %s → %s", cur, newState)
	}

	at := time.Now()
	tr := StateTransition{
		From:      cur,
		To:        newState,
		Timestamp: at,
		Error:     err,
		Duration:  at.Sub(sm.last.Timestamp),
		Metadata:  metadata,
	}
	sm.last = tr
	observers := slices.Clone(sm.observers)
	sm.mu.Unlock()

	for _, notify := range observers {
		notify(tr)
	}
	return nil
}

func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	sm.observers = append(sm.observers, handler)
	sm.mu.Unlock()
}

func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.last.To
}

func (sm *StateManager) GetLastTransition() StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.last
}
