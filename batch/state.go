package batch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// RunState is the lifecycle state of a run.
type RunState int

const (
	StateValidating RunState = iota
	StatePartitioning
	StateDispatching
	StateAggregating
	StateCompleted
	StateAborted
	StateCancelled
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StatePartitioning:
		return "PARTITIONING"
	case StateDispatching:
		return "DISPATCHING"
	case StateAggregating:
		return "AGGREGATING"
	case StateCompleted:
		return "COMPLETED"
	case StateAborted:
		return "ABORTED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var runTransitions = map[RunState][]RunState{
	StateValidating:   {StatePartitioning},
	StatePartitioning: {StateDispatching},
	StateDispatching:  {StateAggregating, StateAborted, StateCancelled},
	StateAggregating:  {StateCompleted},
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// runState tracks one run's state.
type runState struct {
	mu      sync.Mutex
	current RunState
	history []RunState
	logger  *zap.Logger
}

func newRunState(logger *zap.Logger) *runState {
	return &runState{
		current: StateValidating,
		history: []RunState{StateValidating},
		logger:  logger,
	}
}

// get returns the current state.
func (s *runState) get() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// transition moves to next, rejecting illegal transitions.
func (s *runState) transition(next RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.current, next) {
		return fmt.Errorf("illegal run state transition %s -> %s", s.current, next)
	}

	s.logger.Debug("run state transition",
		zap.Stringer("from", s.current),
		zap.Stringer("to", next))
	s.current = next
	s.history = append(s.history, next)
	return nil
}

// path returns every state visited so far.
func (s *runState) path() []RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunState(nil), s.history...)
}
