// Package state tracks the sandbox lifecycle state and enforces legal
// transitions between RUNNING, PAUSED, and STOPPED.
package state

import (
	"fmt"
	"sync"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

// Tracker holds the current SandboxState behind a mutex. It is the single
// source of truth consulted by the monitor, the auto-pause controller, and
// the API surface.
type Tracker struct {
	mu    sync.RWMutex
	state types.SandboxState
}

// NewTracker returns a Tracker in the given initial state.
func NewTracker(initial types.SandboxState) *Tracker {
	return &Tracker{state: initial}
}

// Current returns the current state.
func (t *Tracker) Current() types.SandboxState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Is reports whether the current state equals s.
func (t *Tracker) Is(s types.SandboxState) bool {
	return t.Current() == s
}

// Transition moves to the target state if the transition is legal:
// RUNNING→PAUSED, PAUSED→RUNNING, RUNNING|PAUSED→STOPPED, STOPPED→RUNNING
// (a fresh start). A transition to the current state is a no-op.
func (t *Tracker) Transition(to types.SandboxState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == to {
		return nil
	}
	if !legal(t.state, to) {
		return fmt.Errorf("illegal sandbox state transition %s -> %s", t.state, to)
	}
	t.state = to
	return nil
}

// CompareAndTransition moves from->to atomically. It returns false without
// error if the current state is not from, so callers can race safely (the
// auto-pause controller uses this to freeze exactly once).
func (t *Tracker) CompareAndTransition(from, to types.SandboxState) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != from {
		return false, nil
	}
	if !legal(from, to) {
		return false, fmt.Errorf("illegal sandbox state transition %s -> %s", from, to)
	}
	t.state = to
	return true, nil
}

func legal(from, to types.SandboxState) bool {
	switch from {
	case types.StateRunning:
		return to == types.StatePaused || to == types.StateStopped
	case types.StatePaused:
		return to == types.StateRunning || to == types.StateStopped
	case types.StateStopped:
		return to == types.StateRunning
	}
	return false
}
