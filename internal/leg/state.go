// Package leg holds the connection state shared by both WebSocket legs of a call.
package leg

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrDisconnected is returned when a leg's WebSocket is closed or broken.
// It is fatal to the owning call.
var ErrDisconnected = errors.New("leg disconnected")

// State represents the lifecycle of one WebSocket leg.
type State int32

const (
	// StateConnecting indicates the connection or its handshake is in progress.
	StateConnecting State = iota
	// StateOpen indicates audio may flow.
	StateOpen
	// StateClosing indicates a close has been requested.
	StateClosing
	// StateClosed indicates the connection was closed cleanly.
	StateClosed
	// StateFailed indicates the connection broke or could not be established.
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true if no more audio can ever flow on the leg.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// StateVar is an atomically updated State, safe for snapshot reads from
// any goroutine.
type StateVar struct {
	v atomic.Int32
}

// Load returns the current state.
func (sv *StateVar) Load() State {
	return State(sv.v.Load())
}

// Store sets the state unconditionally.
func (sv *StateVar) Store(s State) {
	sv.v.Store(int32(s))
}

// Transition moves from one state to another and reports whether it happened.
func (sv *StateVar) Transition(from, to State) bool {
	return sv.v.CompareAndSwap(int32(from), int32(to))
}

// Fail marks the leg Failed unless it already reached a terminal state.
func (sv *StateVar) Fail() {
	for {
		cur := sv.Load()
		if cur.IsTerminal() {
			return
		}
		if sv.Transition(cur, StateFailed) {
			return
		}
	}
}
