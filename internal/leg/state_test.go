package leg

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "Connecting"},
		{StateOpen, "Open"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{StateFailed, "Failed"},
		{State(42), "Unknown(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateVarFailKeepsTerminalState(t *testing.T) {
	var sv StateVar
	if sv.Load() != StateConnecting {
		t.Fatalf("zero value = %v, want Connecting", sv.Load())
	}

	sv.Store(StateOpen)
	sv.Fail()
	if sv.Load() != StateFailed {
		t.Errorf("after Fail from Open = %v, want Failed", sv.Load())
	}

	sv.Store(StateClosed)
	sv.Fail()
	if sv.Load() != StateClosed {
		t.Errorf("Fail must not override Closed, got %v", sv.Load())
	}
}

func TestStateVarTransition(t *testing.T) {
	var sv StateVar
	sv.Store(StateOpen)

	if sv.Transition(StateConnecting, StateClosing) {
		t.Error("Transition from wrong state should fail")
	}
	if !sv.Transition(StateOpen, StateClosing) {
		t.Error("Transition from Open to Closing should succeed")
	}
	if sv.Load() != StateClosing {
		t.Errorf("state = %v, want Closing", sv.Load())
	}
}
