package call

import "fmt"

// State is the lifecycle of one call.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateStreaming:
		return "Streaming"
	case StateDraining:
		return "Draining"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TurnState tracks who holds the conversational floor. UserSpeaking and
// BotSpeaking are mutually exclusive.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUserSpeaking
	TurnBotSpeaking
	TurnInterrupted
)

func (t TurnState) String() string {
	switch t {
	case TurnIdle:
		return "Idle"
	case TurnUserSpeaking:
		return "UserSpeaking"
	case TurnBotSpeaking:
		return "BotSpeaking"
	case TurnInterrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

func (t TurnState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
