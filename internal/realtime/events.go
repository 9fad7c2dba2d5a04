package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

// EventKind enumerates upstream events.
type EventKind int

const (
	EventPartialTranscript EventKind = iota
	EventPartialAudio
	EventTurnComplete
	EventInterruption
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartialTranscript:
		return "PartialTranscript"
	case EventPartialAudio:
		return "PartialAudio"
	case EventTurnComplete:
		return "TurnComplete"
	case EventInterruption:
		return "InterruptionDetected"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// TranscriptSource says whose speech a transcript belongs to.
type TranscriptSource string

const (
	TranscriptUser  TranscriptSource = "user"
	TranscriptModel TranscriptSource = "model"
)

// Event is one item of the upstream event sequence.
type Event struct {
	Kind   EventKind
	Text   string
	Source TranscriptSource
	Frame  audio.Frame
	Err    error
	At     time.Time
}

// ErrUnexpectedEvent is matched by UnexpectedEventError.
var ErrUnexpectedEvent = errors.New("unexpected upstream event")

// UnexpectedEventError reports a message the client does not understand.
// It is logged and skipped.
type UnexpectedEventError struct {
	Reason string
	Raw    string
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrUnexpectedEvent, e.Reason, e.Raw)
}

func (e *UnexpectedEventError) Is(target error) bool { return target == ErrUnexpectedEvent }

// APIError is an error reported by the upstream service. It ends the call.
type APIError struct {
	Code    int
	Message string
	Status  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d %s: %s", e.Code, e.Status, e.Message)
}

// decoder turns server messages into events.
type decoder struct {
	outputRate int
	onGoAway   func(timeLeft string)
}

// decode returns the events carried by one server message, in the order they
// must be acted on: interruption first, then transcripts, audio, turn end.
func (d decoder) decode(data []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &UnexpectedEventError{Reason: "invalid JSON", Raw: truncate(data)}
	}
	now := time.Now()

	switch {
	case msg.Error != nil:
		return []Event{{Kind: EventError, Err: &APIError{Code: msg.Error.Code, Message: msg.Error.Message, Status: msg.Error.Status}, At: now}}, nil
	case len(msg.SetupComplete) > 0, len(msg.UsageMetadata) > 0 && msg.ServerContent == nil:
		return nil, nil
	case msg.GoAway != nil:
		if d.onGoAway != nil {
			d.onGoAway(msg.GoAway.TimeLeft)
		}
		return nil, nil
	case msg.ServerContent == nil:
		return nil, &UnexpectedEventError{Reason: "unrecognized message", Raw: truncate(data)}
	}

	sc := msg.ServerContent
	var events []Event

	if sc.Interrupted {
		events = append(events, Event{Kind: EventInterruption, At: now})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, Event{Kind: EventPartialTranscript, Source: TranscriptUser, Text: sc.InputTranscription.Text, At: now})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				events = append(events, Event{Kind: EventPartialTranscript, Source: TranscriptModel, Text: p.Text, At: now})
			}
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/") || p.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, &UnexpectedEventError{Reason: "invalid audio payload", Raw: truncate(data)}
			}
			rate := d.outputRate
			if r := mimeRate(p.InlineData.MimeType); r > 0 {
				rate = r
			}
			events = append(events, Event{Kind: EventPartialAudio, Frame: audio.NewFrameAt(audio.PCM16(rate), pcm, now), At: now})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, Event{Kind: EventPartialTranscript, Source: TranscriptModel, Text: sc.OutputTranscription.Text, At: now})
	}
	if sc.TurnComplete {
		events = append(events, Event{Kind: EventTurnComplete, At: now})
	}
	return events, nil
}

// mimeRate extracts the rate parameter from "audio/pcm;rate=24000".
func mimeRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil {
		return 0
	}
	return rate
}

func truncate(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
