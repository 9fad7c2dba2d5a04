// Package telephony adapts the Smartflo media-stream WebSocket to a stream
// of audio frames and control events.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/leg"
)

// ErrProtocol is the sentinel matched by every ProtocolError.
var ErrProtocol = errors.New("telephony protocol error")

// ProtocolError reports a malformed inbound message. It is never fatal: the
// message is skipped and counted.
type ProtocolError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: event=%q: %s", ErrProtocol, e.Event, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Err }

// Conn is the subset of *websocket.Conn used by a Session.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ControlKind enumerates non-audio signaling events.
type ControlKind int

const (
	ControlStart ControlKind = iota
	ControlStop
	ControlMark
	ControlDTMF
)

func (k ControlKind) String() string {
	switch k {
	case ControlStart:
		return "start"
	case ControlStop:
		return "stop"
	case ControlMark:
		return "mark"
	case ControlDTMF:
		return "dtmf"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ControlEvent carries call signaling from the vendor.
type ControlEvent struct {
	Kind             ControlKind
	CallID           string
	StreamID         string
	AccountID        string
	From             string
	To               string
	Format           audio.Format
	CustomParameters map[string]string
	Reason           string // stop
	Name             string // mark
	Digit            string // dtmf
}

// Message is one decoded inbound item: either an audio frame or a control event.
type Message struct {
	Frame   audio.Frame
	Control *ControlEvent
}

// IsAudio reports whether the message carries audio.
func (m Message) IsAudio() bool { return m.Control == nil }

// Options configures a Session.
type Options struct {
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

// Stats are cumulative per-call counters.
type Stats struct {
	Received       uint64
	Sent           uint64
	Dropped        uint64
	ProtocolErrors uint64
}

// Session owns the phone-leg WebSocket of one call.
type Session struct {
	conn         Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	state        leg.StateVar

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	mu        sync.RWMutex
	format    audio.Format
	callID    string
	streamID  string
	startedAt time.Time

	received       atomic.Uint64
	sent           atomic.Uint64
	dropped        atomic.Uint64
	protocolErrors atomic.Uint64
}

// NewSession wraps an accepted WebSocket. format is the expected telephony
// format; a start event may override it with the vendor's declared format.
func NewSession(conn Conn, format audio.Format, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	s := &Session{
		conn:         conn,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		format:       format,
		startedAt:    time.Now(),
	}
	s.state.Store(leg.StateOpen)
	return s
}

// State returns the connection state.
func (s *Session) State() leg.State { return s.state.Load() }

// CallID returns the call id from the start event.
func (s *Session) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// StreamID returns the vendor stream id used to address outbound messages.
func (s *Session) StreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// Format returns the format of inbound media frames.
func (s *Session) Format() audio.Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.format
}

// StartedAt returns when the session was accepted.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Received:       s.received.Load(),
		Sent:           s.sent.Load(),
		Dropped:        s.dropped.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
	}
}

// AwaitStart reads until the vendor's start event, so that the call id is
// known before the call is set up. Audio arriving earlier is discarded.
func (s *Session) AwaitStart(ctx context.Context) (*ControlEvent, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}

	for {
		msg, err := s.Receive(ctx)
		if errors.Is(err, ErrProtocol) {
			s.logger.Warn("Skipping malformed message before start", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.IsAudio() {
			s.dropped.Add(1)
			continue
		}
		switch msg.Control.Kind {
		case ControlStart:
			return msg.Control, nil
		case ControlStop:
			return nil, fmt.Errorf("%w: stream stopped before start", leg.ErrDisconnected)
		}
	}
}

// Receive blocks for the next inbound message. Malformed input returns a
// *ProtocolError and the caller may keep reading; a closed or broken
// connection returns an error wrapping leg.ErrDisconnected. Cancellation takes
// effect at the next read; Close unblocks a pending read.
func (s *Session) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.state.Load() == leg.StateOpen {
				s.state.Fail()
			}
			return Message{}, fmt.Errorf("%w: telephony read: %v", leg.ErrDisconnected, err)
		}

		if msgType == websocket.BinaryMessage {
			if len(data) == 0 {
				return Message{}, s.protocolError("", "empty binary payload", nil)
			}
			s.received.Add(1)
			return Message{Frame: audio.NewFrame(s.Format(), data)}, nil
		}

		msg, skip, err := s.decode(data)
		if err != nil {
			return Message{}, err
		}
		if skip {
			continue
		}
		return msg, nil
	}
}

// Messages returns the inbound sequence for this call. Protocol errors are
// yielded and the sequence continues; it ends after a stop event or a fatal
// error.
func (s *Session) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			msg, err := s.Receive(ctx)
			if err != nil && !errors.Is(err, ErrProtocol) {
				yield(Message{}, err)
				return
			}
			if !yield(msg, err) {
				return
			}
			if err == nil && msg.Control != nil && msg.Control.Kind == ControlStop {
				return
			}
		}
	}
}

func (s *Session) decode(data []byte) (Message, bool, error) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, false, s.protocolError("", "invalid JSON", err)
	}

	switch in.Event {
	case EventConnected:
		s.logger.Debug("Telephony stream connected")
		return Message{}, true, nil

	case EventStart:
		if in.Start == nil {
			return Message{}, false, s.protocolError(in.Event, "missing start payload", nil)
		}
		return Message{Control: s.handleStart(in)}, false, nil

	case EventMedia:
		if in.Media == nil || in.Media.Payload == "" {
			return Message{}, false, s.protocolError(in.Event, "empty payload", nil)
		}
		if in.Media.Track != "" && in.Media.Track != "inbound" {
			return Message{}, true, nil
		}
		payload, err := base64.StdEncoding.DecodeString(in.Media.Payload)
		if err != nil {
			return Message{}, false, s.protocolError(in.Event, "invalid base64 payload", err)
		}
		if len(payload) == 0 {
			return Message{}, false, s.protocolError(in.Event, "empty payload", nil)
		}
		s.received.Add(1)
		return Message{Frame: audio.NewFrame(s.Format(), payload)}, false, nil

	case EventStop:
		ev := &ControlEvent{Kind: ControlStop, CallID: s.CallID(), StreamID: s.StreamID()}
		if in.Stop != nil {
			ev.Reason = in.Stop.Reason
		}
		return Message{Control: ev}, false, nil

	case EventMark:
		if in.Mark == nil {
			return Message{}, false, s.protocolError(in.Event, "missing mark payload", nil)
		}
		return Message{Control: &ControlEvent{Kind: ControlMark, CallID: s.CallID(), Name: in.Mark.Name}}, false, nil

	case EventDTMF:
		if in.DTMF == nil || in.DTMF.Digit == "" {
			return Message{}, false, s.protocolError(in.Event, "missing digit", nil)
		}
		return Message{Control: &ControlEvent{Kind: ControlDTMF, CallID: s.CallID(), Digit: in.DTMF.Digit}}, false, nil

	default:
		return Message{}, false, s.protocolError(in.Event, "unknown event type", nil)
	}
}

func (s *Session) handleStart(in inboundMessage) *ControlEvent {
	start := in.Start

	s.mu.Lock()
	s.streamID = in.StreamSid
	if start.StreamSid != "" {
		s.streamID = start.StreamSid
	}
	s.callID = start.CallSid
	if s.callID == "" {
		s.callID = ulid.Make().String()
	}
	if mf := start.MediaFormat; mf != nil {
		if codec, err := audio.ParseCodec(mf.Encoding); err == nil {
			s.format.Codec = codec
			s.format.BitDepth = 8 * codec.BytesPerSample()
		} else if mf.Encoding != "" {
			s.logger.Warn("Unknown media encoding declared by vendor", "encoding", mf.Encoding)
		}
		if mf.SampleRate > 0 {
			s.format.SampleRate = mf.SampleRate
		}
		if mf.Channels > 0 {
			s.format.Channels = mf.Channels
		}
	}
	ev := &ControlEvent{
		Kind:             ControlStart,
		CallID:           s.callID,
		StreamID:         s.streamID,
		AccountID:        start.AccountSid,
		From:             start.From,
		To:               start.To,
		Format:           s.format,
		CustomParameters: start.CustomParameters,
	}
	s.mu.Unlock()

	s.logger.Info("Call started",
		"call_id", ev.CallID,
		"stream_id", ev.StreamID,
		"from", ev.From,
		"to", ev.To,
		"format", ev.Format.String(),
	)
	return ev
}

func (s *Session) protocolError(event, reason string, err error) error {
	s.protocolErrors.Add(1)
	return &ProtocolError{Event: event, Reason: reason, Err: err}
}

// Send writes one frame of bot audio to the caller. Frames are written in
// call order. When the leg is not Open, or no stream id is known yet, the
// frame is dropped and counted and Send returns nil. A failed write marks the
// leg Failed and returns an error wrapping leg.ErrDisconnected.
func (s *Session) Send(frame audio.Frame) error {
	streamID := s.StreamID()
	if s.state.Load() != leg.StateOpen || streamID == "" {
		s.dropped.Add(1)
		return nil
	}

	payload := pad(frame.Data(), PayloadAlignment, frame.Format().Codec.Silence())
	msg := outboundMedia{
		Event:     EventMedia,
		StreamSid: streamID,
		Media:     outboundMediaChunk{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// Clear asks the vendor to discard audio it has buffered but not yet played.
func (s *Session) Clear() error {
	streamID := s.StreamID()
	if s.state.Load() != leg.StateOpen || streamID == "" {
		return nil
	}
	return s.writeJSON(outboundClear{Event: EventClear, StreamSid: streamID})
}

// Mark asks the vendor to echo name back once everything sent so far was played.
func (s *Session) Mark(name string) error {
	streamID := s.StreamID()
	if s.state.Load() != leg.StateOpen || streamID == "" {
		return nil
	}
	return s.writeJSON(outboundMark{Event: EventMark, StreamSid: streamID, Mark: markPayload{Name: name}})
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.state.Load() != leg.StateOpen {
		s.dropped.Add(1)
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.state.Fail()
		return fmt.Errorf("%w: telephony write: %v", leg.ErrDisconnected, err)
	}
	return nil
}

// Close closes the WebSocket exactly once, whichever side calls it first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		failed := s.state.Load() == leg.StateFailed
		s.state.Transition(leg.StateOpen, leg.StateClosing)

		s.writeMu.Lock()
		if !failed {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		s.closeErr = s.conn.Close()
		s.writeMu.Unlock()

		if !failed {
			s.state.Store(leg.StateClosed)
		}

		stats := s.Stats()
		s.logger.Info("Closed telephony WebSocket",
			"call_id", s.CallID(),
			"duration", time.Since(s.startedAt).Round(time.Millisecond).String(),
			"received", stats.Received,
			"sent", stats.Sent,
			"dropped", stats.Dropped,
			"protocol_errors", stats.ProtocolErrors,
		)
	})
	return s.closeErr
}
