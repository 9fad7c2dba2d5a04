// Package realtime is the client for the upstream conversational AI
// (Gemini Live) realtime WebSocket.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/leg"
)

// APIKeyHeader carries the upstream credential on the WebSocket upgrade.
const APIKeyHeader = "x-goog-api-key"

// ErrUpstreamConnect is matched by ConnectError.
var ErrUpstreamConnect = errors.New("upstream connect failed")

// ConnectError reports a failed dial, a rejected or timed out setup
// handshake, or a failed reconnect. It is fatal to the call.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUpstreamConnect, e.Op, e.Err)
}

func (e *ConnectError) Is(target error) bool { return target == ErrUpstreamConnect }

func (e *ConnectError) Unwrap() error { return e.Err }

// WebsocketDialer establishes upstream connections. *websocket.Dialer implements it.
type WebsocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config describes the upstream session.
type Config struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	Temperature       float64
	TopP              float64
	MaxOutputTokens   int
	Transcription     bool

	InputFormat  audio.Format
	OutputFormat audio.Format

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
}

// Stats are cumulative client counters.
type Stats struct {
	Sent       uint64
	Dropped    uint64
	Reconnects uint64
}

// Client owns the upstream connection of one call.
//
// SendAudio may be called from one goroutine while Next is called from
// another. Reconnection happens inside Next.
type Client struct {
	cfg    Config
	dialer WebsocketDialer
	logger *slog.Logger
	dec    decoder
	state  leg.StateVar

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Owned by the Next caller.
	pending    []Event
	reconnects int

	sent           atomic.Uint64
	dropped        atomic.Uint64
	reconnectCount atomic.Uint64
	onReconnect    func()
	onUnexpected   func(error)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnectHook registers a callback run after each successful reconnect.
func WithReconnectHook(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// WithUnexpectedEventHook registers a callback run for every skipped message.
func WithUnexpectedEventHook(fn func(error)) Option {
	return func(c *Client) { c.onUnexpected = fn }
}

// Connect dials the upstream and completes the setup handshake. The
// handshake is bounded by cfg.HandshakeTimeout.
func Connect(ctx context.Context, cfg Config, dialer WebsocketDialer, opts ...Option) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c := &Client{cfg: cfg, dialer: dialer, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.dec = decoder{
		outputRate: cfg.OutputFormat.SampleRate,
		onGoAway: func(timeLeft string) {
			c.logger.Warn("Upstream announced disconnect", "time_left", timeLeft)
		},
	}

	conn, err := c.dial(ctx, "connect")
	if err != nil {
		c.state.Store(leg.StateFailed)
		return nil, err
	}
	c.conn = conn
	c.state.Store(leg.StateOpen)
	c.logger.Info("Connected to upstream", "model", cfg.Model, "voice", cfg.Voice)
	return c, nil
}

// State returns the connection state.
func (c *Client) State() leg.State { return c.state.Load() }

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Dropped: c.dropped.Load(), Reconnects: c.reconnectCount.Load()}
}

func (c *Client) dial(ctx context.Context, op string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	headers := http.Header{}
	headers.Set(APIKeyHeader, c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &ConnectError{Op: op, Err: err}
	}

	if err := c.handshake(conn, deadline); err != nil {
		conn.Close()
		return nil, &ConnectError{Op: op + " handshake", Err: err}
	}
	return conn, nil
}

func (c *Client) handshake(conn *websocket.Conn, deadline time.Time) error {
	data, err := json.Marshal(c.setupMessage())
	if err != nil {
		return fmt.Errorf("marshal setup: %w", err)
	}

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}

		var reply serverMessage
		if err := json.Unmarshal(msg, &reply); err != nil {
			return fmt.Errorf("invalid setup reply: %w", err)
		}
		if reply.Error != nil {
			return &APIError{Code: reply.Error.Code, Message: reply.Error.Message, Status: reply.Error.Status}
		}
		if len(reply.SetupComplete) > 0 {
			return nil
		}
		c.logger.Debug("Ignoring message before setupComplete", "raw", truncate(msg))
	}
}

func (c *Client) setupMessage() setupMessage {
	model := c.cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	s := setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.cfg.Voice}},
			},
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		},
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		s.GenerationConfig.Temperature = &t
	}
	if c.cfg.TopP > 0 {
		p := c.cfg.TopP
		s.GenerationConfig.TopP = &p
	}
	if c.cfg.SystemInstruction != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: c.cfg.SystemInstruction}}}
	}
	if c.cfg.Transcription {
		s.InputAudioTranscription = &struct{}{}
		s.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: s}
}

// SendAudio forwards one PCM chunk immediately. While the leg is not Open
// the chunk is dropped and counted; SendAudio never fails the caller for
// that, since a broken connection is reported by Next.
func (c *Client) SendAudio(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.state.Load() != leg.StateOpen {
		c.dropped.Add(1)
		return nil
	}

	msg := realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []blob{{
		MimeType: fmt.Sprintf("audio/pcm;rate=%d", frame.Format().SampleRate),
		Data:     base64.StdEncoding.EncodeToString(frame.Data()),
	}}}}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audio: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != leg.StateOpen {
		c.dropped.Add(1)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.dropped.Add(1)
		c.logger.Debug("Dropped upstream audio on write error", "error", err)
		return nil
	}
	c.sent.Add(1)
	return nil
}

// Next blocks for the next upstream event. Unrecognized messages are logged
// and skipped. On an unexpected disconnect Next reconnects with the same
// setup, at most cfg.ReconnectAttempts times per call; a failed reconnect
// returns a *ConnectError. After Close it returns an error wrapping
// leg.ErrDisconnected.
func (c *Client) Next(ctx context.Context) (Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if rerr := c.recover(ctx, err); rerr != nil {
				return Event{}, rerr
			}
			continue
		}

		events, err := c.dec.decode(data)
		if err != nil {
			c.logger.Warn("Ignoring upstream message", "error", err)
			if c.onUnexpected != nil {
				c.onUnexpected(err)
			}
			continue
		}
		c.pending = events
	}
}

// Events returns the upstream event sequence. It ends after the first error.
func (c *Client) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := c.Next(ctx)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (c *Client) recover(ctx context.Context, readErr error) error {
	if c.closing.Load() {
		return fmt.Errorf("%w: upstream closed", leg.ErrDisconnected)
	}
	if c.reconnects >= c.cfg.ReconnectAttempts {
		c.state.Fail()
		return fmt.Errorf("%w: upstream read: %v", leg.ErrDisconnected, readErr)
	}
	c.reconnects++

	c.logger.Warn("Upstream disconnected, reconnecting", "error", readErr, "attempt", c.reconnects)
	c.state.Transition(leg.StateOpen, leg.StateConnecting)

	conn, err := c.dial(ctx, "reconnect")
	if err != nil {
		c.state.Fail()
		return err
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: upstream closed", leg.ErrDisconnected)
	}
	old := c.conn
	c.conn = conn
	c.state.Store(leg.StateOpen)
	c.mu.Unlock()
	old.Close()

	c.reconnectCount.Add(1)
	if c.onReconnect != nil {
		c.onReconnect()
	}
	c.logger.Info("Reconnected to upstream")
	return nil
}

// Close closes the upstream connection once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		failed := c.state.Load() == leg.StateFailed
		c.state.Store(leg.StateClosing)

		c.mu.Lock()
		if !failed {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.closeErr = c.conn.Close()
		c.mu.Unlock()

		if failed {
			c.state.Store(leg.StateFailed)
		} else {
			c.state.Store(leg.StateClosed)
		}
		stats := c.Stats()
		c.logger.Info("Closed upstream WebSocket", "sent", stats.Sent, "dropped", stats.Dropped, "reconnects", stats.Reconnects)
	})
	return c.closeErr
}
