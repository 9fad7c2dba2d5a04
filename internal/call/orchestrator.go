// Package call runs one phone call: it pumps caller audio to the realtime
// model, plays the model's audio back to the caller, and handles barge-in.
package call

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/leg"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/metrics"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/realtime"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/telephony"
)

// TelephonyLeg is the phone side of a call. *telephony.Session implements it.
type TelephonyLeg interface {
	Messages(ctx context.Context) iter.Seq2[telephony.Message, error]
	Send(frame audio.Frame) error
	Clear() error
	Mark(name string) error
	State() leg.State
	StreamID() string
	Close() error
}

// UpstreamLeg is the realtime model side of a call. *realtime.Client implements it.
type UpstreamLeg interface {
	SendAudio(ctx context.Context, frame audio.Frame) error
	Events(ctx context.Context) iter.Seq2[realtime.Event, error]
	State() leg.State
	Close() error
}

// Reasons a call ends, as logged and exported in metrics.
const (
	ReasonTelephonyStop         = "telephony_stop"
	ReasonTelephonyDisconnected = "telephony_disconnected"
	ReasonUpstreamDisconnected  = "upstream_disconnected"
	ReasonUpstreamConnect       = "upstream_connect"
	ReasonUpstreamError         = "upstream_error"
	ReasonIdle                  = "idle_timeout"
	ReasonShutdown              = "shutdown"
	ReasonNotReady              = "not_ready"
)

// EndError reports why a call stopped streaming.
type EndError struct {
	Reason string
	Err    error
}

func (e *EndError) Error() string {
	if e.Err == nil {
		return "call ended: " + e.Reason
	}
	return fmt.Sprintf("call ended: %s: %v", e.Reason, e.Err)
}

func (e *EndError) Unwrap() error { return e.Err }

func ended(reason string, err error) error {
	return &EndError{Reason: reason, Err: err}
}

// Config holds per-call tuning.
type Config struct {
	// ChunkDuration is the size of outbound telephony chunks.
	ChunkDuration time.Duration
	// LatencyBudget is the per-frame forwarding delay above which a warning
	// is logged. It never throttles forwarding.
	LatencyBudget  time.Duration
	HealthInterval time.Duration
	// IdleTimeout ends a call with no audio or events for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Options carries the collaborators of an Orchestrator. All are optional.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *Registry
}

// Snapshot is a point-in-time view of a call, safe to read from any goroutine.
type Snapshot struct {
	CallID         string    `json:"call_id"`
	StreamID       string    `json:"stream_id,omitempty"`
	State          State     `json:"state"`
	Turn           TurnState `json:"turn"`
	TelephonyState leg.State `json:"telephony_state"`
	UpstreamState  leg.State `json:"upstream_state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	FramesIn       uint64    `json:"frames_in"`
	FramesOut      uint64    `json:"frames_out"`
	Dropped        uint64    `json:"dropped"`
	Skipped        uint64    `json:"skipped"`
	ProtocolErrors uint64    `json:"protocol_errors"`
	BargeIns       uint64    `json:"barge_ins"`
	Turns          uint64    `json:"turns"`
	LastTranscript string    `json:"last_transcript,omitempty"`
	EndReason      string    `json:"end_reason,omitempty"`
}

// Orchestrator owns one call and both of its legs.
type Orchestrator struct {
	id       string
	cfg      Config
	tel      TelephonyLeg
	up       UpstreamLeg
	conv     *audio.Converter
	metrics  *metrics.Metrics
	registry *Registry
	logger   *slog.Logger

	// Owned by the event pump.
	framer *telephony.Framer

	playout   *playout
	closeOnce sync.Once

	mu             sync.Mutex
	state          State
	turn           TurnState
	startedAt      time.Time
	lastActivity   time.Time
	lastUserAudio  time.Time
	lastUserSpeech time.Time
	framesIn       uint64
	framesOut      uint64
	dropped        uint64
	skipped        uint64
	protocolErrors uint64
	bargeIns       uint64
	turns          uint64
	lastTranscript string
	endReason      string
}

// New creates the orchestrator for a call whose legs are both connected.
func New(id string, tel TelephonyLeg, up UpstreamLeg, conv *audio.Converter, cfg Config, opts Options) *Orchestrator {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 20 * time.Millisecond
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = 50 * time.Millisecond
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	now := time.Now()
	return &Orchestrator{
		id:           id,
		cfg:          cfg,
		tel:          tel,
		up:           up,
		conv:         conv,
		metrics:      m,
		registry:     opts.Registry,
		logger:       logger.With("call_id", id),
		framer:       telephony.NewFramer(conv.TelephonyFormat(), cfg.ChunkDuration),
		playout:      newPlayout(),
		state:        StateInitializing,
		startedAt:    now,
		lastActivity: now,
	}
}

// ID returns the call id.
func (o *Orchestrator) ID() string { return o.id }

// Snapshot returns the current call state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{
		CallID:         o.id,
		State:          o.state,
		Turn:           o.turn,
		StartedAt:      o.startedAt,
		LastActivity:   o.lastActivity,
		FramesIn:       o.framesIn,
		FramesOut:      o.framesOut,
		Dropped:        o.dropped,
		Skipped:        o.skipped,
		ProtocolErrors: o.protocolErrors,
		BargeIns:       o.bargeIns,
		Turns:          o.turns,
		LastTranscript: o.lastTranscript,
		EndReason:      o.endReason,
	}
	o.mu.Unlock()

	s.StreamID = o.tel.StreamID()
	s.TelephonyState = o.tel.State()
	s.UpstreamState = o.up.State()
	return s
}

// Run streams the call until it ends and returns after both legs are closed
// and the call left the registry. A caller hang-up, an idle timeout or ctx
// cancellation return nil; connection failures return an *EndError.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.registry != nil {
		unregister, err := o.registry.Register(o, cancel)
		if err != nil {
			o.closeLegs()
			if errors.Is(err, ErrRegistryClosed) {
				o.finish(ReasonShutdown)
				o.metrics.RecordCallRejected(ReasonShutdown)
			} else {
				o.finish(ReasonNotReady)
				o.metrics.RecordCallRejected("duplicate")
			}
			return err
		}
		defer unregister()
	}

	if o.tel.State() != leg.StateOpen || o.up.State() != leg.StateOpen {
		o.closeLegs()
		o.finish(ReasonNotReady)
		o.metrics.RecordCallRejected(ReasonNotReady)
		return ended(ReasonNotReady, leg.ErrDisconnected)
	}

	o.mu.Lock()
	o.state = StateStreaming
	started := o.startedAt
	o.mu.Unlock()
	o.metrics.RecordCallStarted()
	o.logger.Info("Call streaming", "telephony_format", o.conv.TelephonyFormat().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pumpInbound(gctx) })
	g.Go(func() error { return o.pumpEvents(gctx) })
	g.Go(func() error { return o.writePlayout(gctx) })
	g.Go(func() error { return o.watch(gctx) })
	g.Go(func() error {
		// Closing the legs unblocks pending reads in the pumps.
		<-gctx.Done()
		o.mu.Lock()
		o.state = StateDraining
		o.mu.Unlock()
		o.closeLegs()
		return nil
	})

	err := g.Wait()
	o.closeLegs()

	reason, result := classify(err)
	o.finish(reason)
	o.metrics.RecordCallEnded(reason, time.Since(started))

	snap := o.Snapshot()
	o.logger.Info("Call ended",
		"reason", reason,
		"duration", time.Since(started).Round(time.Millisecond).String(),
		"frames_in", snap.FramesIn,
		"frames_out", snap.FramesOut,
		"dropped", snap.Dropped,
		"skipped", snap.Skipped,
		"barge_ins", snap.BargeIns,
		"turns", snap.Turns,
	)
	if result != nil {
		o.logger.Warn("Call ended with error", "error", result)
	}
	return result
}

func classify(err error) (string, error) {
	var end *EndError
	switch {
	case errors.As(err, &end):
		switch end.Reason {
		case ReasonTelephonyStop, ReasonIdle:
			return end.Reason, nil
		}
		return end.Reason, err
	case err == nil, errors.Is(err, context.Canceled):
		return ReasonShutdown, nil
	default:
		return "error", err
	}
}

func (o *Orchestrator) finish(reason string) {
	o.mu.Lock()
	o.state = StateTerminated
	o.endReason = reason
	o.mu.Unlock()
}

func (o *Orchestrator) closeLegs() {
	o.closeOnce.Do(func() {
		if err := o.tel.Close(); err != nil {
			o.logger.Debug("Telephony close", "error", err)
		}
		if err := o.up.Close(); err != nil {
			o.logger.Debug("Upstream close", "error", err)
		}
	})
}

// pumpInbound forwards caller audio to the model.
func (o *Orchestrator) pumpInbound(ctx context.Context) error {
	for msg, err := range o.tel.Messages(ctx) {
		if err != nil {
			if errors.Is(err, telephony.ErrProtocol) {
				o.mu.Lock()
				o.protocolErrors++
				o.mu.Unlock()
				o.metrics.RecordProtocolError()
				o.logger.Warn("Skipping malformed telephony message", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return ended(ReasonTelephonyDisconnected, err)
		}

		if msg.Control != nil {
			if o.handleControl(msg.Control) {
				return ended(ReasonTelephonyStop, nil)
			}
			continue
		}
		o.forwardInbound(ctx, msg.Frame)
	}

	if ctx.Err() != nil {
		return nil
	}
	return ended(ReasonTelephonyDisconnected, leg.ErrDisconnected)
}

// handleControl reports whether the control event ends the call.
func (o *Orchestrator) handleControl(ev *telephony.ControlEvent) bool {
	switch ev.Kind {
	case telephony.ControlStop:
		o.logger.Info("Caller hung up", "reason", ev.Reason)
		return true
	case telephony.ControlMark:
		o.logger.Debug("Playback reached mark", "mark", ev.Name)
	case telephony.ControlDTMF:
		o.logger.Info("DTMF received", "digit", ev.Digit)
	case telephony.ControlStart:
		o.logger.Warn("Ignoring repeated start event", "stream_id", ev.StreamID)
	}
	return false
}

func (o *Orchestrator) forwardInbound(ctx context.Context, frame audio.Frame) {
	entered := time.Now()
	o.mu.Lock()
	o.lastActivity = entered
	o.lastUserAudio = entered
	o.mu.Unlock()

	out, err := o.conv.ToUpstream(frame)
	if err != nil {
		o.mu.Lock()
		o.skipped++
		o.mu.Unlock()
		o.metrics.RecordConversionSkip(metrics.DirectionInbound)
		o.logger.Warn("Skipping caller frame", "error", err)
		return
	}
	if out.Len() == 0 {
		return
	}

	if o.up.State() != leg.StateOpen {
		o.drop(metrics.DirectionInbound, 1)
		return
	}
	if err := o.up.SendAudio(ctx, out); err != nil {
		o.drop(metrics.DirectionInbound, 1)
		return
	}

	o.mu.Lock()
	o.framesIn++
	o.mu.Unlock()
	o.observe(metrics.DirectionInbound, entered)
}

// pumpEvents consumes model events. Barge-in runs here, on the same
// goroutine that queues bot audio, so no queued frame can slip past it.
func (o *Orchestrator) pumpEvents(ctx context.Context) error {
	for ev, err := range o.up.Events(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, realtime.ErrUpstreamConnect) {
				return ended(ReasonUpstreamConnect, err)
			}
			return ended(ReasonUpstreamDisconnected, err)
		}

		o.mu.Lock()
		o.lastActivity = time.Now()
		o.mu.Unlock()

		switch ev.Kind {
		case realtime.EventPartialAudio:
			o.queueBotAudio(ev)
		case realtime.EventInterruption:
			o.bargeIn()
		case realtime.EventTurnComplete:
			o.completeTurn()
		case realtime.EventPartialTranscript:
			o.transcript(ev)
		case realtime.EventError:
			return ended(ReasonUpstreamError, ev.Err)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return ended(ReasonUpstreamDisconnected, leg.ErrDisconnected)
}

func (o *Orchestrator) queueBotAudio(ev realtime.Event) {
	entered := ev.At
	if entered.IsZero() {
		entered = time.Now()
	}

	out, err := o.conv.ToTelephony(ev.Frame)
	if err != nil {
		o.mu.Lock()
		o.skipped++
		o.mu.Unlock()
		o.metrics.RecordConversionSkip(metrics.DirectionOutbound)
		o.logger.Warn("Skipping model frame", "error", err)
		return
	}

	var firstResponse time.Duration
	o.mu.Lock()
	newTurn := o.turn != TurnBotSpeaking
	if newTurn {
		o.turn = TurnBotSpeaking
		since := o.lastUserSpeech
		if since.IsZero() {
			since = o.lastUserAudio
		}
		if !since.IsZero() {
			firstResponse = entered.Sub(since)
		}
	}
	o.mu.Unlock()

	if newTurn && firstResponse > 0 {
		o.metrics.RecordFirstResponse(firstResponse)
		o.logger.Info("Bot started speaking", "first_response_ms", firstResponse.Milliseconds())
	}

	format := o.conv.TelephonyFormat()
	for _, chunk := range o.framer.Push(out.Data()) {
		o.playout.push(playoutItem{frame: audio.NewFrameAt(format, chunk, out.Timestamp()), entered: entered})
	}
}

// bargeIn discards bot audio the caller has not heard yet and asks the
// vendor to drop what it buffered. A frame already being written completes.
func (o *Orchestrator) bargeIn() {
	o.mu.Lock()
	wasSpeaking := o.turn == TurnBotSpeaking
	if wasSpeaking {
		o.turn = TurnInterrupted
	} else if o.playout.len() == 0 && o.framer.Buffered() == 0 {
		// Nothing left to suppress.
		o.turn = TurnUserSpeaking
		o.mu.Unlock()
		o.logger.Debug("Interruption with no bot audio pending")
		return
	}
	o.mu.Unlock()

	dropped := o.playout.flush()
	discarded := o.framer.Reset()
	if err := o.tel.Clear(); err != nil {
		o.logger.Warn("Failed to clear caller playback", "error", err)
	}

	o.mu.Lock()
	o.turn = TurnUserSpeaking
	o.bargeIns++
	o.dropped += uint64(dropped)
	o.mu.Unlock()

	o.metrics.RecordBargeIn()
	o.metrics.RecordDropped(metrics.DirectionOutbound, dropped)
	o.logger.Info("Caller interrupted", "bot_speaking", wasSpeaking, "dropped_frames", dropped, "discarded_bytes", discarded)
}

func (o *Orchestrator) completeTurn() {
	if tail := o.framer.Flush(); tail != nil {
		o.playout.push(playoutItem{frame: audio.NewFrame(o.conv.TelephonyFormat(), tail), entered: time.Now()})
	}

	o.mu.Lock()
	o.turn = TurnIdle
	o.turns++
	n := o.turns
	o.mu.Unlock()

	o.playout.push(playoutItem{mark: fmt.Sprintf("turn-%d", n)})
	o.metrics.RecordTurnCompleted()
	o.logger.Debug("Bot turn complete", "turn", n)
}

func (o *Orchestrator) transcript(ev realtime.Event) {
	o.mu.Lock()
	o.lastTranscript = string(ev.Source) + ": " + ev.Text
	if ev.Source == realtime.TranscriptUser {
		o.lastUserSpeech = time.Now()
		if o.turn == TurnIdle {
			o.turn = TurnUserSpeaking
		}
	}
	o.mu.Unlock()
	o.logger.Debug("Transcript", "source", ev.Source, "text", ev.Text)
}

// writePlayout hands queued bot audio to the telephony leg in order.
func (o *Orchestrator) writePlayout(ctx context.Context) error {
	for {
		item, ok := o.playout.next(ctx)
		if !ok {
			return nil
		}

		if item.mark == "" && o.tel.State() != leg.StateOpen {
			o.drop(metrics.DirectionOutbound, 1)
			continue
		}

		sent, err := o.playout.deliver(item, func(item playoutItem) error {
			if item.mark != "" {
				return o.tel.Mark(item.mark)
			}
			return o.tel.Send(item.frame)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ended(ReasonTelephonyDisconnected, err)
		}
		if item.mark != "" {
			continue
		}
		if !sent {
			o.drop(metrics.DirectionOutbound, 1)
			continue
		}

		o.mu.Lock()
		o.framesOut++
		o.mu.Unlock()
		o.observe(metrics.DirectionOutbound, item.entered)
	}
}

// watch logs call health and ends calls whose legs died or went idle.
func (o *Orchestrator) watch(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			snap := o.Snapshot()
			o.logger.Info("Call health",
				"turn", snap.Turn.String(),
				"telephony", snap.TelephonyState.String(),
				"upstream", snap.UpstreamState.String(),
				"frames_in", snap.FramesIn,
				"frames_out", snap.FramesOut,
				"queued", o.playout.len(),
			)

			switch {
			case snap.TelephonyState.IsTerminal():
				return ended(ReasonTelephonyDisconnected, fmt.Errorf("%w: telephony %s", leg.ErrDisconnected, snap.TelephonyState))
			case snap.UpstreamState.IsTerminal():
				return ended(ReasonUpstreamDisconnected, fmt.Errorf("%w: upstream %s", leg.ErrDisconnected, snap.UpstreamState))
			case o.cfg.IdleTimeout > 0 && now.Sub(snap.LastActivity) > o.cfg.IdleTimeout:
				o.logger.Warn("Call idle, ending", "idle", now.Sub(snap.LastActivity).Round(time.Second).String())
				return ended(ReasonIdle, nil)
			}
		}
	}
}

func (o *Orchestrator) drop(direction string, n int) {
	o.mu.Lock()
	o.dropped += uint64(n)
	o.mu.Unlock()
	o.metrics.RecordDropped(direction, n)
}

func (o *Orchestrator) observe(direction string, entered time.Time) {
	latency := time.Since(entered)
	over := latency > o.cfg.LatencyBudget
	o.metrics.RecordForwarded(direction, latency, over)
	if over {
		o.logger.Warn("Forwarding latency over budget",
			"direction", direction,
			"latency_ms", latency.Milliseconds(),
			"budget_ms", o.cfg.LatencyBudget.Milliseconds(),
		)
	}
}
