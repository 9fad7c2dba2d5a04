package call

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/leg"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/metrics"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/realtime"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/telephony"
)

type telItem struct {
	msg telephony.Message
	err error
}

// fakeTelephony is an in-memory TelephonyLeg. When gate is set, Send
// announces the frame on entered and blocks until gate yields a token.
type fakeTelephony struct {
	in        chan telItem
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	state     leg.StateVar

	gate    chan struct{}
	entered chan audio.Frame

	mu     sync.Mutex
	sent   []audio.Frame
	marks  []string
	clears int
}

func newFakeTelephony() *fakeTelephony {
	f := &fakeTelephony{in: make(chan telItem, 64), closed: make(chan struct{})}
	f.state.Store(leg.StateOpen)
	return f
}

func (f *fakeTelephony) Messages(ctx context.Context) iter.Seq2[telephony.Message, error] {
	return func(yield func(telephony.Message, error) bool) {
		for {
			select {
			case it := <-f.in:
				if !yield(it.msg, it.err) {
					return
				}
				if it.err == nil && it.msg.Control != nil && it.msg.Control.Kind == telephony.ControlStop {
					return
				}
			case <-f.closed:
				yield(telephony.Message{}, fmt.Errorf("%w: closed", leg.ErrDisconnected))
				return
			case <-ctx.Done():
				yield(telephony.Message{}, ctx.Err())
				return
			}
		}
	}
}

func (f *fakeTelephony) Send(frame audio.Frame) error {
	if f.gate != nil {
		f.entered <- frame
		select {
		case <-f.gate:
		case <-f.closed:
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) Mark(name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) State() leg.State { return f.state.Load() }

func (f *fakeTelephony) StreamID() string { return "MZ-test" }

func (f *fakeTelephony) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() {
		f.state.Store(leg.StateClosed)
		close(f.closed)
	})
	return nil
}

func (f *fakeTelephony) audio(frame audio.Frame) {
	f.in <- telItem{msg: telephony.Message{Frame: frame}}
}

func (f *fakeTelephony) stop() {
	f.in <- telItem{msg: telephony.Message{Control: &telephony.ControlEvent{Kind: telephony.ControlStop, Reason: "hangup"}}}
}

func (f *fakeTelephony) sentFrames() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame(nil), f.sent...)
}

func (f *fakeTelephony) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

type upItem struct {
	ev  realtime.Event
	err error
}

// fakeUpstream is an in-memory UpstreamLeg. delay is slept before every
// event is yielded.
type fakeUpstream struct {
	events    chan upItem
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	state     leg.StateVar
	delay     time.Duration

	mu   sync.Mutex
	sent []audio.Frame
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{events: make(chan upItem, 64), closed: make(chan struct{})}
	f.state.Store(leg.StateOpen)
	return f
}

func (f *fakeUpstream) SendAudio(_ context.Context, frame audio.Frame) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Events(ctx context.Context) iter.Seq2[realtime.Event, error] {
	return func(yield func(realtime.Event, error) bool) {
		for {
			select {
			case it := <-f.events:
				if f.delay > 0 {
					time.Sleep(f.delay)
				}
				if !yield(it.ev, it.err) || it.err != nil {
					return
				}
			case <-f.closed:
				yield(realtime.Event{}, fmt.Errorf("%w: upstream closed", leg.ErrDisconnected))
				return
			case <-ctx.Done():
				yield(realtime.Event{}, ctx.Err())
				return
			}
		}
	}
}

func (f *fakeUpstream) State() leg.State { return f.state.Load() }

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() {
		if f.state.Load() != leg.StateFailed {
			f.state.Store(leg.StateClosed)
		}
		close(f.closed)
	})
	return nil
}

func (f *fakeUpstream) emit(ev realtime.Event) {
	f.events <- upItem{ev: ev}
}

func (f *fakeUpstream) sentFrames() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame(nil), f.sent...)
}

type harness struct {
	call     *Orchestrator
	tel      *fakeTelephony
	up       *fakeUpstream
	metrics  *metrics.Metrics
	registry *Registry
	done     chan error
}

func telephonyFormat() audio.Format { return audio.Telephony(audio.CodecPCMU, 8000) }

func newHarness(t *testing.T, id string, conv *audio.Converter, cfg Config) *harness {
	t.Helper()
	if conv == nil {
		var err error
		conv, err = audio.NewConverter(telephonyFormat(), audio.PCM16(16000), audio.PCM16(24000))
		if err != nil {
			t.Fatalf("NewConverter: %v", err)
		}
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = time.Hour
	}
	h := &harness{
		tel:      newFakeTelephony(),
		up:       newFakeUpstream(),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		registry: NewRegistry(),
		done:     make(chan error, 1),
	}
	h.call = New(id, h.tel, h.up, conv, cfg, Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  h.metrics,
		Registry: h.registry,
	})
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.call.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end")
		return nil
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// botAudio returns a model audio event of d at 24 kHz.
func botAudio(d time.Duration, value int16) realtime.Event {
	format := audio.PCM16(24000)
	pcm := make([]byte, format.FrameBytes(d))
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i] = byte(value)
		pcm[i+1] = byte(value >> 8)
	}
	return realtime.Event{Kind: realtime.EventPartialAudio, Frame: audio.NewFrame(format, pcm), At: time.Now()}
}

func callerAudio() audio.Frame {
	return audio.NewFrame(telephonyFormat(), make([]byte, 160))
}
