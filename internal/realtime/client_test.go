package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/leg"
)

// fakeUpstream is a minimal Live API server. handle is called once per
// accepted connection with the connection index and the decoded setup.
type fakeUpstream struct {
	srv    *httptest.Server
	conns  atomic.Int32
	mu     sync.Mutex
	apiKey string
	handle func(n int, conn *websocket.Conn, s setupMessage)
}

func newFakeUpstream(t *testing.T, handle func(n int, conn *websocket.Conn, s setupMessage)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{handle: handle}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.apiKey = r.Header.Get(APIKeyHeader)
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(f.conns.Add(1))

		var s setupMessage
		if err := conn.ReadJSON(&s); err != nil {
			return
		}
		f.handle(n, conn, s)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func setupComplete(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
}

// drain blocks until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		APIKey:           "test-key",
		Model:            "gemini-test",
		Voice:            "Puck",
		InputFormat:      audio.PCM16(16000),
		OutputFormat:     audio.PCM16(24000),
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectHandshake(t *testing.T) {
	got := make(chan setupMessage, 1)
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, s setupMessage) {
		got <- s
		setupComplete(conn)
		drain(conn)
	})

	cfg := testConfig(f.url())
	cfg.SystemInstruction = "be brief"
	cfg.Temperature = 0.7
	cfg.Transcription = true
	c, err := Connect(context.Background(), cfg, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if c.State() != leg.StateOpen {
		t.Errorf("state = %s, want Open", c.State())
	}
	s := <-got
	if s.Setup.Model != "models/gemini-test" {
		t.Errorf("model = %q", s.Setup.Model)
	}
	if v := s.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
		t.Errorf("voice = %q", v)
	}
	if s.Setup.GenerationConfig.Temperature == nil || *s.Setup.GenerationConfig.Temperature != 0.7 {
		t.Error("temperature not sent")
	}
	if s.Setup.GenerationConfig.TopP != nil {
		t.Error("unset topP should be omitted")
	}
	if s.Setup.SystemInstruction == nil || s.Setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system instruction not sent")
	}
	if s.Setup.InputAudioTranscription == nil || s.Setup.OutputAudioTranscription == nil {
		t.Error("transcription not requested")
	}

	f.mu.Lock()
	key := f.apiKey
	f.mu.Unlock()
	if key != "test-key" {
		t.Errorf("api key header = %q", key)
	}
}

func TestConnectRejected(t *testing.T) {
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":403,"message":"bad key","status":"PERMISSION_DENIED"}}`))
	})

	_, err := Connect(context.Background(), testConfig(f.url()), nil, WithLogger(quietLogger()))
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("err = %v, want ErrUpstreamConnect", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 403 {
		t.Errorf("expected wrapped APIError, got %v", err)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		drain(conn)
	})

	cfg := testConfig(f.url())
	cfg.HandshakeTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err := Connect(context.Background(), cfg, nil, WithLogger(quietLogger()))
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("err = %v, want ErrUpstreamConnect", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake timeout took %v", elapsed)
	}
}

func TestConnectDialFailure(t *testing.T) {
	_, err := Connect(context.Background(), testConfig("ws://127.0.0.1:1/unreachable"), nil, WithLogger(quietLogger()))
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("err = %v, want ErrUpstreamConnect", err)
	}
}

func TestSendAudio(t *testing.T) {
	got := make(chan realtimeInputMessage, 1)
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		setupComplete(conn)
		var msg realtimeInputMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
		drain(conn)
	})

	c, err := Connect(context.Background(), testConfig(f.url()), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := c.SendAudio(context.Background(), audio.NewFrame(audio.PCM16(16000), pcm)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		chunk := msg.RealtimeInput.MediaChunks[0]
		if chunk.MimeType != "audio/pcm;rate=16000" {
			t.Errorf("mime = %q", chunk.MimeType)
		}
		data, _ := base64.StdEncoding.DecodeString(chunk.Data)
		if string(data) != string(pcm) {
			t.Errorf("data = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio")
	}
	if s := c.Stats(); s.Sent != 1 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNextDecodesEvents(t *testing.T) {
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 480))
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		setupComplete(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"unknownThing":{}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+pcm+`"}}]}}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		drain(conn)
	})

	var skipped atomic.Int32
	c, err := Connect(context.Background(), testConfig(f.url()), nil, WithLogger(quietLogger()),
		WithUnexpectedEventHook(func(err error) {
			if errors.Is(err, ErrUnexpectedEvent) {
				skipped.Add(1)
			}
		}))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	var kinds []EventKind
	for ev, err := range c.Events(context.Background()) {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventPartialAudio && ev.Frame.Duration() != 10*time.Millisecond {
			t.Errorf("audio duration = %v, want 10ms", ev.Frame.Duration())
		}
		if ev.Kind == EventTurnComplete {
			break
		}
	}
	if len(kinds) != 2 || kinds[0] != EventPartialAudio || kinds[1] != EventTurnComplete {
		t.Errorf("kinds = %v", kinds)
	}
	if skipped.Load() != 1 {
		t.Errorf("skipped = %d, want 1", skipped.Load())
	}
}

func TestNextReconnects(t *testing.T) {
	f := newFakeUpstream(t, func(n int, conn *websocket.Conn, _ setupMessage) {
		setupComplete(conn)
		if n == 1 {
			// Drop the first connection right after setup.
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		drain(conn)
	})

	var hooked atomic.Int32
	cfg := testConfig(f.url())
	cfg.ReconnectAttempts = 1
	c, err := Connect(context.Background(), cfg, nil, WithLogger(quietLogger()), WithReconnectHook(func() { hooked.Add(1) }))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	ev, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != EventTurnComplete {
		t.Errorf("kind = %s", ev.Kind)
	}
	if c.Stats().Reconnects != 1 || hooked.Load() != 1 {
		t.Errorf("reconnects = %d, hook = %d", c.Stats().Reconnects, hooked.Load())
	}
	if c.State() != leg.StateOpen {
		t.Errorf("state = %s, want Open", c.State())
	}
}

func TestNextFailsWithoutReconnectBudget(t *testing.T) {
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		setupComplete(conn)
	})

	c, err := Connect(context.Background(), testConfig(f.url()), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err = c.Next(context.Background())
	if !errors.Is(err, leg.ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if c.State() != leg.StateFailed {
		t.Errorf("state = %s, want Failed", c.State())
	}
	if err := c.SendAudio(context.Background(), audio.NewFrame(audio.PCM16(16000), []byte{0, 0})); err != nil {
		t.Errorf("SendAudio on failed leg: %v", err)
	}
	if c.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", c.Stats().Dropped)
	}
}

func TestNextReconnectRejected(t *testing.T) {
	f := newFakeUpstream(t, func(n int, conn *websocket.Conn, _ setupMessage) {
		if n == 1 {
			setupComplete(conn)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":503,"message":"unavailable"}}`))
	})

	cfg := testConfig(f.url())
	cfg.ReconnectAttempts = 1
	c, err := Connect(context.Background(), cfg, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err = c.Next(context.Background())
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Fatalf("err = %v, want ErrUpstreamConnect", err)
	}
	if c.State() != leg.StateFailed {
		t.Errorf("state = %s, want Failed", c.State())
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	f := newFakeUpstream(t, func(_ int, conn *websocket.Conn, _ setupMessage) {
		setupComplete(conn)
		drain(conn)
	})

	cfg := testConfig(f.url())
	cfg.ReconnectAttempts = 3
	c, err := Connect(context.Background(), cfg, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, leg.ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	if c.State() != leg.StateClosed {
		t.Errorf("state = %s, want Closed", c.State())
	}
	if c.Stats().Reconnects != 0 {
		t.Error("Close must not trigger a reconnect")
	}
	if f.conns.Load() != 1 {
		t.Errorf("server saw %d connections, want 1", f.conns.Load())
	}
}

func TestSetupMessageModelPrefix(t *testing.T) {
	c := &Client{cfg: Config{Model: "models/already"}}
	data, _ := json.Marshal(c.setupMessage())
	if !strings.Contains(string(data), `"model":"models/already"`) {
		t.Errorf("setup = %s", data)
	}
}
