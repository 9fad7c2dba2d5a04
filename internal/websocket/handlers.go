// Package websocket is the HTTP boundary of the bridge: the telephony
// WebSocket endpoint plus the small REST surface around it.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/call"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/config"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/metrics"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/realtime"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Deps are the collaborators of a Server. Dialer and Logger are optional.
type Deps struct {
	Registry *call.Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Dialer   realtime.WebsocketDialer
	Logger   *slog.Logger
}

// Server accepts telephony connections and bridges each one to the
// realtime AI service.
type Server struct {
	cfg      *config.Config
	registry *call.Registry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	dialer   realtime.WebsocketDialer
	logger   *slog.Logger

	// base is canceled by Shutdown and parents every connection.
	base     context.Context
	stopBase context.CancelFunc
}

// NewServer returns a Server for cfg. Missing deps get defaults.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = call.NewRegistry()
	}
	if deps.Metrics == nil {
		reg := prometheus.NewRegistry()
		deps.Metrics = metrics.NewMetrics(reg)
		deps.Gatherer = reg
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Dialer == nil {
		deps.Dialer = websocket.DefaultDialer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		base:     base,
		stopBase: stop,
		cfg:      cfg,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		dialer:   deps.Dialer,
		logger:   deps.Logger,
	}
}

// Registry returns the active call registry.
func (s *Server) Registry() *call.Registry { return s.registry }

// Routes registers every endpoint on a dedicated mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(AudioPath, s.HandleWebSocketConnection)
	mux.Handle("/", s.instrument("/", s.HealthHandler))
	mux.Handle(HealthPath, s.instrument(HealthPath, s.HealthHandler))
	mux.Handle(WebhookPath, s.instrument(WebhookPath, s.WebhookHandler))
	mux.Handle(CallsPath, s.instrument(CallsPath, s.GetCallsHandler))
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Shutdown cancels every active call, including connections that have not
// started streaming yet, and waits for the calls to finish or for ctx to
// expire. It reports whether every call finished.
func (s *Server) Shutdown(ctx context.Context) bool {
	s.stopBase()
	if n := s.registry.CancelAll(); n > 0 {
		s.logger.Info("Ending active calls", "count", n)
	}
	return s.registry.Wait(ctx)
}

// HandleWebSocketConnection upgrades a telephony media stream and serves
// its call until the call ends.
func (s *Server) HandleWebSocketConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		s.metrics.RecordHTTPRequest(r.Method, AudioPath, strconv.Itoa(http.StatusBadRequest))
		return
	}
	s.metrics.RecordHTTPRequest(r.Method, AudioPath, strconv.Itoa(http.StatusSwitchingProtocols))
	s.logger.Info("Telephony connection accepted", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.base, cancel)()

	s.serveCall(ctx, conn)
}

// HealthHandler reports liveness and the number of active calls
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != HealthPath {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "running",
		Service:     ServiceName,
		ActiveCalls: s.registry.Count(),
		Config: ConfigSummary{
			Model:             s.cfg.Upstream.Model,
			Voice:             s.cfg.Upstream.Voice,
			TelephonyFormat:   s.cfg.TelephonyFormat().String(),
			UpstreamInput:     upstreamConfig(s.cfg).InputFormat.String(),
			UpstreamOutput:    upstreamConfig(s.cfg).OutputFormat.String(),
			ChunkMS:           s.cfg.Telephony.ChunkMS,
			LatencyWarnMS:     s.cfg.Call.LatencyWarnMS,
			ReconnectAttempts: s.cfg.Upstream.ReconnectAttempts,
		},
	})
}

// WebhookHandler acknowledges call lifecycle notifications. It never
// changes the state of a running call.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.logger.Warn("Invalid webhook payload", "error", err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.EventType == "" {
		req.EventType = "unknown"
	}

	_, active := s.registry.Get(req.CallID)
	s.logger.Info("Webhook received", "call_id", req.CallID, "event_type", req.EventType, "active", active)

	writeJSON(w, http.StatusOK, WebhookResponse{
		Status:  "ok",
		CallID:  req.CallID,
		Message: "Call acknowledged",
	})
}

// GetCallsHandler lists active calls, or a single one with ?call_id=
func (s *Server) GetCallsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if callID := r.URL.Query().Get("call_id"); callID != "" {
		c, ok := s.registry.Get(callID)
		if !ok {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, c.Snapshot())
		return
	}

	snaps := s.registry.Snapshots()
	if snaps == nil {
		snaps = []call.Snapshot{}
	}
	writeJSON(w, http.StatusOK, CallsResponse{Calls: snaps, Count: len(snaps)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts for a REST endpoint. endpoint is the
// route pattern so unknown paths do not create new label values.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(rec.status))
	})
}
