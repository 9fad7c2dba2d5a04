package websocket

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/call"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/realtime"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/telephony"
)

// Stages at which a connection is turned away before its call starts
const (
	stageStart    = "telephony_start"
	stageFormat   = "format"
	stageUpstream = call.ReasonUpstreamConnect
)

// serveCall runs one phone call on an upgraded connection. It returns when
// the call has ended and both legs are closed.
func (s *Server) serveCall(ctx context.Context, conn *websocket.Conn) {
	session := telephony.NewSession(conn, s.cfg.TelephonyFormat(), telephony.Options{
		Logger:       s.logger,
		WriteTimeout: writeTimeout,
	})
	// Until the orchestrator owns the call, cancellation closes the phone leg.
	release := context.AfterFunc(ctx, func() { session.Close() })

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.Upstream.HandshakeTimeout)
	start, err := session.AwaitStart(startCtx)
	cancel()
	if err != nil {
		s.logger.Warn("Connection ended before call start", "remote", conn.RemoteAddr().String(), "error", err)
		s.metrics.RecordCallRejected(stageStart)
		release()
		session.Close()
		return
	}

	logger := s.logger.With("call_id", start.CallID)

	conv, err := newConverter(s.cfg, start.Format)
	if err != nil {
		logger.Error("Unsupported telephony format", "format", start.Format.String(), "error", err)
		s.metrics.RecordCallRejected(stageFormat)
		release()
		session.Close()
		return
	}

	up, err := realtime.Connect(ctx, upstreamConfig(s.cfg), s.dialer,
		realtime.WithLogger(logger),
		realtime.WithReconnectHook(s.metrics.RecordReconnect),
		realtime.WithUnexpectedEventHook(func(error) { s.metrics.RecordUnexpectedEvent() }),
	)
	if err != nil {
		var apiErr *realtime.APIError
		if errors.As(err, &apiErr) {
			logger.Error("Upstream rejected session setup", "code", apiErr.Code, "error", err)
		} else {
			logger.Error("Failed to connect to upstream", "error", err)
		}
		s.metrics.RecordCallRejected(stageUpstream)
		release()
		session.Close()
		return
	}
	release()

	orchestrator := call.New(start.CallID, session, up, conv, callConfig(s.cfg), call.Options{
		Logger:   s.logger,
		Metrics:  s.metrics,
		Registry: s.registry,
	})
	if err := orchestrator.Run(ctx); err != nil {
		var end *call.EndError
		if errors.As(err, &end) {
			logger.Debug("Call finished abnormally", "reason", end.Reason)
		}
	}
}
