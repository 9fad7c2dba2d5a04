package websocket

import "github.com/raihanakbr/smartflo-gemini-bridge/internal/call"

// HealthResponse is served on / and /health.
type HealthResponse struct {
	Status      string        `json:"status"`
	Service     string        `json:"service"`
	ActiveCalls int           `json:"active_calls"`
	Config      ConfigSummary `json:"config"`
}

// ConfigSummary is the non-secret part of the running configuration.
type ConfigSummary struct {
	Model             string `json:"model"`
	Voice             string `json:"voice"`
	TelephonyFormat   string `json:"telephony_format"`
	UpstreamInput     string `json:"upstream_input"`
	UpstreamOutput    string `json:"upstream_output"`
	ChunkMS           int    `json:"chunk_ms"`
	LatencyWarnMS     int    `json:"latency_warn_ms"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// WebhookRequest is a call lifecycle notification from the telephony vendor.
type WebhookRequest struct {
	CallID    string `json:"call_id"`
	EventType string `json:"event_type"`
}

type WebhookResponse struct {
	Status  string `json:"status"`
	CallID  string `json:"call_id"`
	Message string `json:"message"`
}

type CallsResponse struct {
	Calls []call.Snapshot `json:"calls"`
	Count int             `json:"count"`
}
