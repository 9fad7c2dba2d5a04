package websocket

import (
	"time"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/call"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/config"
	"github.com/raihanakbr/smartflo-gemini-bridge/internal/realtime"
)

// Endpoint paths
const (
	AudioPath   = "/smartflo/audio"
	WebhookPath = "/webhook"
	HealthPath  = "/health"
	CallsPath   = "/api/calls"
	MetricsPath = "/metrics"

	ServiceName = "smartflo-gemini-bridge"

	// Write deadline applied to every frame written on either leg
	writeTimeout = 5 * time.Second
)

func upstreamConfig(cfg *config.Config) realtime.Config {
	u := cfg.Upstream
	return realtime.Config{
		URL:               u.URL,
		APIKey:            u.APIKey,
		Model:             u.Model,
		Voice:             u.Voice,
		SystemInstruction: u.SystemInstruction,
		Temperature:       u.Temperature,
		TopP:              u.TopP,
		MaxOutputTokens:   u.MaxOutputTokens,
		Transcription:     u.Transcription,
		InputFormat:       audio.PCM16(u.InputSampleRate),
		OutputFormat:      audio.PCM16(u.OutputSampleRate),
		HandshakeTimeout:  u.HandshakeTimeout,
		WriteTimeout:      writeTimeout,
		ReconnectAttempts: u.ReconnectAttempts,
	}
}

func callConfig(cfg *config.Config) call.Config {
	return call.Config{
		ChunkDuration:  cfg.ChunkDuration(),
		LatencyBudget:  cfg.LatencyBudget(),
		HealthInterval: cfg.Call.HealthInterval,
		IdleTimeout:    cfg.Call.IdleTimeout,
	}
}

// newConverter builds the per-call converter for the format the vendor
// actually declared on start.
func newConverter(cfg *config.Config, telephony audio.Format) (*audio.Converter, error) {
	return audio.NewConverter(telephony,
		audio.PCM16(cfg.Upstream.InputSampleRate),
		audio.PCM16(cfg.Upstream.OutputSampleRate))
}
