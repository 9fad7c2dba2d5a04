// Package config loads the bridge configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raihanakbr/smartflo-gemini-bridge/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Call      CallConfig      `yaml:"call"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig contains the realtime AI connection settings
type UpstreamConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	SystemInstruction string        `yaml:"system_instruction"`
	Temperature       float64       `yaml:"temperature"`
	TopP              float64       `yaml:"top_p"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	Transcription     bool          `yaml:"transcription"`
	InputSampleRate   int           `yaml:"input_sample_rate"`
	OutputSampleRate  int           `yaml:"output_sample_rate"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
}

// TelephonyConfig contains the phone leg audio format
type TelephonyConfig struct {
	Codec      string `yaml:"codec"`
	SampleRate int    `yaml:"sample_rate"`
	ChunkMS    int    `yaml:"chunk_ms"`
}

// CallConfig contains per-call orchestration settings
type CallConfig struct {
	LatencyWarnMS  int           `yaml:"latency_warn_ms"`
	HealthInterval time.Duration `yaml:"health_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const defaultInstruction = "You are a friendly phone assistant. Keep every answer short " +
	"and conversational. Ask one question at a time."

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:               "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent",
			Model:             "gemini-2.0-flash-exp",
			Voice:             "Puck",
			SystemInstruction: defaultInstruction,
			Temperature:       0.5,
			TopP:              0.9,
			MaxOutputTokens:   80,
			Transcription:     true,
			InputSampleRate:   16000,
			OutputSampleRate:  24000,
			HandshakeTimeout:  5 * time.Second,
			ReconnectAttempts: 1,
		},
		Telephony: TelephonyConfig{
			Codec:      "pcmu",
			SampleRate: 8000,
			ChunkMS:    20,
		},
		Call: CallConfig{
			LatencyWarnMS:  50,
			HealthInterval: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the process environment are used.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("GEMINI_API_KEY", &c.Upstream.APIKey)
	e.str("GEMINI_MODEL", &c.Upstream.Model)
	e.str("GEMINI_VOICE", &c.Upstream.Voice)
	e.str("GEMINI_WS_URL", &c.Upstream.URL)
	e.str("GEMINI_SYSTEM_INSTRUCTION", &c.Upstream.SystemInstruction)
	e.float("GEMINI_TEMPERATURE", &c.Upstream.Temperature)
	e.float("GEMINI_TOP_P", &c.Upstream.TopP)
	e.int("GEMINI_MAX_TOKENS", &c.Upstream.MaxOutputTokens)
	e.int("UPSTREAM_INPUT_SAMPLE_RATE", &c.Upstream.InputSampleRate)
	e.int("UPSTREAM_OUTPUT_SAMPLE_RATE", &c.Upstream.OutputSampleRate)
	e.duration("HANDSHAKE_TIMEOUT", &c.Upstream.HandshakeTimeout)
	e.int("RECONNECT_ATTEMPTS", &c.Upstream.ReconnectAttempts)

	e.str("TELEPHONY_CODEC", &c.Telephony.Codec)
	e.int("TELEPHONY_SAMPLE_RATE", &c.Telephony.SampleRate)
	e.int("AUDIO_CHUNK_MS", &c.Telephony.ChunkMS)

	e.int("LATENCY_WARN_MS", &c.Call.LatencyWarnMS)
	e.duration("HEALTH_INTERVAL", &c.Call.HealthInterval)
	e.duration("IDLE_TIMEOUT", &c.Call.IdleTimeout)

	e.str("SERVER_ADDR", &c.Server.Addr)
	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	return e.err
}

// envReader collects the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
			return
		}
		*dst = f
	}
}

// duration accepts Go durations ("5s") or bare seconds ("5").
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
		return
	}
	*dst = d
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}
	if err := c.Telephony.Validate(); err != nil {
		return fmt.Errorf("telephony config: %w", err)
	}
	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", s.ShutdownTimeout)
	}
	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	if u.APIKey == "" {
		return fmt.Errorf("api_key is required (set GEMINI_API_KEY)")
	}
	if !strings.HasPrefix(u.URL, "ws://") && !strings.HasPrefix(u.URL, "wss://") {
		return fmt.Errorf("url must be a ws:// or wss:// URL, got %q", u.URL)
	}
	if u.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if u.Temperature < 0 || u.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", u.Temperature)
	}
	if u.TopP < 0 || u.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", u.TopP)
	}
	if u.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens cannot be negative, got %d", u.MaxOutputTokens)
	}
	if u.InputSampleRate <= 0 || u.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive, got input %d output %d", u.InputSampleRate, u.OutputSampleRate)
	}
	if u.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %v", u.HandshakeTimeout)
	}
	if u.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts cannot be negative, got %d", u.ReconnectAttempts)
	}
	return nil
}

// Validate validates telephony configuration
func (t *TelephonyConfig) Validate() error {
	codec, err := audio.ParseCodec(t.Codec)
	if err != nil {
		return err
	}
	if codec == audio.CodecL16 {
		return fmt.Errorf("codec must be a G.711 codec, got %q", t.Codec)
	}
	if t.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", t.SampleRate)
	}
	if t.ChunkMS < 10 || t.ChunkMS > 200 {
		return fmt.Errorf("chunk_ms must be between 10 and 200, got %d", t.ChunkMS)
	}
	return nil
}

// Validate validates call configuration
func (c *CallConfig) Validate() error {
	if c.LatencyWarnMS <= 0 {
		return fmt.Errorf("latency_warn_ms must be positive, got %d", c.LatencyWarnMS)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %v", c.HealthInterval)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %v", c.IdleTimeout)
	}
	return nil
}

// Validate validates logging configuration and lower-cases level and format
func (l *LoggingConfig) Validate() error {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

// TelephonyFormat is the phone leg audio format.
func (c *Config) TelephonyFormat() audio.Format {
	codec, _ := audio.ParseCodec(c.Telephony.Codec)
	return audio.Telephony(codec, c.Telephony.SampleRate)
}

// ChunkDuration is the outbound telephony chunk duration.
func (c *Config) ChunkDuration() time.Duration {
	return time.Duration(c.Telephony.ChunkMS) * time.Millisecond
}

// LatencyBudget is the per-frame forwarding latency warning threshold.
func (c *Config) LatencyBudget() time.Duration {
	return time.Duration(c.Call.LatencyWarnMS) * time.Millisecond
}
