// Package config provides the configuration schema and loader for the
// facetime call service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the service.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Backend      BackendConfig      `yaml:"backend"`
	Conversation ConversationConfig `yaml:"conversation"`
	Avatar       AvatarConfig       `yaml:"avatar"`
	Capture      CaptureConfig      `yaml:"capture"`
	Readiness    ReadinessConfig    `yaml:"readiness"`
	CallLog      CallLogConfig      `yaml:"call_log"`
	Events       EventsConfig       `yaml:"events"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackendConfig locates the speech backend.
type BackendConfig struct {
	// BaseURL is the HTTP origin serving /start-conversation
	// (e.g., "http://localhost:8080"). Falls back to $FACETIME_BACKEND_URL.
	BaseURL string `yaml:"base_url"`

	// SignalingURL is the websocket endpoint. When empty it is derived from
	// BaseURL by switching the scheme to ws/wss and appending /ws.
	SignalingURL string `yaml:"signaling_url"`

	// RequestTimeout bounds the negotiation request. Default: 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BreakerThreshold is the number of consecutive negotiation failures
	// that opens the circuit breaker. Zero disables the breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long the breaker stays open. Default: 15s.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// ConversationConfig holds the negotiation defaults.
type ConversationConfig struct {
	// Prompt is the system prompt sent on negotiation.
	Prompt string `yaml:"prompt"`

	// VoiceID selects the backend voice.
	VoiceID string `yaml:"voice_id"`
}

// AvatarConfig configures the avatar service.
type AvatarConfig struct {
	// APIKey authenticates against the avatar service. Falls back to
	// $SIMLI_API_KEY.
	APIKey string `yaml:"api_key"`

	// FaceID selects the avatar face.
	FaceID string `yaml:"face_id"`

	// HandleSilence asks the service to animate idle periods.
	HandleSilence bool `yaml:"handle_silence"`

	// APIURL overrides the service endpoint.
	APIURL string `yaml:"api_url"`

	// ICEServers lists STUN/TURN URLs. Default: a public STUN server.
	ICEServers []string `yaml:"ice_servers"`

	// RecordVideo, when set, writes the received video track to this IVF file.
	RecordVideo string `yaml:"record_video"`

	// RecordAudio, when set, writes the received audio track to this Ogg file.
	RecordAudio string `yaml:"record_audio"`
}

// CaptureConfig configures the microphone source.
type CaptureConfig struct {
	// Command is the ffmpeg binary. Default: "ffmpeg".
	Command string `yaml:"command"`

	// InputFormat is the ffmpeg input format (e.g., "pulse", "alsa",
	// "avfoundation"). Default: "pulse".
	InputFormat string `yaml:"input_format"`

	// InputDevice is the device name. Default: "default".
	InputDevice string `yaml:"input_device"`

	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count. Default: 1.
	Channels int `yaml:"channels"`

	// ChunkInterval is the duration of one uploaded chunk. Default: 100ms.
	ChunkInterval time.Duration `yaml:"chunk_interval"`
}

// ReadinessConfig controls how the driver waits for the avatar transport.
type ReadinessConfig struct {
	// InitialDelay precedes the first check. Default: 4s.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Interval separates later checks. Default: 1s.
	Interval time.Duration `yaml:"interval"`

	// MaxAttempts bounds the number of checks; 0 waits forever. Default: 60.
	MaxAttempts *int `yaml:"max_attempts"`
}

// CallLogConfig configures call history persistence.
type CallLogConfig struct {
	// Path is the SQLite database file. Empty keeps history in memory.
	Path string `yaml:"path"`

	// Retain is the maximum number of calls kept; older ones are pruned.
	// Zero keeps everything.
	Retain int `yaml:"retain"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	// Servers lists NATS URLs. Empty disables publishing.
	Servers []string `yaml:"servers"`

	// SubjectPrefix prefixes every subject. Default: "facetime.call".
	SubjectPrefix string `yaml:"subject_prefix"`

	// ConnectTimeout bounds the initial connection. Default: 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Embedded starts an in-process NATS server on EmbeddedPort and
	// publishes to it when Servers is empty. An EmbeddedPort of -1 picks a
	// free port.
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported on every span and metric. Default: "facetime".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus handler is mounted. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`

	// Traces selects the span exporter: "none", "stdout" or "otlp".
	// Default: "none".
	Traces string `yaml:"traces"`

	// OTLPEndpoint is the collector's gRPC address when Traces is "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}
