package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching YAML field is empty.
const (
	EnvAvatarAPIKey   = "SIMLI_API_KEY"
	EnvBackendBaseURL = "FACETIME_BACKEND_URL"
)

// DefaultMaxAttempts is the readiness check bound used when
// readiness.max_attempts is absent.
const DefaultMaxAttempts = 60

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills empty secrets from the
// environment, applies defaults, and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills secrets and endpoints left empty in cfg from lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Avatar.APIKey == "" {
		if v, ok := lookup(EnvAvatarAPIKey); ok {
			cfg.Avatar.APIKey = v
		}
	}
	if cfg.Backend.BaseURL == "" {
		if v, ok := lookup(EnvBackendBaseURL); ok {
			cfg.Backend.BaseURL = v
		}
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8080"
	}
	cfg.Backend.BaseURL = strings.TrimRight(cfg.Backend.BaseURL, "/")
	if cfg.Backend.RequestTimeout <= 0 {
		cfg.Backend.RequestTimeout = 15 * time.Second
	}
	if cfg.Backend.BreakerCooldown <= 0 {
		cfg.Backend.BreakerCooldown = 15 * time.Second
	}

	if cfg.Capture.Command == "" {
		cfg.Capture.Command = "ffmpeg"
	}
	if cfg.Capture.InputFormat == "" {
		cfg.Capture.InputFormat = "pulse"
	}
	if cfg.Capture.InputDevice == "" {
		cfg.Capture.InputDevice = "default"
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels <= 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Capture.ChunkInterval <= 0 {
		cfg.Capture.ChunkInterval = 100 * time.Millisecond
	}

	if cfg.Readiness.InitialDelay <= 0 {
		cfg.Readiness.InitialDelay = 4 * time.Second
	}
	if cfg.Readiness.Interval <= 0 {
		cfg.Readiness.Interval = time.Second
	}
	if cfg.Readiness.MaxAttempts == nil {
		n := DefaultMaxAttempts
		cfg.Readiness.MaxAttempts = &n
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "facetime.call"
	}
	if cfg.Events.Embedded && cfg.Events.EmbeddedPort == 0 {
		cfg.Events.EmbeddedPort = 4222
	}
	if cfg.Events.ConnectTimeout <= 0 {
		cfg.Events.ConnectTimeout = 5 * time.Second
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "facetime"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
	if cfg.Telemetry.Traces == "" {
		cfg.Telemetry.Traces = "none"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend
	if err := checkURL(cfg.Backend.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
	}
	if cfg.Backend.SignalingURL != "" {
		if err := checkURL(cfg.Backend.SignalingURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("backend.signaling_url: %w", err))
		}
	}
	if cfg.Backend.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker_threshold %d must not be negative", cfg.Backend.BreakerThreshold))
	}

	// Avatar
	if cfg.Avatar.FaceID == "" {
		errs = append(errs, errors.New("avatar.face_id is required"))
	}
	if cfg.Avatar.APIKey == "" {
		errs = append(errs, fmt.Errorf("avatar.api_key is required (or set $%s)", EnvAvatarAPIKey))
	}
	if cfg.Avatar.APIURL != "" {
		if err := checkURL(cfg.Avatar.APIURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("avatar.api_url: %w", err))
		}
	}

	// Conversation defaults may be supplied per call instead.
	if cfg.Conversation.Prompt == "" || cfg.Conversation.VoiceID == "" {
		slog.Warn("config: conversation prompt or voice_id is empty; every call start must supply them")
	}

	// Capture
	if cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.SampleRate < 8000 || cfg.Capture.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 48000]", cfg.Capture.SampleRate))
	}

	// Readiness
	if n := cfg.Readiness.MaxAttempts; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("readiness.max_attempts %d must not be negative", *n))
	}
	if n := cfg.Readiness.MaxAttempts; n != nil && *n == 0 {
		slog.Warn("config: readiness.max_attempts is 0; the driver will wait for the avatar indefinitely")
	}

	// Call log
	if cfg.CallLog.Retain < 0 {
		errs = append(errs, fmt.Errorf("call_log.retain %d must not be negative", cfg.CallLog.Retain))
	}

	// Events
	for i, s := range cfg.Events.Servers {
		if err := checkURL(s, "nats", "tls", "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("events.servers[%d]: %w", i, err))
		}
	}
	if cfg.Events.EmbeddedPort < -1 || cfg.Events.EmbeddedPort > 65535 {
		errs = append(errs, fmt.Errorf("events.embedded_port %d is out of range", cfg.Events.EmbeddedPort))
	}
	if strings.ContainsAny(cfg.Events.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("events.subject_prefix %q must not contain spaces or wildcards", cfg.Events.SubjectPrefix))
	}

	// Telemetry
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}
	switch cfg.Telemetry.Traces {
	case "", "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required when traces is otlp"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.traces %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.Traces))
	}

	return errors.Join(errs...)
}

// SignalingEndpoint returns the websocket endpoint, deriving it from the
// backend base URL when not configured.
func (c *Config) SignalingEndpoint() string {
	if c.Backend.SignalingURL != "" {
		return c.Backend.SignalingURL
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Attempts returns the readiness bound with the default applied.
func (r ReadinessConfig) Attempts() int {
	if r.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *r.MaxAttempts
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q must use one of the schemes %s", raw, strings.Join(schemes, ", "))
}
