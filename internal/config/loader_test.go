package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/Jubbery/simli-facetime-app/internal/config"
)

func validConfig() *config.Config {
	cfg := &config.Config{
		Backend: config.BackendConfig{BaseURL: "http://localhost:8080"},
		Avatar:  config.AvatarConfig{APIKey: "k", FaceID: "f"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"backend scheme", func(c *config.Config) { c.Backend.BaseURL = "ftp://x" }, "backend.base_url"},
		{"backend host", func(c *config.Config) { c.Backend.BaseURL = "http://" }, "no host"},
		{"signaling scheme", func(c *config.Config) { c.Backend.SignalingURL = "http://x/ws" }, "backend.signaling_url"},
		{"negative breaker", func(c *config.Config) { c.Backend.BreakerThreshold = -1 }, "breaker_threshold"},
		{"missing face", func(c *config.Config) { c.Avatar.FaceID = "" }, "avatar.face_id"},
		{"missing key", func(c *config.Config) { c.Avatar.APIKey = "" }, "SIMLI_API_KEY"},
		{"avatar url", func(c *config.Config) { c.Avatar.APIURL = "api.simli.ai" }, "avatar.api_url"},
		{"channels", func(c *config.Config) { c.Capture.Channels = 6 }, "capture.channels"},
		{"sample rate", func(c *config.Config) { c.Capture.SampleRate = 96000 }, "capture.sample_rate"},
		{"attempts", func(c *config.Config) { n := -2; c.Readiness.MaxAttempts = &n }, "readiness.max_attempts"},
		{"retain", func(c *config.Config) { c.CallLog.Retain = -1 }, "call_log.retain"},
		{"nats url", func(c *config.Config) { c.Events.Servers = []string{"http://x:4222"} }, "events.servers[0]"},
		{"subject wildcard", func(c *config.Config) { c.Events.SubjectPrefix = "call.>" }, "subject_prefix"},
		{"metrics path", func(c *config.Config) { c.Telemetry.MetricsPath = "metrics" }, "metrics_path"},
		{"trace exporter", func(c *config.Config) { c.Telemetry.Traces = "zipkin" }, "telemetry.traces"},
		{"otlp without endpoint", func(c *config.Config) { c.Telemetry.Traces = "otlp" }, "otlp_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Avatar.FaceID = ""
	cfg.Capture.Channels = 9

	err := config.Validate(cfg)
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("Validate error %T is not a joined error", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("joined errors = %d, want 3: %v", n, err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv(config.EnvAvatarAPIKey, "from-env")

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Avatar.APIKey != "from-env" {
		t.Errorf("api_key = %q, want the environment value", cfg.Avatar.APIKey)
	}
	if got := cfg.SignalingEndpoint(); got != "ws://localhost:8080/ws" {
		t.Errorf("SignalingEndpoint = %q", got)
	}
	if got := cfg.Readiness.Attempts(); got != 60 {
		t.Errorf("Attempts = %d, want 60", got)
	}
}
