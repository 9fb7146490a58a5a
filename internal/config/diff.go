package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; every other
// change takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is set when the negotiation prompt or voice changed.
	ConversationChanged bool

	// ReadinessChanged is set when any readiness polling setting changed.
	ReadinessChanged bool

	// RestartRequired names the YAML sections that changed but are only read
	// at startup.
	RestartRequired []string
}

// Any reports whether d carries at least one applicable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ConversationChanged || d.ReadinessChanged
}

// Diff compares old and new configs and returns what changed.
// Changes to the calls in progress are never applied; the call driver picks
// them up on the next start.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
	}

	if old.Readiness.InitialDelay != new.Readiness.InitialDelay ||
		old.Readiness.Interval != new.Readiness.Interval ||
		old.Readiness.Attempts() != new.Readiness.Attempts() {
		d.ReadinessChanged = true
	}

	// The log level is hot; the rest of the server section is not.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"backend", old.Backend, new.Backend},
		{"avatar", old.Avatar, new.Avatar},
		{"capture", old.Capture, new.Capture},
		{"call_log", old.CallLog, new.CallLog},
		{"events", old.Events, new.Events},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
