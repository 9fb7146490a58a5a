package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ApplyFunc receives a reloaded config together with the hot-applicable part
// of the change.
type ApplyFunc func(next *Config, diff ConfigDiff)

// Watcher polls the config file for edits. Each edit that still validates
// becomes current; hot settings go to the [ApplyFunc] and startup-only
// sections are reported in the log. Invalid edits are rejected and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload reports. Default: slog.Default().
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once so that a broken file fails fast. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done. apply runs on the calling goroutine and only
// for reloads that carry at least one hot change.
func (w *Watcher) Run(ctx context.Context, apply ApplyFunc) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, diff, ok := w.reload()
			if ok && diff.Any() && apply != nil {
				apply(next, diff)
			}
		}
	}
}

// reload reports ok when the file changed content and the new content is
// valid.
func (w *Watcher) reload() (*Config, ConfigDiff, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return nil, ConfigDiff{}, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, ConfigDiff{}, false
	}

	next, stamp, err := w.read()
	if err != nil {
		w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return nil, ConfigDiff{}, false
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		// Touched, not edited.
		w.seen.mtime = stamp.mtime
		w.mu.Unlock()
		return nil, ConfigDiff{}, false
	}
	prev := w.current
	w.current = next
	w.seen = stamp
	w.mu.Unlock()

	diff := Diff(prev, next)
	w.log.Info("config: reloaded", "path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"conversation_changed", diff.ConversationChanged,
		"readiness_changed", diff.ReadinessChanged,
	)
	if len(diff.RestartRequired) > 0 {
		w.log.Warn("config: changes take effect after restart", "sections", diff.RestartRequired)
	}
	return next, diff, true
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
