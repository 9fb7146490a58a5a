package config_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jubbery/simli-facetime-app/internal/config"
)

const baseYAML = `
server:
  log_level: info
backend:
  base_url: http://localhost:8080
conversation:
  prompt: You are a helpful assistant.
  voice_id: voice-1
avatar:
  api_key: key
  face_id: face
`

// syncBuffer is a log sink safe to read while the watcher writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// watched writes content to a fresh file and returns a running watcher whose
// applied reloads arrive on the returned channel.
func watched(t *testing.T, content string, logOut io.Writer) (string, *config.Watcher, <-chan config.ConfigDiff) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content, time.Now().Add(-time.Hour))

	if logOut == nil {
		logOut = io.Discard
	}
	w, err := config.NewWatcher(path,
		config.WithInterval(20*time.Millisecond),
		config.WithWatchLogger(slog.New(slog.NewTextHandler(logOut, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	applied := make(chan config.ConfigDiff, 4)
	go func() {
		defer close(done)
		w.Run(ctx, func(_ *config.Config, diff config.ConfigDiff) { applied <- diff })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path, w, applied
}

// rewrite writes content with an explicit mtime so that coarse filesystem
// timestamps cannot hide an edit.
func rewrite(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func TestNewWatcher_RejectsBrokenFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: want error")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, "server:\n  log_level: loud\n", time.Now())
	if _, err := config.NewWatcher(path); err == nil {
		t.Error("invalid file: want error")
	}
}

func TestWatcher_AppliesHotChanges(t *testing.T) {
	t.Parallel()

	path, w, applied := watched(t, baseYAML, nil)
	if got := w.Current().Conversation.Prompt; got != "You are a helpful assistant." {
		t.Fatalf("initial prompt = %q", got)
	}

	edited := strings.NewReplacer(
		"log_level: info", "log_level: debug",
		"You are a helpful assistant.", "Answer in one sentence.",
	).Replace(baseYAML)
	rewrite(t, path, edited, time.Now())

	select {
	case diff := <-applied:
		if !diff.LogLevelChanged || diff.NewLogLevel != config.LogDebug {
			t.Errorf("log level diff = %+v", diff)
		}
		if !diff.ConversationChanged || diff.ReadinessChanged {
			t.Errorf("diff = %+v, want conversation change only", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload not applied")
	}
	if got := w.Current().Conversation.Prompt; got != "Answer in one sentence." {
		t.Errorf("Current prompt = %q", got)
	}
}

func TestWatcher_RestartOnlyChangeIsReportedNotApplied(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	path, w, applied := watched(t, baseYAML, &logs)

	edited := baseYAML + "capture:\n  input_device: hw:1\n"
	rewrite(t, path, edited, time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for w.Current().Capture.InputDevice != "hw:1" {
		if time.Now().After(deadline) {
			t.Fatal("edit never became current")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case diff := <-applied:
		t.Fatalf("restart-only edit applied: %+v", diff)
	case <-time.After(100 * time.Millisecond):
	}
	if out := logs.String(); !strings.Contains(out, "take effect after restart") || !strings.Contains(out, "capture") {
		t.Errorf("log = %q, want restart warning naming capture", out)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	path, w, applied := watched(t, baseYAML, &logs)

	rewrite(t, path, strings.Replace(baseYAML, "face_id: face", "face_id: \"\"", 1), time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "reload rejected") {
		if time.Now().After(deadline) {
			t.Fatal("invalid edit was not rejected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case diff := <-applied:
		t.Fatalf("invalid edit applied: %+v", diff)
	default:
	}
	if got := w.Current().Avatar.FaceID; got != "face" {
		t.Errorf("Current face_id = %q, want previous value", got)
	}
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	path, _, applied := watched(t, baseYAML, &logs)

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case diff := <-applied:
		t.Fatalf("touch applied: %+v", diff)
	case <-time.After(200 * time.Millisecond):
	}
	if strings.Contains(logs.String(), "config: reloaded") {
		t.Errorf("touch logged a reload: %q", logs.String())
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, baseYAML, time.Now())
	w, err := config.NewWatcher(path, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
