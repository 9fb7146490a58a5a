package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
)

// Config describes how the ffmpeg capture process is launched.
type Config struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg".
	Command string

	// InputFormat is the ffmpeg demuxer (pulse, alsa, avfoundation, dshow).
	InputFormat string

	// InputDevice is the device name passed to -i.
	InputDevice string

	// SampleRate of the produced PCM. Defaults to 16000.
	SampleRate int

	// Channels of the produced PCM. Defaults to 1.
	Channels int

	// ChunkInterval is the duration covered by each emitted frame.
	// Defaults to 100ms.
	ChunkInterval time.Duration

	// StartupGrace is how long ffmpeg must stay alive before the device is
	// considered open. Defaults to 250ms.
	StartupGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = "ffmpeg"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 100 * time.Millisecond
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 250 * time.Millisecond
	}
}

// FFmpegSource captures the microphone by running ffmpeg and reading signed
// 16-bit little-endian PCM from its stdout.
type FFmpegSource struct {
	cfg Config
}

var _ Source = (*FFmpegSource)(nil)

// NewFFmpegSource returns a source that launches ffmpeg with cfg on every
// Acquire.
func NewFFmpegSource(cfg Config) *FFmpegSource {
	cfg.applyDefaults()
	return &FFmpegSource{cfg: cfg}
}

// Acquire implements [Source].
func (s *FFmpegSource) Acquire(ctx context.Context) (Handle, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", s.cfg.InputDevice,
		"-ac", strconv.Itoa(s.cfg.Channels),
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The process outlives Acquire, so it is not bound to ctx.
	cmd := exec.Command(s.cfg.Command, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stdout pipe: %w: %w", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classify(fmt.Errorf("capture: start %s: %w", s.cfg.Command, err), err.Error())
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if err == nil {
			err = errors.New("exited before capture started")
		}
		return nil, classify(fmt.Errorf("capture: ffmpeg exited before capture started: %w: %s", err, detail), detail)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, fmt.Errorf("capture: acquire: %w", ctx.Err())
	case <-time.After(s.cfg.StartupGrace):
	}

	h := &ffmpegHandle{
		stdout:     stdout,
		stderr:     stderr,
		process:    cmd.Process,
		waitErr:    waitErr,
		chunkBytes: audio.ChunkBytes(s.cfg.SampleRate, s.cfg.Channels, s.cfg.ChunkInterval),
		sampleRate: s.cfg.SampleRate,
		channels:   s.cfg.Channels,
		pumpDone:   make(chan struct{}),
	}
	go h.pump()

	slog.Debug("capture: microphone acquired",
		"command", s.cfg.Command,
		"format", s.cfg.InputFormat,
		"device", s.cfg.InputDevice,
		"chunk_bytes", h.chunkBytes,
	)
	return h, nil
}

// classify maps ffmpeg diagnostics onto the package sentinels.
func classify(err error, detail string) error {
	lower := strings.ToLower(detail)
	for _, marker := range []string{"permission denied", "operation not permitted", "access denied", "not authorized"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// ─── Handle ──────────────────────────────────────────────────────────────────

// subscriber is one Frames consumer. The pump writes to in; forward owns out
// and closes it as soon as the consumer's context ends, whether or not the
// device produces another chunk.
type subscriber struct {
	in        chan audio.AudioFrame
	out       chan audio.AudioFrame
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		in:   make(chan audio.AudioFrame, 8),
		out:  make(chan audio.AudioFrame),
		done: make(chan struct{}),
	}
}

func (s *subscriber) cancel() { s.doneOnce.Do(func() { close(s.done) }) }

// close ends the pump side. It must only be called by the pump goroutine or
// after it has exited.
func (s *subscriber) close() { s.closeOnce.Do(func() { close(s.in) }) }

func (s *subscriber) forward(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			s.cancel()
			return
		case <-s.done:
			return
		case f, ok := <-s.in:
			if !ok {
				return
			}
			select {
			case s.out <- f:
			case <-ctx.Done():
				s.cancel()
				return
			case <-s.done:
				return
			}
		}
	}
}

type ffmpegHandle struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	chunkBytes int
	sampleRate int
	channels   int

	mu       sync.Mutex
	sub      *subscriber
	finished bool

	pumpDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// Frames implements [Handle].
func (h *ffmpegHandle) Frames(ctx context.Context) <-chan audio.AudioFrame {
	s := newSubscriber()

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		s.close()
		go s.forward(ctx)
		return s.out
	}
	prev := h.sub
	h.sub = s
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go s.forward(ctx)
	return s.out
}

// pump reads the device continuously so ffmpeg never blocks on a full pipe,
// and hands complete chunks to the current subscriber.
func (h *ffmpegHandle) pump() {
	var (
		last   *subscriber
		offset int
	)
	defer func() {
		h.mu.Lock()
		h.finished = true
		cur := h.sub
		h.sub = nil
		h.mu.Unlock()
		if last != nil {
			last.close()
		}
		if cur != nil {
			cur.close()
		}
		close(h.pumpDone)
	}()

	buf := make([]byte, h.chunkBytes)
	for {
		n, err := io.ReadFull(h.stdout, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			frame := audio.AudioFrame{
				Data:       data,
				SampleRate: h.sampleRate,
				Channels:   h.channels,
				Timestamp:  audio.DurationOf(offset, h.sampleRate, h.channels),
			}
			offset += n

			h.mu.Lock()
			cur := h.sub
			h.mu.Unlock()
			if last != nil && last != cur {
				last.close()
			}
			last = cur
			if cur != nil {
				select {
				case cur.in <- frame:
				case <-cur.done:
					cur.close()
					h.mu.Lock()
					if h.sub == cur {
						h.sub = nil
					}
					h.mu.Unlock()
					last = nil
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("capture: read failed", "err", err)
			}
			return
		}
	}
}

// Release implements [Handle]. The process is interrupted first and killed if
// it does not exit promptly.
func (h *ffmpegHandle) Release() error {
	h.stopOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-h.waitErr:
			if ok {
				h.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if h.process != nil {
				_ = h.process.Kill()
			}
			if err, ok := <-h.waitErr; ok {
				h.stopErr = normalizeStopErr(err)
			}
		}

		if err := h.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && h.stopErr == nil {
			h.stopErr = err
		}
		<-h.pumpDone

		if h.stopErr != nil {
			if detail := strings.TrimSpace(h.stderr.String()); detail != "" {
				h.stopErr = fmt.Errorf("%w: %s", h.stopErr, detail)
			}
			h.stopErr = fmt.Errorf("capture: release: %w", h.stopErr)
		}
	})
	return h.stopErr
}

// normalizeStopErr treats a non-zero exit after an interrupt as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes performed by
// os/exec while the handle reads diagnostics.
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
