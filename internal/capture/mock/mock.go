// Package mock provides in-memory implementations of [capture.Source] and
// [capture.Handle] for unit tests.
//
// Frames pushed with [Handle.Push] are delivered to the channel returned by
// the most recent Frames call. Both types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/Jubbery/simli-facetime-app/internal/capture"
	"github.com/Jubbery/simli-facetime-app/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// AcquireResult is returned by Acquire when AcquireError is nil. A fresh
	// [Handle] is created when left nil.
	AcquireResult *Handle

	// AcquireError is returned by Acquire.
	AcquireError error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// Handles records every handle handed out, in order.
	Handles []*Handle
}

var _ capture.Source = (*Source)(nil)

// Acquire implements [capture.Source].
func (s *Source) Acquire(_ context.Context) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountAcquire++
	if s.AcquireError != nil {
		return nil, s.AcquireError
	}
	h := s.AcquireResult
	if h == nil {
		h = &Handle{}
	}
	s.Handles = append(s.Handles, h)
	return h, nil
}

// Calls returns the number of Acquire invocations.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountAcquire
}

// LastHandle returns the most recently acquired handle, or nil.
func (s *Source) LastHandle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Handles) == 0 {
		return nil
	}
	return s.Handles[len(s.Handles)-1]
}

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock implementation of [capture.Handle].
type Handle struct {
	mu sync.Mutex

	// ReleaseError is returned by Release.
	ReleaseError error

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	ch       chan audio.AudioFrame
	released bool
}

var _ capture.Handle = (*Handle)(nil)

// Frames implements [capture.Handle]. The previous channel, if any, is closed.
func (h *Handle) Frames(ctx context.Context) <-chan audio.AudioFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountFrames++
	if h.ch != nil {
		close(h.ch)
	}
	ch := make(chan audio.AudioFrame, 64)
	if h.released {
		close(ch)
		h.ch = nil
		return ch
	}
	h.ch = ch
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.ch == ch {
			close(ch)
			h.ch = nil
		}
	}()
	return ch
}

// Push delivers f to the active Frames channel. It reports false when no
// consumer is attached or the buffer is full.
func (h *Handle) Push(f audio.AudioFrame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return false
	}
	select {
	case h.ch <- f:
		return true
	default:
		return false
	}
}

// Consuming reports whether a Frames channel is currently open.
func (h *Handle) Consuming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ch != nil
}

// Release implements [capture.Handle].
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountRelease++
	h.released = true
	if h.ch != nil {
		close(h.ch)
		h.ch = nil
	}
	return h.ReleaseError
}

// Releases returns the number of Release invocations.
func (h *Handle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CallCountRelease
}
