// Package mock provides a recording implementation of [avatar.Transport] for
// unit tests.
//
// Readiness is controlled by the test through [Transport.SetReady]; every
// other method records its call and returns the matching exported error
// field. All methods are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
)

// Transport is a mock implementation of [avatar.Transport].
type Transport struct {
	mu sync.Mutex

	// InitializeError is returned by Initialize.
	InitializeError error

	// StartError is returned by Start.
	StartError error

	// SendError is returned by SendAudioData.
	SendError error

	// CloseError is returned by Close.
	CloseError error

	// SetMutedError and SetVideoError are returned by the capability calls.
	SetMutedError error
	SetVideoError error

	// ReadyAfterStart makes Start flip readiness on (and fire OnReady).
	ReadyAfterStart bool

	// Descriptor holds the last value passed to Initialize.
	Descriptor avatar.Descriptor

	// Sent records every frame accepted by SendAudioData. While Muted the
	// recorded payload is zeroed, as the WebRTC transport does.
	Sent []audio.AudioFrame

	// Muted and VideoEnabled mirror the last capability calls.
	Muted        bool
	VideoEnabled bool

	CallCountInitialize      int
	CallCountStart           int
	CallCountSendAudioData   int
	CallCountReady           int
	CallCountSetMuted        int
	CallCountSetVideoEnabled int
	CallCountClose           int

	ready     bool
	onReady   func()
	onFailure func(error)
}

var _ avatar.Transport = (*Transport)(nil)

// Initialize implements [avatar.Transport].
func (t *Transport) Initialize(desc avatar.Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountInitialize++
	t.Descriptor = desc
	return t.InitializeError
}

// Start implements [avatar.Transport].
func (t *Transport) Start(_ context.Context) error {
	t.mu.Lock()
	t.CallCountStart++
	if t.StartError != nil {
		err := t.StartError
		t.mu.Unlock()
		return err
	}
	fire := t.ReadyAfterStart
	t.mu.Unlock()

	if fire {
		t.SetReady(true)
	}
	return nil
}

// SendAudioData implements [avatar.Transport].
func (t *Transport) SendAudioData(frame audio.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountSendAudioData++
	if t.SendError != nil {
		return t.SendError
	}
	if t.Muted {
		frame.Data = make([]byte, len(frame.Data))
	}
	t.Sent = append(t.Sent, frame)
	return nil
}

// Ready implements [avatar.Transport].
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountReady++
	return t.ready
}

// OnReady implements [avatar.Transport].
func (t *Transport) OnReady(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReady = fn
}

// OnFailure implements [avatar.Transport].
func (t *Transport) OnFailure(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = fn
}

// Fail invokes the registered OnFailure callback with err.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	fn := t.onFailure
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SetMuted implements [avatar.Transport].
func (t *Transport) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountSetMuted++
	if t.SetMutedError != nil {
		return t.SetMutedError
	}
	t.Muted = muted
	return nil
}

// SetVideoEnabled implements [avatar.Transport].
func (t *Transport) SetVideoEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountSetVideoEnabled++
	if t.SetVideoError != nil {
		return t.SetVideoError
	}
	t.VideoEnabled = enabled
	return nil
}

// Close implements [avatar.Transport]. Readiness is reset.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.ready = false
	return t.CloseError
}

// SetReady changes readiness. A false→true transition fires the registered
// OnReady callback outside the lock.
func (t *Transport) SetReady(ready bool) {
	t.mu.Lock()
	was := t.ready
	t.ready = ready
	fn := t.onReady
	t.mu.Unlock()
	if ready && !was && fn != nil {
		fn()
	}
}

// SentFrames returns a copy of the frames accepted so far.
func (t *Transport) SentFrames() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.AudioFrame(nil), t.Sent...)
}

// Counts returns a snapshot of the call counters, keyed by method name.
func (t *Transport) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]int{
		"Initialize":      t.CallCountInitialize,
		"Start":           t.CallCountStart,
		"SendAudioData":   t.CallCountSendAudioData,
		"Ready":           t.CallCountReady,
		"SetMuted":        t.CallCountSetMuted,
		"SetVideoEnabled": t.CallCountSetVideoEnabled,
		"Close":           t.CallCountClose,
	}
}
