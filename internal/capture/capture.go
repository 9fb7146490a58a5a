// Package capture acquires the local microphone and exposes its PCM stream as
// fixed-size [audio.AudioFrame] chunks.
//
// A [Source] hands out a [Handle] per call. The handle owns the device until
// [Handle.Release] is called; releasing twice is harmless. Frames are produced
// lazily: bytes read from the device while nobody is consuming are dropped,
// since stale microphone audio has no value to a live conversation.
package capture

import (
	"context"
	"errors"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
)

var (
	// ErrPermissionDenied means the operating system refused access to the
	// microphone.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")
)

// Source acquires microphone handles.
type Source interface {
	// Acquire opens the capture device. Failures wrap [ErrPermissionDenied] or
	// [ErrDeviceUnavailable].
	Acquire(ctx context.Context) (Handle, error)
}

// Handle is an acquired microphone stream.
type Handle interface {
	// Frames starts delivering chunks to a new channel. A previous channel
	// returned by Frames is closed. The returned channel is closed when ctx is
	// cancelled, the device stops, or the handle is released.
	Frames(ctx context.Context) <-chan audio.AudioFrame

	// Release stops the device. Safe to call more than once.
	Release() error
}
