// Package avatar defines the contract between the call driver and the
// peer-connection transport that renders the remote avatar.
//
// The transport is an external collaborator: the driver only initialises it,
// starts it, polls or subscribes to its readiness, feeds it audio, toggles its
// media capabilities, and closes it. Implementations must be safe for
// concurrent use.
package avatar

import (
	"context"
	"errors"

	"github.com/pion/rtp"

	"github.com/Jubbery/simli-facetime-app/pkg/audio"
)

var (
	// ErrNotInitialized is returned by Start before Initialize succeeded.
	ErrNotInitialized = errors.New("avatar: transport not initialized")

	// ErrNotReady is returned by SendAudioData before the transport is ready.
	ErrNotReady = errors.New("avatar: transport not ready")

	// ErrTransport wraps failures while establishing or running the
	// peer connection.
	ErrTransport = errors.New("avatar: transport failure")
)

// MediaSink receives the avatar's remote media as RTP packets. pion's
// ivfwriter and oggwriter satisfy it.
type MediaSink interface {
	WriteRTP(packet *rtp.Packet) error
}

// Descriptor configures a transport for a particular avatar.
type Descriptor struct {
	// APIKey authenticates against the avatar service.
	APIKey string

	// FaceID selects the avatar face.
	FaceID string

	// HandleSilence asks the service to animate idle periods.
	HandleSilence bool

	// VideoSink and AudioSink receive remote media. Nil sinks drain and
	// discard the corresponding track.
	VideoSink MediaSink
	AudioSink MediaSink
}

// Transport is the avatar peer connection.
type Transport interface {
	// Initialize stores the descriptor. It must be called before Start.
	Initialize(desc Descriptor) error

	// Start begins connection setup and returns once setup is under way.
	// Readiness is reported later through Ready and OnReady.
	Start(ctx context.Context) error

	// SendAudioData pushes one audio frame to the avatar.
	SendAudioData(frame audio.AudioFrame) error

	// Ready reports whether ICE is connected and the data channel is open.
	Ready() bool

	// OnReady registers fn to be called once each time the transport becomes
	// ready. Registering replaces any earlier callback; nil clears it.
	OnReady(fn func())

	// OnFailure registers fn to be called when an established or
	// establishing connection fails irrecoverably. Registering replaces any
	// earlier callback; nil clears it.
	OnFailure(fn func(error))

	// SetMuted silences the avatar's speech: audio handed to SendAudioData
	// is replaced with silence while muted. It has no bearing on the user's
	// microphone.
	SetMuted(muted bool) error

	// SetVideoEnabled stops delivering remote video to the sink while disabled.
	SetVideoEnabled(enabled bool) error

	// Close tears the connection down. It is idempotent; the transport may be
	// started again afterwards.
	Close() error
}
