package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallActive is returned by [Driver.Start] when a call is already in
	// progress. A second start never supersedes the first.
	ErrCallActive = errors.New("call: a call is already active")

	// ErrNotInitialized is returned by [Driver.Start] before [Driver.Init].
	ErrNotInitialized = errors.New("call: avatar transport not initialized")

	// ErrInvalidRequest is returned by [Driver.Start] when the prompt or voice
	// id resolves to empty.
	ErrInvalidRequest = errors.New("call: prompt and voice id are required")

	// ErrDriverClosed is returned after [Driver.Close].
	ErrDriverClosed = errors.New("call: driver closed")

	// ErrReadinessTimeout ends a call whose transport never became ready
	// within the configured number of checks.
	ErrReadinessTimeout = errors.New("call: timed out waiting for avatar transport")

	// ErrRemoteClosed ends a call whose signaling channel was closed by the
	// backend.
	ErrRemoteClosed = errors.New("call: conversation closed by remote")
)

// Phase is the lifecycle position of the driver.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseAwaitingTransportReady
	PhaseLive
	PhaseEnding
)

var phaseNames = map[Phase]string{
	PhaseIdle:                   "idle",
	PhaseStarting:               "starting",
	PhaseAwaitingTransportReady: "awaiting_transport_ready",
	PhaseLive:                   "live",
	PhaseEnding:                 "ending",
}

// String returns the snake_case name of the phase.
func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phase) UnmarshalText(b []byte) error {
	for ph, name := range phaseNames {
		if name == string(b) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("call: unknown phase %q", b)
}

// FailureKind classifies why a call ended. The zero value means the call was
// ended by the user or is still running.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailurePermissionDenied  FailureKind = "permission_denied"
	FailureDeviceUnavailable FailureKind = "device_unavailable"
	FailureNegotiation       FailureKind = "negotiation_failed"
	FailureSignaling         FailureKind = "signaling_error"
	FailureTransport         FailureKind = "transport_error"
	FailureTimedOut          FailureKind = "timed_out"
	FailureRemoteClosed      FailureKind = "remote_closed"
)

// Message returns the user-visible text shown for k. Remote closure is not an
// error and has no message.
func (k FailureKind) Message() string {
	switch k {
	case FailurePermissionDenied:
		return "Error accessing microphone. Please check your permissions."
	case FailureDeviceUnavailable:
		return "Microphone is unavailable. Please check your audio device."
	case FailureNegotiation:
		return "Failed to start conversation. Please try again."
	case FailureSignaling:
		return "WebSocket connection error. Please check if the server is running."
	case FailureTransport:
		return "Avatar connection failed. Please try again."
	case FailureTimedOut:
		return "Timed out waiting for the avatar to connect. Please try again."
	default:
		return ""
	}
}

// IsError reports whether k represents a failure shown to the user.
func (k FailureKind) IsError() bool {
	return k != FailureNone && k != FailureRemoteClosed
}
