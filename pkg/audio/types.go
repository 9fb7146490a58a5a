package audio

import "time"

// AudioFrame is one chunk of audio moving between the microphone, the
// signaling channel, and the avatar transport. Frames are treated as
// immutable once produced: stages pass them on without copying or editing.
type AudioFrame struct {
	// Data is the raw payload. Captured audio is 16-bit little-endian PCM;
	// frames received from the signaling channel carry the bytes verbatim.
	Data []byte

	// SampleRate in Hz (16000 for captured speech). Zero when unknown.
	SampleRate int

	// Channels: 1 for mono capture. Zero when unknown.
	Channels int

	// Timestamp marks the frame position relative to the start of its stream.
	Timestamp time.Duration
}

// Len returns the payload size in bytes.
func (f AudioFrame) Len() int { return len(f.Data) }
