package audio

import "time"

// PrimingFrameSize is the length in bytes of the zero-filled frame pushed to
// the avatar transport the moment a call goes live.
const PrimingFrameSize = 6000

// bytesPerSample is fixed: all PCM handled here is signed 16-bit.
const bytesPerSample = 2

// Silence returns a zero-filled frame of n bytes.
func Silence(n, sampleRate, channels int) AudioFrame {
	if n < 0 {
		n = 0
	}
	return AudioFrame{
		Data:       make([]byte, n),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// ChunkBytes returns how many bytes of 16-bit PCM cover d at the given format.
// The result is rounded down to a whole number of sample frames and is never
// smaller than one sample frame.
func ChunkBytes(sampleRate, channels int, d time.Duration) int {
	if channels <= 0 {
		channels = 1
	}
	frame := channels * bytesPerSample
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * frame
}

// DurationOf returns the playback duration of n bytes of 16-bit PCM.
func DurationOf(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := n / (channels * bytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
