package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/Jubbery/simli-facetime-app/pkg/avatar"
)

// Remote avatar audio arrives as 48kHz stereo Opus.
const (
	recordSampleRate = 48000
	recordChannels   = 2
)

// mediaFile is a sink that must be closed.
type mediaFile interface {
	avatar.MediaSink
	Close() error
}

// lockedSink serialises writes and makes writes after Close a no-op, so a
// late RTP packet cannot race the file being closed.
type lockedSink struct {
	mu     sync.Mutex
	file   mediaFile
	closed bool
}

func (s *lockedSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.file.WriteRTP(p)
}

func (s *lockedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// recorder writes the avatar's remote media to disk across calls.
type recorder struct {
	video *lockedSink
	audio *lockedSink
}

// openRecorder opens the configured files. Empty paths disable the
// corresponding track.
func openRecorder(videoPath, audioPath string) (*recorder, error) {
	r := &recorder{}
	if videoPath != "" {
		w, err := ivfwriter.New(videoPath)
		if err != nil {
			return nil, fmt.Errorf("open video recording %q: %w", videoPath, err)
		}
		r.video = &lockedSink{file: w}
	}
	if audioPath != "" {
		w, err := oggwriter.New(audioPath, recordSampleRate, recordChannels)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("open audio recording %q: %w", audioPath, err)
		}
		r.audio = &lockedSink{file: w}
	}
	return r, nil
}

// videoSink returns nil when video recording is off, so the transport drains
// the track.
func (r *recorder) videoSink() avatar.MediaSink {
	if r.video == nil {
		return nil
	}
	return r.video
}

func (r *recorder) audioSink() avatar.MediaSink {
	if r.audio == nil {
		return nil
	}
	return r.audio
}

// Close finalises both files.
func (r *recorder) Close() error {
	var errs []error
	if r.video != nil {
		errs = append(errs, r.video.Close())
	}
	if r.audio != nil {
		errs = append(errs, r.audio.Close())
	}
	return errors.Join(errs...)
}
