// Package media defines the local media boundary the host broadcasts from.
package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Stream is a set of local tracks produced by a capture source.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// HasAudio reports whether s carries at least one audio track.
func HasAudio(s Stream) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks() {
		if t != nil && t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

const frameDuration = 20 * time.Millisecond

// Opus TOC byte for a 20 ms silent frame followed by its payload.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// SilenceStream is an Opus audio stream that emits silence. It stands in for
// a capture device.
type SilenceStream struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewSilenceStream(streamID string) (*SilenceStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	s := &SilenceStream{
		track: track,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *SilenceStream) run() {
	defer close(s.done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.track.WriteSample(pionmedia.Sample{Data: silenceFrame, Duration: frameDuration})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}

func (s *SilenceStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Stop ends the frame loop and waits for it to exit. It is safe to call more
// than once.
func (s *SilenceStream) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
