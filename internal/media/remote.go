package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/sirupsen/logrus"
)

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// RemoteStream collects the peer's tracks. Every track is drained; when a
// record directory is set, Opus is written to .ogg and VP8 to .ivf.
type RemoteStream struct {
	name      string
	recordDir string
	logger    *logrus.Entry

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	closed bool
}

func NewRemoteStream(name, recordDir string, logger *logrus.Entry) *RemoteStream {
	return &RemoteStream{name: name, recordDir: recordDir, logger: logger}
}

// AddTrack starts draining a remote track until it ends.
func (r *RemoteStream) AddTrack(track *webrtc.TrackRemote) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()

	logger := r.logger.WithFields(logrus.Fields{
		"kind":  track.Kind().String(),
		"codec": track.Codec().MimeType,
	})
	logger.Info("remote track added")

	go r.drain(track, logger)
}

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// Close stops accepting tracks. Drains end when their peer connection closes.
func (r *RemoteStream) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *RemoteStream) drain(track *webrtc.TrackRemote, logger *logrus.Entry) {
	writer, err := r.recorder(track)
	if err != nil {
		logger.WithError(err).Warn("failed to start recording, draining only")
	}
	defer func() {
		if writer == nil {
			return
		}
		if err := writer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close recording")
		}
	}()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			logger.WithError(err).Debug("remote track ended")
			return
		}
		if writer == nil {
			continue
		}
		if err := writer.WriteRTP(packet); err != nil {
			logger.WithError(err).Warn("failed to record packet")
			writer.Close()
			writer = nil
		}
	}
}

func (r *RemoteStream) recorder(track *webrtc.TrackRemote) (rtpWriter, error) {
	if r.recordDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(r.recordDir, 0o755); err != nil {
		return nil, err
	}

	base := filepath.Join(r.recordDir, fmt.Sprintf("%s-%s", r.name, track.ID()))
	switch {
	case strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus):
		w, err := oggwriter.New(base+".ogg", opusSampleRate, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, nil
	}
}
