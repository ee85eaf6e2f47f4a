package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/sirupsen/logrus"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusSampleRate    = 48000
	defaultFrameRate  = 30
)

// Opus TOC byte plus two padding bytes: a 20ms silent frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	ErrUnsupportedKind = errors.New("unsupported call kind")
	ErrInvalidSource   = errors.New("invalid media source")
)

// Source acquires local media for a call.
type Source interface {
	Acquire(ctx context.Context, kind models.CallKind) (*LocalStream, error)
}

// LocalStream is the set of local tracks sent to the peer. Video is nil for
// audio calls.
type LocalStream struct {
	ID    string
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	audioEnabled atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

func newLocalStream(kind models.CallKind) (*LocalStream, error) {
	id := uuid.New().String()

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	s := &LocalStream{ID: id, Audio: audio}
	s.audioEnabled.Store(true)

	if kind == models.CallKindVideo {
		s.Video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}
	return s, nil
}

// Tracks returns the tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.Audio}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

// SetAudioEnabled switches the audio track between its source and silence.
// The track itself stays attached.
func (s *LocalStream) SetAudioEnabled(enabled bool) {
	s.audioEnabled.Store(enabled)
}

func (s *LocalStream) AudioEnabled() bool {
	return s.audioEnabled.Load()
}

// Stop ends sample production and waits for the writers to exit.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// FileSource produces local media from files: Ogg/Opus for audio and IVF
// (VP8) for video, both looped. Without an audio file it sends Opus silence;
// without a video file the video track carries no samples.
type FileSource struct {
	AudioFile string
	VideoFile string
	Logger    *logrus.Entry
}

func (f *FileSource) Acquire(ctx context.Context, kind models.CallKind) (*LocalStream, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var audioData, videoData []byte
	if f.AudioFile != "" {
		data, err := readValidated(f.AudioFile, func(r io.Reader) error {
			_, _, err := oggreader.NewWith(r)
			return err
		})
		if err != nil {
			return nil, err
		}
		audioData = data
	}
	if kind == models.CallKindVideo && f.VideoFile != "" {
		data, err := readValidated(f.VideoFile, func(r io.Reader) error {
			_, _, err := ivfreader.NewWith(r)
			return err
		})
		if err != nil {
			return nil, err
		}
		videoData = data
	}

	s, err := newLocalStream(kind)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	logger := f.logger().WithField("stream", s.ID)

	s.wg.Add(1)
	go s.pumpAudio(pumpCtx, audioData, logger)
	if videoData != nil {
		s.wg.Add(1)
		go s.pumpVideo(pumpCtx, videoData, logger)
	}

	logger.WithField("kind", kind).Debug("local media acquired")
	return s, nil
}

func (f *FileSource) logger() *logrus.Entry {
	if f.Logger != nil {
		return f.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func readValidated(path string, validate func(io.Reader) error) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}
	if err := validate(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, path, err)
	}
	return data, nil
}

func (s *LocalStream) pumpAudio(ctx context.Context, data []byte, logger *logrus.Entry) {
	defer s.wg.Done()

	var (
		reader      *oggreader.OggReader
		lastGranule uint64
	)
	rewind := func() {
		reader, _, _ = oggreader.NewWith(bytes.NewReader(data))
		lastGranule = 0
	}
	if data != nil {
		rewind()
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, duration := opusSilence, opusFrameDuration
		if reader != nil {
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				rewind()
				continue
			}
			if err != nil {
				logger.WithError(err).Warn("failed to read audio page, sending silence")
				reader = nil
			} else {
				samples := header.GranulePosition - lastGranule
				lastGranule = header.GranulePosition
				if d := time.Duration(samples) * time.Second / opusSampleRate; d > 0 {
					duration = d
				}
				payload = page
			}
		}
		if !s.AudioEnabled() {
			payload = opusSilence
		}

		if err := s.Audio.WriteSample(pionmedia.Sample{Data: payload, Duration: duration}); err != nil {
			logger.WithError(err).Debug("failed to write audio sample")
		}
	}
}

func (s *LocalStream) pumpVideo(ctx context.Context, data []byte, logger *logrus.Entry) {
	defer s.wg.Done()

	reader, header, err := ivfreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return
	}

	frameDuration := time.Second / defaultFrameRate
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			reader, _, err = ivfreader.NewWith(bytes.NewReader(data))
			if err != nil {
				return
			}
			continue
		}
		if err != nil {
			logger.WithError(err).Warn("failed to read video frame")
			return
		}

		if err := s.Video.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			logger.WithError(err).Debug("failed to write video sample")
		}
	}
}
