package peer

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Conn is the part of *webrtc.PeerConnection a session drives.
type Conn interface {
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// ConnFactory creates the peer connection of a new session.
type ConnFactory func() (Conn, error)

// NewAPI builds a pion API with the default codecs and interceptors. The
// setting engine carries network overrides, e.g. a virtual net in tests.
func NewAPI(se webrtc.SettingEngine, logLevel string) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = ParseLogLevel(logLevel)
	se.LoggerFactory = loggerFactory

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// NewConnFactory returns a factory creating peer connections from api.
func NewConnFactory(api *webrtc.API, cfg webrtc.Configuration) ConnFactory {
	return func() (Conn, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

// ParseLogLevel maps a config string to a pion log level, defaulting to warn.
func ParseLogLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelWarn
	}
}
