package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Device is the configuration of one calling endpoint.
type Device struct {
	// Identity this device registers with the relay.
	Identity string `yaml:"identity"`
	// Relay connection settings.
	Relay DeviceRelay `yaml:"relay"`
	// Peer connection settings.
	WebRTC DeviceWebRTC `yaml:"webrtc"`
	// Call state machine settings.
	Call DeviceCall `yaml:"call"`
	// Local media sources and remote recording.
	Media DeviceMedia `yaml:"media"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

type DeviceRelay struct {
	// Websocket endpoint of the relay, e.g. ws://localhost:8080/ws.
	URL string `yaml:"url"`
	// Base URL of the relay REST API (directory and call log).
	APIURL string `yaml:"apiUrl"`
	// Bearer token sent with every request, if the relay requires one.
	Token string `yaml:"token"`
	// Used to log in through the REST API when no token is configured.
	Password string `yaml:"password"`
	// How many times to retry dialing before giving up.
	MaxRetries uint64 `yaml:"maxRetries"`
	// First reconnect delay; doubled on every attempt up to MaxInterval.
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	PingInterval    time.Duration `yaml:"pingInterval"`
}

type DeviceWebRTC struct {
	ICEServers []ICEServer `yaml:"iceServers"`
	// A session that is not connected after this long fails.
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
	// Log level of the pion stack (disabled, error, warn, info, debug, trace).
	LogLevel string `yaml:"logLevel"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type DeviceCall struct {
	// An unanswered incoming call is dropped as missed after this long.
	RingTimeout time.Duration `yaml:"ringTimeout"`
}

type DeviceMedia struct {
	// Ogg/Opus file played as the microphone; Opus silence if empty.
	AudioFile string `yaml:"audioFile"`
	// IVF/VP8 file played as the camera; an idle track if empty.
	VideoFile string `yaml:"videoFile"`
	// Directory where remote tracks are recorded; recording is off if empty.
	RecordDir string `yaml:"recordDir"`
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// ErrInvalidDevice is returned when required device values are missing.
var ErrInvalidDevice = errors.New("invalid device config values")

// Tries to load a device config from the `CONFIG` environment variable.
// If the environment variable is not set, loads the YAML file at path.
func LoadDevice(path string) (*Device, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		logrus.WithField("path", path).Info("loading device config")

		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		configEnv = string(file)
	}

	return LoadDeviceFromString(configEnv)
}

// Load a device config from the provided YAML string and fill in defaults.
func LoadDeviceFromString(configString string) (*Device, error) {
	var device Device
	if err := yaml.Unmarshal([]byte(configString), &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if device.Identity == "" || device.Relay.URL == "" {
		return nil, ErrInvalidDevice
	}

	device.applyDefaults()
	return &device, nil
}

func (d *Device) applyDefaults() {
	if d.Relay.MaxRetries == 0 {
		d.Relay.MaxRetries = 10
	}
	if d.Relay.InitialInterval == 0 {
		d.Relay.InitialInterval = 500 * time.Millisecond
	}
	if d.Relay.MaxInterval == 0 {
		d.Relay.MaxInterval = 10 * time.Second
	}
	if d.Relay.PingInterval == 0 {
		d.Relay.PingInterval = 20 * time.Second
	}
	if d.WebRTC.NegotiationTimeout == 0 {
		d.WebRTC.NegotiationTimeout = 30 * time.Second
	}
	if d.WebRTC.LogLevel == "" {
		d.WebRTC.LogLevel = "warn"
	}
	if d.Call.RingTimeout == 0 {
		d.Call.RingTimeout = 45 * time.Second
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
}

// ParseLogLevel maps a config level name to a logrus level, defaulting to info.
func ParseLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}
