package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/api"
	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/streams"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const usage = `commands:
  dial <identity> [audio|video]
  accept | decline | hangup
  mute | minimize | restore
  status | history | quit`

func main() {
	configFilePath := flag.String("config", "device.yaml", "device configuration file path")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadDevice(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load device config")
	}
	logrus.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	logger := logrus.WithField("identity", cfg.Identity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var directory call.Directory
	var callLog call.CallLog
	var client *api.Client
	if cfg.Relay.APIURL != "" {
		client = api.NewClient(cfg.Relay.APIURL, cfg.Relay.Token, logger.WithField("component", "api"))
		directory, callLog = client, client
	}

	token, err := relayToken(ctx, cfg, client)
	if err != nil {
		logger.WithError(err).Fatal("could not log in to relay")
	}

	transport := signaling.New(signaling.Config{
		URL:             cfg.Relay.URL,
		Token:           token,
		Identity:        cfg.Identity,
		MaxRetries:      cfg.Relay.MaxRetries,
		InitialInterval: cfg.Relay.InitialInterval,
		MaxInterval:     cfg.Relay.MaxInterval,
		PingInterval:    cfg.Relay.PingInterval,
	}, logger.WithField("component", "signaling"))
	if err := transport.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("could not connect to relay")
	}
	defer transport.Disconnect()

	pionAPI, err := peer.NewAPI(webrtc.SettingEngine{}, cfg.WebRTC.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("could not create webrtc api")
	}
	newConn := peer.NewConnFactory(pionAPI, webrtc.Configuration{ICEServers: iceServers(cfg.WebRTC.ICEServers)})

	registry := streams.NewRegistry()
	unsubscribe := registry.Subscribe(func(pair streams.Pair) {
		if pair.Remote != nil {
			logger.WithField("tracks", len(pair.Remote.Tracks())).Debug("remote stream updated")
		}
	})
	defer unsubscribe()

	source := &media.FileSource{
		AudioFile: cfg.Media.AudioFile,
		VideoFile: cfg.Media.VideoFile,
		Logger:    logger.WithField("component", "media"),
	}

	manager := call.NewManager(call.Config{
		Identity:    cfg.Identity,
		RingTimeout: cfg.Call.RingTimeout,
	}, call.Deps{
		Signaler:  transport,
		Directory: directory,
		CallLog:   callLog,
		NewSession: func(room string, kind models.CallKind) call.PeerSession {
			return peer.NewSession(peer.Config{
				Room:               room,
				Kind:               kind,
				NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
				RecordDir:          cfg.Media.RecordDir,
			}, peer.Deps{
				Signaler: transport,
				Media:    source,
				NewConn:  newConn,
				Streams:  registry,
			}, logger.WithField("component", "peer"))
		},
	}, logger.WithField("component", "call"))

	manager.OnChange(func(cs call.CallSession) {
		fmt.Println(describe(cs))
	})
	go manager.Run(ctx)

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = manager.Hangup()
			return
		case line, ok := <-lines:
			if !ok {
				_ = manager.Hangup()
				return
			}
			if quit := execute(ctx, manager, client, strings.Fields(line)); quit {
				_ = manager.Hangup()
				return
			}
		}
	}
}

// relayToken returns the configured token, or logs in with the device
// password when only that is set. The client keeps the token it got.
func relayToken(ctx context.Context, cfg *config.Device, client *api.Client) (string, error) {
	if cfg.Relay.Token != "" || cfg.Relay.Password == "" {
		return cfg.Relay.Token, nil
	}
	if client == nil {
		return "", errors.New("relay password set without an api url")
	}
	return client.Login(ctx, cfg.Identity, cfg.Relay.Password)
}

func execute(ctx context.Context, manager *call.Manager, client *api.Client, args []string) bool {
	if len(args) == 0 {
		return false
	}

	var err error
	switch args[0] {
	case "dial":
		if len(args) < 2 {
			err = errors.New("usage: dial <identity> [audio|video]")
			break
		}
		kind := models.CallKindAudio
		if len(args) > 2 {
			kind = models.CallKind(args[2])
		}
		err = manager.Dial(ctx, args[1], kind)
	case "accept":
		err = manager.Accept(ctx)
	case "decline":
		err = manager.Decline()
	case "hangup":
		err = manager.Hangup()
	case "mute":
		var muted bool
		if muted, err = manager.ToggleMute(); err == nil {
			fmt.Println("muted:", muted)
		}
	case "minimize":
		err = manager.Minimize()
	case "restore":
		err = manager.Restore()
	case "status":
		if cs, ok := manager.Snapshot(); ok {
			fmt.Println(describe(cs))
		} else {
			fmt.Println("idle")
		}
	case "history":
		err = printHistory(ctx, client)
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}

	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func printHistory(ctx context.Context, client *api.Client) error {
	if client == nil {
		return errors.New("no relay api configured")
	}
	records, err := client.History(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s  %s -> %s  %s  %s  %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Caller, r.Callee, r.Kind, r.Outcome, r.Duration().Round(time.Second))
	}
	return nil
}

func describe(cs call.CallSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s call with %s", cs.Phase, cs.Kind, cs.Participant.Name())
	if cs.Phase == call.PhaseEnded {
		fmt.Fprintf(&b, " (%s)", cs.Outcome)
		return b.String()
	}
	fmt.Fprintf(&b, " %s, connection %s", cs.Direction, cs.Connection)
	if cs.ConnectedAt != nil {
		fmt.Fprintf(&b, ", %s", time.Since(*cs.ConnectedAt).Round(time.Second))
	}
	if cs.Muted {
		b.WriteString(", muted")
	}
	return b.String()
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
