// Command pairclient is a headless participant. It joins the pool over
// WebSocket with synthetic media, negotiates a WebRTC peer connection with
// whoever it is paired with, and optionally chats and skips to the next
// partner on a timer.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/whisper/pairing/internal/client"
	"github.com/whisper/pairing/internal/logging"
)

// fixedDetector always reports the same identity class.
type fixedDetector string

func (d fixedDetector) Detect(context.Context) (string, error) { return string(d), nil }

func main() {
	var (
		url        = pflag.String("url", "ws://localhost:8080/ws", "pairing server WebSocket URL")
		identity   = pflag.String("identity", "male", "self-declared identity")
		preference = pflag.String("preference", client.Everyone, "desired partner identity")
		region     = pflag.String("region", "Global", "region")
		age        = pflag.Int("age", 0, "declared age, 0 for unknown")
		device     = pflag.String("device", string(client.DeviceDesktop), "device class: desktop or mobile")
		detect     = pflag.String("detect", "", "identity class the detector reports; empty disables detection")
		stun       = pflag.String("stun", "", "STUN server URL; empty uses the default")
		greeting   = pflag.String("chat", "hello", "chat message sent after each match; empty to stay silent")
		nextAfter  = pflag.Duration("next-after", 0, "skip to the next partner after this long; 0 stays")
		logLevel   = pflag.String("log-level", "info", "log level")
		pretty     = pflag.Bool("pretty", true, "human-friendly log output")
	)
	pflag.Parse()
	logging.Setup(*logLevel, *pretty)

	cfg := client.DefaultConfig()
	cfg.DeviceClass = client.DeviceClass(*device)

	var detector client.Detector
	if *detect != "" {
		detector = fixedDetector(*detect)
	}

	rtc := client.DefaultWebRTCConfig()
	if *stun != "" {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: []string{*stun}}}
	}

	notes := make(chan client.Notification, 64)
	ctrl := client.NewController(cfg, client.Deps{
		Transport: client.NewWSTransport(*url),
		Media:     client.StaticSource{},
		NewPeer:   client.NewPionPeerFactory(rtc),
		Detector:  detector,
		Notify: func(n client.Notification) {
			select {
			case notes <- n:
			default:
				log.Warn().Str("module", "pairclient").Str("type", string(n.Type)).Msg("notification dropped")
			}
		},
	})
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := ctrl.Start(client.Preferences{
		Identity:   *identity,
		Preference: *preference,
		Region:     *region,
		Age:        *age,
	})
	if err != nil {
		log.Fatal().Str("module", "pairclient").Err(err).Msg("start")
	}

	var next, quit <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "pairclient").Msg("stopping")
			return

		case <-quit:
			return

		case <-next:
			next = nil
			if err := ctrl.Next(); err != nil {
				log.Warn().Str("module", "pairclient").Err(err).Msg("next")
			}

		case n := <-notes:
			ev := log.Info().Str("module", "pairclient").Str("type", string(n.Type)).
				Str("state", string(n.Status.State)).Bool("reconnecting", n.Status.Reconnecting)
			if n.Status.SessionID != "" {
				ev = ev.Str("session", n.Status.SessionID)
			}
			if n.Attempt > 0 {
				ev = ev.Int("attempt", n.Attempt)
			}
			if len(n.Payload) > 0 {
				ev = ev.RawJSON("payload", n.Payload)
			}
			if n.Err != nil {
				ev = ev.Err(n.Err)
			}
			ev.Msg(n.Message)

			switch {
			case n.Type == client.NotifyMatchFound:
				if *greeting != "" {
					if _, err := ctrl.SendChat(*greeting); err != nil {
						log.Warn().Str("module", "pairclient").Err(err).Msg("send chat")
					}
				}
				if *nextAfter > 0 {
					next = time.After(*nextAfter)
				}
			case n.Type == client.NotifyState && n.Status.State == client.StateIdle:
				log.Info().Str("module", "pairclient").Msg("session over")
				quit = time.After(200 * time.Millisecond)
			}
		}
	}
}
