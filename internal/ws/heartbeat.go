package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before eviction
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those
// silent for longer than Interval+Timeout. Eviction runs the disconnect
// callback, so an abandoned participant leaves the pool and ends their
// session. The goroutine exits on Shutdown.
func StartHeartbeat(s *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				checkConnections(s, config, time.Now())
			}
		}
	}()
}

func checkConnections(s *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Info().Str("module", "ws").Str("participant", c.ParticipantID).
				Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Debug().Str("module", "ws").Str("participant", c.ParticipantID).Err(err).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
