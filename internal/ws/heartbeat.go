package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before closing
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and removes those
// with no inbound frame for Interval + Timeout. It stops with the server.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info().
				Str("conn", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
