package realtime

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultHeartbeatInterval is the liveness probe period.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatMonitor is the only mechanism that detects half-open sockets.
// Each tick it terminates every connection that did not answer the
// previous ping, then flags the survivors and pings them again. Evicted
// peers are not notified (they are unreachable by definition) but go
// through the same room-cleanup path as a graceful close.
type HeartbeatMonitor struct {
	gateway  *Gateway
	clock    clockwork.Clock
	interval time.Duration
}

// NewHeartbeatMonitor creates a monitor over the gateway's session table.
func NewHeartbeatMonitor(gateway *Gateway, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatMonitor{
		gateway:  gateway,
		clock:    clockwork.NewRealClock(),
		interval: interval,
	}
}

// WithClock replaces the monitor clock. Intended for tests.
func (m *HeartbeatMonitor) WithClock(clock clockwork.Clock) *HeartbeatMonitor {
	m.clock = clock
	return m
}

// Run probes until the context is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat monitor stopped")
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep runs one probe pass over every live connection.
func (m *HeartbeatMonitor) Sweep() {
	for _, conn := range m.gateway.Registry().Connections() {
		if !conn.isAlive.Load() {
			log.Info().
				Str("connection_id", conn.ID).
				Str("user_id", conn.Identity().UserID).
				Msg("terminating unresponsive connection")
			m.gateway.disconnect(conn)
			continue
		}
		conn.isAlive.Store(false)
		if err := conn.Ping(); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Msg("ping failed")
			m.gateway.disconnect(conn)
		}
	}
}
