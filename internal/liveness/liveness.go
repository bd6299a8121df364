// Package liveness runs the two periodic sweeps that keep endpoint and
// session state honest when a client disappears without a clean close:
// a heartbeat sweep over stale endpoint connections, and a session
// timeout sweep over sessions whose owning endpoint died between
// sweeps. Grounded on session_manager.rs's cleanup_timeout_sessions and
// connection_manager.rs's stale-connection sweep, restructured per §9
// into one ticker-driven goroutine rather than the source's ad hoc
// spawned loops.
package liveness

import (
	"log"
	"time"

	"github.com/birddigital/echokit-bridge/internal/endpoint"
	"github.com/birddigital/echokit-bridge/internal/session"
)

// SessionEnder is implemented by the component (the adapter) that owns
// tearing down upstream state for a session the liveness sweep is about
// to mark timed out. Monitor does not touch upstream clients itself
// (§4.9: "C9 does not touch upstream clients; those remain pooled and
// shared") — it only asks the adapter to drop its per-session mapping.
type SessionEnder interface {
	ForgetSession(sessionID string)
}

// Config controls sweep cadence and thresholds (§6).
type Config struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
	SessionTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:    30 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		SessionTimeout:   90 * time.Second,
	}
}

// Monitor drives the two sweeps described in §4.9.
type Monitor struct {
	cfg       Config
	endpoints *endpoint.Manager
	sessions  *session.Manager
	adapter   SessionEnder

	done chan struct{}
}

func New(cfg Config, endpoints *endpoint.Manager, sessions *session.Manager, adapter SessionEnder) *Monitor {
	return &Monitor{
		cfg:       cfg,
		endpoints: endpoints,
		sessions:  sessions,
		adapter:   adapter,
		done:      make(chan struct{}),
	}
}

// Run blocks, ticking both sweeps every CheckInterval, until Stop is
// called. Intended to run as its own goroutine.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepHeartbeats()
			m.sweepSessionTimeouts()
		}
	}
}

// Stop ends the sweep loop. Safe to call once.
func (m *Monitor) Stop() {
	close(m.done)
}

// sweepHeartbeats implements §4.9's heartbeat sweep: find endpoints
// whose last observed activity is older than HeartbeatTimeout, mark
// every one of their Active sessions Timeout, then deregister the
// endpoint connection outright.
func (m *Monitor) sweepHeartbeats() {
	stale := m.endpoints.StaleDevices(m.cfg.HeartbeatTimeout)
	for _, deviceID := range stale {
		for _, info := range m.sessions.ActiveForDevice(deviceID) {
			m.sessions.MarkTimeout(info.SessionID)
			if m.adapter != nil {
				m.adapter.ForgetSession(info.SessionID)
			}
		}
		m.endpoints.RemoveDevice(deviceID)
		log.Printf("[liveness] device %s stale for >%s, disconnected", deviceID, m.cfg.HeartbeatTimeout)
	}
}

// sweepSessionTimeouts implements §4.9's session timeout sweep: mark
// orphaned active sessions (endpoint died between sweeps, or never sent
// a frame after creation) as Timeout.
func (m *Monitor) sweepSessionTimeouts() {
	n := m.sessions.CleanupTimeouts(m.cfg.SessionTimeout)
	if n > 0 {
		log.Printf("[liveness] marked %d session(s) timed out", n)
	}
}
