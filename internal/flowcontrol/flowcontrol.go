// Package flowcontrol implements a per-session sliding window over
// frames-in-flight and bytes buffered, producing admit/block decisions
// for the endpoint session handler (C8). It is advisory: callers decide
// what to do when admission fails (the handler drops and counts it).
package flowcontrol

import (
	"sync"
	"time"
)

// Config mirrors the teacher's constructor-injected, capability-scoped
// config style (§9 redesign flag: no duck-typed AppConfig).
type Config struct {
	// WindowMaxFrames caps frames admitted per one-second window.
	WindowMaxFrames int
	// BufferMaxBytes caps bytes-buffered-outstanding before blocking.
	BufferMaxBytes int
	// ReleaseFraction is the fraction of BufferMaxBytes below which a
	// blocked session unblocks on ack (default 0.5, i.e. half).
	ReleaseFraction float64
}

// DefaultConfig matches §3's stated defaults: 100 frames/window, 1MiB
// buffer ceiling, release below half.
func DefaultConfig() Config {
	return Config{
		WindowMaxFrames: 100,
		BufferMaxBytes:  1 << 20,
		ReleaseFraction: 0.5,
	}
}

func (c Config) releaseThreshold() int {
	return int(float64(c.BufferMaxBytes) * c.ReleaseFraction)
}

type sessionState struct {
	windowFrames int
	bufferBytes  int
	blocked      bool
}

// Controller tracks flow-control state for every session it has seen.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Stats is a read-only snapshot of one session's flow-control state.
type Stats struct {
	SessionID       string
	WindowFrames    int
	WindowMax       int
	BufferBytes     int
	BufferMax       int
	Blocked         bool
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

func (c *Controller) state(sessionID string) *sessionState {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		c.sessions[sessionID] = s
	}
	return s
}

// CanSend reports whether a frame of the given size may be admitted for
// sessionID right now. Per §4.2: fails closed if already blocked; fails
// closed (and sets blocked) if the frame would exceed the window or the
// buffer ceiling.
func (c *Controller) CanSend(sessionID string, bytes int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(sessionID)
	if s.blocked {
		return false
	}

	if s.windowFrames >= c.cfg.WindowMaxFrames {
		s.blocked = true
		return false
	}
	if s.bufferBytes+bytes > c.cfg.BufferMaxBytes {
		s.blocked = true
		return false
	}

	return true
}

// RecordSend must be called after CanSend admits a frame; it increments
// the window counter and the buffered-bytes counter.
func (c *Controller) RecordSend(sessionID string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(sessionID)
	s.windowFrames++
	s.bufferBytes += bytes
}

// RecordAck decrements buffered bytes on confirmation from downstream
// and unblocks the session if it drops below the release threshold.
func (c *Controller) RecordAck(sessionID string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}

	s.bufferBytes -= bytes
	if s.bufferBytes < 0 {
		s.bufferBytes = 0
	}

	if s.blocked && s.bufferBytes < c.cfg.releaseThreshold() {
		s.blocked = false
	}
}

// Tick resets every session's per-second frame window. A blocked session
// with zero buffered bytes is also unblocked, matching §4.2's periodic
// tick semantics.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		s.windowFrames = 0
		if s.blocked && s.bufferBytes == 0 {
			s.blocked = false
		}
	}
}

// Run drives Tick on a 1-second interval until ctx-equivalent stop is
// signaled by closing done. Intended to run as its own goroutine.
func (c *Controller) Run(done <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// RemoveSession drops flow-control state for a session that has ended.
func (c *Controller) RemoveSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Stats returns a snapshot for one session, or false if unseen.
func (c *Controller) Stats(sessionID string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		SessionID:    sessionID,
		WindowFrames: s.windowFrames,
		WindowMax:    c.cfg.WindowMaxFrames,
		BufferBytes:  s.bufferBytes,
		BufferMax:    c.cfg.BufferMaxBytes,
		Blocked:      s.blocked,
	}, true
}

// AllStats returns a snapshot of every tracked session, for the debug
// stats endpoint.
func (c *Controller) AllStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Stats, 0, len(c.sessions))
	for id, s := range c.sessions {
		out = append(out, Stats{
			SessionID:    id,
			WindowFrames: s.windowFrames,
			WindowMax:    c.cfg.WindowMaxFrames,
			BufferBytes:  s.bufferBytes,
			BufferMax:    c.cfg.BufferMaxBytes,
			Blocked:      s.blocked,
		})
	}
	return out
}
