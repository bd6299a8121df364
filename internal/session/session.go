// Package session tracks bridge sessions: one entry per endpoint-visible
// conversation round, independent of which upstream EchoKit session or
// connection pool slot eventually serves it. Grounded on the original
// bridge's session_manager.rs.
package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a bridge session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Info is an immutable-by-convention snapshot of one session's state,
// returned by value so callers can't mutate manager-owned state through
// it.
type Info struct {
	SessionID            string
	DeviceID             string
	EchoKitSessionID     string
	CreatedAt            time.Time
	LastActivity         time.Time
	Status               Status
	AudioFramesSent      uint64
	AudioFramesReceived  uint64
}

type entry struct {
	Info
	// startChatSentThisRound enforces the StartChat-per-round invariant:
	// the first audio frame of a conversation round must be preceded by
	// a StartChat command upstream, and only the first.
	startChatSentThisRound bool
}

// Manager is the in-memory registry of bridge sessions. There is one
// Manager per bridge process; it holds no upstream or endpoint
// references, only bookkeeping.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*entry)}
}

// Create registers a new active session for deviceID.
func (m *Manager) Create(sessionID, deviceID string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &entry{Info: Info{
		SessionID:    sessionID,
		DeviceID:     deviceID,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}}
}

// SetEchoKitSessionID records which upstream session sessionID is
// riding on, once the adapter has created or reused one.
func (m *Manager) SetEchoKitSessionID(sessionID, echoKitSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.EchoKitSessionID = echoKitSessionID
	}
}

// UpdateActivity refreshes LastActivity for sessionID.
func (m *Manager) UpdateActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.LastActivity = time.Now()
	}
}

// IncrementSentFrames bumps the outbound audio-frame counter.
func (m *Manager) IncrementSentFrames(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.AudioFramesSent++
		e.LastActivity = time.Now()
	}
}

// IncrementReceivedFrames bumps the inbound audio-frame counter.
func (m *Manager) IncrementReceivedFrames(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.AudioFramesReceived++
		e.LastActivity = time.Now()
	}
}

// NeedsStartChatForRound reports whether sessionID's current round still
// needs a StartChat command sent upstream before its next audio frame is
// forwarded. True for an unknown session so a defensive caller fails
// toward sending StartChat rather than silently skipping it.
func (m *Manager) NeedsStartChatForRound(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return true
	}
	return !e.startChatSentThisRound
}

// MarkStartChatSent records that StartChat has gone out for the current
// round, so subsequent audio frames forward without repeating it.
func (m *Manager) MarkStartChatSent(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.startChatSentThisRound = true
	}
}

// ResetStartChatFlag clears the round flag, called when the endpoint
// submits its audio for processing: the next round needs StartChat sent
// again before resuming.
func (m *Manager) ResetStartChatFlag(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.startChatSentThisRound = false
	}
}

// isTerminal reports whether s is a status a session never leaves.
func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// End marks a session completed. A no-op once the session has already
// reached a terminal status: terminal statuses never revert (§3).
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok && !isTerminal(e.Status) {
		e.Status = StatusCompleted
	}
}

// MarkFailed marks a session failed, unless it already reached a
// terminal status.
func (m *Manager) MarkFailed(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok && !isTerminal(e.Status) {
		e.Status = StatusFailed
	}
}

// MarkTimeout marks a session timed out, unless it already reached a
// terminal status.
func (m *Manager) MarkTimeout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok && !isTerminal(e.Status) {
		e.Status = StatusTimeout
	}
}

// Get returns a snapshot of sessionID's state.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return e.Info, true
}

// ActiveForDevice returns every active session belonging to deviceID.
func (m *Manager) ActiveForDevice(deviceID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	for _, e := range m.sessions {
		if e.DeviceID == deviceID && e.Status == StatusActive {
			out = append(out, e.Info)
		}
	}
	return out
}

// AllForDevice returns every session ID, active or not, belonging to
// deviceID.
func (m *Manager) AllForDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, e := range m.sessions {
		if e.DeviceID == deviceID {
			out = append(out, id)
		}
	}
	return out
}

// CleanupTimeouts marks every active session whose LastActivity is
// older than timeout as StatusTimeout, returning how many it touched.
func (m *Manager) CleanupTimeouts(timeout time.Duration) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.sessions {
		if e.Status == StatusActive && now.Sub(e.LastActivity) > timeout {
			e.Status = StatusTimeout
			count++
		}
	}
	return count
}

// Stats summarizes session counts by status, for the debug endpoint.
type Stats struct {
	Total     int
	Active    int
	Completed int
	Failed    int
	Timeout   int
}

// Stats computes a Stats snapshot across every tracked session.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Total: len(m.sessions)}
	for _, e := range m.sessions {
		switch e.Status {
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusTimeout:
			s.Timeout++
		}
	}
	return s
}
