// Package endpoint manages WebSocket connections to voice endpoints
// (hardware devices and browser clients) and the mapping from bridge
// session IDs to the device that owns them. It owns exactly one writer
// goroutine per connection, following the teacher's readPump/writePump
// split: only that goroutine ever calls conn.Write*, every other caller
// hands bytes to it over a channel.
package endpoint

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendKind distinguishes the payload shapes writePump knows how to push
// onto the wire; audio/event both arrive as []byte but use different
// gorilla message types downstream (binary vs text).
type sendKind int

const (
	sendBinary sendKind = iota
	sendText
	sendPing
	sendClose
)

type outboundMessage struct {
	kind sendKind
	data []byte
}

// Connection wraps one endpoint's WebSocket with a bounded outbound
// queue and the single writer goroutine that drains it.
type Connection struct {
	DeviceID string
	conn     *websocket.Conn

	send chan outboundMessage
	done chan struct{}

	mu          sync.RWMutex
	lastPong    time.Time
	closeOnce   sync.Once
}

const sendQueueDepth = 256

func newConnection(deviceID string, conn *websocket.Conn) *Connection {
	return &Connection{
		DeviceID: deviceID,
		conn:     conn,
		send:     make(chan outboundMessage, sendQueueDepth),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
}

// writePump is the connection's sole writer goroutine. It exits when
// send is closed or done fires.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return

		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(msg); err != nil {
				log.Printf("[endpoint] write error for device %s: %v", c.DeviceID, err)
				return
			}
			if msg.kind == sendClose {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(msg outboundMessage) error {
	switch msg.kind {
	case sendBinary:
		return c.conn.WriteMessage(websocket.BinaryMessage, msg.data)
	case sendText:
		return c.conn.WriteMessage(websocket.TextMessage, msg.data)
	case sendPing:
		return c.conn.WriteMessage(websocket.PongMessage, msg.data)
	case sendClose:
		return c.conn.WriteMessage(websocket.CloseMessage, msg.data)
	default:
		return fmt.Errorf("endpoint: unknown outbound message kind %d", msg.kind)
	}
}

func (c *Connection) touchPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

func (c *Connection) lastPongAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

func (c *Connection) enqueue(msg outboundMessage) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("endpoint: send queue full for device %s", c.DeviceID)
	}
}

func (c *Connection) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.send)
	})
}

// Manager tracks every connected endpoint and the session bindings on
// top of it, grounded on connection_manager.rs's DeviceConnectionManager.
type Manager struct {
	mu sync.RWMutex

	connections     map[string]*Connection // device_id -> connection
	sessionToDevice map[string]string      // session_id -> device_id

	pingInterval time.Duration
}

// NewManager constructs a Manager. pingInterval controls the keepalive
// ping cadence of every registered connection's writer goroutine.
func NewManager(pingInterval time.Duration) *Manager {
	return &Manager{
		connections:     make(map[string]*Connection),
		sessionToDevice: make(map[string]string),
		pingInterval:    pingInterval,
	}
}

// RegisterDevice adopts conn as the active connection for deviceID,
// starting its writer goroutine, and returns the Connection handle so
// the caller can run its own read loop against conn directly.
func (m *Manager) RegisterDevice(deviceID string, conn *websocket.Conn) *Connection {
	c := newConnection(deviceID, conn)

	m.mu.Lock()
	if old, exists := m.connections[deviceID]; exists {
		old.stop()
	}
	m.connections[deviceID] = c
	m.mu.Unlock()

	go c.writePump(m.pingInterval)

	log.Printf("[endpoint] device %s registered, %d connections online", deviceID, m.onlineCount())
	return c
}

// RemoveDevice tears down deviceID's connection and every session bound
// to it.
func (m *Manager) RemoveDevice(deviceID string) {
	m.mu.Lock()
	if c, ok := m.connections[deviceID]; ok {
		c.stop()
		delete(m.connections, deviceID)
	}
	for sessionID, dev := range m.sessionToDevice {
		if dev == deviceID {
			delete(m.sessionToDevice, sessionID)
		}
	}
	remaining := len(m.connections)
	m.mu.Unlock()

	log.Printf("[endpoint] device %s removed, %d connections remain", deviceID, remaining)
}

// BindSession records that sessionID's traffic belongs to deviceID.
func (m *Manager) BindSession(sessionID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionToDevice[sessionID] = deviceID
}

// UnbindSession removes the session-to-device binding.
func (m *Manager) UnbindSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessionToDevice, sessionID)
}

// DeviceForSession resolves the device bound to a session.
func (m *Manager) DeviceForSession(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deviceID, ok := m.sessionToDevice[sessionID]
	return deviceID, ok
}

func (m *Manager) connectionFor(deviceID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[deviceID]
	return c, ok
}

// PushAudioBySession queues binary audio for the device bound to
// sessionID.
func (m *Manager) PushAudioBySession(sessionID string, audio []byte) error {
	deviceID, ok := m.DeviceForSession(sessionID)
	if !ok {
		return fmt.Errorf("endpoint: session %s not bound to any device", sessionID)
	}
	return m.PushAudioToDevice(deviceID, audio)
}

// PushAudioToDevice queues binary audio directly for deviceID.
func (m *Manager) PushAudioToDevice(deviceID string, audio []byte) error {
	c, ok := m.connectionFor(deviceID)
	if !ok {
		return fmt.Errorf("endpoint: device %s not connected", deviceID)
	}
	return c.enqueue(outboundMessage{kind: sendBinary, data: audio})
}

// SendText queues a text frame (MessagePack server events ride as
// binary; this is reserved for plain control acks) for deviceID.
func (m *Manager) SendText(deviceID string, text []byte) error {
	c, ok := m.connectionFor(deviceID)
	if !ok {
		return fmt.Errorf("endpoint: device %s not connected", deviceID)
	}
	return c.enqueue(outboundMessage{kind: sendText, data: text})
}

// SendPong answers a client-initiated ping.
func (m *Manager) SendPong(deviceID string, data []byte) error {
	c, ok := m.connectionFor(deviceID)
	if !ok {
		return fmt.Errorf("endpoint: device %s not connected", deviceID)
	}
	c.touchPong()
	return c.enqueue(outboundMessage{kind: sendPing, data: data})
}

// UpdateHeartbeat records the device as recently seen without sending
// anything, used when a read pump observes any inbound frame.
func (m *Manager) UpdateHeartbeat(deviceID string) {
	if c, ok := m.connectionFor(deviceID); ok {
		c.touchPong()
	}
}

// IsDeviceOnline reports whether deviceID currently has a registered
// connection.
func (m *Manager) IsDeviceOnline(deviceID string) bool {
	_, ok := m.connectionFor(deviceID)
	return ok
}

func (m *Manager) onlineCount() int {
	return len(m.connections)
}

// OnlineCount returns the number of connected endpoints.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineCount()
}

// ActiveSessionCount returns the number of session-to-device bindings.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessionToDevice)
}

// StaleDevices returns every device whose last observed activity is
// older than timeout, for the liveness sweep (C9) to act on.
func (m *Manager) StaleDevices(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var stale []string
	for deviceID, c := range m.connections {
		if now.Sub(c.lastPongAt()) > timeout {
			stale = append(stale, deviceID)
		}
	}
	return stale
}
