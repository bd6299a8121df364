// Package upstream implements the bridge's side of the connection to a
// single EchoKit realtime server. An EchoKit server speaks the same
// wire protocol as an endpoint does to the bridge (internal/protocol):
// JSON ClientCommand control frames plus raw PCM16 binary audio
// upstream, MessagePack ServerEvent frames downstream. The bridge is a
// relay, not a translator, between the two. Grounded on
// echokit_client.rs's connection lifecycle and the command/event flow
// driven by audio_handler.rs (send_start_chat / forward_audio /
// submit_audio_for_processing).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Handler receives every ServerEvent an EchoKit server streams back,
// alongside the upstream-session-id it was tagged with on the wire.
// Invoked from the client's read goroutine, so implementations must not
// block for long.
type Handler interface {
	HandleServerEvent(echokitSessionID string, evt protocol.ServerEvent)
}

// Config controls dial retry and keepalive behaviour.
type Config struct {
	DialTimeout       time.Duration
	HeartbeatPeriod   time.Duration
	ReconnectInterval time.Duration
	MaxReconnects     uint64
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:       10 * time.Second,
		HeartbeatPeriod:   30 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnects:     5,
	}
}

type outboundFrame struct {
	messageType int
	data        []byte
}

// Status is the lifecycle state of one upstream connection (§3).
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusClosing      Status = "closing"
	StatusFailed       Status = "failed"
)

// Client manages one WebSocket connection to one EchoKit server URL,
// including its own reconnect supervisor. Grounded on
// echokit_client.rs's reconnect loop, restructured per §9's redesign
// flag (coroutine send/receive loops become two cooperating goroutines
// with an in-process queue between them).
type Client struct {
	url     string
	cfg     Config
	handler Handler

	mu                sync.RWMutex
	conn              *websocket.Conn
	status            Status
	reconnectAttempts uint64
	generation        uint64
	baseCtx           context.Context
	closed            bool
	reconnecting      bool

	send      chan outboundFrame
	done      chan struct{}
	stopOnce  sync.Once
}

func NewClient(url string, cfg Config, handler Handler) *Client {
	return &Client{
		url:     url,
		cfg:     cfg,
		handler: handler,
		status:  StatusDisconnected,
		send:    make(chan outboundFrame, 256),
		done:    make(chan struct{}),
	}
}

// Connect dials the EchoKit server, retrying with exponential backoff
// up to MaxReconnects attempts, then starts the read/write goroutines.
// ctx is retained for the lifetime of the client and reused by any
// later automatic reconnect attempts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, err := c.dialWithBackoff(ctx, backoff.NewExponentialBackOff())
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return fmt.Errorf("upstream: failed to connect to %s: %w", c.url, err)
	}

	c.adoptConnection(conn)
	log.Printf("[upstream] connected to %s", c.url)
	return nil
}

func (c *Client) dialWithBackoff(ctx context.Context, b backoff.BackOff) (*websocket.Conn, error) {
	var conn *websocket.Conn
	policy := backoff.WithMaxRetries(b, c.cfg.MaxReconnects)
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		var dialErr error
		conn, _, dialErr = websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		if dialErr != nil {
			log.Printf("[upstream] dial %s failed, retrying: %v", c.url, dialErr)
		}
		return dialErr
	}, backoff.WithContext(policy, ctx))
	return conn, err
}

// adoptConnection installs a freshly dialed connection as current and
// starts its pumps, bumping the connection generation so the adapter
// can detect that any upstream-session-id issued before this point may
// no longer be valid (§4.5: "in-flight upstream-session-ids are
// invalidated").
func (c *Client) adoptConnection(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.reconnectAttempts = 0
	c.generation++
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// IsConnected reports current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusConnected
}

// Status returns the connection's current lifecycle state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// URL returns the EchoKit server URL this client connects to.
func (c *Client) URL() string { return c.url }

// ReconnectAttempts returns the reconnect attempt counter: 0 after a
// successful connect, and MaxReconnects once the reconnect supervisor
// has given up. Attempts still in progress are not counted.
func (c *Client) ReconnectAttempts() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectAttempts
}

// Generation returns a counter bumped on every successful (re)connect.
// The adapter compares this against the generation it observed when it
// created an upstream-session-id; a mismatch means the connection was
// recycled underneath that id and it must be recreated before reuse.
func (c *Client) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	wasClosed := c.closed
	if c.status == StatusConnected {
		c.status = StatusDisconnected
	}
	c.mu.Unlock()

	if !wasClosed {
		c.triggerReconnect()
	}
}

// triggerReconnect starts the reconnect supervisor unless one is
// already running or the client has been permanently closed.
func (c *Client) triggerReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx := c.baseCtx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go c.reconnectLoop(ctx)
}

// reconnectLoop implements §4.5: wait reconnect-interval-ms, reconnect;
// cap attempts at max-reconnect-attempts, then give up and mark Failed.
// On success the attempt counter resets and normal operation resumes.
func (c *Client) reconnectLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, err := c.dialWithBackoff(ctx, backoff.NewConstantBackOff(c.cfg.ReconnectInterval))
	if err != nil {
		c.mu.Lock()
		c.status = StatusFailed
		c.reconnectAttempts = c.cfg.MaxReconnects
		c.mu.Unlock()
		log.Printf("[upstream] giving up reconnecting to %s after %d attempts: %v", c.url, c.cfg.MaxReconnects, err)
		return
	}

	log.Printf("[upstream] reconnected to %s", c.url)
	c.adoptConnection(conn)
}

// Disconnect permanently closes the connection and stops any reconnect
// attempts. Used for explicit pool eviction and graceful shutdown.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.status = StatusClosing
	conn := c.conn
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		close(c.done)
		close(c.send)
	})

	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
}

func (c *Client) enqueue(frame outboundFrame) error {
	if !c.IsConnected() {
		if c.Status() != StatusFailed {
			c.triggerReconnect()
		}
		return fmt.Errorf("upstream: not connected to %s", c.url)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("upstream: send queue full for %s", c.url)
	}
}

// SendCommand sends a ClientCommand control frame upstream, e.g.
// StartChat at the top of a conversation round or Submit once the
// endpoint has finished speaking.
func (c *Client) SendCommand(cmd protocol.ClientCommand) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("upstream: failed to encode %s command: %w", cmd.Event, err)
	}
	return c.enqueue(outboundFrame{messageType: websocket.TextMessage, data: b})
}

// eventCreateSession is upstream-only, the create-side counterpart to
// eventEndSession below: it opens a named session on the connection
// before any StartChat or audio for it arrives. It never appears in
// internal/protocol's endpoint-facing ClientCommand set because the
// endpoint never requests it directly — the bridge mints the id.
const eventCreateSession = "CreateSession"

// CreateSession tells the EchoKit server a new session with the given
// upstream-session-id is starting, sent once per id before anything
// else referencing it (§4.7). Tagging it lets a connection shared by
// more than one device (§8 scenario 5) demultiplex every later frame.
func (c *Client) CreateSession(sessionID string) error {
	return c.SendCommand(protocol.ClientCommand{Event: eventCreateSession, SessionID: sessionID})
}

// StartChat forwards the StartChat control command, used whenever a
// conversation round needs to begin upstream.
func (c *Client) StartChat(sessionID string) error {
	return c.SendCommand(protocol.ClientCommand{Event: protocol.EventStartChat, SessionID: sessionID})
}

// Submit forwards the Submit control command, triggering ASR processing
// of whatever audio has been sent since the last StartChat.
func (c *Client) Submit(sessionID string) error {
	return c.SendCommand(protocol.ClientCommand{Event: protocol.EventSubmit, SessionID: sessionID})
}

// eventEndSession tells EchoKit a session is done and its resources may
// be released (§4.7). It is the same event string as the endpoint's
// protocol.EventEndSession, but the bridge sends it upstream only when
// the last bridge session riding on an EchoKit session closes, not each
// time an endpoint sends EndSession.
const eventEndSession = "EndSession"

// EndSession tells the EchoKit server a session is finished, sent by
// the adapter only once no bridge session shares it any longer.
func (c *Client) EndSession(sessionID string) error {
	return c.SendCommand(protocol.ClientCommand{Event: eventEndSession, SessionID: sessionID})
}

// SendAudio forwards one raw PCM16 frame upstream as a binary message.
func (c *Client) SendAudio(data []byte) error {
	return c.enqueue(outboundFrame{messageType: websocket.BinaryMessage, data: data})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				log.Printf("[upstream] write error to %s: %v", c.url, err)
				c.markDisconnected()
				return
			}

		case <-ticker.C:
			if err := c.writeFrame(outboundFrame{messageType: websocket.PingMessage}); err != nil {
				log.Printf("[upstream] heartbeat failed to %s: %v", c.url, err)
				c.markDisconnected()
				return
			}
		}
	}
}

func (c *Client) writeFrame(frame outboundFrame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("upstream: connection to %s not established", c.url)
	}
	return conn.WriteMessage(frame.messageType, frame.data)
}

func (c *Client) readPump() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[upstream] read error from %s: %v", c.url, err)
			}
			c.markDisconnected()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		evt, err := protocol.DecodeServerEvent(data)
		if err != nil {
			log.Printf("[upstream] malformed server event from %s: %v", c.url, err)
			continue
		}

		if c.handler != nil {
			c.handler.HandleServerEvent(evt.SessionID, evt)
		}
	}
}
