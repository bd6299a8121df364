// Package bridge drives one endpoint's WebSocket stream end to end
// (C8): parsing control commands, creating and rotating bridge
// sessions, forwarding audio through flow control and the upstream
// adapter, and tearing everything down cleanly on stream close.
// Grounded on audio_handler.rs's handle_client_command /
// forward_audio_to_echokit / handle_audio_frame dispatch loop.
package bridge

import (
	"context"
	"log"
	"time"

	"github.com/birddigital/echokit-bridge/internal/adapter"
	"github.com/birddigital/echokit-bridge/internal/endpoint"
	"github.com/birddigital/echokit-bridge/internal/flowcontrol"
	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/birddigital/echokit-bridge/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server wires together the registries and the adapter into one
// endpoint-stream driver. One Server instance is shared by every
// connection; per-connection mutable state lives in conn, not here.
type Server struct {
	endpoints *endpoint.Manager
	sessions  *session.Manager
	adapter   *adapter.Adapter
	flow      *flowcontrol.Controller
}

func New(endpoints *endpoint.Manager, sessions *session.Manager, a *adapter.Adapter, flow *flowcontrol.Controller) *Server {
	return &Server{endpoints: endpoints, sessions: sessions, adapter: a, flow: flow}
}

// conn holds the per-connection state machine described by §4.8's
// diagram: which bridge session (if any) is currently Active, and
// whether that session is a chat round (touches upstream) or a
// record-only round (never does).
type conn struct {
	srv         *Server
	deviceID    string
	forceRecord bool

	sessionID  string
	recordMode bool
	shed       uint64
}

// Run takes ownership of ws for the lifetime of the connection: it
// registers deviceID in the endpoint registry, drives the read loop
// until a read from the stream fails (for example because it closed), and
// tears down whatever bridge session is active on exit. forceRecord
// mirrors the identified-accept path's "?record=true" query parameter
// (§6): when set, every round on this connection is record-only
// regardless of which start event the endpoint sends.
func (s *Server) Run(ctx context.Context, ws *websocket.Conn, deviceID string, forceRecord bool) {
	s.endpoints.RegisterDevice(deviceID, ws)
	c := &conn{srv: s, deviceID: deviceID, forceRecord: forceRecord}

	defer func() {
		c.closeSession(ctx)
		s.endpoints.RemoveDevice(deviceID)
		log.Printf("[bridge] connection closed for device %s (shed %d frames)", deviceID, c.shed)
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.endpoints.UpdateHeartbeat(deviceID)

		switch msgType {
		case websocket.TextMessage:
			c.handleText(ctx, data)
		case websocket.BinaryMessage:
			c.handleAudio(ctx, data)
		}
	}
}

// handleText parses and dispatches one JSON control frame (§4.1).
// Unknown events are logged and ignored per the forward-compat policy.
// A malformed frame is logged and dropped and the stream stays open;
// malformed frames are not counted, so repeated ones do not close the
// stream either.
func (c *conn) handleText(ctx context.Context, data []byte) {
	cmd, err := protocol.ParseClientCommand(data)
	if err != nil {
		log.Printf("[bridge] malformed client command from %s: %v", c.deviceID, err)
		return
	}
	if !cmd.Known() {
		log.Printf("[bridge] unknown event %q from %s, ignoring", cmd.Event, c.deviceID)
		return
	}

	switch cmd.Event {
	case protocol.EventStartChat, protocol.EventStartRecord:
		c.startSession(ctx, cmd)
	case protocol.EventSubmit:
		c.handleSubmit(ctx)
	case protocol.EventText:
		c.handleTextInput(ctx, cmd.Input)
	case protocol.EventEndSession:
		c.closeSession(ctx)
	}
}

// startSession implements the StartChat/StartRecord branch of §4.8: if
// an Active session already exists it is rotated out first (§3: "a
// second Active session ends the previous one"; §4.7's tie-break), then
// a fresh bridge session is created and, for a chat round, bound onto
// either a freshly created or a reused EchoKit session.
func (c *conn) startSession(ctx context.Context, cmd protocol.ClientCommand) {
	c.rotateOut()

	newID := uuid.New().String()
	recordMode := c.forceRecord || cmd.IsRecordMode()

	c.srv.sessions.Create(newID, c.deviceID)
	c.srv.endpoints.BindSession(newID, c.deviceID)
	c.sessionID = newID
	c.recordMode = recordMode

	if recordMode {
		log.Printf("[bridge] record-only session %s started for device %s", newID, c.deviceID)
		return
	}

	if existing, ok := c.srv.adapter.DeviceEchoKitSession(c.deviceID); ok {
		c.srv.adapter.RegisterBridgeSession(newID, c.deviceID, existing)
		c.srv.sessions.SetEchoKitSessionID(newID, existing)
		log.Printf("[bridge] chat session %s reusing EchoKit session %s for device %s", newID, existing, c.deviceID)
		return
	}

	ekID, err := c.srv.adapter.CreateEchoKitSession(ctx, newID, c.deviceID)
	if err != nil {
		log.Printf("[bridge] refusing chat session for device %s: %v", c.deviceID, err)
		c.srv.sessions.MarkFailed(newID)
		c.srv.endpoints.UnbindSession(newID)
		c.sessionID = ""
		if ack, ackErr := protocol.EncodeErrorAck(cmd.Event, err.Error()); ackErr == nil {
			_ = c.srv.endpoints.SendText(c.deviceID, ack)
		}
		return
	}
	c.srv.sessions.SetEchoKitSessionID(newID, ekID)
}

// handleAudio implements §4.8's binary-audio branch: valid only while a
// session is Active, gated by flow control (§4.2 — admission failure
// drops the frame and increments shed, it never blocks the caller), and
// forwarded through the adapter for a chat round or simply counted for
// a record-only one.
func (c *conn) handleAudio(ctx context.Context, data []byte) {
	if c.sessionID == "" {
		log.Printf("[bridge] dropping audio frame from %s: no active session", c.deviceID)
		return
	}

	if samples, odd := protocol.ValidateAudioFrame(data); odd {
		log.Printf("[bridge] odd-length audio frame (%d bytes, %d samples) from %s", len(data), samples, c.deviceID)
	}

	if !c.srv.flow.CanSend(c.sessionID, len(data)) {
		c.shed++
		return
	}
	c.srv.flow.RecordSend(c.sessionID, len(data))

	if c.recordMode {
		c.srv.flow.RecordAck(c.sessionID, len(data))
		return
	}

	if err := c.srv.adapter.ForwardAudio(ctx, c.sessionID, data); err != nil {
		log.Printf("[bridge] failed to forward audio for session %s: %v", c.sessionID, err)
	}
	c.srv.flow.RecordAck(c.sessionID, len(data))
}

// handleSubmit implements §4.8's Submit branch: forward Submit upstream
// for a chat round, then reset the round flag so the next audio frame
// reopens a fresh round (§4.7). The bridge session itself stays Active
// — per §9 Open Question #1, EndResponse (and by extension Submit) does
// not end it.
func (c *conn) handleSubmit(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	if !c.recordMode {
		if err := c.srv.adapter.SubmitAudioForProcessing(ctx, c.sessionID); err != nil {
			log.Printf("[bridge] failed to submit audio for session %s: %v", c.sessionID, err)
		}
	}
	c.srv.sessions.ResetStartChatFlag(c.sessionID)
}

// handleTextInput implements §4.1's Text event: accepted and forwarded
// in a chat round, rejected with a typed protocol-error ack in a
// record-only round (§9 Open Question #2 resolved per the source's
// "not yet implemented" stance, made explicit instead of silent).
func (c *conn) handleTextInput(ctx context.Context, input string) {
	if c.sessionID == "" {
		return
	}
	if c.recordMode {
		if ack, err := protocol.EncodeErrorAck(protocol.EventText, "text input is not supported in record mode"); err == nil {
			_ = c.srv.endpoints.SendText(c.deviceID, ack)
		}
		return
	}
	if err := c.srv.adapter.ForwardText(ctx, c.sessionID, input); err != nil {
		log.Printf("[bridge] failed to forward text for session %s: %v", c.sessionID, err)
	}
}

// closeSession implements the teardown used by an explicit EndSession
// command and by stream close: unbind from the endpoint registry,
// close the adapter binding (a no-op upstream send if the EchoKit
// session is still shared with another bridge session, per §4.7), mark
// the session Completed, and drop its flow-control state.
func (c *conn) closeSession(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	sessionID := c.sessionID
	recordMode := c.recordMode
	c.sessionID = ""

	c.srv.endpoints.UnbindSession(sessionID)
	if !recordMode {
		if err := c.srv.adapter.CloseEchoKitSession(ctx, sessionID); err != nil {
			log.Printf("[bridge] failed to close EchoKit session for bridge session %s: %v", sessionID, err)
		}
	}
	c.srv.sessions.End(sessionID)
	c.srv.flow.RemoveSession(sessionID)
}

// rotateOut implements §4.7's rotation tie-break: when a new StartChat
// arrives while a session is already Active, the old bridge session
// ends, but — unlike closeSession — the EchoKit session it was riding
// on must survive, because the new bridge session is about to take it
// over (reused, not recreated). ForgetSession drops the adapter mapping
// without sending an end-session frame upstream.
func (c *conn) rotateOut() {
	if c.sessionID == "" {
		return
	}
	sessionID := c.sessionID
	c.sessionID = ""

	c.srv.endpoints.UnbindSession(sessionID)
	c.srv.adapter.ForgetSession(sessionID)
	c.srv.sessions.End(sessionID)
	c.srv.flow.RemoveSession(sessionID)
}

// HandshakeTimeout is the default deadline cmd/bridge applies to the
// WebSocket upgrade itself, kept here so both cmd/bridge and any test
// harness share one constant.
const HandshakeTimeout = 10 * time.Second
