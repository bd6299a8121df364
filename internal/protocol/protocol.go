// Package protocol implements the endpoint wire protocol: JSON control
// commands and binary PCM audio from the endpoint, MessagePack-encoded
// server events back to it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ClientCommand is a control-plane message sent by an endpoint, or, on
// the upstream leg, by the bridge itself. SessionID is unused by
// endpoint-originated commands (an endpoint has no notion of an
// upstream-session-id) but is set by every command the bridge sends to
// an EchoKit server, so a connection shared by more than one device
// (§8 scenario 5) can still tell which session a frame belongs to.
type ClientCommand struct {
	Event     string `json:"event"`
	Input     string `json:"input,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	EventStartChat   = "StartChat"
	EventStartRecord = "StartRecord"
	EventSubmit      = "Submit"
	EventText        = "Text"
	EventEndSession  = "EndSession"
)

// ParseClientCommand decodes a single JSON text frame from an endpoint.
// Unknown event strings are not an error here — the caller is expected
// to log and ignore them per §4.1/§7's forward-compat policy.
func ParseClientCommand(data []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("protocol: malformed client command: %w", err)
	}
	if cmd.Event == "" {
		return ClientCommand{}, fmt.Errorf("protocol: client command missing event field")
	}
	return cmd, nil
}

// IsSessionStart reports whether the command opens a new round.
func (c ClientCommand) IsSessionStart() bool {
	return c.Event == EventStartChat || c.Event == EventStartRecord
}

// IsRecordMode reports whether the command requests a record-only round.
func (c ClientCommand) IsRecordMode() bool {
	return c.Event == EventStartRecord
}

// Known reports whether Event is one this codec recognizes.
func (c ClientCommand) Known() bool {
	switch c.Event {
	case EventStartChat, EventStartRecord, EventSubmit, EventText, EventEndSession:
		return true
	default:
		return false
	}
}

// Ack is a JSON text-frame acknowledgement the bridge may send back for
// a control event. Per §4.1 these are optional; clients may ignore them.
type Ack struct {
	Event   string `json:"event"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// EncodeErrorAck builds the JSON text frame the bridge sends when a
// control command is refused in a way that should be surfaced to the
// endpoint without closing the stream (§7 policy 2: resource-lookup
// errors; supplemented feature 4: record-mode Text rejection).
func EncodeErrorAck(event, message string) ([]byte, error) {
	b, err := json.Marshal(Ack{Event: event, OK: false, Message: message})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode error ack for %s: %w", event, err)
	}
	return b, nil
}

// ServerEvent is the tagged union of events streamed back from an
// EchoKit server, MessagePack-encoded keyed by Type. SessionID carries
// the upstream-session-id the event belongs to, letting a connection
// shared by more than one device be demultiplexed correctly (P2)
// instead of assuming the connection serves exactly one device.
type ServerEvent struct {
	Type      string `msgpack:"type"`
	SessionID string `msgpack:"session_id,omitempty"`
	Text      string `msgpack:"text,omitempty"`
	Data      []byte `msgpack:"data,omitempty"`
	Action    string `msgpack:"action,omitempty"`
}

const (
	EventHelloStart  = "HelloStart"
	EventHelloChunk  = "HelloChunk"
	EventHelloEnd    = "HelloEnd"
	EventBGStart     = "BGStart"
	EventBGChunk     = "BGChunk"
	EventBGEnd       = "BGEnd"
	EventASR         = "ASR"
	EventAction      = "Action"
	EventStartAudio  = "StartAudio"
	EventAudioChunk  = "AudioChunk"
	EventEndAudio    = "EndAudio"
	EventStartVideo  = "StartVideo"
	EventEndVideo    = "EndVideo"
	EventEndResponse = "EndResponse"
)

func NewHelloStart() ServerEvent   { return ServerEvent{Type: EventHelloStart} }
func NewHelloChunk(data []byte) ServerEvent {
	return ServerEvent{Type: EventHelloChunk, Data: data}
}
func NewHelloEnd() ServerEvent { return ServerEvent{Type: EventHelloEnd} }
func NewBGStart() ServerEvent  { return ServerEvent{Type: EventBGStart} }
func NewBGChunk(data []byte) ServerEvent {
	return ServerEvent{Type: EventBGChunk, Data: data}
}
func NewBGEnd() ServerEvent { return ServerEvent{Type: EventBGEnd} }
func NewASR(text string) ServerEvent {
	return ServerEvent{Type: EventASR, Text: text}
}
func NewAction(action string) ServerEvent {
	return ServerEvent{Type: EventAction, Action: action}
}
func NewStartAudio(text string) ServerEvent {
	return ServerEvent{Type: EventStartAudio, Text: text}
}
func NewAudioChunk(data []byte) ServerEvent {
	return ServerEvent{Type: EventAudioChunk, Data: data}
}
func NewEndAudio() ServerEvent    { return ServerEvent{Type: EventEndAudio} }
func NewStartVideo() ServerEvent  { return ServerEvent{Type: EventStartVideo} }
func NewEndVideo() ServerEvent    { return ServerEvent{Type: EventEndVideo} }
func NewEndResponse() ServerEvent { return ServerEvent{Type: EventEndResponse} }

// IsAudioEvent mirrors ServerEvent::is_audio_event in the original protocol.
func (e ServerEvent) IsAudioEvent() bool {
	switch e.Type {
	case EventStartAudio, EventAudioChunk, EventEndAudio:
		return true
	default:
		return false
	}
}

// IsControlEvent mirrors ServerEvent::is_control_event.
func (e ServerEvent) IsControlEvent() bool {
	switch e.Type {
	case EventHelloStart, EventHelloEnd, EventBGStart, EventBGEnd, EventEndResponse:
		return true
	default:
		return false
	}
}

// EncodeServerEvent MessagePack-encodes a server event for the wire.
func EncodeServerEvent(e ServerEvent) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode server event %s: %w", e.Type, err)
	}
	return b, nil
}

// DecodeServerEvent is the inverse of EncodeServerEvent, used by tests
// and by any endpoint-side simulator.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var e ServerEvent
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return ServerEvent{}, fmt.Errorf("protocol: failed to decode server event: %w", err)
	}
	return e, nil
}
