// Package adapter binds bridge sessions (what an endpoint sees) onto
// EchoKit upstream connections (what the connection pool manages),
// enforcing the one-StartChat-per-conversation-round invariant and
// demultiplexing EchoKit server events back to the right endpoint.
// Grounded on websocket_adapter.rs's EchoKitSessionAdapter plus the
// round-tracking logic embedded in audio_handler.rs's
// forward_audio_to_echokit / handle_client_command.
package adapter

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/birddigital/echokit-bridge/internal/endpoint"
	"github.com/birddigital/echokit-bridge/internal/pool"
	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/birddigital/echokit-bridge/internal/session"
	"github.com/birddigital/echokit-bridge/internal/upstream"
	"github.com/google/uuid"
)

type mapping struct {
	deviceID         string
	echokitSessionID string
}

// Adapter is the glue between bridge sessions, the upstream pool, the
// endpoint registry, and session bookkeeping.
type Adapter struct {
	pool      *pool.Pool
	endpoints *endpoint.Manager
	sessions  *session.Manager

	mu sync.RWMutex
	// bridgeSessionID -> (deviceID, echokitSessionID)
	bySessionID map[string]mapping
	// deviceID -> echokitSessionID currently live for that device,
	// reused across StartChat rounds until the device disconnects.
	deviceEchoKitSession map[string]string
	// echokitSessionID -> deviceID, so SendStartChat can find the
	// owning device without a linear scan of bySessionID. Inbound
	// events are routed through GetBridgeSession instead.
	echoKitSessionDevice map[string]string
	// deviceID -> the upstream.Client.Generation() observed when its
	// current EchoKit session was (re)created. A later mismatch means
	// the connection reconnected underneath that id (§4.5: in-flight
	// upstream-session-ids are invalidated by reconnect) and it must be
	// replaced before further use (P9).
	deviceGeneration map[string]uint64
}

func New(p *pool.Pool, endpoints *endpoint.Manager, sessions *session.Manager) *Adapter {
	return &Adapter{
		pool:                 p,
		endpoints:            endpoints,
		sessions:             sessions,
		bySessionID:          make(map[string]mapping),
		deviceEchoKitSession: make(map[string]string),
		echoKitSessionDevice: make(map[string]string),
		deviceGeneration:     make(map[string]uint64),
	}
}

// CreateEchoKitSession opens a brand-new EchoKit session for deviceID
// and binds bridgeSessionID to it. Use RegisterBridgeSession instead
// when deviceID already has a live EchoKit session to reuse. Per §4.7,
// this sends a create-session frame upstream before anything else
// references the new id, the create-side counterpart to
// CloseEchoKitSession's end-session frame.
func (a *Adapter) CreateEchoKitSession(ctx context.Context, bridgeSessionID, deviceID string) (string, error) {
	c, err := a.pool.ClientForDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("adapter: failed to acquire EchoKit connection for device %s: %w", deviceID, err)
	}

	echokitSessionID := "ek_" + uuid.New().String()
	if err := c.CreateSession(echokitSessionID); err != nil {
		return "", fmt.Errorf("adapter: failed to start EchoKit session for device %s: %w", deviceID, err)
	}

	a.mu.Lock()
	a.bySessionID[bridgeSessionID] = mapping{deviceID: deviceID, echokitSessionID: echokitSessionID}
	a.deviceEchoKitSession[deviceID] = echokitSessionID
	a.echoKitSessionDevice[echokitSessionID] = deviceID
	a.deviceGeneration[deviceID] = c.Generation()
	a.mu.Unlock()

	log.Printf("[adapter] created EchoKit session %s for bridge session %s (device %s)", echokitSessionID, bridgeSessionID, deviceID)
	return echokitSessionID, nil
}

// recreateStaleSession replaces deviceID's EchoKit session with a fresh
// id bound to the current connection generation, sends a create-session
// frame for it on the freshly (re)connected client, updates
// bridgeSessionID's mapping to point at it, and forces the next audio
// frame to reopen the round with a new StartChat.
func (a *Adapter) recreateStaleSession(c *upstream.Client, bridgeSessionID, deviceID string, generation uint64) (string, error) {
	newID := "ek_" + uuid.New().String()
	if err := c.CreateSession(newID); err != nil {
		return "", fmt.Errorf("adapter: failed to recreate EchoKit session for device %s: %w", deviceID, err)
	}

	a.mu.Lock()
	a.bySessionID[bridgeSessionID] = mapping{deviceID: deviceID, echokitSessionID: newID}
	a.deviceEchoKitSession[deviceID] = newID
	a.echoKitSessionDevice[newID] = deviceID
	a.deviceGeneration[deviceID] = generation
	a.mu.Unlock()

	a.sessions.ResetStartChatFlag(bridgeSessionID)
	log.Printf("[adapter] upstream reconnected under device %s, reallocated EchoKit session %s for bridge session %s", deviceID, newID, bridgeSessionID)
	return newID, nil
}

// RegisterBridgeSession binds bridgeSessionID to an EchoKit session that
// already exists for deviceID, the multi-round reuse path.
func (a *Adapter) RegisterBridgeSession(bridgeSessionID, deviceID, echokitSessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySessionID[bridgeSessionID] = mapping{deviceID: deviceID, echokitSessionID: echokitSessionID}
	a.echoKitSessionDevice[echokitSessionID] = deviceID
}

// DeviceEchoKitSession returns the EchoKit session currently live for
// deviceID, if one exists, so the bridge handler can decide whether to
// create a new one or reuse it.
func (a *Adapter) DeviceEchoKitSession(deviceID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.deviceEchoKitSession[deviceID]
	return id, ok
}

func (a *Adapter) clientFor(ctx context.Context, deviceID string) (*upstream.Client, error) {
	c, err := a.pool.ClientForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("adapter: no EchoKit connection for device %s: %w", deviceID, err)
	}
	return c, nil
}

// SendStartChat forwards the StartChat control command to the EchoKit
// connection backing echokitSessionID.
func (a *Adapter) SendStartChat(ctx context.Context, echokitSessionID string) error {
	deviceID, ok := a.echoKitSessionOwner(echokitSessionID)
	if !ok {
		return fmt.Errorf("adapter: unknown EchoKit session %s", echokitSessionID)
	}
	c, err := a.clientFor(ctx, deviceID)
	if err != nil {
		return err
	}
	return c.StartChat(echokitSessionID)
}

func (a *Adapter) echoKitSessionOwner(echokitSessionID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	deviceID, ok := a.echoKitSessionDevice[echokitSessionID]
	return deviceID, ok
}

// generationFor returns the upstream.Client.Generation() observed when
// deviceID's current EchoKit session was (re)created, used by
// ForwardAudio to detect a reconnect that invalidated it.
func (a *Adapter) generationFor(deviceID string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceGeneration[deviceID]
}

// ForwardAudio sends one audio frame upstream for bridgeSessionID. It
// enforces the StartChat-per-round invariant: if this round hasn't sent
// StartChat yet, it sends one first and marks the round started before
// forwarding the frame itself.
func (a *Adapter) ForwardAudio(ctx context.Context, bridgeSessionID string, audio []byte) error {
	m, ok := a.lookup(bridgeSessionID)
	if !ok {
		return fmt.Errorf("adapter: session %s not found", bridgeSessionID)
	}

	c, err := a.clientFor(ctx, m.deviceID)
	if err != nil {
		return err
	}

	if gen := c.Generation(); a.generationFor(m.deviceID) != gen {
		newID, err := a.recreateStaleSession(c, bridgeSessionID, m.deviceID, gen)
		if err != nil {
			return err
		}
		m.echokitSessionID = newID
	}

	if a.sessions.NeedsStartChatForRound(bridgeSessionID) {
		log.Printf("[adapter] new conversation round for session %s, sending StartChat", bridgeSessionID)
		if err := c.StartChat(m.echokitSessionID); err != nil {
			return fmt.Errorf("adapter: failed to send StartChat for session %s: %w", bridgeSessionID, err)
		}
		a.sessions.MarkStartChatSent(bridgeSessionID)
	}

	if err := c.SendAudio(audio); err != nil {
		return fmt.Errorf("adapter: failed to forward audio for session %s: %w", bridgeSessionID, err)
	}

	a.sessions.IncrementSentFrames(bridgeSessionID)
	return nil
}

// ForwardText sends a Text input command upstream in place of audio
// (§4.1: "Text input instead of audio (upstream capability-gated)").
// Unlike ForwardAudio it does not touch the StartChat-per-round flag:
// text input is a capability some EchoKit servers don't advertise, and
// the source treats it as orthogonal to the audio round machinery.
func (a *Adapter) ForwardText(ctx context.Context, bridgeSessionID, text string) error {
	m, ok := a.lookup(bridgeSessionID)
	if !ok {
		return fmt.Errorf("adapter: session %s not found", bridgeSessionID)
	}
	c, err := a.clientFor(ctx, m.deviceID)
	if err != nil {
		return err
	}
	return c.SendCommand(protocol.ClientCommand{Event: protocol.EventText, Input: text, SessionID: m.echokitSessionID})
}

// SubmitAudioForProcessing sends the Submit control command upstream,
// asking EchoKit to run ASR over whatever audio has arrived this round.
func (a *Adapter) SubmitAudioForProcessing(ctx context.Context, bridgeSessionID string) error {
	m, ok := a.lookup(bridgeSessionID)
	if !ok {
		return fmt.Errorf("adapter: session %s not found", bridgeSessionID)
	}
	c, err := a.clientFor(ctx, m.deviceID)
	if err != nil {
		return err
	}
	return c.Submit(m.echokitSessionID)
}

// CloseEchoKitSession removes bridgeSessionID's mapping. Per §4.7, it
// sends an end-session frame upstream only if no other bridge session
// still shares the same EchoKit session; otherwise the EchoKit session
// stays open for its remaining bridge sessions. When it is not shared,
// the device-level and EchoKit-session-level mappings are cleared too,
// so a later StartChat from the same device creates a fresh session
// instead of reusing one this call just told upstream to release.
func (a *Adapter) CloseEchoKitSession(ctx context.Context, bridgeSessionID string) error {
	a.mu.Lock()
	m, ok := a.bySessionID[bridgeSessionID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("adapter: session %s not found", bridgeSessionID)
	}
	delete(a.bySessionID, bridgeSessionID)

	shared := false
	for _, other := range a.bySessionID {
		if other.echokitSessionID == m.echokitSessionID {
			shared = true
			break
		}
	}
	if !shared {
		if a.deviceEchoKitSession[m.deviceID] == m.echokitSessionID {
			delete(a.deviceEchoKitSession, m.deviceID)
		}
		delete(a.echoKitSessionDevice, m.echokitSessionID)
	}
	a.mu.Unlock()

	log.Printf("[adapter] closed bridge session %s (EchoKit session %s)", bridgeSessionID, m.echokitSessionID)

	if shared {
		return nil
	}

	c, err := a.clientFor(ctx, m.deviceID)
	if err != nil {
		log.Printf("[adapter] no connection to end EchoKit session %s: %v", m.echokitSessionID, err)
		return nil
	}
	if err := c.EndSession(m.echokitSessionID); err != nil {
		log.Printf("[adapter] failed to send end-session for %s: %v", m.echokitSessionID, err)
	}
	return nil
}

// ForgetDevice drops every mapping tied to deviceID, called when its
// endpoint connection goes away entirely.
func (a *Adapter) ForgetDevice(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for sid, m := range a.bySessionID {
		if m.deviceID == deviceID {
			delete(a.bySessionID, sid)
		}
	}
	if ekID, ok := a.deviceEchoKitSession[deviceID]; ok {
		delete(a.echoKitSessionDevice, ekID)
	}
	delete(a.deviceEchoKitSession, deviceID)
}

// ForgetSession drops bridgeSessionID's mapping without sending an
// end-session frame upstream, used by the liveness monitor (C9) when an
// endpoint has already gone dark: there is nothing left to flush
// through, and §4.9 forbids C9 from touching upstream clients directly.
func (a *Adapter) ForgetSession(bridgeSessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySessionID, bridgeSessionID)
}

func (a *Adapter) lookup(bridgeSessionID string) (mapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.bySessionID[bridgeSessionID]
	return m, ok
}

// GetBridgeSession finds which bridge session is currently riding on
// echokitSessionID, mirroring the original's linear-scan
// get_bridge_session (acceptable here too: sessions per device number
// in the single digits, not thousands).
func (a *Adapter) GetBridgeSession(echokitSessionID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for sid, m := range a.bySessionID {
		if m.echokitSessionID == echokitSessionID {
			return sid, true
		}
	}
	return "", false
}

// GetDeviceID returns the device a bridge session belongs to.
func (a *Adapter) GetDeviceID(bridgeSessionID string) (string, bool) {
	m, ok := a.lookup(bridgeSessionID)
	if !ok {
		return "", false
	}
	return m.deviceID, true
}

// HasSession reports whether bridgeSessionID is currently mapped.
func (a *Adapter) HasSession(bridgeSessionID string) bool {
	_, ok := a.lookup(bridgeSessionID)
	return ok
}

// ActiveSessionsCount returns how many bridge sessions are mapped.
func (a *Adapter) ActiveSessionsCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bySessionID)
}

// HandleServerEvent implements upstream.Handler: it demultiplexes an
// EchoKit server event back to whichever endpoint owns echokitSessionID,
// mirroring start_audio_receiver's echokit_session_id -> bridge_session_id
// -> device routing. Routing purely by the session id carried on the
// event itself (rather than by which connection it arrived on) is what
// makes this correct when a connection is shared by more than one
// device (§8 scenario 5, P2): the owning bridge session is found from
// the id on the frame, never assumed from the transport.
func (a *Adapter) HandleServerEvent(echokitSessionID string, evt protocol.ServerEvent) {
	bridgeSessionID, ok := a.GetBridgeSession(echokitSessionID)
	if !ok {
		log.Printf("[adapter] no bridge session found for EchoKit session %s", echokitSessionID)
		return
	}

	encoded, err := protocol.EncodeServerEvent(evt)
	if err != nil {
		log.Printf("[adapter] failed to encode server event %s: %v", evt.Type, err)
		return
	}

	if err := a.endpoints.PushAudioBySession(bridgeSessionID, encoded); err != nil {
		log.Printf("[adapter] failed to route event to bridge session %s: %v", bridgeSessionID, err)
		return
	}

	a.sessions.IncrementReceivedFrames(bridgeSessionID)
}
