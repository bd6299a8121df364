package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

type recordingHandler struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (h *recordingHandler) HandleServerEvent(echokitSessionID string, evt protocol.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// fakeEchoKitServer accepts one connection, replies to a StartChat
// control command with an ASR server event, and republishes every
// received control command onto the given channel for assertions.
func fakeEchoKitServer(t *testing.T, received chan<- protocol.ClientCommand, binaryFrames chan<- []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if msgType == websocket.BinaryMessage {
				if binaryFrames != nil {
					binaryFrames <- data
				}
				continue
			}

			var cmd protocol.ClientCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			received <- cmd

			if cmd.Event == protocol.EventStartChat {
				encoded, _ := protocol.EncodeServerEvent(protocol.NewASR("hello"))
				conn.WriteMessage(websocket.BinaryMessage, encoded)
			}
		}
	}))
}

func TestClientConnectAndStartChat(t *testing.T) {
	received := make(chan protocol.ClientCommand, 10)
	srv := fakeEchoKitServer(t, received, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	handler := &recordingHandler{}
	cfg := DefaultConfig()
	cfg.HeartbeatPeriod = time.Hour

	c := NewClient(wsURL, cfg, handler)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.True(t, c.IsConnected())
	require.NoError(t, c.StartChat("ek_test"))

	select {
	case cmd := <-received:
		require.Equal(t, protocol.EventStartChat, cmd.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StartChat")
	}

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, protocol.EventASR, handler.events[0].Type)
}

func TestClientSendAudio(t *testing.T) {
	received := make(chan protocol.ClientCommand, 10)
	binaryFrames := make(chan []byte, 10)
	srv := fakeEchoKitServer(t, received, binaryFrames)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := DefaultConfig()
	cfg.HeartbeatPeriod = time.Hour

	c := NewClient(wsURL, cfg, &recordingHandler{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendAudio([]byte{1, 2, 3, 4}))

	select {
	case data := <-binaryFrames:
		require.Equal(t, []byte{1, 2, 3, 4}, data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
}

func TestClientSubmit(t *testing.T) {
	received := make(chan protocol.ClientCommand, 10)
	srv := fakeEchoKitServer(t, received, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := DefaultConfig()
	cfg.HeartbeatPeriod = time.Hour

	c := NewClient(wsURL, cfg, &recordingHandler{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Submit("ek_test"))

	select {
	case cmd := <-received:
		require.Equal(t, protocol.EventSubmit, cmd.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Submit")
	}
}

func TestDisconnectStopsSending(t *testing.T) {
	received := make(chan protocol.ClientCommand, 10)
	srv := fakeEchoKitServer(t, received, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(wsURL, DefaultConfig(), &recordingHandler{})
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	require.False(t, c.IsConnected())

	require.Error(t, c.StartChat("ek_test"))
}
