package liveness

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/birddigital/echokit-bridge/internal/endpoint"
	"github.com/birddigital/echokit-bridge/internal/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func dialServerConn(t *testing.T) *websocket.Conn {
	t.Helper()

	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	require.Eventually(t, func() bool { return serverConn != nil }, time.Second, time.Millisecond)
	return serverConn
}

type fakeEnder struct {
	forgotten []string
}

func (f *fakeEnder) ForgetSession(sessionID string) {
	f.forgotten = append(f.forgotten, sessionID)
}

func TestSweepHeartbeatsTimesOutStaleDevice(t *testing.T) {
	conn := dialServerConn(t)

	endpoints := endpoint.NewManager(time.Hour)
	endpoints.RegisterDevice("device-1", conn)

	sessions := session.NewManager()
	sessions.Create("session-1", "device-1")

	ender := &fakeEnder{}
	m := New(Config{HeartbeatTimeout: 5 * time.Millisecond}, endpoints, sessions, ender)

	time.Sleep(10 * time.Millisecond)
	m.sweepHeartbeats()

	require.False(t, endpoints.IsDeviceOnline("device-1"))
	info, ok := sessions.Get("session-1")
	require.True(t, ok)
	require.Equal(t, session.StatusTimeout, info.Status)
	require.Equal(t, []string{"session-1"}, ender.forgotten)
}

func TestSweepSessionTimeoutsMarksOrphans(t *testing.T) {
	endpoints := endpoint.NewManager(time.Hour)
	sessions := session.NewManager()
	sessions.Create("session-1", "device-1")

	m := New(Config{SessionTimeout: time.Millisecond}, endpoints, sessions, nil)

	time.Sleep(5 * time.Millisecond)
	m.sweepSessionTimeouts()

	info, _ := sessions.Get("session-1")
	require.Equal(t, session.StatusTimeout, info.Status)
}
