package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/birddigital/echokit-bridge/internal/upstream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

type staticResolver struct {
	template string
}

func (s staticResolver) EchoKitURLForDevice(ctx context.Context, deviceID string) (string, error) {
	return s.template, nil
}

type noopHandler struct{}

func (noopHandler) HandleServerEvent(echokitSessionID string, evt protocol.ServerEvent) {}

func TestClientForDevice_ReusesSameURL(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/{device_id}"
	p := New(staticResolver{template: wsURL}, upstream.DefaultConfig(), noopHandler{})

	c1, err := p.ClientForDevice(context.Background(), "device-1")
	require.NoError(t, err)

	c2, err := p.ClientForDevice(context.Background(), "device-1")
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, 1, p.ConnectionCount())
}

func TestClientForDevice_DifferentDevicesSameTemplateShareConnection(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := New(staticResolver{template: wsURL}, upstream.DefaultConfig(), noopHandler{})

	c1, err := p.ClientForDevice(context.Background(), "device-1")
	require.NoError(t, err)
	c2, err := p.ClientForDevice(context.Background(), "device-2")
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, 1, p.ConnectionCount())
}

func TestClientForDevice_ConcurrentCreateIsSingleFlight(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := New(staticResolver{template: wsURL}, upstream.DefaultConfig(), noopHandler{})

	var wg sync.WaitGroup
	clients := make([]*upstream.Client, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.ClientForDevice(context.Background(), "device-1")
			require.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range clients {
		require.Same(t, clients[0], c)
	}
	require.Equal(t, 1, p.ConnectionCount())
}

func TestCloseConnection(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := New(staticResolver{template: wsURL}, upstream.DefaultConfig(), noopHandler{})

	_, err := p.ClientForDevice(context.Background(), "device-1")
	require.NoError(t, err)
	require.Equal(t, 1, p.ConnectionCount())

	p.CloseConnection(wsURL)
	require.Equal(t, 0, p.ConnectionCount())
}
