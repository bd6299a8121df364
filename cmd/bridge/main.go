// Command bridge runs the EchoKit session bridge: it terminates
// endpoint WebSocket connections, resolves each endpoint to its
// upstream EchoKit server, and relays audio and control traffic between
// them. Wiring mirrors the teacher's examples/ai-agent/main.go — plain
// net/http, constructor injection, no framework.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/birddigital/echokit-bridge/internal/adapter"
	"github.com/birddigital/echokit-bridge/internal/bridge"
	"github.com/birddigital/echokit-bridge/internal/config"
	"github.com/birddigital/echokit-bridge/internal/devicestore"
	"github.com/birddigital/echokit-bridge/internal/endpoint"
	"github.com/birddigital/echokit-bridge/internal/flowcontrol"
	"github.com/birddigital/echokit-bridge/internal/liveness"
	"github.com/birddigital/echokit-bridge/internal/pool"
	"github.com/birddigital/echokit-bridge/internal/protocol"
	"github.com/birddigital/echokit-bridge/internal/session"
	"github.com/birddigital/echokit-bridge/internal/upstream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lazyHandler breaks the construction cycle between pool.Pool (which
// needs an upstream.Handler at construction time) and adapter.Adapter
// (which needs a *pool.Pool at construction time): the pool is built
// first against lazyHandler, the adapter second against the pool, then
// Bind hands the adapter back to lazyHandler before any connection can
// reach the network. No SPEC_FULL component owns this indirection on
// its own — it is purely wiring, so it lives in main rather than in
// internal/pool or internal/adapter.
type lazyHandler struct {
	target upstream.Handler
}

func (h *lazyHandler) Bind(target upstream.Handler) { h.target = target }

func (h *lazyHandler) HandleServerEvent(echokitSessionID string, evt protocol.ServerEvent) {
	if h.target != nil {
		h.target.HandleServerEvent(echokitSessionID, evt)
	}
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DeviceStore.ConnString)
	if err != nil {
		log.Fatalf("[main] failed to connect to device store: %v", err)
	}
	defer db.Close()

	store := devicestore.New(db)
	endpoints := endpoint.NewManager(cfg.Liveness.HeartbeatTimeout)
	sessions := session.NewManager()
	flow := flowcontrol.New(flowcontrol.Config{
		WindowMaxFrames: cfg.FlowControl.WindowMaxFrames,
		BufferMaxBytes:  cfg.FlowControl.BufferMaxBytes,
		ReleaseFraction: cfg.FlowControl.ReleaseFraction,
	})

	handler := &lazyHandler{}
	upstreamCfg := upstream.Config{
		DialTimeout:       cfg.Upstream.DialTimeout,
		HeartbeatPeriod:   cfg.Upstream.KeepaliveInterval,
		ReconnectInterval: cfg.Upstream.ReconnectInterval,
		MaxReconnects:     cfg.Upstream.MaxReconnects,
	}
	p := pool.New(store, upstreamCfg, handler)
	a := adapter.New(p, endpoints, sessions)
	handler.Bind(a)

	flowDone := make(chan struct{})
	go flow.Run(flowDone)
	defer close(flowDone)

	monitor := liveness.New(liveness.Config{
		CheckInterval:    cfg.Liveness.CheckInterval,
		HeartbeatTimeout: cfg.Liveness.HeartbeatTimeout,
		SessionTimeout:   cfg.Liveness.SessionTimeout,
	}, endpoints, sessions, a)
	go monitor.Run()
	defer monitor.Stop()

	srv := bridge.New(endpoints, sessions, a, flow)
	mux := http.NewServeMux()
	registerRoutes(mux, srv, store, endpoints, sessions, p)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Endpoint.Host, cfg.Endpoint.Port),
		Handler: mux,
	}

	go func() {
		log.Printf("[main] endpoint listener starting on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] listener failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[main] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	p.CloseAll()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: bridge.HandshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

func registerRoutes(mux *http.ServeMux, srv *bridge.Server, store *devicestore.Store, endpoints *endpoint.Manager, sessions *session.Manager, p *pool.Pool) {
	// Anonymous accept: a fresh endpoint-id is minted for every
	// connection (§6).
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[main] upgrade failed: %v", err)
			return
		}
		deviceID := uuid.New().String()
		srv.Run(r.Context(), ws, deviceID, false)
	})

	// Identified accept: the path carries a device-id or visitor
	// fingerprint; ?record=true forces record-only mode (§6).
	mux.HandleFunc("GET /ws/{endpointID}", func(w http.ResponseWriter, r *http.Request) {
		rawID := r.PathValue("endpointID")
		recordOnly := r.URL.Query().Get("record") == "true"

		deviceID, err := resolveAndProvision(r.Context(), store, rawID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[main] upgrade failed: %v", err)
			return
		}
		srv.Run(r.Context(), ws, deviceID, recordOnly)
	})

	mux.HandleFunc("GET /debug/stats", func(w http.ResponseWriter, r *http.Request) {
		writeStats(w, endpoints, sessions, p)
	})
}

// resolveAndProvision implements §6's "Auto-provision of unknown
// endpoints": if rawID doesn't parse as a canonical identifier, reduce
// it to a stable 128-bit digest and idempotently insert a device row
// for it so the connection is usable without out-of-band registration.
func resolveAndProvision(ctx context.Context, store *devicestore.Store, rawID string) (string, error) {
	if uuidPattern.MatchString(rawID) {
		return rawID, nil
	}

	deviceID := devicestore.DigestVisitorID(rawID)
	if err := store.EnsureDevice(ctx, deviceID); err != nil {
		return "", fmt.Errorf("failed to auto-provision device: %w", err)
	}
	return deviceID, nil
}

// statsResponse is the original source's session get_stats plus the
// online-endpoint count and the pooled upstream URLs, merged into one
// read-only snapshot (SPEC_FULL's supplemented feature 2) and exposed
// over a trivial debug endpoint. Flow-control state is not included.
type statsResponse struct {
	Sessions            session.Stats `json:"sessions"`
	OnlineEndpoints     int           `json:"online_endpoints"`
	UpstreamConnections []string      `json:"upstream_connections"`
}

func writeStats(w http.ResponseWriter, endpoints *endpoint.Manager, sessions *session.Manager, p *pool.Pool) {
	resp := statsResponse{
		Sessions:            sessions.Stats(),
		OnlineEndpoints:     endpoints.OnlineCount(),
		UpstreamConnections: p.ConnectionURLs(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
