// Package config loads the bridge's process configuration from
// environment variables into narrow, capability-scoped structs (§9
// redesign flag: replacing a duck-typed AppConfig carried everywhere
// with one config struct per component boundary). Grounded on the
// teacher's env-var-driven examples/sms-broadcast/main.go, promoted
// from raw os.Getenv calls to github.com/caarlos0/env/v11 because §6's
// configuration surface is much larger than the teacher's three
// SignalWire credentials.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Endpoint controls the endpoint-facing WebSocket listener (C8).
type Endpoint struct {
	Host string `env:"ENDPOINT_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"ENDPOINT_PORT" envDefault:"8080"`
}

// Upstream controls every EchoKit upstream connection the pool creates
// (C5).
type Upstream struct {
	DialTimeout       time.Duration `env:"UPSTREAM_DIAL_TIMEOUT" envDefault:"10s"`
	KeepaliveInterval time.Duration `env:"UPSTREAM_KEEPALIVE_INTERVAL" envDefault:"30s"`
	ReconnectInterval time.Duration `env:"UPSTREAM_RECONNECT_INTERVAL" envDefault:"2s"`
	MaxReconnects     uint64        `env:"UPSTREAM_MAX_RECONNECTS" envDefault:"5"`
}

// FlowControl controls the per-session admission window (C2).
type FlowControl struct {
	WindowMaxFrames int     `env:"FLOW_WINDOW_MAX_FRAMES" envDefault:"100"`
	BufferMaxBytes  int     `env:"FLOW_BUFFER_MAX_BYTES" envDefault:"1048576"`
	ReleaseFraction float64 `env:"FLOW_RELEASE_FRACTION" envDefault:"0.5"`
}

// Liveness controls the heartbeat and session-timeout sweeps (C9).
type Liveness struct {
	CheckInterval   time.Duration `env:"LIVENESS_CHECK_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout time.Duration `env:"LIVENESS_HEARTBEAT_TIMEOUT" envDefault:"90s"`
	SessionTimeout  time.Duration `env:"LIVENESS_SESSION_TIMEOUT" envDefault:"90s"`
}

// DeviceStore controls the connection to the relational device→URL
// lookup store.
type DeviceStore struct {
	ConnString string `env:"DEVICE_STORE_DSN,required"`
}

// Config is the top-level, fully assembled configuration for
// cmd/bridge. Each embedded struct is what a component's constructor
// actually takes — cmd/bridge never passes this struct itself into a
// component, only the narrow piece it needs.
type Config struct {
	Endpoint    Endpoint
	Upstream    Upstream
	FlowControl FlowControl
	Liveness    Liveness
	DeviceStore DeviceStore
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	return cfg, nil
}
