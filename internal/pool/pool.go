// Package pool lazily creates and reuses one upstream.Client per
// resolved EchoKit server URL, so many devices pointed at the same
// server share a single connection. Grounded on connection_pool.rs's
// EchoKitConnectionPool.
package pool

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/birddigital/echokit-bridge/internal/upstream"
)

// URLResolver looks up the EchoKit server URL template configured for a
// device. Implemented by internal/devicestore.
type URLResolver interface {
	EchoKitURLForDevice(ctx context.Context, deviceID string) (string, error)
}

// Pool owns every live upstream.Client, keyed by its fully-resolved
// connection URL.
type Pool struct {
	resolver URLResolver
	cfg      upstream.Config
	handler  upstream.Handler

	mu          sync.RWMutex
	connections map[string]*upstream.Client
}

func New(resolver URLResolver, cfg upstream.Config, handler upstream.Handler) *Pool {
	return &Pool{
		resolver:    resolver,
		cfg:         cfg,
		handler:     handler,
		connections: make(map[string]*upstream.Client),
	}
}

// resolveURL substitutes {device_id} in a URL template, mirroring the
// original's str::replace.
func resolveURL(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

// ResolveURL returns the fully-resolved EchoKit connection URL for
// deviceID, without creating or touching any connection. Exposed for
// callers that need the substituted URL without a connection attempt.
func (p *Pool) ResolveURL(ctx context.Context, deviceID string) (string, error) {
	template, err := p.resolver.EchoKitURLForDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("pool: failed to resolve EchoKit URL for device %s: %w", deviceID, err)
	}
	return resolveURL(template, deviceID), nil
}

// ClientForDevice resolves deviceID's EchoKit URL via the configured
// resolver and returns a shared, already-connecting client for it.
func (p *Pool) ClientForDevice(ctx context.Context, deviceID string) (*upstream.Client, error) {
	url, err := p.ResolveURL(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return p.getOrCreate(ctx, url)
}

// getOrCreate implements the double-checked-locking pattern: a read
// lock first, then a write lock with a re-check, so concurrent callers
// racing for the same new URL don't dial twice.
func (p *Pool) getOrCreate(ctx context.Context, url string) (*upstream.Client, error) {
	p.mu.RLock()
	if c, ok := p.connections[url]; ok {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.connections[url]; ok {
		return c, nil
	}

	log.Printf("[pool] creating new EchoKit connection for %s", url)
	c := upstream.NewClient(url, p.cfg, p.handler)
	if err := c.Connect(ctx); err != nil {
		log.Printf("[pool] pre-connect to %s failed, will retry on first session: %v", url, err)
	}

	p.connections[url] = c
	log.Printf("[pool] total EchoKit connections: %d", len(p.connections))
	return c, nil
}

// ConnectionCount returns the number of cached connections.
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// ConnectionURLs returns every cached connection's URL, for the debug
// endpoint.
func (p *Pool) ConnectionURLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.connections))
	for url := range p.connections {
		urls = append(urls, url)
	}
	return urls
}

// CloseConnection disconnects and evicts the client for url, if any.
func (p *Pool) CloseConnection(url string) {
	p.mu.Lock()
	c, ok := p.connections[url]
	if ok {
		delete(p.connections, url)
	}
	p.mu.Unlock()

	if ok {
		c.Disconnect()
		log.Printf("[pool] closed connection for %s", url)
	}
}

// CloseAll disconnects every cached client, for graceful shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	connections := p.connections
	p.connections = make(map[string]*upstream.Client)
	p.mu.Unlock()

	log.Printf("[pool] closing all %d EchoKit connections", len(connections))
	for url, c := range connections {
		c.Disconnect()
		log.Printf("[pool] closed connection: %s", url)
	}
}
