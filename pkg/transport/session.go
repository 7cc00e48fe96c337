// Package transport owns the per-host management-protocol session cache.
// A session wraps whatever credential (Kerberos principal or equivalent)
// the process was configured with at startup; construction is the only
// thing this package does — callers own all blocking waits.
package transport

import (
	"fmt"
	"sync"
)

// Session is an established management-protocol connection to one host.
// The concrete implementation (credential acquisition, keep-alive) lives
// outside this package's scope — RunBlocking callables close over a
// Session and use it however the remote task requires.
type Session interface {
	Hostname() string
	Close() error
}

// Factory constructs a new Session for a hostname. Construction may block
// (credential negotiation, handshake); callers must invoke it only from
// the remote task scheduler's worker goroutines, never from the
// scheduling loop itself.
type Factory func(hostname string) (Session, error)

// Cache lazily constructs and caches one Session per hostname. Sessions
// are never mutated after creation; Close invalidates the cache entry so
// the next GetSession call rebuilds it.
type Cache struct {
	mu       sync.Mutex
	factory  Factory
	sessions map[string]Session
}

// NewCache creates a session cache backed by factory.
func NewCache(factory Factory) *Cache {
	return &Cache{
		factory:  factory,
		sessions: make(map[string]Session),
	}
}

// GetSession returns the cached session for hostname, constructing one
// if none exists yet. Construction happens under the cache lock, so two
// concurrent callers for the same new hostname will not race to build
// two sessions — the second simply waits for the first's result.
func (c *Cache) GetSession(hostname string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[hostname]; ok {
		return sess, nil
	}

	sess, err := c.factory(hostname)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to construct session for %s: %w", hostname, err)
	}

	c.sessions[hostname] = sess
	return sess, nil
}

// Close invalidates the cached session for hostname, if any, closing the
// underlying connection.
func (c *Cache) Close(hostname string) error {
	c.mu.Lock()
	sess, ok := c.sessions[hostname]
	if ok {
		delete(c.sessions, hostname)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.Close()
}

// CloseAll invalidates every cached session.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}
