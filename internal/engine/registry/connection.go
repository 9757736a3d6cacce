package registry

import (
	"sync"
	"time"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// Transport is the write side of a subscriber connection. *websocket.Conn
// satisfies it. The registry owns the handle and releases it exactly once.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Connection is one live subscriber and its subscription set. It is owned
// exclusively by the registry for its lifetime.
type Connection struct {
	id        string
	transport Transport

	mu           sync.Mutex
	entities     map[string]struct{}
	metricTypes  map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time

	// sendCh is drained by a single writer pump goroutine. Enqueue is
	// non-blocking: a full channel means the transport is not keeping up and
	// the message is dropped, never queued indefinitely.
	sendCh    chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, t Transport, sendBuffer int) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		transport:    t,
		entities:     make(map[string]struct{}),
		metricTypes:  make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
		sendCh:       make(chan any, sendBuffer),
		done:         make(chan struct{}),
	}
}

// ID returns the connection's opaque identifier. IDs are never reused.
func (c *Connection) ID() string { return c.id }

// ConnectedAt returns the accept time.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastActivity returns the time of the last inbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// enqueue hands a message to the writer pump without blocking. It reports
// whether the message was accepted.
func (c *Connection) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- v:
		return true
	default:
		return false
	}
}

// addSubscriptions unions the given sets into the connection's subscriptions
// and returns the entity IDs that were not subscribed before.
func (c *Connection) addSubscriptions(entityIDs, metricTypes []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var newEntities []string
	for _, id := range entityIDs {
		if _, ok := c.entities[id]; !ok {
			c.entities[id] = struct{}{}
			newEntities = append(newEntities, id)
		}
	}
	for _, mt := range metricTypes {
		c.metricTypes[mt] = struct{}{}
	}
	return newEntities
}

func (c *Connection) removeSubscriptions(entityIDs, metricTypes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(entityIDs) == 0 && len(metricTypes) == 0 {
		c.entities = make(map[string]struct{})
		c.metricTypes = make(map[string]struct{})
		return
	}
	for _, id := range entityIDs {
		delete(c.entities, id)
	}
	for _, mt := range metricTypes {
		delete(c.metricTypes, mt)
	}
}

// matches reports whether this connection is subscribed to the entity and
// the metric type (or the wildcard).
func (c *Connection) matches(entityID, metricType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entities[entityID]; !ok {
		return false
	}
	if _, ok := c.metricTypes[model.MetricTypeAll]; ok {
		return true
	}
	_, ok := c.metricTypes[metricType]
	return ok
}

// SubscribedEntities returns a copy of the entity subscription set.
// Note: This is for testing/metrics purposes.
func (c *Connection) SubscribedEntities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entities))
	for id := range c.entities {
		out = append(out, id)
	}
	return out
}

// close releases the transport handle. Safe to call multiple times; the
// handle is released exactly once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}
