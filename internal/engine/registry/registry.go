package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// sendBufferSize bounds how many outbound messages may be queued per
// connection before deliveries are dropped.
const sendBufferSize = 64

// SnapshotFunc resolves the current snapshot for an entity. The registry uses
// it to seed new subscriptions and to answer get_snapshot requests.
type SnapshotFunc func(ctx context.Context, entityID string) (*model.Snapshot, error)

// Registry tracks every live subscriber connection and its subscription set.
// The connection table is mutated only here; all methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	maxConns   int
	prefix     string
	seq        atomic.Uint64
	snapshotFn SnapshotFunc
	logger     *zap.Logger

	dropped atomic.Uint64
}

// New creates a registry bounded at maxConns live connections. snapshotFn may
// be nil, in which case subscription seeding and get_snapshot are disabled.
func New(maxConns int, snapshotFn SnapshotFunc, logger *zap.Logger) *Registry {
	return &Registry{
		conns:      make(map[string]*Connection),
		maxConns:   maxConns,
		prefix:     uuid.NewString()[:8],
		snapshotFn: snapshotFn,
		logger:     logger,
	}
}

// Register accepts a transport, assigns it a connection ID and sends the
// welcome acknowledgment. It fails with ErrCapacityExceeded when the live
// connection count has reached the configured maximum; the transport is left
// untouched in that case so the caller can close it with its own error.
func (r *Registry) Register(t Transport) (string, error) {
	r.mu.Lock()
	if len(r.conns) >= r.maxConns {
		r.mu.Unlock()
		return "", fmt.Errorf("registry at %d connections: %w", r.maxConns, model.ErrCapacityExceeded)
	}
	id := fmt.Sprintf("%s-%d", r.prefix, r.seq.Add(1))
	conn := newConnection(id, t, sendBufferSize)
	r.conns[id] = conn
	r.mu.Unlock()

	go r.writePump(conn)

	conn.enqueue(model.WelcomeMessage{
		Type:         model.MsgWelcome,
		ConnectionID: id,
		ServerTime:   time.Now(),
	})

	r.logger.Info("connection registered", zap.String("connection_id", id))
	return id, nil
}

// writePump is the single writer for one connection's transport. A write
// error closes the connection; pending messages are discarded.
func (r *Registry) writePump(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.sendCh:
			if err := c.transport.WriteJSON(v); err != nil {
				r.logger.Warn("transport write failed, closing connection",
					zap.String("connection_id", c.id), zap.Error(err))
				r.remove(c.id)
				return
			}
		}
	}
}

// Subscribe adds entities and metric types to a connection's subscription
// sets (idempotent union) and pushes one best-effort current snapshot per
// newly subscribed entity.
func (r *Registry) Subscribe(connID string, entityIDs, metricTypes []string) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	conn.touch()

	newEntities := conn.addSubscriptions(entityIDs, metricTypes)
	if r.snapshotFn == nil {
		return nil
	}
	for _, entityID := range newEntities {
		snap, err := r.snapshotFn(context.Background(), entityID)
		if err != nil {
			r.logger.Debug("snapshot seed skipped",
				zap.String("entity_id", entityID), zap.Error(err))
			continue
		}
		conn.enqueue(model.SnapshotMessage{
			Type:     model.MsgSnapshot,
			EntityID: entityID,
			Data:     snap,
			Success:  true,
		})
	}
	return nil
}

// Unsubscribe removes entities and metric types from a connection's
// subscription sets. Empty arguments clear everything. It never fails for a
// live connection, even when nothing matched.
func (r *Registry) Unsubscribe(connID string, entityIDs, metricTypes []string) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	conn.touch()
	conn.removeSubscriptions(entityIDs, metricTypes)
	return nil
}

// Deliver sends an aggregated metric to every connection subscribed to the
// entity and the metric's type (or the wildcard). Delivery to a connection
// whose transport is not currently writable is dropped, not queued:
// at-most-once, best-effort. Returns the number of connections that accepted
// the message.
func (r *Registry) Deliver(entityID string, m model.AggregatedMetric) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	msg := model.NewMetricUpdateMessage(m)
	delivered := 0
	for _, c := range conns {
		if !c.matches(entityID, m.MetricType) {
			continue
		}
		if c.enqueue(msg) {
			delivered++
		} else {
			r.dropped.Add(1)
			r.logger.Debug("delivery dropped, transport not writable",
				zap.String("connection_id", c.id), zap.String("entity_id", entityID))
		}
	}
	return delivered
}

// ReapStale closes and removes every connection whose last activity is older
// than maxIdle. Returns the number of connections reaped.
func (r *Registry) ReapStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("reaping stale connection", zap.String("connection_id", id))
		r.remove(id)
	}
	return len(stale)
}

// CloseAll closes and removes every connection. Used only at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		r.logger.Info("closed all connections",
			zap.Int("count", len(conns)), zap.String("reason", reason))
	}
}

// HandleMessage processes one inbound message from a connection. Messages on
// a single connection are handled in arrival order by the transport's read
// loop. Malformed or unknown messages produce an error response; the
// connection stays open.
func (r *Registry) HandleMessage(connID string, raw []byte) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	conn.touch()

	var msg model.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.enqueue(model.ErrorMessage{Type: model.MsgError, Message: "invalid message format"})
		return nil
	}

	switch msg.Type {
	case model.MsgSubscribe:
		if len(msg.EntityIDs) == 0 {
			conn.enqueue(model.ErrorMessage{Type: model.MsgError, Message: "subscribe requires entityIds"})
			return nil
		}
		metricTypes := msg.MetricTypes
		if len(metricTypes) == 0 {
			metricTypes = []string{model.MetricTypeAll}
		}
		return r.Subscribe(connID, msg.EntityIDs, metricTypes)

	case model.MsgUnsubscribe:
		return r.Unsubscribe(connID, msg.EntityIDs, msg.MetricTypes)

	case model.MsgPing:
		conn.enqueue(model.PongMessage{Type: model.MsgPong, Timestamp: time.Now()})
		return nil

	case model.MsgGetSnapshot:
		if msg.EntityID == "" {
			conn.enqueue(model.ErrorMessage{Type: model.MsgError, Message: "get_snapshot requires entityId"})
			return nil
		}
		reply := model.SnapshotMessage{Type: model.MsgSnapshot, EntityID: msg.EntityID}
		if r.snapshotFn != nil {
			if snap, err := r.snapshotFn(context.Background(), msg.EntityID); err == nil {
				reply.Data = snap
				reply.Success = true
			}
		}
		conn.enqueue(reply)
		return nil

	default:
		conn.enqueue(model.ErrorMessage{
			Type:    model.MsgError,
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		})
		return nil
	}
}

// Remove closes and removes a single connection, releasing its transport
// handle exactly once. Unknown IDs are a no-op.
func (r *Registry) Remove(connID string) {
	r.remove(connID)
}

func (r *Registry) remove(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()

	if ok {
		conn.close()
	}
}

func (r *Registry) get(connID string) (*Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", connID, model.ErrConnectionNotFound)
	}
	return conn, nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Dropped returns the number of deliveries dropped due to unwritable
// transports since the registry was created.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}
