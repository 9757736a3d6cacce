// Package engine implements the distribution engine: it receives inbound
// metric events, runs the periodic flush and reaper timers, decides immediate
// vs. buffered delivery and owns the lifecycle of the whole subsystem.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/config"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/engine/buffer"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/engine/registry"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/fanout"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/snapshot"
)

// State is the engine's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// externalOpTimeout bounds bus and cache calls made from the flush path.
const externalOpTimeout = 5 * time.Second

// Engine orchestrates the buffer, registry, fanout bus and snapshot cache.
// All externally triggered mutation paths (Ingest, the registry operations,
// Stop) are safe to call concurrently.
type Engine struct {
	instanceID string

	flushInterval   time.Duration
	reapInterval    time.Duration
	maxIdle         time.Duration
	snapshotTTL     time.Duration
	recomputeBudget time.Duration
	critical        map[string]struct{}

	buffer   *buffer.Buffer
	registry *registry.Registry
	bus      fanout.Bus
	cache    snapshot.Cache
	source   snapshot.Source
	logger   *zap.Logger

	mu          sync.Mutex // guards state transitions
	state       State
	done        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	// lastKnown keeps the most recent snapshot per entity so get_snapshot can
	// fall back to stale data when the recompute budget is exceeded.
	lastMu    sync.RWMutex
	lastKnown map[string]*model.Snapshot
}

// New creates an engine wired to the given bus, cache and source. source may
// be nil, in which case snapshots are built from flushed aggregates only.
func New(cfg *config.Config, bus fanout.Bus, cache snapshot.Cache, source snapshot.Source, logger *zap.Logger) (*Engine, error) {
	flushInterval, err := config.Duration(cfg.Engine.FlushInterval, config.DefaultFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("flush_interval: %w", err)
	}
	reapInterval, err := config.Duration(cfg.Engine.ReapInterval, config.DefaultReapInterval)
	if err != nil {
		return nil, fmt.Errorf("reap_interval: %w", err)
	}
	maxIdle, err := config.Duration(cfg.Engine.MaxIdle, config.DefaultMaxIdle)
	if err != nil {
		return nil, fmt.Errorf("max_idle: %w", err)
	}
	snapshotTTL, err := config.Duration(cfg.Engine.SnapshotTTL, config.DefaultSnapshotTTL)
	if err != nil {
		return nil, fmt.Errorf("snapshot_ttl: %w", err)
	}
	recomputeBudget, err := config.Duration(cfg.Engine.RecomputeBudget, config.DefaultRecomputeBudget)
	if err != nil {
		return nil, fmt.Errorf("recompute_budget: %w", err)
	}

	critical := make(map[string]struct{}, len(cfg.Engine.CriticalMetrics))
	for _, mt := range cfg.Engine.CriticalMetrics {
		critical[mt] = struct{}{}
	}

	e := &Engine{
		instanceID:      uuid.NewString(),
		flushInterval:   flushInterval,
		reapInterval:    reapInterval,
		maxIdle:         maxIdle,
		snapshotTTL:     snapshotTTL,
		recomputeBudget: recomputeBudget,
		critical:        critical,
		buffer:          buffer.New(cfg.Engine.BufferLimit),
		bus:             bus,
		cache:           cache,
		source:          source,
		logger:          logger,
		lastKnown:       make(map[string]*model.Snapshot),
	}
	e.registry = registry.New(cfg.Engine.MaxConnections, e.GetCurrentSnapshot, logger)
	return e, nil
}

// Registry exposes the connection registry to the transport layer.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// InstanceID returns this engine's unique instance identifier, carried as
// the origin of every bus publish.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start subscribes the fanout bus and begins the flush and reaper timers. It
// fails with ErrAlreadyRunning unless the engine is stopped.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != Stopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", state, model.ErrAlreadyRunning)
	}
	e.state = Starting
	e.mu.Unlock()

	// A bus subscribe failure degrades to local-instance-only delivery; it
	// does not abort startup.
	unsub, err := e.bus.Subscribe(e.handleBroadcast)
	if err != nil {
		e.logger.Warn("fanout subscribe failed, running local-only", zap.Error(err))
		unsub = nil
	}

	e.mu.Lock()
	e.unsubscribe = unsub
	e.done = make(chan struct{})
	e.state = Running
	e.mu.Unlock()

	e.wg.Add(2)
	go e.runFlusher()
	go e.runReaper()

	e.logger.Info("engine started",
		zap.String("instance_id", e.instanceID),
		zap.Duration("flush_interval", e.flushInterval),
		zap.Duration("reap_interval", e.reapInterval))
	return nil
}

// Stop cancels the timers, releases the bus subscription and closes all
// connections. It fails with ErrNotRunning unless the engine is running, so
// callers can detect double-stop bugs.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != Running {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("stop in state %s: %w", state, model.ErrNotRunning)
	}
	e.state = Stopping
	done := e.done
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	close(done)
	e.wg.Wait()

	if unsub != nil {
		unsub()
	}
	e.registry.CloseAll("server shutdown")

	e.mu.Lock()
	e.state = Stopped
	e.mu.Unlock()

	e.logger.Info("engine stopped", zap.String("instance_id", e.instanceID))
	return nil
}

// Ingest accepts one metric event. It always appends to the buffer; a metric
// type in the critical set is additionally delivered to local subscribers and
// published on the bus immediately, bypassing the flush window.
func (e *Engine) Ingest(entityID, metricType string, value float64, ts time.Time, metadata map[string]string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	u := model.MetricUpdate{
		EntityID:   entityID,
		MetricType: metricType,
		Value:      value,
		Timestamp:  ts,
		Metadata:   metadata,
	}
	e.buffer.Append(u)

	if _, ok := e.critical[metricType]; !ok {
		return
	}
	agg := model.Aggregate(u)
	e.registry.Deliver(entityID, agg)
	e.publish(agg)
}

// runFlusher drains the buffer every flush interval and once more at
// shutdown so a final window is not lost.
func (e *Engine) runFlusher() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.done:
			e.flush()
			return
		}
	}
}

// runReaper closes stale connections every reap interval.
func (e *Engine) runReaper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := e.registry.ReapStale(e.maxIdle); n > 0 {
				e.logger.Info("reaped stale connections", zap.Int("count", n))
			}
		case <-e.done:
			return
		}
	}
}

// flush closes the current window: drain, fold into cached snapshots, deliver
// locally and broadcast. A failure on any one entity or connection never
// stops the rest of the window.
func (e *Engine) flush() {
	drained := e.buffer.DrainAll()
	if len(drained) == 0 {
		return
	}

	for entityID, aggs := range drained {
		e.foldIntoSnapshot(entityID, aggs)
		for _, agg := range aggs {
			e.registry.Deliver(entityID, agg)
			e.publish(agg)
		}
	}
}

// publish broadcasts one aggregate. Publish failures are logged and
// swallowed: a missed cross-instance broadcast must not crash local delivery.
func (e *Engine) publish(agg model.AggregatedMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), externalOpTimeout)
	defer cancel()

	env := fanout.Envelope{Origin: e.instanceID, Metric: agg}
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.Warn("fanout publish failed",
			zap.String("entity_id", agg.EntityID),
			zap.String("metric_type", agg.MetricType),
			zap.Error(err))
	}
}

// handleBroadcast delivers a bus message to local subscribers. Envelopes this
// instance published are ignored: the local registry was already served on
// the fast path or the flush path, and delivery is at-most-once.
func (e *Engine) handleBroadcast(env fanout.Envelope) {
	if env.Origin == e.instanceID {
		return
	}
	e.registry.Deliver(env.Metric.EntityID, env.Metric)
}

// GetCurrentSnapshot returns the cached snapshot if fresh and otherwise
// recomputes from the entity's data source within the recompute budget,
// writing the result back. When the budget is exceeded or the source fails,
// the last-known snapshot is returned marked stale rather than blocking the
// caller indefinitely.
func (e *Engine) GetCurrentSnapshot(ctx context.Context, entityID string) (*model.Snapshot, error) {
	snap, err := e.cache.Get(ctx, entityID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, model.ErrCacheMiss) {
		e.logger.Warn("snapshot cache read failed", zap.String("entity_id", entityID), zap.Error(err))
	}

	if e.source != nil {
		rctx, cancel := context.WithTimeout(ctx, e.recomputeBudget)
		defer cancel()

		if snap, err := e.source.ComputeCurrentState(rctx, entityID); err == nil {
			e.storeSnapshot(entityID, snap)
			return snap, nil
		} else {
			e.logger.Warn("snapshot recompute failed",
				zap.String("entity_id", entityID), zap.Error(err))
		}
	}

	if last := e.lastKnownFor(entityID); last != nil {
		stale := *last
		stale.Stale = true
		return &stale, nil
	}
	return nil, fmt.Errorf("no snapshot available for entity %s", entityID)
}

// foldIntoSnapshot merges one flush window's aggregates into the entity's
// cached snapshot instead of re-querying the source every window.
func (e *Engine) foldIntoSnapshot(entityID string, aggs []model.AggregatedMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), externalOpTimeout)
	defer cancel()

	snap, err := e.cache.Get(ctx, entityID)
	if err != nil {
		snap = e.lastKnownFor(entityID)
	}
	// Fold into a copy: snapshots already handed to readers stay immutable.
	snap = copySnapshot(entityID, snap)

	for _, agg := range aggs {
		snap.TotalsByType[agg.MetricType] += agg.Value
		if agg.MetricType == "active_scans" {
			snap.ActiveScans += agg.Value
		}
		snap.RecentSamples = append(snap.RecentSamples, model.Sample{
			MetricType: agg.MetricType,
			Value:      agg.Value,
			Timestamp:  agg.Timestamp,
		})
		for _, dim := range []string{"country", "device"} {
			if v, ok := agg.Metadata[dim]; ok && v != "" {
				if snap.TopBreakdowns[dim] == nil {
					snap.TopBreakdowns[dim] = make(map[string]int)
				}
				snap.TopBreakdowns[dim][v] += agg.Count
			}
		}
	}
	if len(snap.RecentSamples) > 20 {
		snap.RecentSamples = snap.RecentSamples[len(snap.RecentSamples)-20:]
	}
	snap.ComputedAt = time.Now()
	snap.Stale = false

	e.storeSnapshot(entityID, snap)
}

// storeSnapshot writes a snapshot to the cache and to the last-known map.
// Cache failures degrade to stale reads; they are logged and swallowed.
func (e *Engine) storeSnapshot(entityID string, snap *model.Snapshot) {
	e.lastMu.Lock()
	e.lastKnown[entityID] = snap
	e.lastMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), externalOpTimeout)
	defer cancel()
	if err := e.cache.Put(ctx, entityID, snap, e.snapshotTTL); err != nil {
		e.logger.Warn("snapshot cache write failed",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (e *Engine) lastKnownFor(entityID string) *model.Snapshot {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.lastKnown[entityID]
}

// copySnapshot clones prev (which may be nil) into a fresh snapshot for
// entityID with all maps and slices writable.
func copySnapshot(entityID string, prev *model.Snapshot) *model.Snapshot {
	snap := &model.Snapshot{
		EntityID:      entityID,
		TotalsByType:  make(map[string]float64),
		TopBreakdowns: make(map[string]map[string]int),
	}
	if prev == nil {
		return snap
	}
	snap.ActiveScans = prev.ActiveScans
	snap.ScansPerMinute = prev.ScansPerMinute
	snap.ComputedAt = prev.ComputedAt
	for mt, v := range prev.TotalsByType {
		snap.TotalsByType[mt] = v
	}
	for dim, counts := range prev.TopBreakdowns {
		inner := make(map[string]int, len(counts))
		for k, v := range counts {
			inner[k] = v
		}
		snap.TopBreakdowns[dim] = inner
	}
	snap.RecentSamples = append(snap.RecentSamples, prev.RecentSamples...)
	return snap
}
