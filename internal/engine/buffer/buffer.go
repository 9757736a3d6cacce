package buffer

import (
	"hash/fnv"
	"sync"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

const defaultShardCount = 64

// shard is a part of the sharded buffer, containing its own pending map and
// mutex. All updates for one entity land in the same shard, so a drain sees
// each entity's window at a single point in time.
type shard struct {
	pending map[string][]model.MetricUpdate
	mu      sync.Mutex
}

// Buffer accumulates metric updates per entity between flush cycles. Writes
// never block and never fail: bounded memory is enforced by FIFO eviction of
// the oldest pending update, not by rejecting writers.
type Buffer struct {
	shards     []*shard
	shardCount uint32
	limit      int
}

// New creates a buffer with the given per-entity bound.
func New(limit int) *Buffer {
	b := &Buffer{
		shards:     make([]*shard, defaultShardCount),
		shardCount: defaultShardCount,
		limit:      limit,
	}
	for i := range b.shards {
		b.shards[i] = &shard{pending: make(map[string][]model.MetricUpdate)}
	}
	return b
}

func (b *Buffer) getShard(entityID string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(entityID))
	return b.shards[hasher.Sum32()%b.shardCount]
}

// Append adds an update to its entity's pending list, evicting the oldest
// entry when the per-entity bound is exceeded.
func (b *Buffer) Append(u model.MetricUpdate) {
	s := b.getShard(u.EntityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.pending[u.EntityID], u)
	if len(list) > b.limit {
		list = list[len(list)-b.limit:]
	}
	s.pending[u.EntityID] = list
}

// DrainAll swaps out every pending list and returns the aggregation of what
// was swapped out, keyed by entity. Updates arriving after the swap belong to
// the next window. Same-type values are summed, so the output is
// deterministic regardless of the arrival order of same-type updates.
func (b *Buffer) DrainAll() map[string][]model.AggregatedMetric {
	out := make(map[string][]model.AggregatedMetric)
	for _, s := range b.shards {
		s.mu.Lock()
		drained := s.pending
		s.pending = make(map[string][]model.MetricUpdate)
		s.mu.Unlock()

		// Aggregation happens off-lock on the swapped-out maps.
		for entityID, updates := range drained {
			if aggs := aggregate(entityID, updates); len(aggs) > 0 {
				out[entityID] = aggs
			}
		}
	}
	return out
}

// aggregate folds a window's updates into at most one AggregatedMetric per
// metric type, preserving first-seen type order for stable output.
func aggregate(entityID string, updates []model.MetricUpdate) []model.AggregatedMetric {
	byType := make(map[string]*model.AggregatedMetric)
	var order []string

	for _, u := range updates {
		agg, ok := byType[u.MetricType]
		if !ok {
			byType[u.MetricType] = &model.AggregatedMetric{
				EntityID:   entityID,
				MetricType: u.MetricType,
				Value:      u.Value,
				Count:      1,
				Timestamp:  u.Timestamp,
				Metadata:   u.Metadata,
			}
			order = append(order, u.MetricType)
			continue
		}
		agg.Value += u.Value
		agg.Count++
		if u.Timestamp.After(agg.Timestamp) {
			agg.Timestamp = u.Timestamp
		}
		if u.Metadata != nil {
			agg.Metadata = u.Metadata
		}
	}

	aggs := make([]model.AggregatedMetric, 0, len(order))
	for _, mt := range order {
		aggs = append(aggs, *byType[mt])
	}
	return aggs
}

// Len returns the number of pending updates for an entity.
// Note: This is for testing/metrics purposes.
func (b *Buffer) Len(entityID string) int {
	s := b.getShard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[entityID])
}

// Pending returns a copy of an entity's pending list.
// Note: This is for testing/metrics purposes.
func (b *Buffer) Pending(entityID string) []model.MetricUpdate {
	s := b.getShard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[entityID]
	out := make([]model.MetricUpdate, len(list))
	copy(out, list)
	return out
}
