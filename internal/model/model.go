package model

import (
	"time"
)

// MetricUpdate is a single metric event for a tracked entity. It is an
// immutable value object: produced by the ingest path, consumed by the buffer
// and the fanout bus, never mutated after creation.
type MetricUpdate struct {
	EntityID   string            `json:"entityId"`
	MetricType string            `json:"metricType"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AggregatedMetric is the buffer's output: one per (entity, metric type) pair
// observed within a flush window. Values are summed, Timestamp is the latest
// of the window, Metadata is last-write-wins.
type AggregatedMetric struct {
	EntityID   string            `json:"entityId"`
	MetricType string            `json:"metricType"`
	Value      float64           `json:"value"`
	Count      int               `json:"count"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sample is a recent observation kept in a snapshot for sparkline-style views.
type Sample struct {
	MetricType string    `json:"metricType"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is a computed view of an entity's current metrics. Snapshots are
// read-mostly, eventually-consistent views held in the cache with a TTL; they
// are not a source of truth.
type Snapshot struct {
	EntityID       string                    `json:"entityId"`
	ActiveScans    float64                   `json:"activeScans"`
	ScansPerMinute float64                   `json:"scansPerMinute"`
	TotalsByType   map[string]float64        `json:"totalsByType,omitempty"`
	RecentSamples  []Sample                  `json:"recentSamples,omitempty"`
	TopBreakdowns  map[string]map[string]int `json:"topBreakdowns,omitempty"`
	ComputedAt     time.Time                 `json:"computedAt"`
	Stale          bool                      `json:"stale,omitempty"`
}

// Aggregate folds an update into a single-event aggregate. The engine's
// critical fast path uses this to publish an update without waiting for the
// flush window.
func Aggregate(u MetricUpdate) AggregatedMetric {
	return AggregatedMetric{
		EntityID:   u.EntityID,
		MetricType: u.MetricType,
		Value:      u.Value,
		Count:      1,
		Timestamp:  u.Timestamp,
		Metadata:   u.Metadata,
	}
}
