package model

import "time"

// Inbound message types accepted over a subscriber transport. Any other
// shape produces an error response and the connection stays open.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgGetSnapshot = "get_snapshot"
)

// Outbound message types pushed to subscribers.
const (
	MsgWelcome      = "welcome"
	MsgMetricUpdate = "metric_update"
	MsgSnapshot     = "snapshot"
	MsgPong         = "pong"
	MsgError        = "error"
)

// MetricTypeAll is the subscription wildcard matching every metric type.
const MetricTypeAll = "all"

// ClientMessage is the closed set of inbound message shapes. Type selects the
// variant; unused fields are left zero.
type ClientMessage struct {
	Type        string   `json:"type"`
	EntityIDs   []string `json:"entityIds,omitempty"`
	MetricTypes []string `json:"metricTypes,omitempty"`
	EntityID    string   `json:"entityId,omitempty"`
}

// WelcomeMessage acknowledges a successful register.
type WelcomeMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// MetricUpdateMessage carries one aggregated metric to a subscriber.
type MetricUpdateMessage struct {
	Type       string            `json:"type"`
	EntityID   string            `json:"entityId"`
	MetricType string            `json:"metricType"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SnapshotMessage answers a get_snapshot request or seeds a new subscription.
type SnapshotMessage struct {
	Type     string    `json:"type"`
	EntityID string    `json:"entityId"`
	Data     *Snapshot `json:"data,omitempty"`
	Success  bool      `json:"success"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a rejected request over the subscriber's own transport.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewMetricUpdateMessage converts an aggregate into its wire shape.
func NewMetricUpdateMessage(m AggregatedMetric) MetricUpdateMessage {
	return MetricUpdateMessage{
		Type:       MsgMetricUpdate,
		EntityID:   m.EntityID,
		MetricType: m.MetricType,
		Value:      m.Value,
		Timestamp:  m.Timestamp,
		Metadata:   m.Metadata,
	}
}
