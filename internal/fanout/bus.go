// Package fanout provides the cross-instance broadcast channel for aggregated
// metrics. Two engine instances coordinate only through a Bus; there is no
// shared in-memory state across instances.
package fanout

import (
	"context"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// Envelope is the broadcast payload. Origin carries the publishing engine's
// instance ID so receivers can ignore their own publishes.
type Envelope struct {
	Origin string                 `json:"origin"`
	Metric model.AggregatedMetric `json:"metric"`
}

// Handler is invoked once per received broadcast, including broadcasts this
// same instance published.
type Handler func(Envelope)

// Bus is a topic-based publish/subscribe channel. Per (entity, metric type)
// pair, receivers see broadcasts in publish order from the originating
// instance; no ordering is guaranteed across pairs or instances.
type Bus interface {
	// Publish sends the envelope to all instances. A failure wraps
	// model.ErrPublishFailed; callers log and continue, a missed broadcast
	// must not stop local delivery.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe registers a handler and returns a function releasing the
	// subscription.
	Subscribe(handler Handler) (func(), error)

	// Close releases the connection to the broadcast medium.
	Close()
}
