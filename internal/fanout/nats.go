package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// NATSBus broadcasts envelopes over a NATS subject shared by all engine
// instances.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSBus connects to the NATS server and returns a bus on the given
// subject.
func NewNATSBus(url, subject string, logger *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url), zap.String("subject", subject))
	return &NATSBus{nc: nc, subject: subject, logger: logger}, nil
}

// Publish serializes the envelope to JSON and publishes it on the bus
// subject. NATS preserves publish order per subject, which carries the
// per-(entity, metric type) ordering guarantee.
func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers the handler for every message on the bus subject.
func (b *NATSBus) Subscribe(handler Handler) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("discarding malformed bus message", zap.Error(err))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("bus unsubscribe failed", zap.Error(err))
		}
	}, nil
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() {
	if b.nc != nil {
		b.nc.Drain()
		b.logger.Info("NATS connection drained and closed")
	}
}
