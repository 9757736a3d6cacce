package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// fakeTransport records written messages and counts Close calls.
type fakeTransport struct {
	mu       sync.Mutex
	messages []any
	closed   atomic.Int32
	blockCh  chan struct{} // when non-nil, WriteJSON blocks until closed
	writing  chan struct{} // when non-nil, closed on the first WriteJSON call
	firstUse sync.Once
}

func (f *fakeTransport) WriteJSON(v any) error {
	if f.writing != nil {
		f.firstUse.Do(func() { close(f.writing) })
	}
	if f.blockCh != nil {
		<-f.blockCh
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeTransport) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.messages))
	copy(out, f.messages)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestRegistry(maxConns int, fn SnapshotFunc) *Registry {
	return New(maxConns, fn, zap.NewNop())
}

func TestRegistry_CapacityInvariant(t *testing.T) {
	r := newTestRegistry(2, nil)

	if _, err := r.Register(&fakeTransport{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register(&fakeTransport{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := r.Register(&fakeTransport{})
	if !errors.Is(err, model.ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if r.Count() != 2 {
		t.Errorf("Expected live connection count to stay at 2, got %d", r.Count())
	}
}

func TestRegistry_WelcomeAcknowledgment(t *testing.T) {
	r := newTestRegistry(10, nil)
	ft := &fakeTransport{}

	id, err := r.Register(ft)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	waitFor(t, func() bool { return len(ft.snapshot()) == 1 }, "welcome message")
	welcome, ok := ft.snapshot()[0].(model.WelcomeMessage)
	if !ok {
		t.Fatalf("Expected WelcomeMessage, got %T", ft.snapshot()[0])
	}
	if welcome.ConnectionID != id || welcome.Type != model.MsgWelcome {
		t.Errorf("Unexpected welcome: %+v", welcome)
	}
	if welcome.ServerTime.IsZero() {
		t.Errorf("Expected server time in welcome")
	}
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	r := newTestRegistry(10, nil)

	err := r.Subscribe("nope-1", []string{"qr_1"}, []string{"all"})
	if !errors.Is(err, model.ErrConnectionNotFound) {
		t.Fatalf("Expected ErrConnectionNotFound, got %v", err)
	}
	err = r.Unsubscribe("nope-1", nil, nil)
	if !errors.Is(err, model.ErrConnectionNotFound) {
		t.Fatalf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestRegistry_DeliverFiltering(t *testing.T) {
	r := newTestRegistry(10, nil)

	typed := &fakeTransport{}
	typedID, _ := r.Register(typed)
	if err := r.Subscribe(typedID, []string{"qr_1"}, []string{"page_views"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	wildcard := &fakeTransport{}
	wildcardID, _ := r.Register(wildcard)
	if err := r.Subscribe(wildcardID, []string{"qr_1"}, []string{model.MetricTypeAll}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	other := &fakeTransport{}
	otherID, _ := r.Register(other)
	if err := r.Subscribe(otherID, []string{"qr_2"}, []string{model.MetricTypeAll}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	agg := model.AggregatedMetric{EntityID: "qr_1", MetricType: "page_views", Value: 5, Count: 2, Timestamp: time.Now()}
	if n := r.Deliver("qr_1", agg); n != 2 {
		t.Errorf("Expected delivery to 2 connections, got %d", n)
	}

	agg2 := model.AggregatedMetric{EntityID: "qr_1", MetricType: "conversions", Value: 1, Count: 1, Timestamp: time.Now()}
	if n := r.Deliver("qr_1", agg2); n != 1 {
		t.Errorf("Expected wildcard-only delivery, got %d", n)
	}

	waitFor(t, func() bool { return len(wildcard.snapshot()) == 3 }, "wildcard deliveries") // welcome + 2 updates
	waitFor(t, func() bool { return len(typed.snapshot()) == 2 }, "typed delivery")         // welcome + 1 update

	upd := typed.snapshot()[1].(model.MetricUpdateMessage)
	if upd.EntityID != "qr_1" || upd.MetricType != "page_views" || upd.Value != 5 {
		t.Errorf("Unexpected metric_update: %+v", upd)
	}

	// The qr_2 subscriber saw nothing beyond its welcome.
	if len(other.snapshot()) != 1 {
		t.Errorf("Expected no deliveries for qr_2 subscriber, got %d messages", len(other.snapshot())-1)
	}
}

func TestRegistry_SubscribeSeedsSnapshot(t *testing.T) {
	snap := &model.Snapshot{EntityID: "qr_1", ActiveScans: 3, ComputedAt: time.Now()}
	r := newTestRegistry(10, func(ctx context.Context, entityID string) (*model.Snapshot, error) {
		return snap, nil
	})

	ft := &fakeTransport{}
	id, _ := r.Register(ft)
	if err := r.Subscribe(id, []string{"qr_1"}, []string{"all"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	waitFor(t, func() bool { return len(ft.snapshot()) == 2 }, "seed snapshot")
	seed, ok := ft.snapshot()[1].(model.SnapshotMessage)
	if !ok || !seed.Success || seed.Data != snap {
		t.Fatalf("Expected successful seed snapshot, got %+v", ft.snapshot()[1])
	}

	// Re-subscribing to the same entity is an idempotent union: no second seed.
	if err := r.Subscribe(id, []string{"qr_1"}, []string{"all"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(ft.snapshot()) != 2 {
		t.Errorf("Expected no duplicate seed on idempotent subscribe, got %d messages", len(ft.snapshot()))
	}
}

func TestRegistry_UnsubscribeClearsAll(t *testing.T) {
	r := newTestRegistry(10, nil)
	ft := &fakeTransport{}
	id, _ := r.Register(ft)
	r.Subscribe(id, []string{"qr_1", "qr_2"}, []string{"all"})

	// Omitted arguments clear everything.
	if err := r.Unsubscribe(id, nil, nil); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	agg := model.AggregatedMetric{EntityID: "qr_1", MetricType: "scans", Value: 1}
	if n := r.Deliver("qr_1", agg); n != 0 {
		t.Errorf("Expected no delivery after clearing subscriptions, got %d", n)
	}
}

func TestRegistry_HandleMessageProtocol(t *testing.T) {
	r := newTestRegistry(10, func(ctx context.Context, entityID string) (*model.Snapshot, error) {
		return &model.Snapshot{EntityID: entityID, ComputedAt: time.Now()}, nil
	})
	ft := &fakeTransport{}
	id, _ := r.Register(ft)
	waitFor(t, func() bool { return len(ft.snapshot()) == 1 }, "welcome")

	// 1. ping -> pong
	if err := r.HandleMessage(id, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("HandleMessage(ping) failed: %v", err)
	}
	waitFor(t, func() bool { return len(ft.snapshot()) == 2 }, "pong")
	if pong, ok := ft.snapshot()[1].(model.PongMessage); !ok || pong.Type != model.MsgPong {
		t.Fatalf("Expected pong, got %+v", ft.snapshot()[1])
	}

	// 2. malformed payload -> error, connection stays open
	if err := r.HandleMessage(id, []byte(`{not json`)); err != nil {
		t.Fatalf("HandleMessage(malformed) failed: %v", err)
	}
	waitFor(t, func() bool { return len(ft.snapshot()) == 3 }, "error response")
	if _, ok := ft.snapshot()[2].(model.ErrorMessage); !ok {
		t.Fatalf("Expected error message, got %+v", ft.snapshot()[2])
	}
	if r.Count() != 1 {
		t.Fatalf("Connection must stay open after a bad message")
	}

	// 3. unknown type -> error
	if err := r.HandleMessage(id, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("HandleMessage(unknown) failed: %v", err)
	}
	waitFor(t, func() bool { return len(ft.snapshot()) == 4 }, "unknown-type error")

	// 4. get_snapshot -> snapshot with success
	msg, _ := json.Marshal(model.ClientMessage{Type: model.MsgGetSnapshot, EntityID: "qr_1"})
	if err := r.HandleMessage(id, msg); err != nil {
		t.Fatalf("HandleMessage(get_snapshot) failed: %v", err)
	}
	waitFor(t, func() bool { return len(ft.snapshot()) == 5 }, "snapshot response")
	reply, ok := ft.snapshot()[4].(model.SnapshotMessage)
	if !ok || !reply.Success || reply.Data == nil || reply.EntityID != "qr_1" {
		t.Fatalf("Expected successful snapshot reply, got %+v", ft.snapshot()[4])
	}

	// 5. subscribe over the wire, metricTypes defaulting to the wildcard
	sub, _ := json.Marshal(model.ClientMessage{Type: model.MsgSubscribe, EntityIDs: []string{"qr_9"}})
	if err := r.HandleMessage(id, sub); err != nil {
		t.Fatalf("HandleMessage(subscribe) failed: %v", err)
	}
	if n := r.Deliver("qr_9", model.AggregatedMetric{EntityID: "qr_9", MetricType: "anything", Value: 1}); n != 1 {
		t.Errorf("Expected wildcard default subscription to match, delivered=%d", n)
	}

	// 6. handling a message for an unknown connection reports the race
	err := r.HandleMessage("gone-42", []byte(`{"type":"ping"}`))
	if !errors.Is(err, model.ErrConnectionNotFound) {
		t.Fatalf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestRegistry_ReapStale(t *testing.T) {
	r := newTestRegistry(10, nil)
	ft := &fakeTransport{}
	id, _ := r.Register(ft)

	time.Sleep(30 * time.Millisecond)

	if n := r.ReapStale(10 * time.Millisecond); n != 1 {
		t.Fatalf("Expected 1 reaped connection, got %d", n)
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry after reap, got %d", r.Count())
	}
	if got := ft.closed.Load(); got != 1 {
		t.Errorf("Expected transport closed exactly once, got %d", got)
	}

	// The ID is gone for good; a second reap or remove must not close again.
	r.Remove(id)
	r.ReapStale(0)
	if got := ft.closed.Load(); got != 1 {
		t.Errorf("Close must be exactly-once, got %d", got)
	}
	if err := r.Subscribe(id, []string{"qr_1"}, nil); !errors.Is(err, model.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound after reap, got %v", err)
	}
}

func TestRegistry_ReapSparesActiveConnections(t *testing.T) {
	r := newTestRegistry(10, nil)
	idle := &fakeTransport{}
	r.Register(idle)
	active := &fakeTransport{}
	activeID, _ := r.Register(active)

	time.Sleep(30 * time.Millisecond)
	r.HandleMessage(activeID, []byte(`{"type":"ping"}`)) // refreshes lastActivity

	if n := r.ReapStale(20 * time.Millisecond); n != 1 {
		t.Fatalf("Expected only the idle connection reaped, got %d", n)
	}
	if r.Count() != 1 {
		t.Errorf("Expected the active connection to survive, count=%d", r.Count())
	}
}

func TestRegistry_DropOnUnwritableTransport(t *testing.T) {
	r := newTestRegistry(10, nil)

	block := make(chan struct{})
	ft := &fakeTransport{blockCh: block, writing: make(chan struct{})}
	id, _ := r.Register(ft)
	r.Subscribe(id, []string{"qr_1"}, []string{model.MetricTypeAll})
	<-ft.writing // pump is now stuck writing the welcome

	// With the writer blocked the send buffer fills and further deliveries
	// are dropped rather than queued.
	accepted := 0
	for i := 0; i < sendBufferSize+10; i++ {
		accepted += r.Deliver("qr_1", model.AggregatedMetric{EntityID: "qr_1", MetricType: "scans", Value: 1})
	}
	if accepted != sendBufferSize {
		t.Errorf("Expected exactly %d accepted deliveries, got %d", sendBufferSize, accepted)
	}
	if r.Dropped() != 10 {
		t.Errorf("Expected 10 dropped deliveries, got %d", r.Dropped())
	}

	close(block)
	r.CloseAll("test done")
	if got := ft.closed.Load(); got != 1 {
		t.Errorf("Expected transport closed exactly once at shutdown, got %d", got)
	}
}
