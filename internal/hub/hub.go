// Package hub maintains live status subscriptions keyed by order identifier
// and fans out every state transition to interested subscribers.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

// SubscriptionID uniquely identifies a hub subscription.
type SubscriptionID string

// SnapshotFunc resolves the current status of an order not yet seen by the
// hub, closing the race between subscribing and the first transition.
type SnapshotFunc func(ctx context.Context, orderID string) (schema.StatusUpdate, error)

// Config configures the in-memory hub buffers.
type Config struct {
	BufferSize    int
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// Hub delivers order status updates to live subscribers.
type Hub struct {
	cfg      Config
	snapshot SnapshotFunc

	mu          sync.RWMutex
	subscribers map[string]map[SubscriptionID]*subscriber
	latest      map[string]schema.StatusUpdate
	closed      bool
	nextID      uint64

	publishCounter  metric.Int64Counter
	droppedCounter  metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	fanoutHistogram metric.Int64Histogram
}

type subscriber struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	ch      chan schema.StatusUpdate
	done    bool
	orderID string
}

// close cancels the subscription and closes its channel. Sends and close
// serialise on the subscriber mutex, so a concurrent fanout can never hit
// the channel after it is closed. Idempotent.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.cancel()
	close(s.ch)
}

// send attempts a non-blocking delivery. A send after close is a no-op.
// Reports false only when the subscriber buffer is full.
func (s *subscriber) send(update schema.StatusUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.ch <- update:
		return true
	default:
		return false
	}
}

// New constructs a hub. The snapshot source may be nil, in which case
// subscriptions to unseen orders start with the first published transition.
func New(cfg Config, snapshot SnapshotFunc) *Hub {
	cfg = cfg.normalize()
	h := new(Hub)
	h.cfg = cfg
	h.snapshot = snapshot
	h.subscribers = make(map[string]map[SubscriptionID]*subscriber)
	h.latest = make(map[string]schema.StatusUpdate)

	meter := otel.Meter("hub")
	h.publishCounter, _ = meter.Int64Counter("hub.updates.published",
		metric.WithDescription("Number of status updates published"),
		metric.WithUnit("{update}"))
	h.droppedCounter, _ = meter.Int64Counter("hub.updates.dropped",
		metric.WithDescription("Number of updates dropped due to subscriber backpressure"),
		metric.WithUnit("{update}"))
	h.subscriberGauge, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Number of live subscriptions"),
		metric.WithUnit("{subscription}"))
	h.fanoutHistogram, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Number of subscribers per published update"),
		metric.WithUnit("{subscription}"))

	return h
}

// Subscribe registers interest in one order's status stream. The order's
// current status is delivered as the first message on the returned channel.
func (h *Hub) Subscribe(ctx context.Context, orderID string) (SubscriptionID, <-chan schema.StatusUpdate, error) {
	if orderID == "" {
		return "", nil, errs.New("hub/subscribe", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Resolve the snapshot before taking the lock; a publish that lands in
	// between wins below because the hub-tracked latest takes precedence.
	var fetched *schema.StatusUpdate
	if h.snapshot != nil {
		if snap, err := h.snapshot(ctx, orderID); err == nil {
			fetched = &snap
		} else if errs.CodeOf(err) != errs.CodeNotFound {
			return "", nil, fmt.Errorf("hub subscribe snapshot: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.StatusUpdate, h.cfg.BufferSize)
	sub.orderID = orderID

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return "", nil, errs.New("hub/subscribe", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&h.nextID, 1)))
	if _, ok := h.subscribers[orderID]; !ok {
		h.subscribers[orderID] = make(map[SubscriptionID]*subscriber)
	}
	h.subscribers[orderID][id] = sub

	first, haveFirst := h.latest[orderID]
	if !haveFirst && fetched != nil {
		first = *fetched
		haveFirst = true
	}
	if haveFirst {
		sub.ch <- first
	}
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("order_id", orderID)))
	}

	go h.observe(id, sub)
	return id, sub.ch, nil
}

// observe prunes the subscription once its context is cancelled.
func (h *Hub) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	h.Unsubscribe(id)
}

// Publish fans the update out to all live subscribers of the order.
// Subscribers with a cancelled context or a full buffer are pruned; their
// failure never affects delivery to others. Terminal updates flush and then
// close the order's subscriptions.
func (h *Hub) Publish(ctx context.Context, update schema.StatusUpdate) error {
	if update.OrderID == "" {
		return errs.New("hub/publish", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	terminal := update.Status.Terminal()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errs.New("hub/publish", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	if terminal {
		delete(h.latest, update.OrderID)
	} else {
		h.latest[update.OrderID] = update
	}
	subMap := h.subscribers[update.OrderID]
	targets := make([]*subscriber, 0, len(subMap))
	ids := make([]SubscriptionID, 0, len(subMap))
	for id, sub := range subMap {
		targets = append(targets, sub)
		ids = append(ids, id)
	}
	h.mu.Unlock()

	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(len(targets)), metric.WithAttributes(
			attribute.String("status", string(update.Status))))
	}
	if h.publishCounter != nil {
		h.publishCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(update.Status))))
	}

	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(h.cfg.FanoutWorkers)
	for i := range targets {
		sub := targets[i]
		id := ids[i]
		p.Go(func() {
			h.deliver(ctx, id, sub, update)
		})
	}
	p.Wait()

	if terminal {
		for _, id := range ids {
			h.Unsubscribe(id)
		}
	}
	return nil
}

func (h *Hub) deliver(ctx context.Context, id SubscriptionID, sub *subscriber, update schema.StatusUpdate) {
	select {
	case <-sub.ctx.Done():
		h.Unsubscribe(id)
		return
	default:
	}
	if sub.send(update) {
		return
	}
	// Subscriber buffer full: the transport stopped draining. Prune it
	// rather than stalling delivery to healthy subscribers.
	if h.droppedCounter != nil {
		h.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("order_id", update.OrderID)))
	}
	h.Unsubscribe(id)
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	h.mu.Lock()
	for orderID, subs := range h.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, orderID)
			}
			h.mu.Unlock()
			if h.subscriberGauge != nil {
				h.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("order_id", orderID)))
			}
			sub.close()
			return
		}
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of live subscriptions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// Close shuts down the hub and all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	remaining := make([]*subscriber, 0)
	for orderID, subs := range h.subscribers {
		for id, sub := range subs {
			remaining = append(remaining, sub)
			delete(subs, id)
		}
		delete(h.subscribers, orderID)
	}
	h.mu.Unlock()

	for _, sub := range remaining {
		sub.close()
	}
}
