// Package engine implements the order dispatch engine: a concurrency-limited,
// rate-gated admission loop that drives each order through validation,
// execution, and retry/backoff until a terminal state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/hub"
	"github.com/calderane/orderflow/internal/observability"
	"github.com/calderane/orderflow/internal/schema"
	"github.com/calderane/orderflow/internal/store"
	"github.com/calderane/orderflow/internal/strategy"
)

// Config tunes the dispatch engine.
type Config struct {
	// MaxConcurrentOrders bounds how many execution attempts run at once.
	MaxConcurrentOrders int
	// OrderRateLimit caps admissions per second, independent of slot
	// availability.
	OrderRateLimit int
	// OrderBurst is the token bucket capacity.
	OrderBurst int
	// RetryMaxAttempts bounds execution attempts per order.
	RetryMaxAttempts int
	// RetryBackoff is the base delay before the first retry; doubled on each
	// subsequent retry.
	RetryBackoff time.Duration
}

func (c Config) normalize() Config {
	if c.MaxConcurrentOrders <= 0 {
		c.MaxConcurrentOrders = 10
	}
	if c.OrderRateLimit <= 0 {
		c.OrderRateLimit = 50
	}
	if c.OrderBurst <= 0 {
		c.OrderBurst = 1
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Engine owns order status mutation from admission to terminal state. The
// admission queue, slot counter, and rate limiter are private to it.
type Engine struct {
	cfg      Config
	records  store.OrderStore
	strategy strategy.ExecutionStrategy
	statuses *hub.Hub

	limiter *rate.Limiter
	slots   chan struct{}

	queueMu sync.Mutex
	queue   []*schema.Order
	wake    chan struct{}

	admitCtx    context.Context
	admitCancel context.CancelFunc
	execCtx     context.Context
	execCancel  context.CancelFunc

	wg       sync.WaitGroup
	loopDone chan struct{}

	mu     sync.Mutex
	closed bool

	stats *stats
	inst  instruments
}

// New constructs and starts a dispatch engine.
func New(cfg Config, records store.OrderStore, strat strategy.ExecutionStrategy, statuses *hub.Hub) (*Engine, error) {
	if records == nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("order store required"))
	}
	if strat == nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("execution strategy required"))
	}
	cfg = cfg.normalize()

	admitCtx, admitCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		records:     records,
		strategy:    strat,
		statuses:    statuses,
		limiter:     rate.NewLimiter(rate.Limit(cfg.OrderRateLimit), cfg.OrderBurst),
		slots:       make(chan struct{}, cfg.MaxConcurrentOrders),
		wake:        make(chan struct{}, 1),
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		execCtx:     execCtx,
		execCancel:  execCancel,
		loopDone:    make(chan struct{}),
		stats:       newStats(),
		inst:        newInstruments(),
	}

	go e.admissionLoop()
	return e, nil
}

// Submit enqueues an already-persisted PENDING order for admission. It never
// blocks and fails only when the engine is shutting down.
func (e *Engine) Submit(order *schema.Order) error {
	if order == nil || order.ID == "" {
		return errs.New("engine/submit", errs.CodeInvalid, errs.WithMessage("order with id required"))
	}
	if order.Status != schema.OrderStatusPending {
		return errs.New("engine/submit", errs.CodeInvalid,
			errs.WithMessage("order must be PENDING"), errs.WithOrderID(order.ID))
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errs.New("engine/submit", errs.CodeUnavailable,
			errs.WithMessage("engine shutting down"), errs.WithOrderID(order.ID))
	}

	e.queueMu.Lock()
	e.queue = append(e.queue, order.Clone())
	depth := len(e.queue)
	e.queueMu.Unlock()
	e.stats.setQueued(depth)
	e.inst.submitted(e.execCtx)

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// admissionLoop is the single control context for admission decisions. Orders
// leave the FIFO queue only when both a slot and a rate token are available.
func (e *Engine) admissionLoop() {
	defer close(e.loopDone)
	for {
		order := e.dequeue()
		if order == nil {
			return
		}

		select {
		case e.slots <- struct{}{}:
		case <-e.admitCtx.Done():
			e.requeueFront(order)
			return
		}

		if err := e.limiter.Wait(e.admitCtx); err != nil {
			<-e.slots
			e.requeueFront(order)
			return
		}

		e.stats.admit()
		e.inst.admitted(e.execCtx)
		e.inst.slotAcquired(e.execCtx)
		e.wg.Add(1)
		go e.runOrder(order)
	}
}

func (e *Engine) dequeue() *schema.Order {
	for {
		e.queueMu.Lock()
		if len(e.queue) > 0 {
			order := e.queue[0]
			e.queue = e.queue[1:]
			depth := len(e.queue)
			e.queueMu.Unlock()
			e.stats.setQueued(depth)
			return order
		}
		e.queueMu.Unlock()

		select {
		case <-e.wake:
		case <-e.admitCtx.Done():
			return nil
		}
	}
}

// requeueFront puts an order back at the head of the queue so a restart can
// pick it up from the store in PENDING state.
func (e *Engine) requeueFront(order *schema.Order) {
	e.queueMu.Lock()
	e.queue = append([]*schema.Order{order}, e.queue...)
	depth := len(e.queue)
	e.queueMu.Unlock()
	e.stats.setQueued(depth)
}

// runOrder drives one admitted order to a terminal state. The caller has
// already charged a slot; the slot is released on every attempt outcome so a
// store or strategy fault can never leak capacity.
func (e *Engine) runOrder(order *schema.Order) {
	defer e.wg.Done()

	holding := true
	release := func() {
		if holding {
			holding = false
			<-e.slots
			e.stats.release()
			e.inst.released(e.execCtx)
		}
	}
	defer release()

	admittedAt := time.Now()

	if !e.transition(order, schema.OrderStatusValidating) {
		return
	}
	if err := order.Validate(); err != nil {
		observability.Log().Info("order failed validation",
			observability.String("order_id", order.ID), observability.Err(err))
		e.transition(order, schema.OrderStatusFailed)
		e.stats.failedOrder(time.Since(admittedAt))
		e.inst.failed(e.execCtx)
		return
	}

	bo := newRetryBackoff(e.cfg.RetryBackoff)

	for {
		if !e.transition(order, schema.OrderStatusExecuting) {
			return
		}

		attemptStart := time.Now()
		outcome, err := e.strategy.Execute(e.execCtx, order)
		e.inst.attempt(e.execCtx, time.Since(attemptStart))

		if err == nil && outcome.Filled {
			order.SelectedRoute = outcome.Route
			order.ExecutedPrice = outcome.ExecutedPrice
			order.SettlementReference = outcome.SettlementReference
			e.transition(order, schema.OrderStatusCompleted)
			e.stats.completedOrder(time.Since(admittedAt))
			e.inst.completed(e.execCtx)
			return
		}

		// A strategy error or timeout is handled identically to a declared
		// execution failure.
		reason := outcome.Reason
		if err != nil {
			reason = err.Error()
		}
		observability.Log().Debug("execution attempt failed",
			observability.String("order_id", order.ID),
			observability.Int("retry_count", order.RetryCount+1),
			observability.String("reason", reason))

		order.RetryCount++
		if order.RetryCount >= e.cfg.RetryMaxAttempts {
			e.transition(order, schema.OrderStatusFailed)
			e.stats.failedOrder(time.Since(admittedAt))
			e.inst.failed(e.execCtx)
			return
		}

		if !e.transition(order, schema.OrderStatusRetrying) {
			return
		}
		e.inst.retried(e.execCtx)

		// Free the slot while waiting out the backoff so other orders run.
		release()

		select {
		case <-e.execCtx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		select {
		case e.slots <- struct{}{}:
			holding = true
			e.stats.admit()
			e.inst.slotAcquired(e.execCtx)
		case <-e.execCtx.Done():
			return
		}
	}
}

// newRetryBackoff builds the deterministic doubling schedule: base, 2*base,
// 4*base and so on, capped only by the attempt limit.
func newRetryBackoff(base time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 365 * 24 * time.Hour
	return bo
}

// transition applies one state machine edge, persists the record, and
// publishes the update. An out-of-table edge is an invariant violation: it is
// logged with full context, counted, and never applied. Store and hub write
// failures are logged and counted but do not alter admission bookkeeping.
func (e *Engine) transition(order *schema.Order, to schema.OrderStatus) bool {
	from := order.Status
	if !schema.CanTransition(from, to) {
		observability.Log().Error("invariant violation: illegal status transition",
			observability.String("order_id", order.ID),
			observability.String("from", string(from)),
			observability.String("to", string(to)),
			observability.Int("retry_count", order.RetryCount))
		e.inst.invariantViolation(e.execCtx)
		return false
	}

	order.Status = to
	order.UpdatedAt = time.Now()

	if err := e.records.Update(context.WithoutCancel(e.execCtx), order); err != nil {
		observability.Log().Error("order store write failed",
			observability.String("order_id", order.ID),
			observability.String("status", string(to)),
			observability.Err(err))
		e.inst.sinkFailure(e.execCtx, "store")
	}
	if e.statuses != nil {
		if err := e.statuses.Publish(context.WithoutCancel(e.execCtx), order.Snapshot()); err != nil {
			observability.Log().Error("status publish failed",
				observability.String("order_id", order.ID),
				observability.String("status", string(to)),
				observability.Err(err))
			e.inst.sinkFailure(e.execCtx, "hub")
		}
	}
	return true
}

// Metrics returns a point-in-time snapshot of engine counters.
func (e *Engine) Metrics() Metrics {
	return e.stats.snapshot()
}

// Shutdown stops admission and waits for in-flight attempts to finish or the
// context to expire, whichever comes first. Queued orders are abandoned in
// PENDING state and can be resubmitted from the store on restart.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()

	if !alreadyClosed {
		e.admitCancel()
	}
	<-e.loopDone

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.execCancel()
		return nil
	case <-ctx.Done():
		e.execCancel()
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}
