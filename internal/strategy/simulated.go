package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

// SimulatorConfig tunes the stand-in execution strategy.
type SimulatorConfig struct {
	// MinDelay and MaxDelay bound the simulated venue round-trip.
	MinDelay time.Duration
	MaxDelay time.Duration
	// FailureRate in [0, 1] is the probability a given attempt fails.
	FailureRate float64
	// BasePrice anchors simulated fill prices; jittered within the order's
	// slippage tolerance.
	BasePrice decimal.Decimal
	// Seed fixes the random source for reproducible runs. Zero seeds from time.
	Seed int64
}

func (c SimulatorConfig) normalize() SimulatorConfig {
	if c.MinDelay <= 0 {
		c.MinDelay = 5 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.FailureRate < 0 {
		c.FailureRate = 0
	}
	if c.FailureRate > 1 {
		c.FailureRate = 1
	}
	if c.BasePrice.IsZero() {
		c.BasePrice = decimal.NewFromInt(100)
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Simulator is a variable-latency stand-in for a real venue router.
type Simulator struct {
	cfg SimulatorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator constructs a simulator with the provided tuning.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg = cfg.normalize()
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Execute waits a random delay within the configured bounds, then reports a
// fill or a failure according to the failure rate.
func (s *Simulator) Execute(ctx context.Context, order *schema.Order) (Outcome, error) {
	if order == nil {
		return Outcome{}, errs.New("strategy/simulator", errs.CodeInvalid, errs.WithMessage("order required"))
	}

	delay, fail, price := s.roll(order)

	select {
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("simulated execution: %w", ctx.Err())
	case <-time.After(delay):
	}

	if fail {
		return Outcome{Filled: false, Reason: "simulated venue rejection"}, nil
	}

	return Outcome{
		Filled:              true,
		Route:               fmt.Sprintf("sim:%s/%s", order.InputAsset, order.OutputAsset),
		ExecutedPrice:       price,
		SettlementReference: uuid.NewString(),
	}, nil
}

// roll draws the attempt's delay, failure flag, and fill price under one lock
// so concurrent attempts never interleave reads of the shared rng.
func (s *Simulator) roll(order *schema.Order) (time.Duration, bool, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	fail := s.rng.Float64() < s.cfg.FailureRate

	// Jitter the fill inside the order's slippage tolerance.
	jitter := decimal.NewFromFloat(s.rng.Float64()*2 - 1)
	offset := s.cfg.BasePrice.Mul(order.MaxSlippage).Mul(jitter)
	price := s.cfg.BasePrice.Add(offset)

	return delay, fail, price
}
