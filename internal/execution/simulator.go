package execution

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/feed"
)

// Fill is the outcome of one simulated order.
type Fill struct {
	ExecutionPrice decimal.Decimal
	PriceImpactPct float64
	NetworkDelayMs int64
	ConfirmationMs int64
}

// Simulator models the frictions of executing against a bonding
// curve: price impact proportional to order size versus market cap,
// jittered network latency with occasional congestion, and block
// confirmation time. It holds no market state of its own.
type Simulator struct {
	cfg config.SimulationConfig

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error

	fills atomic.Int64
}

// NewSimulator creates a Simulator seeded from the wall clock.
func NewSimulator(cfg config.SimulationConfig) *Simulator {
	return &Simulator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

// NewSimulatorWithSeed creates a deterministic Simulator for tests.
func NewSimulatorWithSeed(cfg config.SimulationConfig, seed int64) *Simulator {
	s := NewSimulator(cfg)
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

// Execute simulates filling an order of sizeSol at the quoted price.
// It blocks for the simulated network delay and confirmation time;
// cancel ctx to abandon the order.
func (s *Simulator) Execute(ctx context.Context, side feed.Side, sizeSol, price, marketCapSol decimal.Decimal) (Fill, error) {
	s.mu.Lock()
	delayMs := s.networkDelayMs()
	confirmMs := s.confirmationMs()
	s.mu.Unlock()

	if err := s.sleep(ctx, time.Duration(delayMs)*time.Millisecond); err != nil {
		return Fill{}, err
	}
	if err := s.sleep(ctx, time.Duration(confirmMs)*time.Millisecond); err != nil {
		return Fill{}, err
	}

	impact := s.priceImpactPct(sizeSol, marketCapSol)

	// Impact always works against the order: buys fill above the
	// quote, sells below it.
	shift := decimal.NewFromFloat(impact / 100)
	var exec decimal.Decimal
	switch side {
	case feed.SideBuy:
		exec = price.Mul(decimal.NewFromInt(1).Add(shift))
	default:
		exec = price.Mul(decimal.NewFromInt(1).Sub(shift))
	}

	s.fills.Add(1)

	log.Debug().
		Str("side", string(side)).
		Str("size_sol", sizeSol.String()).
		Float64("impact_pct", impact).
		Int64("delay_ms", delayMs).
		Int64("confirm_ms", confirmMs).
		Msg("execution: simulated fill")

	return Fill{
		ExecutionPrice: exec,
		PriceImpactPct: impact,
		NetworkDelayMs: delayMs,
		ConfirmationMs: confirmMs,
	}, nil
}

// priceImpactPct grows linearly with order size relative to market
// cap, on top of the base slippage.
func (s *Simulator) priceImpactPct(sizeSol, marketCapSol decimal.Decimal) float64 {
	impact := s.cfg.PriceImpact.SlippageBasePct
	if marketCapSol.IsPositive() {
		ratio, _ := sizeSol.Div(marketCapSol).Float64()
		impact += ratio * s.cfg.PriceImpact.VolumeMultiplier
	}
	if impact > 100 {
		impact = 100
	}
	return impact
}

// networkDelayMs draws a uniform delay, stretched when the simulated
// network is congested. Caller holds the lock.
func (s *Simulator) networkDelayMs() int64 {
	nd := s.cfg.NetworkDelay
	span := nd.MaxMs - nd.MinMs
	delay := float64(nd.MinMs)
	if span > 0 {
		delay += float64(s.rng.Intn(span + 1))
	}
	if s.rng.Float64() < nd.CongestionProbability {
		delay *= nd.CongestionMultiplier
	}
	return int64(delay)
}

// confirmationMs models block inclusion around the average block time.
// Caller holds the lock.
func (s *Simulator) confirmationMs() int64 {
	factor := 0.8 + s.rng.Float64()*0.4
	return int64(s.cfg.AvgBlockTimeS * factor * 1000)
}

// Fills reports how many orders have been filled.
func (s *Simulator) Fills() int64 {
	return s.fills.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
