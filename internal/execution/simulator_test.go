package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/feed"
)

func instantSim(t *testing.T, seed int64) *Simulator {
	t.Helper()
	s := NewSimulatorWithSeed(config.Default().Simulation, seed)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestBuyFillsAboveQuote(t *testing.T) {
	s := instantSim(t, 1)

	price := decimal.RequireFromString("0.00000003")
	fill, err := s.Execute(context.Background(), feed.SideBuy,
		decimal.NewFromInt(10), price, decimal.NewFromInt(1000))
	require.NoError(t, err)

	// base 0.5% plus 10/1000 * 30 = 0.3% impact
	assert.InDelta(t, 0.8, fill.PriceImpactPct, 1e-9)
	want := price.Mul(decimal.RequireFromString("1.008"))
	assert.True(t, fill.ExecutionPrice.Equal(want),
		"got %s want %s", fill.ExecutionPrice, want)
}

func TestSellFillsBelowQuote(t *testing.T) {
	s := instantSim(t, 1)

	price := decimal.NewFromInt(100)
	fill, err := s.Execute(context.Background(), feed.SideSell,
		decimal.NewFromInt(10), price, decimal.NewFromInt(1000))
	require.NoError(t, err)

	want := decimal.RequireFromString("99.2")
	assert.True(t, fill.ExecutionPrice.Equal(want),
		"got %s want %s", fill.ExecutionPrice, want)
}

func TestImpactCappedAtFullPrice(t *testing.T) {
	s := instantSim(t, 1)

	// Order ten times the market cap.
	fill, err := s.Execute(context.Background(), feed.SideSell,
		decimal.NewFromInt(10000), decimal.NewFromInt(100), decimal.NewFromInt(1000))
	require.NoError(t, err)

	assert.Equal(t, 100.0, fill.PriceImpactPct)
	assert.True(t, fill.ExecutionPrice.IsZero())
}

func TestDelaysStayWithinBounds(t *testing.T) {
	cfg := config.Default().Simulation
	s := instantSim(t, 42)

	maxWithCongestion := float64(cfg.NetworkDelay.MaxMs) * cfg.NetworkDelay.CongestionMultiplier
	for i := 0; i < 200; i++ {
		fill, err := s.Execute(context.Background(), feed.SideBuy,
			decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(10000))
		require.NoError(t, err)

		assert.GreaterOrEqual(t, fill.NetworkDelayMs, int64(cfg.NetworkDelay.MinMs))
		assert.LessOrEqual(t, float64(fill.NetworkDelayMs), maxWithCongestion)

		// 0.4s average block, factor in [0.8, 1.2]
		assert.GreaterOrEqual(t, fill.ConfirmationMs, int64(320))
		assert.LessOrEqual(t, fill.ConfirmationMs, int64(480))
	}
	assert.Equal(t, int64(200), s.Fills())
}

func TestCancelAbandonsOrder(t *testing.T) {
	s := NewSimulatorWithSeed(config.Default().Simulation, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Execute(ctx, feed.SideBuy,
		decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), s.Fills())
}
