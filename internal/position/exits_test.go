package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-trading/ember/internal/config"
)

// healthyView passes every exit rule at the given recovery strength.
func healthyView(strength float64) MarketView {
	return MarketView{
		Volume5m:      50,
		StrengthTotal: strength,
		BuyPressure:   0.6,
		Structure:     "neutral",
		Phase:         "expansion",
	}
}

func TestTieredExitsCloseThePosition(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	steps := []struct {
		price    string
		reason   string
		fraction float64
	}{
		{"116", "TAKE_PROFIT_15PCT", 0.2},
		{"131", "TAKE_PROFIT_30PCT", 0.3},
		{"151", "TAKE_PROFIT_50PCT", 0.3},
		{"181", "TAKE_PROFIT_80PCT", 0.2},
	}

	for i, step := range steps {
		now := posBase.Add(time.Duration(i+1) * time.Minute)
		pos.updatePrice(dec(step.price), 1, now)

		d := eng.Evaluate(pos, healthyView(50), now)
		require.True(t, d.Exit, "step %d should exit", i)
		assert.Equal(t, step.reason, d.Reason)
		assert.InDelta(t, step.fraction, d.Fraction, 1e-9)

		closed := pos.applyExit(d.Fraction, dec(step.price), d.Reason, now)
		assert.Equal(t, i == len(steps)-1, closed)
	}

	assert.Equal(t, 0.0, pos.RemainingFraction)
	assert.Equal(t, StatusClosed, pos.Status)
	assert.InDelta(t, 1.0, pos.exitedFraction(), 1e-9)

	// A closed position never produces another decision.
	d := eng.Evaluate(pos, healthyView(50), posBase.Add(10*time.Minute))
	assert.False(t, d.Exit)
}

func TestTierThresholdsStretchWithStrength(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	now := posBase.Add(3 * time.Minute)
	pos.updatePrice(dec("114"), 1, now)

	// Strength 60 stretches the 15% tier to 16.5%.
	d := eng.Evaluate(pos, healthyView(60), now)
	assert.False(t, d.Exit)

	// Strength 40 compresses it to 13.5%.
	d = eng.Evaluate(pos, healthyView(40), now)
	require.True(t, d.Exit)
	assert.Equal(t, "TAKE_PROFIT_15PCT", d.Reason)
}

func TestTierFiresOnce(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	now := posBase.Add(3 * time.Minute)
	pos.updatePrice(dec("116"), 1, now)

	d := eng.Evaluate(pos, healthyView(50), now)
	require.True(t, d.Exit)
	pos.applyExit(d.Fraction, dec("116"), d.Reason, now)

	// Same gain again: the 15% tier stays spent.
	d = eng.Evaluate(pos, healthyView(50), now.Add(time.Minute))
	assert.False(t, d.Exit)
}

func TestRecoveryWeakeningTakesFullExit(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*MarketView)
	}{
		{"low strength", func(v *MarketView) { v.StrengthTotal = 5 }},
		{"low buy pressure", func(v *MarketView) { v.BuyPressure = 0.1 }},
		{"bearish structure", func(v *MarketView) { v.Structure = "bearish" }},
		{"distribution phase", func(v *MarketView) { v.Phase = "distribution" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := NewExitEngine(config.Default())
			pos := newPosition("mint-a", dec("100"), dec("1"), posBase)
			now := posBase.Add(time.Minute)
			pos.updatePrice(dec("105"), 1, now)

			view := healthyView(50)
			tc.mutate(&view)

			d := eng.Evaluate(pos, view, now)
			require.True(t, d.Exit)
			assert.Equal(t, ReasonRecoveryWeakening, d.Reason)
			assert.Equal(t, 1.0, d.Fraction)
		})
	}
}

func TestRapidReversalInsideEntryWindow(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	now := posBase.Add(time.Minute)
	pos.updatePrice(dec("88"), 1, now)

	d := eng.Evaluate(pos, healthyView(50), now)
	require.True(t, d.Exit)
	assert.Equal(t, ReasonRapidReversal, d.Reason)
	assert.Equal(t, 1.0, d.Fraction)
}

func TestDrawdownOutsideEntryWindowHolds(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	// Same 12% drop, five minutes in: past the reversal window.
	now := posBase.Add(5 * time.Minute)
	pos.updatePrice(dec("88"), 1, now)

	d := eng.Evaluate(pos, healthyView(50), now)
	assert.False(t, d.Exit)
}

func TestRecentBearishFlipTriggersReversal(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	now := posBase.Add(5 * time.Minute)
	pos.updatePrice(dec("102"), 1, now)

	view := healthyView(50)
	view.LastBearishAt = now.Add(-30 * time.Second)

	d := eng.Evaluate(pos, view, now)
	require.True(t, d.Exit)
	assert.Equal(t, ReasonRapidReversal, d.Reason)

	// A flip two minutes ago is stale.
	eng2 := NewExitEngine(config.Default())
	view.LastBearishAt = now.Add(-2 * time.Minute)
	d = eng2.Evaluate(pos, view, now)
	assert.False(t, d.Exit)
}

func TestTrailingStopArmsRaisesAndTriggers(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	// +12% arms the stop at 112 * 0.9 = 100.8.
	now := posBase.Add(3 * time.Minute)
	pos.updatePrice(dec("112"), 1, now)
	assert.False(t, eng.Evaluate(pos, healthyView(50), now).Exit)

	// +14% raises it to 102.6.
	now = now.Add(time.Minute)
	pos.updatePrice(dec("114"), 1, now)
	assert.False(t, eng.Evaluate(pos, healthyView(50), now).Exit)

	// 103 is still above the stop.
	now = now.Add(time.Minute)
	pos.updatePrice(dec("103"), 1, now)
	assert.False(t, eng.Evaluate(pos, healthyView(50), now).Exit)

	// 101 crosses it.
	now = now.Add(time.Minute)
	pos.updatePrice(dec("101"), 1, now)
	d := eng.Evaluate(pos, healthyView(50), now)
	require.True(t, d.Exit)
	assert.Equal(t, ReasonTrailingStop, d.Reason)
	assert.Equal(t, 1.0, d.Fraction)
}

func TestTrailingStopTightensWhenWeak(t *testing.T) {
	cfg := config.Default()
	cfg.Exits.TakeProfit.Tiers = nil // isolate the trailing stop

	arm := func(t *testing.T, strength float64) (*ExitEngine, *Position, time.Time) {
		t.Helper()
		eng := NewExitEngine(cfg)
		pos := newPosition("mint-a", dec("100"), dec("1"), posBase)
		now := posBase.Add(3 * time.Minute)
		pos.updatePrice(dec("112"), 1, now)
		require.False(t, eng.Evaluate(pos, healthyView(strength), now).Exit)
		return eng, pos, now.Add(time.Minute)
	}

	t.Run("weak strength halves the distance", func(t *testing.T) {
		// Strength 15: distance 13.5% halved to 6.75%, stop 104.44.
		eng, pos, now := arm(t, 15)
		pos.updatePrice(dec("104"), 1, now)
		d := eng.Evaluate(pos, healthyView(15), now)
		require.True(t, d.Exit)
		assert.Equal(t, ReasonTrailingStop, d.Reason)
	})

	t.Run("full strength keeps the wide stop", func(t *testing.T) {
		// Strength 50: stop sits at 100.8, 104 holds.
		eng, pos, now := arm(t, 50)
		pos.updatePrice(dec("104"), 1, now)
		assert.False(t, eng.Evaluate(pos, healthyView(50), now).Exit)
	})
}

func TestVolumeDropExit(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	view := healthyView(50)
	view.BuyPressure = 0.28

	now := posBase.Add(3 * time.Minute)
	pos.updatePrice(dec("100"), 1, now)

	view.Volume5m = 100
	assert.False(t, eng.Evaluate(pos, view, now).Exit)

	// 70% collapse from the peak with thin buy pressure.
	now = now.Add(time.Minute)
	view.Volume5m = 30
	d := eng.Evaluate(pos, view, now)
	require.True(t, d.Exit)
	assert.Equal(t, ReasonVolumeDrop, d.Reason)
	assert.Equal(t, 1.0, d.Fraction)
}

func TestVolumeDropNeedsThinBuyPressure(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	view := healthyView(50)
	now := posBase.Add(3 * time.Minute)
	pos.updatePrice(dec("100"), 1, now)

	view.Volume5m = 100
	assert.False(t, eng.Evaluate(pos, view, now).Exit)

	// Same collapse, but buyers are still present.
	view.Volume5m = 30
	assert.False(t, eng.Evaluate(pos, view, now.Add(time.Minute)).Exit)
}

func TestDisposeDropsPerPositionState(t *testing.T) {
	eng := NewExitEngine(config.Default())
	pos := newPosition("mint-a", dec("100"), dec("1"), posBase)

	now := posBase.Add(time.Minute)
	pos.updatePrice(dec("105"), 1, now)
	eng.Evaluate(pos, healthyView(50), now)
	_, tracked := eng.states[pos.ID]
	require.True(t, tracked)

	eng.Dispose(pos.ID)
	_, tracked = eng.states[pos.ID]
	assert.False(t, tracked)
}
