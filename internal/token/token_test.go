package token

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-trading/ember/internal/feed"
)

var testBase = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// newTestToken builds a token directly from a synthetic create event.
func newTestToken(mcapSol float64) *Token {
	return newToken(&feed.CreateEvent{
		Mint:       "MintAAA",
		CreatorKey: "CreatorAAA",
		Name:       "Test",
		Symbol:     "TST",
		Curve: feed.BondingCurve{
			VTokens: decimal.NewFromInt(1_000_000),
			VSol:    decimal.NewFromFloat(mcapSol),
		},
		MarketCapSol: decimal.NewFromFloat(mcapSol),
		ReceivedAt:   testBase,
	})
}

// trade builds a synthetic trade. mcapSol doubles as the vSol reserve
// so price stays proportional to market cap.
func trade(trader string, side feed.Side, mcapSol, amountSol float64, at time.Time) *feed.TradeEvent {
	return &feed.TradeEvent{
		Side:        side,
		Mint:        "MintAAA",
		TraderKey:   trader,
		TokenAmount: decimal.NewFromFloat(amountSol * 1000),
		SolAmount:   decimal.NewFromFloat(amountSol),
		NewBalance:  decimal.NewFromFloat(amountSol * 1000),
		Curve: feed.BondingCurve{
			VTokens: decimal.NewFromInt(1_000_000),
			VSol:    decimal.NewFromFloat(mcapSol),
		},
		MarketCapSol: decimal.NewFromFloat(mcapSol),
		ReceivedAt:   at,
	}
}

func TestHighestMarketCapNeverDecreases(t *testing.T) {
	tok := newTestToken(7500)

	caps := []float64{8000, 12000, 9000, 11000, 5000}
	for i, c := range caps {
		tok.update(trade("traderA", feed.SideBuy, c, 1, testBase.Add(time.Duration(i)*time.Second)))
		assert.True(t, tok.HighestMarketCap.GreaterThanOrEqual(tok.MarketCapSol),
			"after cap %v: highest %s < current %s", c, tok.HighestMarketCap, tok.MarketCapSol)
	}
	assert.True(t, tok.HighestMarketCap.Equal(decimal.NewFromInt(12000)))
}

func TestDrawdownLowTracksDown(t *testing.T) {
	tok := newTestToken(7500)
	tok.state = StateFirstPump
	tok.update(trade("traderA", feed.SideBuy, 12000, 1, testBase))

	require.NoError(t, tok.TransitionTo(StateDrawdown, testBase.Add(time.Second)))
	require.NotNil(t, tok.DrawdownLow)
	assert.True(t, tok.DrawdownLow.Equal(decimal.NewFromInt(12000)))

	// The low follows every new bottom.
	tok.update(trade("traderB", feed.SideSell, 9000, 1, testBase.Add(2*time.Second)))
	assert.True(t, tok.DrawdownLow.Equal(decimal.NewFromInt(9000)))

	tok.update(trade("traderC", feed.SideSell, 8000, 1, testBase.Add(3*time.Second)))
	assert.True(t, tok.DrawdownLow.Equal(decimal.NewFromInt(8000)))

	// A rebound never raises it.
	tok.update(trade("traderD", feed.SideBuy, 10000, 1, testBase.Add(4*time.Second)))
	assert.True(t, tok.DrawdownLow.Equal(decimal.NewFromInt(8000)))
}

func TestCounterpartyDerivation(t *testing.T) {
	tok := newTestToken(7500)

	assert.Empty(t, tok.counterpartyFor("traderA"), "no counterparty before any trade")

	tok.update(trade("traderB", feed.SideSell, 7400, 1, testBase))
	assert.Equal(t, "traderB", tok.counterpartyFor("traderA"))

	tok.update(trade("traderA", feed.SideBuy, 7500, 1, testBase.Add(time.Second)))
	// The trader's own trade is skipped.
	assert.Equal(t, "traderB", tok.counterpartyFor("traderA"))
	assert.Equal(t, "traderA", tok.counterpartyFor("traderB"))
}

func TestHolderTracking(t *testing.T) {
	tok := newTestToken(7500)

	tok.update(trade("traderA", feed.SideBuy, 7600, 3, testBase))
	tok.update(trade("traderB", feed.SideBuy, 7700, 1, testBase.Add(time.Second)))
	assert.Equal(t, 2, tok.HolderCount())
	assert.InDelta(t, 75.0, tok.topHolderPct(), 0.01)

	// Full exit removes the holder.
	evt := trade("traderA", feed.SideSell, 7600, 3, testBase.Add(2*time.Second))
	evt.NewBalance = decimal.Zero
	tok.update(evt)
	assert.Equal(t, 1, tok.HolderCount())
}

func TestGainFromBottomPct(t *testing.T) {
	tok := newTestToken(7500)
	assert.Zero(t, tok.GainFromBottomPct(), "no drawdown low recorded")

	low := decimal.NewFromInt(9000)
	tok.DrawdownLow = &low
	tok.MarketCapSol = decimal.NewFromFloat(10350)
	assert.InDelta(t, 15.0, tok.GainFromBottomPct(), 0.001)
}

func TestPumpMetricsRecordedOnFirstPump(t *testing.T) {
	tok := newTestToken(7500)

	require.NoError(t, tok.TransitionTo(StateFirstPump, testBase))
	assert.Equal(t, 1, tok.Pump.PumpCount)
	assert.Equal(t, testBase, tok.Pump.LastPumpTime)
	assert.Len(t, tok.Pump.PumpTimestamps, 1)
}
