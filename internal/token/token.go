package token

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/feed"
)

const priceRingCap = 30

// priceSample is one candle-like observation on a token.
type priceSample struct {
	price     decimal.Decimal
	volumeSol float64
	side      feed.Side
	ts        time.Time
}

// volumeSample is one volume observation for the sliding windows.
type volumeSample struct {
	ts  time.Time
	sol float64
	buy bool
}

// PumpMetrics tracks pump history on a token.
type PumpMetrics struct {
	PumpCount         int         `json:"pump_count"`
	LastPumpTime      time.Time   `json:"last_pump_time"`
	HighestGainRate   float64     `json:"highest_gain_rate"`
	PriceAcceleration float64     `json:"price_acceleration"`
	PumpTimestamps    []time.Time `json:"pump_timestamps"`
}

// RecoveryMetrics holds the derived analytics recomputed on every
// trade while the token has enough samples.
type RecoveryMetrics struct {
	Volatility    float64   `json:"volatility"`      // std-dev of log returns
	VolumeTrend   string    `json:"volume_trend"`    // increasing|stable|decreasing
	Strength      float64   `json:"strength"`        // raw rebound ratio from the drawdown low
	StrengthTotal float64   `json:"strength_total"`  // Strength on a 0-100 scale
	BuyPressure   float64   `json:"buy_pressure"`    // [0,1]
	Structure     string    `json:"structure"`       // bullish|bearish|neutral
	OverallHealth float64   `json:"overall_health"`  // [0,1]
	Phase         string    `json:"phase"`           // none|accumulation|expansion|distribution
	LastBearishAt time.Time `json:"last_bearish_at"` // when structure last flipped bearish
	UpdatedAt     time.Time `json:"updated_at"`
}

// Token is the per-mint domain entity. It is owned exclusively by the
// Registry; everything else reads it through snapshot accessors.
type Token struct {
	Mint       string
	Name       string
	Symbol     string
	URI        string
	CreatorKey string
	CreatedAt  time.Time

	// Bonding curve reserves. Price is VSol/VTokens.
	VTokens decimal.Decimal
	VSol    decimal.Decimal

	CurrentPrice     decimal.Decimal
	MarketCapSol     decimal.Decimal
	HighestMarketCap decimal.Decimal

	// DrawdownLow is set on entry to drawdown and tracks the lowest
	// market cap seen until the token leaves recovery. Nil otherwise.
	DrawdownLow *decimal.Decimal

	state          State
	stateEnteredAt time.Time

	// Unsafe marks a recovery that failed safety checks. The state
	// stays recovery; the flag blocks position entry.
	Unsafe       bool
	UnsafeReason string

	// readySignaled dedupes the entry signal per token.
	readySignaled bool

	Pump     PumpMetrics
	Recovery RecoveryMetrics

	samples    [priceRingCap]priceSample
	sampleHead int
	sampleLen  int

	volumes []volumeSample // pruned to the longest window on append

	// Holder balances observed from newTokenBalance fields. An
	// approximation of the holder set: only traders seen on this feed.
	holders map[string]decimal.Decimal

	// Last two distinct trader keys seen on this mint, newest first.
	// Used to derive the counterparty of a trade.
	lastTrader string
	prevTrader string

	LastTradeAt time.Time
	TradeCount  int64
}

// newToken builds a Token from a create event.
func newToken(evt *feed.CreateEvent) *Token {
	t := &Token{
		Mint:             evt.Mint,
		Name:             evt.Name,
		Symbol:           evt.Symbol,
		URI:              evt.URI,
		CreatorKey:       evt.CreatorKey,
		CreatedAt:        evt.ReceivedAt,
		VTokens:          evt.Curve.VTokens,
		VSol:             evt.Curve.VSol,
		CurrentPrice:     evt.Curve.Price(),
		MarketCapSol:     evt.MarketCapSol,
		HighestMarketCap: evt.MarketCapSol,
		state:            StateNew,
		stateEnteredAt:   evt.ReceivedAt,
		holders:          make(map[string]decimal.Decimal),
	}
	t.Recovery.Phase = PhaseNone
	t.Recovery.Structure = StructureNeutral
	t.Recovery.VolumeTrend = VolumeStable
	return t
}

// update applies one trade. Called only by the Registry.
func (t *Token) update(evt *feed.TradeEvent) {
	t.VTokens = evt.Curve.VTokens
	t.VSol = evt.Curve.VSol
	t.CurrentPrice = evt.Curve.Price()
	t.MarketCapSol = evt.MarketCapSol
	t.LastTradeAt = evt.ReceivedAt
	t.TradeCount++

	if t.MarketCapSol.GreaterThan(t.HighestMarketCap) {
		t.HighestMarketCap = t.MarketCapSol
	}

	// While in a drawdown-derived state the low keeps tracking down.
	if t.DrawdownLow != nil && t.MarketCapSol.LessThan(*t.DrawdownLow) {
		low := t.MarketCapSol
		t.DrawdownLow = &low
	}

	sol, _ := evt.SolAmount.Float64()
	t.appendSample(priceSample{
		price:     t.CurrentPrice,
		volumeSol: sol,
		side:      evt.Side,
		ts:        evt.ReceivedAt,
	})
	t.appendVolume(volumeSample{ts: evt.ReceivedAt, sol: sol, buy: evt.Side == feed.SideBuy})

	// Holder set from the authoritative balance on the trade.
	if evt.NewBalance.IsPositive() {
		t.holders[evt.TraderKey] = evt.NewBalance
	} else {
		delete(t.holders, evt.TraderKey)
	}

	if evt.TraderKey != t.lastTrader {
		t.prevTrader = t.lastTrader
		t.lastTrader = evt.TraderKey
	}

	t.updatePumpMetrics(evt.ReceivedAt)
	t.updateRecoveryMetrics(evt.ReceivedAt)
}

// counterpartyFor returns the most recent trader on this mint other
// than self, or "" when none has been seen yet. On a bonding curve
// there is no literal counterparty; the most recent other participant
// is the best available stand-in for flow analysis.
func (t *Token) counterpartyFor(self string) string {
	if t.lastTrader != "" && t.lastTrader != self {
		return t.lastTrader
	}
	return t.prevTrader
}

func (t *Token) appendSample(s priceSample) {
	t.samples[t.sampleHead] = s
	t.sampleHead = (t.sampleHead + 1) % priceRingCap
	if t.sampleLen < priceRingCap {
		t.sampleLen++
	}
}

// recentSamples returns the ring oldest-first.
func (t *Token) recentSamples() []priceSample {
	out := make([]priceSample, 0, t.sampleLen)
	start := (t.sampleHead - t.sampleLen + priceRingCap*2) % priceRingCap
	for i := 0; i < t.sampleLen; i++ {
		out = append(out, t.samples[(start+i)%priceRingCap])
	}
	return out
}

const maxVolumeWindow = 60 * time.Minute

func (t *Token) appendVolume(v volumeSample) {
	cutoff := v.ts.Add(-maxVolumeWindow)
	i := 0
	for ; i < len(t.volumes); i++ {
		if t.volumes[i].ts.After(cutoff) {
			break
		}
	}
	t.volumes = append(t.volumes[i:], v)
}

// VolumeSOL sums traded volume inside the window ending at now.
func (t *Token) VolumeSOL(window time.Duration, now time.Time) float64 {
	cutoff := now.Add(-window)
	var sum float64
	for _, v := range t.volumes {
		if v.ts.After(cutoff) {
			sum += v.sol
		}
	}
	return sum
}

// avgVolumePer5m returns the per-5-minute average volume over window.
func (t *Token) avgVolumePer5m(window time.Duration, now time.Time) float64 {
	buckets := float64(window / (5 * time.Minute))
	if buckets < 1 {
		buckets = 1
	}
	return t.VolumeSOL(window, now) / buckets
}

// priceMomentumPct is the percent change from the oldest sample inside
// lookback to the current price. 0 with fewer than 2 samples.
func (t *Token) priceMomentumPct(lookback time.Duration, now time.Time) float64 {
	samples := t.recentSamples()
	cutoff := now.Add(-lookback)

	var base decimal.Decimal
	found := false
	for _, s := range samples {
		if s.ts.After(cutoff) {
			base = s.price
			found = true
			break
		}
	}
	if !found || !base.IsPositive() || !t.CurrentPrice.IsPositive() {
		return 0
	}
	f, _ := t.CurrentPrice.Sub(base).Div(base).Float64()
	return f * 100
}

// drawdownPct is the percent decline from the observed peak. Always ≤ 0.
func (t *Token) drawdownPct() float64 {
	if !t.HighestMarketCap.IsPositive() {
		return 0
	}
	f, _ := t.MarketCapSol.Sub(t.HighestMarketCap).Div(t.HighestMarketCap).Float64()
	return f * 100
}

// GainFromBottomPct is the percent rebound from the drawdown low.
// 0 when no low is recorded.
func (t *Token) GainFromBottomPct() float64 {
	if t.DrawdownLow == nil || !t.DrawdownLow.IsPositive() {
		return 0
	}
	f, _ := t.MarketCapSol.Sub(*t.DrawdownLow).Div(*t.DrawdownLow).Float64()
	return f * 100
}

func (t *Token) updatePumpMetrics(now time.Time) {
	m := t.priceMomentumPct(5*time.Minute, now)
	if m > t.Pump.HighestGainRate {
		t.Pump.HighestGainRate = m
	}

	// Acceleration: momentum delta between the two most recent samples.
	samples := t.recentSamples()
	if n := len(samples); n >= 3 {
		prev, _ := samples[n-2].price.Sub(samples[n-3].price).Div(samples[n-3].price).Float64()
		cur, _ := samples[n-1].price.Sub(samples[n-2].price).Div(samples[n-2].price).Float64()
		t.Pump.PriceAcceleration = (cur - prev) * 100
	}
}

// recordPump is called on entry to firstPump.
func (t *Token) recordPump(now time.Time) {
	t.Pump.PumpCount++
	t.Pump.LastPumpTime = now
	t.Pump.PumpTimestamps = append(t.Pump.PumpTimestamps, now)
}

// HolderCount returns the number of distinct positive-balance holders
// observed on the feed.
func (t *Token) HolderCount() int { return len(t.holders) }

// topHolderPct returns the largest holder's share of all observed
// balances, in percent. 0 when nothing is held.
func (t *Token) topHolderPct() float64 {
	total := decimal.Zero
	max := decimal.Zero
	for _, b := range t.holders {
		total = total.Add(b)
		if b.GreaterThan(max) {
			max = b
		}
	}
	if !total.IsPositive() {
		return 0
	}
	f, _ := max.Div(total).Float64()
	return f * 100
}

// CheckSafety re-validates the entry criteria. Returns false with a
// reason on the first failed check.
func (t *Token) CheckSafety(cfg config.SafetyConfig) (bool, string) {
	liq, _ := t.VSol.Float64()
	if liq < cfg.MinLiquiditySOL {
		return false, "Insufficient liquidity"
	}
	if t.HolderCount() < cfg.MinHolders {
		return false, "Too few holders"
	}
	top := t.topHolderPct()
	if top > cfg.MaxTopHolderConcentration {
		return false, "High holder concentration"
	}
	if top > cfg.MaxWalletPct && cfg.MaxWalletPct < cfg.MaxTopHolderConcentration {
		return false, "Single wallet holds too much"
	}
	return true, ""
}

// State returns the current lifecycle state.
func (t *Token) State() State { return t.state }

// StateAge is the time spent in the current state.
func (t *Token) StateAge(now time.Time) time.Duration {
	return now.Sub(t.stateEnteredAt)
}
