package trader

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/feed"
)

// tradeHistoryCap bounds the per-trader trade ring.
const tradeHistoryCap = 200

// TradeRecord is one observed trade by a trader.
type TradeRecord struct {
	Side         feed.Side       `json:"side"`
	Mint         string          `json:"mint"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	SolAmount    decimal.Decimal `json:"sol_amount"`
	Counterparty string          `json:"counterparty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// BalanceRecord tracks a trader's holding of one mint.
type BalanceRecord struct {
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"` // fixed at first observation
	CostSol        decimal.Decimal `json:"cost_sol"`        // cumulative SOL spent
	Acquired       decimal.Decimal `json:"acquired"`        // cumulative tokens bought
	FirstSeen      time.Time       `json:"first_seen"`
	LastUpdated    time.Time       `json:"last_updated"`

	// entryTag remembers the recovery phase of the first recovery-era
	// buy, for style-accuracy accounting on exit.
	entryTag string
}

// Reputation scores a trader's observed conduct.
type Reputation struct {
	Score                float64 `json:"score"` // clamped to [0,100]
	WashTradingIncidents int     `json:"wash_trading_incidents"`
	TotalTrades          int     `json:"total_trades"`
	ProfitableTrades     int     `json:"profitable_trades"`
	AvgHoldTimeMs        int64   `json:"avg_hold_time_ms"`
}

// Behavior summarizes the 5-minute trading window.
type Behavior struct {
	BuyToSellRatio       float64 `json:"buy_to_sell_ratio"`
	AverageTradeSize     float64 `json:"average_trade_size"` // SOL
	TradeFrequencyPerMin float64 `json:"trade_frequency_per_min"`
}

// RecoveryStyle tallies how a trader participates in recoveries.
type RecoveryStyle struct {
	EarlyAccumulator int `json:"early_accumulator"`
	TrendFollower    int `json:"trend_follower"`
	BreakoutTrader   int `json:"breakout_trader"`

	RecoveryTrades   int     `json:"recovery_trades"`
	RecoveryWins     int     `json:"recovery_wins"`
	RecoveryVolume   float64 `json:"recovery_volume_sol"`
	AccumulationBuys int     `json:"accumulation_buys"`
	AccumulationWins int     `json:"accumulation_wins"`
	ExpansionBuys    int     `json:"expansion_buys"`
	ExpansionWins    int     `json:"expansion_wins"`
}

// WinRate is the fraction of recovery trades closed profitably.
func (s RecoveryStyle) WinRate() float64 {
	if s.RecoveryTrades == 0 {
		return 0
	}
	return float64(s.RecoveryWins) / float64(s.RecoveryTrades)
}

// AccumulationAccuracy is the win fraction of accumulation-phase buys.
func (s RecoveryStyle) AccumulationAccuracy() float64 {
	if s.AccumulationBuys == 0 {
		return 0
	}
	return float64(s.AccumulationWins) / float64(s.AccumulationBuys)
}

// ExpansionAccuracy is the win fraction of expansion-phase buys.
func (s RecoveryStyle) ExpansionAccuracy() float64 {
	if s.ExpansionBuys == 0 {
		return 0
	}
	return float64(s.ExpansionWins) / float64(s.ExpansionBuys)
}

// Trader is the per-key domain entity. Owned by the Registry.
type Trader struct {
	Key        string    `json:"key"`
	FirstSeen  time.Time `json:"first_seen"`
	LastActive time.Time `json:"last_active"`

	TokenBalances map[string]*BalanceRecord `json:"token_balances"`

	Reputation Reputation    `json:"reputation"`
	Behavior   Behavior      `json:"behavior"`
	Style      RecoveryStyle `json:"style"`

	// CommonTraders counts co-trades per counterparty key.
	CommonTraders map[string]int `json:"common_traders"`

	// GroupID is set once the trader joins a suspicious cluster.
	GroupID string `json:"group_id,omitempty"`

	history []TradeRecord // bounded, newest last

	closedHolds int // number of completed round trips, for the hold-time average
}

func newTrader(key string, now time.Time) *Trader {
	return &Trader{
		Key:           key,
		FirstSeen:     now,
		LastActive:    now,
		TokenBalances: make(map[string]*BalanceRecord),
		CommonTraders: make(map[string]int),
		Reputation:    Reputation{Score: 100},
	}
}

func (t *Trader) appendHistory(rec TradeRecord) {
	t.history = append(t.history, rec)
	if len(t.history) > tradeHistoryCap {
		t.history = t.history[len(t.history)-tradeHistoryCap:]
	}
}

// tradesSince returns the history inside the window ending at now.
// The windowed views are always subsets of the full history.
func (t *Trader) tradesSince(window time.Duration, now time.Time) []TradeRecord {
	cutoff := now.Add(-window)
	for i, rec := range t.history {
		if rec.Timestamp.After(cutoff) {
			return t.history[i:]
		}
	}
	return nil
}

// recomputeBehavior refreshes the 5-minute behavior summary.
func (t *Trader) recomputeBehavior(now time.Time) {
	window := t.tradesSince(5*time.Minute, now)
	if len(window) == 0 {
		t.Behavior = Behavior{}
		return
	}

	var buys, sells int
	var totalSol float64
	for _, rec := range window {
		if rec.Side == feed.SideBuy {
			buys++
		} else {
			sells++
		}
		sol, _ := rec.SolAmount.Float64()
		totalSol += sol
	}

	ratio := float64(buys)
	if sells > 0 {
		ratio = float64(buys) / float64(sells)
	}
	t.Behavior = Behavior{
		BuyToSellRatio:       ratio,
		AverageTradeSize:     totalSol / float64(len(window)),
		TradeFrequencyPerMin: float64(len(window)) / 5.0,
	}
}

// adjustScore moves the reputation score, keeping it in [0,100].
func (t *Trader) adjustScore(delta float64) {
	s := t.Reputation.Score + delta
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	t.Reputation.Score = s
}

// recordHoldTime folds one completed round trip into the average.
func (t *Trader) recordHoldTime(held time.Duration) {
	n := int64(t.closedHolds)
	t.Reputation.AvgHoldTimeMs = (t.Reputation.AvgHoldTimeMs*n + held.Milliseconds()) / (n + 1)
	t.closedHolds++
}
