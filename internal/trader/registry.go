package trader

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/feed"
)

// washScorePenalty is deducted from reputation per wash incident.
const washScorePenalty = 5

// PhaseLookup reports the lifecycle state and recovery phase of a
// mint at trade time. The token registry supplies it.
type PhaseLookup func(mint string) (state, phase string)

// Registry owns the trader-key -> Trader map, the derived groups, and
// all flow-pattern detection.
type Registry struct {
	cfg *config.Config
	bus *bus.Bus

	mu      sync.RWMutex
	traders map[string]*Trader
	groups  map[string]*Group
	byKey   map[string]string // trader key -> group id

	phases PhaseLookup

	recorded   atomic.Int64
	washCount  atomic.Int64
	groupCount atomic.Int64
}

// NewRegistry creates a Registry.
func NewRegistry(cfg *config.Config, b *bus.Bus) *Registry {
	return &Registry{
		cfg:     cfg,
		bus:     b,
		traders: make(map[string]*Trader),
		groups:  make(map[string]*Group),
		byKey:   make(map[string]string),
	}
}

// SetPhaseLookup wires the token registry's state/phase view.
func (r *Registry) SetPhaseLookup(fn PhaseLookup) { r.phases = fn }

type pendingEvent struct {
	topic   bus.Topic
	payload any
}

// RecordTrade folds one trade into the trader model: balances,
// histories, behavior, style tallies, wash detection and counterparty
// relationships. counterparty may be empty early in a token's life.
func (r *Registry) RecordTrade(evt *feed.TradeEvent, counterparty string) {
	r.mu.Lock()
	pending := r.recordLocked(evt, counterparty)
	r.mu.Unlock()

	r.recorded.Add(1)
	for _, p := range pending {
		r.bus.Publish(p.topic, p.payload)
	}
}

func (r *Registry) recordLocked(evt *feed.TradeEvent, counterparty string) []pendingEvent {
	now := evt.ReceivedAt
	tr := r.getOrCreate(evt.TraderKey, now)
	if counterparty != "" {
		// Counterparties enter the model on first sighting too.
		r.getOrCreate(counterparty, now)
	}

	tr.LastActive = now
	r.applyBalance(tr, evt)
	r.applyStyle(tr, evt)
	tr.Reputation.TotalTrades++

	// Wash detection looks at history before this trade is appended.
	var pending []pendingEvent
	if counterparty != "" {
		pending = append(pending, r.detectWash(tr, evt, counterparty)...)
	}

	tr.appendHistory(TradeRecord{
		Side:         evt.Side,
		Mint:         evt.Mint,
		TokenAmount:  evt.TokenAmount,
		SolAmount:    evt.SolAmount,
		Counterparty: counterparty,
		Timestamp:    now,
	})
	tr.recomputeBehavior(now)

	if counterparty != "" {
		pending = append(pending, r.trackRelationship(tr, counterparty, now)...)
	}
	return pending
}

func (r *Registry) getOrCreate(key string, now time.Time) *Trader {
	tr, ok := r.traders[key]
	if !ok {
		tr = newTrader(key, now)
		r.traders[key] = tr
	}
	return tr
}

// applyBalance mutates the per-mint holding. Sells that would go
// negative are clamped to zero and logged.
func (r *Registry) applyBalance(tr *Trader, evt *feed.TradeEvent) {
	rec, ok := tr.TokenBalances[evt.Mint]
	if !ok {
		rec = &BalanceRecord{FirstSeen: evt.ReceivedAt}
		tr.TokenBalances[evt.Mint] = rec
	}

	if evt.Side == feed.SideBuy {
		rec.Balance = rec.Balance.Add(evt.TokenAmount)
		rec.CostSol = rec.CostSol.Add(evt.SolAmount)
		rec.Acquired = rec.Acquired.Add(evt.TokenAmount)
		if !ok {
			rec.InitialBalance = rec.Balance
		}
	} else {
		r.applyProfit(tr, rec, evt)
		rec.Balance = rec.Balance.Sub(evt.TokenAmount)
		if rec.Balance.IsNegative() {
			log.Warn().
				Str("trader", tr.Key).
				Str("mint", evt.Mint).
				Str("balance", rec.Balance.String()).
				Msg("traders: balance went negative, clamped")
			rec.Balance = decimal.Zero
		}
		if rec.Balance.IsZero() {
			tr.recordHoldTime(evt.ReceivedAt.Sub(rec.FirstSeen))
		}
	}
	rec.LastUpdated = evt.ReceivedAt
}

// applyProfit classifies a sell against the position's average cost.
func (r *Registry) applyProfit(tr *Trader, rec *BalanceRecord, evt *feed.TradeEvent) {
	if !rec.Acquired.IsPositive() || !evt.TokenAmount.IsPositive() {
		return
	}
	avgCost := rec.CostSol.Div(rec.Acquired)
	sellPrice := evt.SolAmount.Div(evt.TokenAmount)
	if !sellPrice.GreaterThan(avgCost) {
		return
	}

	tr.Reputation.ProfitableTrades++
	switch rec.entryTag {
	case "accumulation":
		tr.Style.RecoveryWins++
		tr.Style.AccumulationWins++
	case "expansion":
		tr.Style.RecoveryWins++
		tr.Style.ExpansionWins++
	}
}

// applyStyle tallies recovery participation by lifecycle phase.
func (r *Registry) applyStyle(tr *Trader, evt *feed.TradeEvent) {
	if r.phases == nil || evt.Side != feed.SideBuy {
		return
	}
	state, phase := r.phases(evt.Mint)
	sol, _ := evt.SolAmount.Float64()

	switch state {
	case "recovery":
		tr.Style.RecoveryTrades++
		tr.Style.RecoveryVolume += sol
		rec := tr.TokenBalances[evt.Mint]
		switch phase {
		case "accumulation":
			tr.Style.EarlyAccumulator++
			tr.Style.AccumulationBuys++
			if rec != nil && rec.entryTag == "" {
				rec.entryTag = "accumulation"
			}
		case "expansion":
			tr.Style.TrendFollower++
			tr.Style.ExpansionBuys++
			if rec != nil && rec.entryTag == "" {
				rec.entryTag = "expansion"
			}
		}
	case "heatingUp", "firstPump":
		tr.Style.BreakoutTrader++
	}
}

// detectWash scans the 1-minute window for a near-mirror trade with
// the same counterparty on the opposite side.
func (r *Registry) detectWash(tr *Trader, evt *feed.TradeEvent, counterparty string) []pendingEvent {
	tolerance := r.cfg.Trader.WashTolerancePct / 100
	for _, prior := range tr.tradesSince(time.Minute, evt.ReceivedAt) {
		if prior.Counterparty != counterparty || prior.Side == evt.Side || prior.Mint != evt.Mint {
			continue
		}
		if !amountsWithin(prior.TokenAmount, evt.TokenAmount, tolerance) {
			continue
		}

		tr.Reputation.WashTradingIncidents++
		tr.adjustScore(-washScorePenalty)
		r.washCount.Add(1)

		g := r.ensureGroup(tr.Key, counterparty, evt.ReceivedAt)
		g.addPattern(PatternFlag{
			Kind:      "washTrading",
			TraderKey: tr.Key,
			Detail:    evt.Mint,
			Timestamp: evt.ReceivedAt,
		})

		log.Warn().
			Str("trader", tr.Key).
			Str("counterparty", counterparty).
			Str("mint", evt.Mint).
			Msg("traders: wash trading detected")

		return []pendingEvent{{
			topic: bus.TopicWashTradingDetected,
			payload: bus.WashTradingDetected{
				BaseEvent:    bus.NewBaseEvent("trader-registry"),
				TraderKey:    tr.Key,
				Counterparty: counterparty,
				Mint:         evt.Mint,
				Amount:       evt.TokenAmount,
			},
		}}
	}
	return nil
}

// amountsWithin reports whether a and b differ by at most tolerance
// (a fraction) relative to b.
func amountsWithin(a, b decimal.Decimal, tolerance float64) bool {
	if !b.IsPositive() {
		return false
	}
	diff, _ := a.Sub(b).Abs().Div(b).Float64()
	return diff <= tolerance
}

// trackRelationship counts co-trades and fires once when the pair
// crosses the relationship threshold.
func (r *Registry) trackRelationship(tr *Trader, counterparty string, now time.Time) []pendingEvent {
	tr.CommonTraders[counterparty]++
	count := tr.CommonTraders[counterparty]
	if count != r.cfg.Trader.RelationshipThreshold {
		return nil
	}

	g := r.ensureGroup(tr.Key, counterparty, now)
	g.addPattern(PatternFlag{
		Kind:      "frequentRelationship",
		TraderKey: tr.Key,
		Detail:    counterparty,
		Timestamp: now,
	})

	return []pendingEvent{{
		topic: bus.TopicFrequentRelationship,
		payload: bus.FrequentRelationship{
			BaseEvent:    bus.NewBaseEvent("trader-registry"),
			TraderKey:    tr.Key,
			Counterparty: counterparty,
			CoTradeCount: count,
		},
	}}
}

// ensureGroup places both keys in one group, merging clusters when
// the pair bridges two existing ones.
func (r *Registry) ensureGroup(a, b string, now time.Time) *Group {
	ga, okA := r.groups[r.byKey[a]]
	gb, okB := r.groups[r.byKey[b]]

	switch {
	case !okA && !okB:
		g := newGroup(now, a, b)
		r.groups[g.ID] = g
		r.byKey[a] = g.ID
		r.byKey[b] = g.ID
		r.setGroupID(a, g.ID)
		r.setGroupID(b, g.ID)
		r.groupCount.Add(1)
		return g

	case okA && !okB:
		ga.Members[b] = true
		ga.LastActivity = now
		r.byKey[b] = ga.ID
		r.setGroupID(b, ga.ID)
		return ga

	case !okA && okB:
		gb.Members[a] = true
		gb.LastActivity = now
		r.byKey[a] = gb.ID
		r.setGroupID(a, gb.ID)
		return gb

	case ga.ID != gb.ID:
		ga.absorb(gb)
		for m := range gb.Members {
			r.byKey[m] = ga.ID
			r.setGroupID(m, ga.ID)
		}
		delete(r.groups, gb.ID)
		return ga

	default:
		ga.LastActivity = now
		return ga
	}
}

func (r *Registry) setGroupID(key, id string) {
	if tr, ok := r.traders[key]; ok {
		tr.GroupID = id
	}
}

// GlobalAnalysis scans groups for coordinated activity and evicts
// stale ones. Scheduled every 5 minutes.
func (r *Registry) GlobalAnalysis(now time.Time) {
	cleanup := time.Duration(r.cfg.Trader.GroupCleanupMs) * time.Millisecond

	r.mu.Lock()
	var pending []pendingEvent
	for id, g := range r.groups {
		if n := g.patternsSince(30*time.Minute, now); n >= r.cfg.Trader.CoordinationThreshold {
			pending = append(pending, pendingEvent{
				topic: bus.TopicSuspiciousGroup,
				payload: bus.SuspiciousGroup{
					BaseEvent:    bus.NewBaseEvent("trader-registry"),
					GroupID:      g.ID,
					Members:      g.memberKeys(),
					PatternCount: n,
					RiskScore:    g.RiskScore,
				},
			})
		}
		if now.Sub(g.LastActivity) > cleanup {
			for m := range g.Members {
				delete(r.byKey, m)
				r.setGroupID(m, "")
			}
			delete(r.groups, id)
		}
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.bus.Publish(p.topic, p.payload)
	}
}

// RecoveryAnalysis ranks recovery participants and publishes the
// leaderboards. Scheduled every minute.
func (r *Registry) RecoveryAnalysis(now time.Time) {
	r.mu.RLock()
	var participants []*Trader
	for _, tr := range r.traders {
		if tr.Style.RecoveryTrades > 0 {
			participants = append(participants, tr)
		}
	}
	r.mu.RUnlock()

	if len(participants) == 0 {
		return
	}

	r.bus.Publish(bus.TopicRecoveryAnalysis, bus.RecoveryAnalysis{
		BaseEvent:         bus.NewBaseEvent("trader-registry"),
		TopByWinRate:      topBy(participants, func(t *Trader) float64 { return t.Style.WinRate() }),
		TopByVolume:       topBy(participants, func(t *Trader) float64 { return t.Style.RecoveryVolume }),
		TopByAccumulation: topBy(participants, func(t *Trader) float64 { return t.Style.AccumulationAccuracy() }),
		TopByExpansion:    topBy(participants, func(t *Trader) float64 { return t.Style.ExpansionAccuracy() }),
	})
}

// topBy returns up to 10 trader keys ranked descending by metric.
func topBy(traders []*Trader, metric func(*Trader) float64) []string {
	ranked := make([]*Trader, len(traders))
	copy(ranked, traders)
	sort.Slice(ranked, func(i, j int) bool {
		mi, mj := metric(ranked[i]), metric(ranked[j])
		if mi != mj {
			return mi > mj
		}
		return ranked[i].Key < ranked[j].Key
	})

	n := len(ranked)
	if n > 10 {
		n = 10
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].Key
	}
	return out
}

// Get returns the trader for key, or nil. Registry-owned; read-only
// for callers.
func (r *Registry) Get(key string) *Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.traders[key]
}

// Len returns the number of tracked traders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traders)
}

// Export returns the trader set for snapshotting.
func (r *Registry) Export() []*Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Trader, 0, len(r.traders))
	for _, tr := range r.traders {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore loads a snapshotted trader set, replacing current state.
func (r *Registry) Restore(traders []*Trader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.traders = make(map[string]*Trader, len(traders))
	for _, tr := range traders {
		if tr.TokenBalances == nil {
			tr.TokenBalances = make(map[string]*BalanceRecord)
		}
		if tr.CommonTraders == nil {
			tr.CommonTraders = make(map[string]int)
		}
		r.traders[tr.Key] = tr
	}
	log.Info().Int("traders", len(traders)).Msg("traders: state restored")
}

// RegistryStats is a counter snapshot.
type RegistryStats struct {
	Traders  int   `json:"traders"`
	Groups   int   `json:"groups"`
	Recorded int64 `json:"recorded"`
	Washes   int64 `json:"washes"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	groups := len(r.groups)
	traders := len(r.traders)
	r.mu.RUnlock()

	return RegistryStats{
		Traders:  traders,
		Groups:   groups,
		Recorded: r.recorded.Load(),
		Washes:   r.washCount.Load(),
	}
}
